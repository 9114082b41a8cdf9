package worker

import (
	"errors"

	pipeerrors "github.com/c360/entitystream/errors"
)

var (
	// ErrPoolNotStarted is returned by Submit before Start
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolStopped is returned by Submit after Stop
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolAlreadyStarted is returned by a second Start
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrNilProcessor is returned by NewPool without a processor
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout is returned when workers outlive the Stop timeout
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)

// ErrQueueFull is returned by Submit when the queue is at capacity. It is the shared
// sentinel so callers can classify it without importing this package.
var ErrQueueFull = pipeerrors.ErrQueueFull
