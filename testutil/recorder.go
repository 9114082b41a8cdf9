package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360/entitystream/types"
)

// Message is one recorded bus delivery
type Message struct {
	Topic   string
	Payload []byte
}

// MessageRecorder records bus deliveries. Handle matches the bus handler signature.
type MessageRecorder struct {
	mu       sync.Mutex
	messages []Message
}

// NewMessageRecorder creates an empty recorder
func NewMessageRecorder() *MessageRecorder {
	return &MessageRecorder{}
}

// Handle records a delivery
func (r *MessageRecorder) Handle(topic string, payload []byte) {
	body := make([]byte, len(payload))
	copy(body, payload)

	r.mu.Lock()
	r.messages = append(r.messages, Message{Topic: topic, Payload: body})
	r.mu.Unlock()
}

// Messages returns a copy of every recorded delivery
func (r *MessageRecorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Count returns the number of recorded deliveries
func (r *MessageRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// WaitForCount waits until at least n deliveries are recorded and returns them
func (r *MessageRecorder) WaitForCount(t *testing.T, n int, timeout time.Duration) []Message {
	t.Helper()
	waitFor(t, timeout, func() bool { return r.Count() >= n },
		func() { t.Fatalf("timeout waiting for %d messages (got %d)", n, r.Count()) })
	return r.Messages()
}

// CallbackRecorder records listener callbacks
type CallbackRecorder struct {
	mu    sync.Mutex
	calls [][]types.EntityID
}

// NewCallbackRecorder creates an empty recorder
func NewCallbackRecorder() *CallbackRecorder {
	return &CallbackRecorder{}
}

// Callback returns a listener callback that records each invocation
func (r *CallbackRecorder) Callback() func([]types.EntityID) {
	return func(changed []types.EntityID) {
		ids := make([]types.EntityID, len(changed))
		copy(ids, changed)

		r.mu.Lock()
		r.calls = append(r.calls, ids)
		r.mu.Unlock()
	}
}

// Calls returns a copy of every recorded invocation
func (r *CallbackRecorder) Calls() [][]types.EntityID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]types.EntityID, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns the number of invocations
func (r *CallbackRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Reset forgets recorded invocations
func (r *CallbackRecorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

// WaitForCalls waits until at least n invocations are recorded and returns them
func (r *CallbackRecorder) WaitForCalls(t *testing.T, n int, timeout time.Duration) [][]types.EntityID {
	t.Helper()
	waitFor(t, timeout, func() bool { return r.Count() >= n },
		func() { t.Fatalf("timeout waiting for %d callbacks (got %d)", n, r.Count()) })
	return r.Calls()
}

// AssertNoCalls fails if any invocation is recorded within d
func (r *CallbackRecorder) AssertNoCalls(t *testing.T, d time.Duration) {
	t.Helper()
	time.Sleep(d)
	if n := r.Count(); n > 0 {
		t.Fatalf("expected no callbacks, got %d: %v", n, r.Calls())
	}
}

// Eventually polls cond every 10ms until it holds or timeout elapses
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	waitFor(t, timeout, cond, func() { t.Fatalf("condition not met within %s: %s", timeout, msg) })
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, fail func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cond() {
			return
		}
		select {
		case <-ctx.Done():
			fail()
			return
		case <-ticker.C:
		}
	}
}
