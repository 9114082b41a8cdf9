package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Reconnect backoff defaults.
const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMultiplier     = 2.0

	// DefaultJitter is the maximum jitter as a fraction of the base delay.
	DefaultJitter = 0.25
)

// BackoffConfig customizes a Backoff. Zero fields take the defaults.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Backoff calculates exponential backoff delays with jitter. Safe for concurrent use.
type Backoff struct {
	mu sync.Mutex

	current    time.Duration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	attempts   int

	rng *rand.Rand
}

// NewBackoff creates a backoff calculator.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultInitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMaxBackoff
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &Backoff{
		current:    cfg.Initial,
		initial:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay (with jitter) and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.addJitter(b.current)

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max || next <= 0 {
		next = b.max
	}
	b.current = next

	return delay
}

// Reset returns the backoff to its initial delay. Call after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the current base delay without jitter.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.jitter*b.rng.Float64())
}
