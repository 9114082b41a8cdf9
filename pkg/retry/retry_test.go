package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "github.com/c360/entitystream/errors"
)

func TestRetry_Success(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false,
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("persistent error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_StopsOnInvalidError(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return pipeerrors.WrapInvalid(pipeerrors.ErrDecode, "statusclient", "decode", "parse body")
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeerrors.ErrDecode))
	assert.Equal(t, 1, attempts)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return NonRetryable(errors.New("forbidden"))
	})

	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}

	attempts := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestRetry_BackoffTiming(t *testing.T) {
	cfg := Config{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	start := time.Now()
	attempts := 0
	_ = Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("error")
	})
	elapsed := time.Since(start)

	// 10ms + 20ms + 40ms
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
	assert.Equal(t, 4, attempts)
}

func TestRetry_WithResult(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}

	attempts := 0
	result, err := DoWithResult(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("not ready")
		}
		return "success", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Equal(t, 3, attempts)
}

func TestRetry_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func() error { return nil })
	assert.Error(t, err)

	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error { return nil })
	assert.Error(t, err)
}

func TestRetry_ZeroAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 0}, func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestBackoff_Progression(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	})

	assert.Equal(t, 100*time.Millisecond, b.Next())
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next())
	assert.Equal(t, 800*time.Millisecond, b.Next())
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 6, b.Attempts())

	b.Reset()
	assert.Equal(t, 0, b.Attempts())
	assert.Equal(t, 100*time.Millisecond, b.Current())
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        100 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0.25,
	})

	for i := 0; i < 50; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	assert.Equal(t, DefaultInitialBackoff, b.Current())
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
