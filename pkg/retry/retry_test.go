package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_BaseDelayIsMonotonicAndCapped(t *testing.T) {
	b := DefaultBackoff()

	prev := time.Duration(0)
	for attempt := 0; attempt < 64; attempt++ {
		d := b.BaseDelay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, b.Max, "attempt %d", attempt)
		prev = d
	}

	assert.Equal(t, time.Second, b.BaseDelay(0))
	assert.Equal(t, 2*time.Second, b.BaseDelay(1))
	assert.Equal(t, 8*time.Second, b.BaseDelay(3))
	assert.Equal(t, 10*time.Minute, b.BaseDelay(20))
	assert.Equal(t, 10*time.Minute, b.BaseDelay(10000))
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := DefaultBackoff()

	b.Rand = func() float64 { return 0 }
	assert.Equal(t, 4*time.Second, b.Delay(2))

	b.Rand = func() float64 { return 0.999999 }
	d := b.Delay(2)
	assert.Greater(t, d, 4*time.Second)
	assert.Less(t, d, 4*time.Second+800*time.Millisecond)

	b.Rand = nil
	for i := 0; i < 100; i++ {
		d := b.Delay(0)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1200*time.Millisecond)
	}
}

func TestBackoff_Normalizes(t *testing.T) {
	b := Backoff{Initial: 0, Max: 0, Multiplier: 0.5}
	assert.Equal(t, time.Second, b.BaseDelay(0))
	assert.Equal(t, time.Second, b.BaseDelay(5))
	assert.Equal(t, time.Second, b.BaseDelay(-3))
}

func TestRetry_Success(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
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

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	sentinel := errors.New("bad request")
	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return NonRetryable(sentinel)
	})

	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestRetry_WithResult(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}

	attempts := 0
	result, err := DoWithResult(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("not ready")
		}
		return "bucket", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "bucket", result)
	assert.Equal(t, 2, attempts)
}

func TestRetry_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error { return nil })
	assert.Error(t, err)

	err = Do(context.Background(), Config{Multiplier: -1}, func() error { return nil })
	assert.Error(t, err)
}

func TestRetry_ZeroAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}
