package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/metric"
)

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool(0, 0, func(context.Context, int) error { return nil })
	assert.Equal(t, 1, p.workers)
	assert.Equal(t, 64, p.queueSize)

	assert.PanicsWithValue(t, ErrNilProcessor, func() { NewPool[int](1, 1, nil) })
}

func TestPool_Lifecycle(t *testing.T) {
	p := NewPool(1, 4, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, p.Submit(1), ErrPoolNotStarted)

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, p.Stop(time.Second))
	assert.ErrorIs(t, p.Submit(1), ErrPoolStopped)
	assert.NoError(t, p.Stop(time.Second), "second stop is a no-op")
}

func TestPool_SingleWorkerKeepsOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	p := NewPool(1, 100, func(_ context.Context, n int) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		if n%10 == 0 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	want := make([]int, 0, 50)
	for i := 1; i <= 50; i++ {
		require.NoError(t, p.Submit(i))
		want = append(want, i)
	}
	require.NoError(t, p.Stop(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)

	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPool_FullQueueDrops(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(1, 1, func(context.Context, int) error {
		<-release
		return nil
	}, WithMetrics[int](metric.NewMetricsRegistry(), "test"))
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit(1))
	// The worker takes item 1 and blocks; the queue then holds one item.
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(2))
	assert.ErrorIs(t, p.Submit(3), ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Dropped)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.dropped))

	close(release)
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, int64(2), p.Stats().Processed)
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := NewPool(1, 1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, p.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_ContextCancelStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(2, 4, func(context.Context, int) error { return nil })
	require.NoError(t, p.Start(ctx))
	cancel()
	assert.NoError(t, p.Stop(time.Second))
}
