// Package worker runs submitted work items on a fixed set of goroutines.
//
// With a single worker, items are processed strictly in submission order;
// the pull client relies on that to persist config and session state
// without an older write overtaking a newer one.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/metric"
)

// Pool processes items of type T with a bounded queue. Submit never
// blocks; a full queue drops the item.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	work chan T
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	registry metric.MetricsRegistrar
	prefix   string
	metrics  *poolMetrics
}

type poolMetrics struct {
	depth     prometheus.Gauge
	processed *prometheus.CounterVec
	dropped   prometheus.Counter
	duration  prometheus.Histogram
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics exports the pool counters under prefix.
func WithMetrics[T any](registry metric.MetricsRegistrar, prefix string) Option[T] {
	return func(p *Pool[T]) {
		if registry != nil && prefix != "" {
			p.registry = registry
			p.prefix = prefix
		}
	}
}

// NewPool creates a stopped pool. Zero workers or queue size pick the
// defaults of 1 and 64. It panics on a nil processor.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		work:      make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil {
		p.metrics = newPoolMetrics(p.registry, p.prefix)
	}
	return p
}

func newPoolMetrics(registry metric.MetricsRegistrar, prefix string) *poolMetrics {
	labels := prometheus.Labels{"pool": prefix}
	m := &poolMetrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "worker", Name: "queue_depth",
			ConstLabels: labels, Help: "Items waiting in the worker queue",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "worker", Name: "processed_total",
			ConstLabels: labels, Help: "Items processed, by outcome",
		}, []string{"status"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "worker", Name: "dropped_total",
			ConstLabels: labels, Help: "Items dropped on a full queue",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace, Subsystem: "worker", Name: "processing_seconds",
			ConstLabels: labels, Help: "Time spent processing one item",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
	// Registration conflicts leave the pool working without export.
	if registry.RegisterGauge(prefix, "worker_queue_depth", m.depth) != nil ||
		registry.RegisterCounterVec(prefix, "worker_processed", m.processed) != nil ||
		registry.RegisterCounter(prefix, "worker_dropped", m.dropped) != nil ||
		registry.RegisterHistogram(prefix, "worker_processing_seconds", m.duration) != nil {
		return nil
	}
	return m
}

// Start launches the workers. They exit when ctx is cancelled or Stop
// drains the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolAlreadyStarted
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	return nil
}

// Submit queues work without blocking.
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !p.started:
		return ErrPoolNotStarted
	case p.stopped:
		return ErrPoolStopped
	}

	select {
	case p.work <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.depth.Set(float64(len(p.work)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Stop refuses new work and waits up to timeout for queued items to
// finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.work)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.work),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.work:
			if !ok {
				return
			}
			start := time.Now()
			err := p.processor(ctx, item)
			p.processed.Add(1)
			status := "ok"
			if err != nil {
				p.failed.Add(1)
				status = "error"
			}
			if p.metrics != nil {
				p.metrics.processed.WithLabelValues(status).Inc()
				p.metrics.duration.Observe(time.Since(start).Seconds())
				p.metrics.depth.Set(float64(len(p.work)))
			}
		}
	}
}
