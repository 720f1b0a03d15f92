package buffer

import (
	"sync"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
)

type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	stats   *Statistics
	metrics *bufferMetrics
	opts    *bufferOptions[T]
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "buffer", "NewCircularBuffer", "capacity must be positive")
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "NewCircularBuffer", "metrics registration")
		}
	}

	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}, nil
}

// Write appends item according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	dropped, hasDropped, err := cb.write(item)
	if hasDropped && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return err
}

func (cb *circularBuffer[T]) write(item T) (dropped T, hasDropped bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return dropped, false, errors.WrapInvalid(errors.ErrShuttingDown, "buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		cb.stats.Overflow()
		cb.stats.Drop()
		if cb.metrics != nil {
			cb.metrics.recordDrop()
		}

		if cb.opts.overflowPolicy == DropNewest {
			return item, true, nil
		}

		dropped = cb.items[cb.tail]
		var zero T
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--
		hasDropped = true
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}
	return dropped, hasDropped, nil
}

// popLocked removes the oldest item. Caller holds mu and checked size.
func (cb *circularBuffer[T]) popLocked() T {
	item := cb.items[cb.tail]
	var zero T
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item
}

// Read removes and returns the oldest item.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	item := cb.popLocked()
	cb.stats.Read()
	cb.afterReadLocked()
	return item, true
}

// ReadBatch removes and returns up to max items.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := max
	if n > cb.size {
		n = cb.size
	}
	if n <= 0 {
		return nil
	}

	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, cb.popLocked())
		cb.stats.Read()
	}
	cb.afterReadLocked()
	return out
}

// Drain removes and returns every buffered item.
func (cb *circularBuffer[T]) Drain() []T {
	return cb.ReadBatch(cb.Capacity())
}

func (cb *circularBuffer[T]) afterReadLocked() {
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.updateSize(cb.size, cb.capacity)
	}
}

// Peek returns the oldest item without removing it.
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	cb.stats.Peek()
	return cb.items[cb.tail], true
}

// Size returns the number of buffered items.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the fixed capacity.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

// IsFull reports whether the buffer is at capacity.
func (cb *circularBuffer[T]) IsFull() bool {
	return cb.Size() == cb.capacity
}

// IsEmpty reports whether the buffer holds no items.
func (cb *circularBuffer[T]) IsEmpty() bool {
	return cb.Size() == 0
}

// Clear discards every item.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	for i := range cb.items {
		cb.items[i] = zero
	}
	cb.head, cb.tail, cb.size = 0, 0, 0
	cb.afterReadLocked()
}

// Stats returns the statistics tracker.
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close rejects further writes.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	return nil
}
