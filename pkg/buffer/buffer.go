// Package buffer provides a generic, thread-safe circular buffer with
// overflow policies, always-on statistics and optional Prometheus metrics.
package buffer

// Buffer is a bounded FIFO.
type Buffer[T any] interface {
	// Write appends an item, applying the overflow policy when full.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items, oldest first.
	ReadBatch(max int) []T

	// Drain removes and returns every item, oldest first.
	Drain() []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear discards all items without invoking the drop callback.
	Clear()

	// Stats returns the buffer statistics.
	Stats() *Statistics

	// Close rejects further writes. Buffered items stay readable.
	Close() error
}

// OverflowPolicy defines how a full buffer handles a write.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the item being written.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback receives every item discarded by the overflow policy. It
// runs after the buffer lock is released.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newCircularBuffer(capacity, applyOptions(options...))
}
