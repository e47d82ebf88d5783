// Package buffer provides a generic, thread-safe bounded queue with
// configurable overflow policies.
//
// The Block policy gives the backpressure behaviour the asynchronous pipe
// relies on: Write waits while the queue is full and Take waits while it is
// empty. Close wakes every waiter. Items still held after Close can be
// recovered with Drain so their owners can release them.
//
// Statistics are always collected. Prometheus metrics are enabled with the
// WithMetrics option.
package buffer

// Buffer is a bounded FIFO queue of items of type T.
type Buffer[T any] interface {
	// Write adds an item. When the buffer is full the behaviour depends on
	// the overflow policy. Writing to a closed buffer fails with
	// errors.ErrAlreadyStopped.
	Write(item T) error

	// Read removes one item without waiting. It returns false when the
	// buffer is empty.
	Read() (T, bool)

	// Take removes one item, waiting until one is available. It returns
	// false once the buffer is closed; items left behind stay reachable
	// through Drain.
	Take() (T, bool)

	// ReadBatch removes up to max items without waiting.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Drain removes and returns every held item in FIFO order. The drop
	// callback is not invoked; ownership passes to the caller.
	Drain() []T

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool
	IsClosed() bool

	// Clear removes every held item, invoking the drop callback for each.
	Clear()

	// Stats returns the always-on statistics.
	Stats() *Statistics

	// Close wakes all waiting writers and readers. Further writes fail.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write to wait until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called with every item the buffer discards, either by
// overflow policy or by Clear.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity. A
// capacity below one is raised to one. It fails only when metrics were
// requested and could not be registered.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
