package buffer

import (
	"sync"

	"github.com/SmartCGMS/core-sub005/errors"
)

// circularBuffer is a ring of fixed capacity guarded by one mutex. notEmpty
// and notFull carry the Block policy and Take.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	notEmpty *sync.Cond
	notFull  *sync.Cond

	stats   *Statistics
	metrics *bufferMetrics
	opts    *bufferOptions[T]
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	cb.notEmpty = sync.NewCond(&cb.mu)
	cb.notFull = sync.NewCond(&cb.mu)

	return cb, nil
}

// Write adds an item according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		switch cb.opts.overflowPolicy {
		case DropOldest:
			dropped := cb.pop()
			cb.recordDrop(true)
			if cb.opts.dropCallback != nil {
				// Deferred calls run after the unlock.
				defer cb.opts.dropCallback(dropped)
			}

		case DropNewest:
			cb.recordDrop(true)
			if cb.opts.dropCallback != nil {
				defer cb.opts.dropCallback(item)
			}
			return nil

		case Block:
			for cb.size == cb.capacity && !cb.closed {
				cb.notFull.Wait()
			}
			if cb.closed {
				return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}

	cb.notEmpty.Signal()
	return nil
}

// Read removes one item without waiting.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.readLocked(), true
}

// Take removes one item, waiting while the buffer is empty and open.
func (cb *circularBuffer[T]) Take() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	for cb.size == 0 && !cb.closed {
		cb.notEmpty.Wait()
	}
	if cb.closed {
		var zero T
		return zero, false
	}
	return cb.readLocked(), true
}

// ReadBatch removes up to max items without waiting.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	n := min(max, cb.size)
	result := make([]T, n)
	for i := range result {
		result[i] = cb.readLocked()
	}
	return result
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

// Drain removes every held item and hands them to the caller.
func (cb *circularBuffer[T]) Drain() []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	items := make([]T, 0, cb.size)
	for cb.size > 0 {
		items = append(items, cb.pop())
	}
	cb.sizeChanged()
	cb.notFull.Broadcast()
	return items
}

// Clear removes every held item, passing each one to the drop callback.
func (cb *circularBuffer[T]) Clear() {
	dropped := cb.Drain()
	for _, item := range dropped {
		cb.recordDrop(false)
		if cb.opts.dropCallback != nil {
			cb.opts.dropCallback(item)
		}
	}
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity is immutable and needs no lock.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == cb.capacity
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == 0
}

func (cb *circularBuffer[T]) IsClosed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.closed
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close marks the buffer closed and wakes every waiter. It is idempotent.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	cb.notEmpty.Broadcast()
	cb.notFull.Broadcast()
	return nil
}

// readLocked pops the oldest item, records the read and wakes one writer.
// The caller holds mu and has checked size > 0.
func (cb *circularBuffer[T]) readLocked() T {
	item := cb.pop()
	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordRead(cb.size, cb.capacity)
	}
	cb.notFull.Signal()
	return item
}

func (cb *circularBuffer[T]) pop() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item
}

func (cb *circularBuffer[T]) sizeChanged() {
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.updateSize(cb.size, cb.capacity)
	}
}

func (cb *circularBuffer[T]) recordDrop(overflow bool) {
	if overflow {
		cb.stats.Overflow()
	}
	cb.stats.Drop()
	if cb.metrics != nil {
		cb.metrics.recordDrop(overflow)
	}
}
