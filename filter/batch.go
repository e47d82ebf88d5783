package filter

import (
	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
)

// Batch carries events through the filters of one synchronous Send. Each
// filter reads the fresh events produced by its predecessor and writes the
// done events its successor will read.
//
// A Batch is only touched under the synchronous pipe's mutex.
type Batch struct {
	fresh   []*event.Event
	next    int
	done    []*event.Event
	current *event.Event
}

// NewBatch creates a batch whose fresh events are events, in order.
func NewBatch(events ...*event.Event) *Batch {
	return &Batch{fresh: events}
}

// Next consumes the next fresh event. The caller owns it: it must Emit it,
// Release it, or fail the Execute call.
func (b *Batch) Next() (*event.Event, bool) {
	if b.next >= len(b.fresh) {
		b.current = nil
		return nil, false
	}
	e := b.fresh[b.next]
	b.fresh[b.next] = nil
	b.next++
	b.current = e
	return e, true
}

// Pending returns the number of fresh events not yet consumed.
func (b *Batch) Pending() int {
	return len(b.fresh) - b.next
}

// Emit appends e to the done events. It has the Emitter signature so the
// same processing code can feed either a pipe or a batch.
func (b *Batch) Emit(e *event.Event) error {
	if e == nil {
		return errors.ErrInvalidArgument
	}
	if e == b.current {
		b.current = nil
	}
	b.done = append(b.done, e)
	return nil
}

// Advance forwards the unconsumed fresh events after the emitted ones and
// makes the result the fresh events for the next filter.
func (b *Batch) Advance() {
	b.done = append(b.done, b.fresh[b.next:]...)
	clear(b.fresh)
	b.fresh, b.done = b.done, b.fresh[:0]
	b.next = 0
	b.current = nil
}

// Take removes and returns the fresh events. Call it after the last
// Advance.
func (b *Batch) Take() []*event.Event {
	out := b.fresh[b.next:]
	b.fresh, b.next, b.current = nil, 0, nil
	return out
}

// Release releases every event the batch still references, including one
// consumed by Next and neither emitted nor released. It returns the number
// of events discarded.
func (b *Batch) Release() int {
	n := 0
	release := func(e *event.Event) {
		if e == nil {
			return
		}
		n++
		// A filter may have released current itself before failing.
		_ = e.Release()
	}
	for _, e := range b.fresh[b.next:] {
		release(e)
	}
	for _, e := range b.done {
		release(e)
	}
	release(b.current)

	clear(b.fresh)
	clear(b.done)
	b.fresh, b.done, b.next, b.current = nil, nil, 0, nil
	return n
}
