package pipe

import (
	"fmt"
	"sync"
	"time"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
)

// Sync composes Executors on the caller's goroutine. Each Send runs every
// filter over a single batch inside one critical section, so the order
// downstream is the order of admission. The result feeds an Async queue
// that the next threaded stage receives from.
type Sync struct {
	mu         sync.Mutex
	filters    []filter.Executor
	started    bool
	downstream *Async
}

// NewSync creates a synchronous pipe with no filters.
func NewSync(opts ...Option) (*Sync, error) {
	downstream, err := NewAsync(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "Sync", "NewSync", "downstream queue")
	}
	return &Sync{downstream: downstream}, nil
}

// AddFilter appends f. The composition is fixed by the first Send.
func (p *Sync) AddFilter(f filter.Executor) error {
	if f == nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "Sync", "AddFilter", "nil filter")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Sync", "AddFilter", "composition check")
	}
	p.filters = append(p.filters, f)
	return nil
}

// Len returns the number of composed filters.
func (p *Sync) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.filters)
}

// Send runs e through every filter and queues the result downstream. If a
// filter fails, the events produced so far in this call are released,
// nothing reaches the queue and the filter's error is returned.
func (p *Sync) Send(e *event.Event) error {
	if e == nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "Sync", "Send", "nil event")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true

	if p.downstream.Aborted() {
		p.downstream.drop(e, "aborted")
		return errors.ErrPipeAborted
	}
	if p.downstream.SendClosed() {
		p.downstream.drop(e, "closed")
		return errors.ErrPipeClosed
	}

	start := time.Now()
	b := filter.NewBatch(e)
	for i, f := range p.filters {
		if err := f.Execute(b); err != nil {
			n := b.Release()
			p.downstream.dropped.Add(int64(n))
			if m := p.downstream.metrics; m != nil {
				m.RecordEventDropped(p.downstream.Name(), "failed", n)
			}
			return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrFilterFailed, err),
				"Sync", "Send", fmt.Sprintf("execute filter %d", i))
		}
		b.Advance()
	}
	if m := p.downstream.metrics; m != nil {
		m.RecordExecuteDuration(p.downstream.Name(), time.Since(start))
	}

	// The downstream queue may block here; Abort does not need mu and
	// wakes us.
	var first error
	for _, out := range b.Take() {
		if err := p.downstream.Send(out); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Receive takes the next event from the downstream queue.
func (p *Sync) Receive() (*event.Event, error) {
	return p.downstream.Receive()
}

// Abort aborts the downstream queue. A Send blocked on it returns.
func (p *Sync) Abort() {
	p.downstream.Abort()
}

// Stats returns the downstream queue statistics.
func (p *Sync) Stats() Stats {
	return p.downstream.Stats()
}
