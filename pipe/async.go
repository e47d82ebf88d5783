package pipe

import (
	"sync/atomic"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/metric"
	"github.com/SmartCGMS/core-sub005/pkg/buffer"
)

// Async is a bounded blocking queue between two goroutines. It expects a
// single producer and a single consumer.
type Async struct {
	opts    *options
	buf     buffer.Buffer[*event.Event]
	metrics *metric.Metrics

	sendClosed    atomic.Bool
	receiveClosed atomic.Bool
	aborted       atomic.Bool

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
}

// NewAsync creates an empty asynchronous pipe.
func NewAsync(opts ...Option) (*Async, error) {
	o := applyOptions(opts)

	bufOpts := []buffer.Option[*event.Event]{
		buffer.WithOverflowPolicy[*event.Event](buffer.Block),
	}
	var metrics *metric.Metrics
	if o.registry != nil {
		bufOpts = append(bufOpts, buffer.WithMetrics[*event.Event](o.registry, o.name))
		metrics = o.registry.CoreMetrics()
	}

	buf, err := buffer.NewCircularBuffer[*event.Event](o.capacity, bufOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Async", "NewAsync", "queue creation")
	}

	return &Async{opts: o, buf: buf, metrics: metrics}, nil
}

// Send enqueues e, blocking while the queue is full. The pipe owns e from
// the moment of the call: if it cannot be delivered it is released here.
func (p *Async) Send(e *event.Event) error {
	if e == nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "Async", "Send", "nil event")
	}
	if p.aborted.Load() {
		p.drop(e, "aborted")
		return errors.ErrPipeAborted
	}
	if p.sendClosed.Load() {
		p.drop(e, "closed")
		return errors.ErrPipeClosed
	}

	shutdown := e.IsShutDown()
	if err := p.buf.Write(e); err != nil {
		// Only Abort closes the queue.
		p.drop(e, "aborted")
		return errors.ErrPipeAborted
	}
	p.sent.Add(1)

	if shutdown {
		p.sendClosed.Store(true)
		p.opts.logger.Debug("Shutdown enqueued, send side closed")
	}
	return nil
}

// Receive dequeues the oldest event, blocking while the queue is empty.
func (p *Async) Receive() (*event.Event, error) {
	if p.aborted.Load() {
		return nil, errors.ErrPipeAborted
	}
	if p.receiveClosed.Load() {
		return nil, errors.ErrPipeClosed
	}

	e, ok := p.buf.Take()
	if !ok {
		return nil, errors.ErrPipeAborted
	}
	p.received.Add(1)

	if e.IsShutDown() {
		p.receiveClosed.Store(true)
		p.opts.logger.Debug("Shutdown handed out, receive side closed")
	}
	return e, nil
}

// Abort closes both directions immediately. Blocked Send and Receive calls
// return errors.ErrPipeAborted and queued events are released. Calling
// Abort again has no effect.
func (p *Async) Abort() {
	if !p.aborted.CompareAndSwap(false, true) {
		return
	}
	p.sendClosed.Store(true)
	p.receiveClosed.Store(true)

	// Close before draining so no Write can land after the drain.
	_ = p.buf.Close()
	queued := p.buf.Drain()
	for _, e := range queued {
		release(e)
	}
	if n := len(queued); n > 0 {
		p.dropped.Add(int64(n))
		if p.metrics != nil {
			p.metrics.RecordEventDropped(p.opts.name, "aborted", n)
		}
	}
	p.opts.logger.Debug("Pipe aborted", "released", len(queued))
}

// SendClosed reports whether a ShutDown has been enqueued or the pipe was
// aborted.
func (p *Async) SendClosed() bool {
	return p.sendClosed.Load()
}

// Aborted reports whether Abort was called.
func (p *Async) Aborted() bool {
	return p.aborted.Load()
}

// Size returns the number of queued events.
func (p *Async) Size() int {
	return p.buf.Size()
}

// Capacity returns the queue length.
func (p *Async) Capacity() int {
	return p.buf.Capacity()
}

// Name returns the pipe label.
func (p *Async) Name() string {
	return p.opts.name
}

// Stats returns a snapshot of the pipe counters.
func (p *Async) Stats() Stats {
	return Stats{
		Name:          p.opts.name,
		Sent:          p.sent.Load(),
		Received:      p.received.Load(),
		Dropped:       p.dropped.Load(),
		Size:          p.buf.Size(),
		Capacity:      p.buf.Capacity(),
		SendClosed:    p.sendClosed.Load(),
		ReceiveClosed: p.receiveClosed.Load(),
		Aborted:       p.aborted.Load(),
	}
}

func (p *Async) drop(e *event.Event, reason string) {
	release(e)
	p.dropped.Add(1)
	if p.metrics != nil {
		p.metrics.RecordEventDropped(p.opts.name, reason, 1)
	}
}
