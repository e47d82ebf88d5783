// Package pipe implements the transports between filters.
//
// An Async pipe is a bounded blocking queue with two one-way flags. Send
// blocks while the queue is full; Receive blocks while it is empty. The
// first ShutDown event closes the send side once it is enqueued and the
// receive side once it is handed out, so it passes exactly once in each
// direction. Later calls return errors.ErrPipeClosed. Abort closes both
// sides at once, wakes every blocked caller with errors.ErrPipeAborted and
// releases whatever was still queued.
//
// A Sync pipe runs a fixed list of Executors on the sender's goroutine
// under one mutex and feeds the result into an Async pipe.
package pipe

import (
	"log/slog"

	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/metric"
)

// DefaultCapacity is the queue length used when none is configured.
const DefaultCapacity = 64

// Pipe is the contract shared by both transports.
type Pipe interface {
	filter.Sender
	filter.Receiver
	Abort()
	Stats() Stats
}

// Stats is a point-in-time view of a pipe.
type Stats struct {
	Name          string `json:"name"`
	Sent          int64  `json:"sent"`
	Received      int64  `json:"received"`
	Dropped       int64  `json:"dropped"`
	Size          int    `json:"size"`
	Capacity      int    `json:"capacity"`
	SendClosed    bool   `json:"send_closed"`
	ReceiveClosed bool   `json:"receive_closed"`
	Aborted       bool   `json:"aborted"`
}

// Option configures a pipe.
type Option func(*options)

type options struct {
	name     string
	capacity int
	registry *metric.MetricsRegistry
	logger   *slog.Logger
}

// WithName labels the pipe in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithCapacity sets the queue length. Values below one are ignored.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithMetrics exports queue statistics and drop counts.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func applyOptions(opts []Option) *options {
	o := &options{name: "pipe", capacity: DefaultCapacity}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "pipe", "pipe", o.name)
	return o
}

// release frees the payload of an event the transport will not deliver.
func release(e *event.Event) {
	_ = e.Release()
}
