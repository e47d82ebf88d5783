// Package filter defines the contract between the transport and the
// processing stages: threaded filters own a goroutine and loop over their
// input pipe, synchronous filters are composed into a synchronous pipe and
// called with a Batch on the sender's goroutine.
package filter

import (
	"context"
	"log/slog"

	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/metric"
	"github.com/SmartCGMS/core-sub005/natsclient"
)

// Receiver is the consuming end of a pipe. Receive blocks until an event is
// available. It returns errors.ErrPipeClosed after the shutdown event was
// handed out and errors.ErrPipeAborted after Abort.
type Receiver interface {
	Receive() (*event.Event, error)
}

// Sender is the producing end of a pipe. Send takes ownership of e in all
// cases: on success it travels on, otherwise the pipe releases it.
type Sender interface {
	Send(e *event.Event) error
}

// Filter is a stage that owns its goroutine. Run configures the filter from
// cfg and then processes input until the input pipe reports end of stream.
// Configuration problems are recorded in cfg.Errors() and Run returns
// without entering its loop.
type Filter interface {
	Run(ctx context.Context, cfg Configuration) error
}

// Executor is a filter that can be composed into a synchronous pipe.
// Configure is called once before the first Execute. Execute consumes
// events from b with Next and produces with Emit; events it neither
// consumes nor emits are forwarded unchanged.
type Executor interface {
	Configure(cfg Configuration) error
	Execute(b *Batch) error
}

// Emitter hands an event to the next stage.
type Emitter func(e *event.Event) error

// Factory builds a filter bound to its pipe endpoints. Synchronous filters
// get nil endpoints and must return a value that also implements Executor.
type Factory func(in Receiver, out Sender, deps Dependencies) (Filter, error)

// Dependencies provides the shared infrastructure a filter may use.
type Dependencies struct {
	Stage           string                  // stage name for logs and metric labels
	Logger          *slog.Logger            // Structured logger (can be nil, defaults to slog.Default())
	MetricsRegistry *metric.MetricsRegistry // Metrics registry for Prometheus (can be nil)
	NATSClient      *natsclient.Client      // NATS connection for bridging filters (can be nil)
}

// GetLogger returns the configured logger or a default logger if none is provided
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger configured with component context
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName)
}

// CoreMetrics returns the chain metrics, or nil without a registry.
func (d *Dependencies) CoreMetrics() *metric.Metrics {
	if d.MetricsRegistry == nil {
		return nil
	}
	return d.MetricsRegistry.CoreMetrics()
}
