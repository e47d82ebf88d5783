package pipeline

import (
	"log/slog"

	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/health"
	"github.com/SmartCGMS/core-sub005/metric"
	"github.com/SmartCGMS/core-sub005/natsclient"
)

// Sink observes every event that leaves the last stage. The driver
// releases the event after Sink returns, so Sink must not keep it.
type Sink func(e *event.Event)

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger passed to every stage.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics exports pipe, stage and payload metrics through registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(d *Driver) { d.registry = registry }
}

// WithNATSClient makes a NATS connection available to bridging filters.
func WithNATSClient(client *natsclient.Client) Option {
	return func(d *Driver) { d.nats = client }
}

// WithHealthCheck adds a named check, such as a shared connection, to the
// aggregate Health reports beside the stages.
func WithHealthCheck(name string, check func() health.Status) Option {
	return func(d *Driver) {
		if d.checks == nil {
			d.checks = make(map[string]func() health.Status)
		}
		d.checks[name] = check
	}
}

// WithSink sets the terminal callback.
func WithSink(sink Sink) Option {
	return func(d *Driver) { d.sink = sink }
}
