// Package natsbridge publishes events to a NATS subject as netbridge
// records and optionally injects records received on another subject.
package natsbridge

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/filters/netbridge"
	"github.com/SmartCGMS/core-sub005/metric"
	"github.com/SmartCGMS/core-sub005/natsclient"
	"github.com/SmartCGMS/core-sub005/pkg/worker"
)

// drainTimeout bounds how long queued injections may take to reach the
// output once the local ShutDown arrives.
const drainTimeout = 5 * time.Second

// ID identifies the filter.
var ID = uuid.MustParse("d3a4c5b6-7e8f-4901-a2b3-c4d5e6f70812")

// Descriptor documents the filter parameters.
var Descriptor = filter.Descriptor{
	ID:          ID,
	Name:        "nats_bridge",
	Description: "Publishes events to NATS and injects events received from NATS",
	Parameters: []filter.ParameterDescriptor{
		{Name: "subject", Type: "string", Description: "Subject to publish encodable events on"},
		{Name: "subscribe", Type: "string", Description: "Subject whose records are injected downstream"},
		{Name: "inject_queue", Type: "int", Description: "Received records buffered for injection", Default: 1024},
	},
}

// Register installs the filter in r. Instances use the connection from
// Dependencies.NATSClient.
func Register(r *filter.Registry) error {
	return r.Register(Descriptor, func(in filter.Receiver, out filter.Sender, deps filter.Dependencies) (filter.Filter, error) {
		var m natsclient.Messenger
		if deps.NATSClient != nil {
			m = deps.NATSClient
		}
		return New(in, out, m, deps), nil
	})
}

// Bridge is the filter. Injected and forwarded events share the output,
// so every Send happens under sendMu.
type Bridge struct {
	name      string
	in        filter.Receiver
	out       filter.Sender
	messenger natsclient.Messenger
	logger    *slog.Logger
	metrics   *metric.Metrics
	registry  *metric.MetricsRegistry

	sendMu  sync.Mutex
	stopped atomic.Bool

	published atomic.Int64
	injected  atomic.Int64
	dropped   atomic.Int64
}

// New creates a bridge using m. A nil m fails at Run.
func New(in filter.Receiver, out filter.Sender, m natsclient.Messenger, deps filter.Dependencies) *Bridge {
	return &Bridge{
		name:      deps.Stage,
		in:        in,
		out:       out,
		messenger: m,
		logger:    deps.GetLoggerWithComponent(deps.Stage),
		metrics:   deps.CoreMetrics(),
		registry:  deps.MetricsRegistry,
	}
}

// Published returns the number of records published.
func (b *Bridge) Published() int64 { return b.published.Load() }

// Injected returns the number of received events sent downstream.
func (b *Bridge) Injected() int64 { return b.injected.Load() }

// Dropped returns the number of received records discarded because the
// injection queue was full.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// Run publishes and forwards until the input ends.
func (b *Bridge) Run(ctx context.Context, cfg filter.Configuration) error {
	if b.in == nil || b.out == nil {
		return errors.WrapFatal(errors.ErrInvalidArgument, "Bridge", "Run", "pipe endpoints")
	}
	subject := cfg.String("subject", "")
	inbound := cfg.String("subscribe", "")
	queue := cfg.Int("inject_queue", 1024)
	if subject == "" && inbound == "" {
		cfg.Errors().Add("one of \"subject\" or \"subscribe\" is required")
	}
	if queue <= 0 {
		cfg.Errors().Add("\"inject_queue\" must be positive")
	}
	if b.messenger == nil {
		cfg.Errors().Add("no NATS connection configured")
	}
	if err := cfg.Err(); err != nil {
		return errors.WrapInvalid(err, "Bridge", "Run", "configure "+b.name)
	}
	defer b.stopped.Store(true)

	// A single worker keeps injections in arrival order and off the NATS
	// dispatch goroutine.
	var pool *worker.Pool[[]byte]
	if inbound != "" {
		var opts []worker.Option[[]byte]
		if b.registry != nil && b.name != "" {
			opts = append(opts, worker.WithMetrics[[]byte](b.registry, b.name))
		}
		pool = worker.NewPool(1, queue, b.inject, opts...)
		if err := pool.Start(ctx); err != nil {
			return errors.Wrap(err, "Bridge", "Run", "start injection")
		}
		defer b.drain(pool)

		if err := b.messenger.Subscribe(ctx, inbound, func(_ context.Context, data []byte) {
			b.enqueue(pool, data)
		}); err != nil {
			return errors.WrapTransient(err, "Bridge", "Run", "subscribe "+inbound)
		}
		b.logger.Info("Subscribed", "subject", inbound, "queue", queue)
	}

	for {
		e, err := b.in.Receive()
		if err != nil {
			if errors.IsEndOfStream(err) {
				return nil
			}
			return errors.Wrap(err, "Bridge", "Run", "receive")
		}

		if subject != "" && netbridge.Encodable(e) {
			if err := b.publish(ctx, subject, e); err != nil {
				_ = e.Release()
				return err
			}
		}
		if e.IsShutDown() {
			// No injection may follow the ShutDown downstream.
			b.stopped.Store(true)
			if pool != nil {
				b.drain(pool)
			}
		}
		if err := b.send(e); err != nil && !errors.IsEndOfStream(err) {
			return errors.Wrap(err, "Bridge", "Run", "forward")
		}
	}
}

func (b *Bridge) publish(ctx context.Context, subject string, e *event.Event) error {
	rec, err := netbridge.Encode(e)
	if err != nil {
		b.logger.Warn("Event not encodable", "event", e.String(), "error", err)
		return nil
	}
	if err := b.messenger.Publish(ctx, subject, rec[:]); err != nil {
		return errors.WrapTransient(err, "Bridge", "publish", subject)
	}
	b.published.Add(1)
	return nil
}

func (b *Bridge) send(e *event.Event) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	code := e.Code
	if err := b.out.Send(e); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.RecordEventSent(b.name, code.String())
	}
	return nil
}

func (b *Bridge) enqueue(pool *worker.Pool[[]byte], data []byte) {
	if b.stopped.Load() {
		return
	}
	if len(data) != netbridge.RecordSize {
		b.logger.Warn("Dropping malformed record", "size", len(data))
		return
	}
	// The subscription may reuse data once the handler returns.
	buf := make([]byte, len(data))
	copy(buf, data)

	switch err := pool.Submit(buf); {
	case err == nil:
	case stderrors.Is(err, worker.ErrQueueFull):
		if b.dropped.Add(1) == 1 {
			b.logger.Warn("Injection queue full, dropping records")
		}
		if b.metrics != nil {
			b.metrics.RecordEventDropped(b.name, "inject_queue_full", 1)
		}
	default:
		// The pool stops with the local ShutDown.
	}
}

func (b *Bridge) drain(pool *worker.Pool[[]byte]) {
	if err := pool.Stop(drainTimeout); err != nil {
		b.logger.Warn("Injection queue not drained", "error", err)
	}
}

// inject decodes a queued record and sends it downstream. A remote
// ShutDown is not injected: the local chain ends only through its own
// input.
func (b *Bridge) inject(_ context.Context, data []byte) error {
	var rec netbridge.Record
	copy(rec[:], data)

	e, err := netbridge.Decode(rec)
	if err != nil {
		b.logger.Warn("Dropping undecodable record", "error", err)
		return err
	}
	if e.IsShutDown() {
		b.logger.Debug("Ignoring remote shutdown")
		return nil
	}
	if err := b.send(e); err != nil {
		_ = e.Release()
		if !errors.IsEndOfStream(err) {
			b.logger.Warn("Injection failed", "error", err)
		}
		return err
	}
	b.injected.Add(1)
	return nil
}
