// Package generator produces a segment of synthetic level events, optionally
// paced in real time, while forwarding its input unchanged.
package generator

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/metric"
	"github.com/SmartCGMS/core-sub005/pkg/timestamp"
)

// ID identifies the generator filter.
var ID = uuid.MustParse("9eeb3451-2a9d-49c1-ba37-2ec0fe7cf2ad")

// Descriptor documents the filter parameters.
var Descriptor = filter.Descriptor{
	ID:          ID,
	Name:        "generator",
	Description: "Emits a segment of synthetic levels and forwards its input",
	Parameters: []filter.ParameterDescriptor{
		{Name: "device", Type: "guid", Description: "Device id stamped on generated events"},
		{Name: "signal", Type: "guid", Description: "Signal of the generated levels", Default: "ig"},
		{Name: "count", Type: "integer", Description: "Number of levels", Default: 288},
		{Name: "interval", Type: "duration", Description: "Device time between levels", Default: "5m"},
		{Name: "level", Type: "number", Description: "Mean level", Default: 6.5},
		{Name: "amplitude", Type: "number", Description: "Sine amplitude around the mean", Default: 0},
		{Name: "period", Type: "integer", Description: "Sine period in samples", Default: 288},
		{Name: "segment", Type: "integer", Description: "Segment id", Default: 1},
		{Name: "rate", Type: "number", Description: "Events per wall-clock second; 0 emits as fast as possible", Default: 0},
		{Name: "terminate", Type: "boolean", Description: "Send ShutDown after the last level", Default: false},
	},
}

// DefaultDevice is stamped on generated events when no device is
// configured.
var DefaultDevice = uuid.MustParse("1e4f5a7b-0c1d-4e2f-8a9b-3c4d5e6f7a8b")

// Register installs the filter in r.
func Register(r *filter.Registry) error {
	return r.Register(Descriptor, func(in filter.Receiver, out filter.Sender, deps filter.Dependencies) (filter.Filter, error) {
		return New(in, out, deps), nil
	})
}

// Settings are the parsed parameters.
type Settings struct {
	Device    uuid.UUID
	Signal    uuid.UUID
	Count     int
	Interval  time.Duration
	Level     float64
	Amplitude float64
	Period    int
	Segment   uint64
	Rate      float64
	Terminate bool
}

// Generator owns its goroutine. Generated and forwarded events share the
// output, so every Send happens under sendMu.
type Generator struct {
	name    string
	in      filter.Receiver
	out     filter.Sender
	logger  *slog.Logger
	metrics *metric.Metrics

	sendMu   sync.Mutex
	settings Settings
}

// New binds a generator to its pipes.
func New(in filter.Receiver, out filter.Sender, deps filter.Dependencies) *Generator {
	return &Generator{
		name:    deps.Stage,
		in:      in,
		out:     out,
		logger:  deps.GetLoggerWithComponent(deps.Stage),
		metrics: deps.CoreMetrics(),
	}
}

func parse(cfg filter.Configuration) Settings {
	s := Settings{
		Device:    cfg.GUID("device", DefaultDevice),
		Signal:    cfg.GUID("signal", event.SignalIG),
		Count:     cfg.Int("count", 288),
		Interval:  cfg.Duration("interval", 5*time.Minute),
		Level:     cfg.Float("level", 6.5),
		Amplitude: cfg.Float("amplitude", 0),
		Period:    cfg.Int("period", 288),
		Segment:   uint64(cfg.Int("segment", 1)),
		Rate:      cfg.Float("rate", 0),
		Terminate: cfg.Bool("terminate", false),
	}
	if s.Count < 0 {
		cfg.Errors().Add("parameter \"count\": must not be negative, got %d", s.Count)
	}
	if s.Interval <= 0 {
		cfg.Errors().Add("parameter \"interval\": must be positive, got %s", s.Interval)
	}
	if s.Period <= 0 {
		cfg.Errors().Add("parameter \"period\": must be positive, got %d", s.Period)
	}
	if s.Rate < 0 {
		cfg.Errors().Add("parameter \"rate\": must not be negative, got %g", s.Rate)
	}
	return s
}

// Value returns the i-th generated level.
func (s Settings) Value(i int) float64 {
	return s.Level + s.Amplitude*math.Sin(2*math.Pi*float64(i)/float64(s.Period))
}

// Run starts generating and forwards input until it ends. A ShutDown from
// upstream is held back until generation has finished.
func (g *Generator) Run(ctx context.Context, cfg filter.Configuration) error {
	if g.in == nil || g.out == nil {
		return errors.WrapFatal(errors.ErrInvalidArgument, "Generator", "Run", "pipe endpoints")
	}
	g.settings = parse(cfg)
	if err := cfg.Err(); err != nil {
		return errors.WrapInvalid(err, "Generator", "Run", "configure "+g.name)
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.generate(genCtx)
	}()
	waited := false
	wait := func() error {
		if waited {
			return nil
		}
		waited = true
		return <-done
	}
	defer func() { _ = wait() }()

	for {
		e, err := g.in.Receive()
		if err != nil {
			cancel()
			if genErr := wait(); genErr != nil {
				return genErr
			}
			if errors.IsEndOfStream(err) {
				return nil
			}
			return errors.Wrap(err, "Generator", "Run", "receive")
		}

		if e.IsShutDown() {
			if genErr := wait(); genErr != nil {
				_ = e.Release()
				return genErr
			}
		}
		if err := g.send(e); err != nil && !errors.IsEndOfStream(err) {
			cancel()
			return errors.Wrap(err, "Generator", "Run", "forward")
		}
	}
}

func (g *Generator) send(e *event.Event) error {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	code := e.Code
	if err := g.out.Send(e); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.RecordEventSent(g.name, code.String())
	}
	return nil
}

// generate emits the segment. It stops quietly when the output closes or
// ctx is cancelled.
func (g *Generator) generate(ctx context.Context) error {
	s := g.settings
	var limiter *rate.Limiter
	if s.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.Rate), 1)
	}

	step := timestamp.FromDuration(s.Interval)
	start := timestamp.Now()

	emit := func(e *event.Event) (bool, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return false, nil
			}
		} else if ctx.Err() != nil {
			return false, nil
		}
		if err := g.send(e); err != nil {
			if errors.IsEndOfStream(err) {
				return false, nil
			}
			return false, errors.Wrap(err, "Generator", "generate", "send")
		}
		return true, nil
	}

	if ok, err := emit(event.NewSegmentStart(s.Device, s.Segment)); !ok {
		return err
	}
	for i := 0; i < s.Count; i++ {
		e := event.NewLevel(s.Device, s.Signal, start+float64(i)*step, s.Value(i), s.Segment)
		if ok, err := emit(e); !ok {
			return err
		}
	}
	if ok, err := emit(event.NewSegmentStop(s.Device, s.Segment)); !ok {
		return err
	}
	g.logger.Debug("Generation finished", "count", s.Count, "segment", s.Segment)

	if s.Terminate {
		_, err := emit(event.NewShutDown(s.Device))
		return err
	}
	return nil
}
