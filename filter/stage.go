package filter

import (
	"context"
	"log/slog"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/metric"
)

// Processor is per-event filter logic that does not care whether it runs
// on its own goroutine or inside a synchronous pipe.
//
// Process receives ownership of e. It forwards events by calling emit and
// must Release any payload-carrying event it drops. Events it does not
// interpret are forwarded unchanged and in order.
type Processor interface {
	Configure(cfg Configuration) error
	Process(e *event.Event, emit Emitter) error
}

// Closer is implemented by processors holding resources beyond a segment.
// Stage calls Close once when Run returns.
type Closer interface {
	Close() error
}

// Stage runs a Processor either as a threaded Filter or as an Executor.
type Stage struct {
	name    string
	proc    Processor
	in      Receiver
	out     Sender
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewStage binds proc to its pipe endpoints. in and out may be nil when the
// stage is only used through Execute.
func NewStage(proc Processor, in Receiver, out Sender, deps Dependencies) *Stage {
	return &Stage{
		name:    deps.Stage,
		proc:    proc,
		in:      in,
		out:     out,
		logger:  deps.GetLoggerWithComponent(deps.Stage),
		metrics: deps.CoreMetrics(),
	}
}

// Processor returns the wrapped processor.
func (s *Stage) Processor() Processor {
	return s.proc
}

// Configure applies cfg. It fails when the processor fails or records any
// message in cfg.Errors().
func (s *Stage) Configure(cfg Configuration) error {
	if err := s.proc.Configure(cfg); err != nil {
		return errors.WrapInvalid(err, "Stage", "Configure", s.name)
	}
	if err := cfg.Err(); err != nil {
		return errors.WrapInvalid(err, "Stage", "Configure", s.name)
	}
	return nil
}

// Run configures the processor and loops until the input reports end of
// stream. A closed output is not an error: the loop keeps draining input
// so upstream never blocks on this stage.
func (s *Stage) Run(_ context.Context, cfg Configuration) error {
	if s.in == nil || s.out == nil {
		return errors.WrapFatal(errors.ErrInvalidArgument, "Stage", "Run", "pipe endpoints")
	}
	if err := s.Configure(cfg); err != nil {
		return err
	}
	if c, ok := s.proc.(Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				s.logger.Warn("Processor close failed", "error", err)
			}
		}()
	}

	emit := func(e *event.Event) error {
		code := e.Code
		if err := s.out.Send(e); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.RecordEventSent(s.name, code.String())
		}
		return nil
	}

	for {
		e, err := s.in.Receive()
		if err != nil {
			if errors.IsEndOfStream(err) {
				s.logger.Debug("Input closed, stage exiting", "reason", err)
				return nil
			}
			return errors.Wrap(err, "Stage", "Run", "receive")
		}
		// e belongs to the processor from here on.
		code := e.Code
		if s.metrics != nil {
			s.metrics.RecordEventReceived(s.name, code.String())
		}

		if err := s.proc.Process(e, emit); err != nil && !errors.IsEndOfStream(err) {
			if s.metrics != nil {
				s.metrics.RecordError(s.name, errors.Classify(err).String())
			}
			return errors.Wrap(err, "Stage", "Run", "process "+code.String())
		}
	}
}

// Execute runs the processor over every fresh event of b.
func (s *Stage) Execute(b *Batch) error {
	for {
		e, ok := b.Next()
		if !ok {
			return nil
		}
		code := e.Code
		if err := s.proc.Process(e, b.Emit); err != nil {
			if s.metrics != nil {
				s.metrics.RecordError(s.name, errors.Classify(err).String())
			}
			return errors.Wrap(err, "Stage", "Execute", "process "+code.String())
		}
	}
}
