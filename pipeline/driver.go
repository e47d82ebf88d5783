package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/SmartCGMS/core-sub005/config"
	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/health"
	"github.com/SmartCGMS/core-sub005/metric"
	"github.com/SmartCGMS/core-sub005/natsclient"
	"github.com/SmartCGMS/core-sub005/pipe"
)

// ShutdownDevice is the device id of the ShutDown event injected by
// Shutdown.
var ShutdownDevice = uuid.MustParse("6d2e1f1c-2f5c-4c8e-9a51-0c3a7d2b9e10")

// Driver owns the pipes and goroutines of one filter chain.
type Driver struct {
	cfg      *config.Config
	registry *metric.MetricsRegistry
	nats     *natsclient.Client
	sink     Sink
	logger   *slog.Logger
	metrics  *metric.Metrics
	monitor  *health.Monitor
	checks   map[string]func() health.Status

	head   pipe.Pipe
	tail   pipe.Pipe
	pipes  []pipe.Pipe
	stages []*stage

	started atomic.Bool
	aborted atomic.Bool
	done    chan struct{}

	mu     sync.Mutex
	err    error
	cancel context.CancelFunc
}

// NewDriver assembles the chain described by cfg, resolving filters in
// filters. Synchronous groups are created and configured here, so their
// configuration errors surface immediately; threaded stages report theirs
// when Start runs them.
func NewDriver(cfg *config.Config, filters *filter.Registry, opts ...Option) (*Driver, error) {
	if cfg == nil || filters == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument, "Driver", "NewDriver", "nil config or registry")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"Driver", "NewDriver", "config validation")
	}

	d := &Driver{
		cfg:     cfg,
		logger:  slog.Default(),
		monitor: health.NewMonitor(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "pipeline")
	if d.registry != nil {
		d.metrics = d.registry.CoreMetrics()
	}

	if err := d.assemble(filters); err != nil {
		d.abortPipes()
		return nil, err
	}
	return d, nil
}

func (d *Driver) deps(name string) filter.Dependencies {
	return filter.Dependencies{
		Stage:           name,
		Logger:          d.logger.With("stage", name),
		MetricsRegistry: d.registry,
		NATSClient:      d.nats,
	}
}

func (d *Driver) pipeOptions(name string) []pipe.Option {
	opts := []pipe.Option{
		pipe.WithName(name),
		pipe.WithCapacity(d.cfg.Capacity),
		pipe.WithLogger(d.logger),
	}
	if d.registry != nil {
		opts = append(opts, pipe.WithMetrics(d.registry))
	}
	return opts
}

// assemble creates the pipe between each pair of threaded stages. When a
// synchronous group sits between them that pipe is a Sync pipe running the
// group.
func (d *Driver) assemble(filters *filter.Registry) error {
	stages := d.cfg.Stages

	newPipe := func(name string, group *config.Stage) (pipe.Pipe, error) {
		if group == nil {
			p, err := pipe.NewAsync(d.pipeOptions(name)...)
			if err != nil {
				return nil, err
			}
			d.pipes = append(d.pipes, p)
			return p, nil
		}
		p, err := d.newSync(name, *group, filters)
		if p != nil {
			d.pipes = append(d.pipes, p)
		}
		return p, err
	}

	i := 0
	var current pipe.Pipe
	var err error
	if stages[0].IsSynchronous() {
		current, err = newPipe("head:"+stages[0].Name, &stages[0])
		i = 1
	} else {
		current, err = newPipe("head", nil)
	}
	if err != nil {
		return err
	}
	d.head = current

	for ; i < len(stages); i++ {
		st := stages[i]

		var group *config.Stage
		outName := st.Name + ":out"
		if i+1 < len(stages) && stages[i+1].IsSynchronous() {
			group = &stages[i+1]
			outName = st.Name + ":" + group.Name
		}
		next, err := newPipe(outName, group)
		if err != nil {
			return err
		}

		if err := d.addStage(st, current, next, filters); err != nil {
			return err
		}

		current = next
		if group != nil {
			i++
		}
	}
	d.tail = current
	return nil
}

func (d *Driver) newSync(name string, group config.Stage, filters *filter.Registry) (pipe.Pipe, error) {
	p, err := pipe.NewSync(d.pipeOptions(name)...)
	if err != nil {
		return nil, err
	}

	for _, member := range group.Synchronous {
		desc, err := filters.Resolve(member.Filter)
		if err != nil {
			return p, errors.Wrap(err, "Driver", "assemble", "stage "+member.Name)
		}
		exec, err := filters.CreateExecutor(desc.ID, d.deps(member.Name))
		if err != nil {
			return p, errors.Wrap(err, "Driver", "assemble", "stage "+member.Name)
		}

		cfg := filter.NewConfiguration(member.Parameters, nil)
		if err := exec.Configure(cfg); err != nil {
			return p, errors.WrapInvalid(err, "Driver", "assemble", "configure "+member.Name)
		}
		if err := cfg.Err(); err != nil {
			return p, errors.WrapInvalid(err, "Driver", "assemble", "configure "+member.Name)
		}
		if err := p.AddFilter(exec); err != nil {
			return p, err
		}
		d.logger.Debug("Composed synchronous filter", "pipe", name, "stage", member.Name, "filter", desc.Name)
	}
	return p, nil
}

func (d *Driver) addStage(st config.Stage, in, out pipe.Pipe, filters *filter.Registry) error {
	desc, err := filters.Resolve(st.Filter)
	if err != nil {
		return errors.Wrap(err, "Driver", "assemble", "stage "+st.Name)
	}
	f, err := filters.Create(desc.ID, in, out, d.deps(st.Name))
	if err != nil {
		return errors.Wrap(err, "Driver", "assemble", "stage "+st.Name)
	}

	s := &stage{
		name:   st.Name,
		kind:   desc.Name,
		filter: f,
		cfg:    filter.NewConfiguration(st.Parameters, nil),
	}
	d.stages = append(d.stages, s)
	d.monitor.Update(s.name, s.health())
	d.logger.Debug("Assembled stage", "stage", st.Name, "filter", desc.Name)
	return nil
}

// Start launches one goroutine per threaded stage plus the sink. It
// returns immediately; use Wait or Shutdown to join.
func (d *Driver) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Driver", "Start", "start chain")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	if d.aborted.Load() {
		cancel()
	}

	g, gctx := errgroup.WithContext(runCtx)
	for _, s := range d.stages {
		d.setStage(s, StateStarting, nil)
		g.Go(func() error {
			d.setStage(s, StateRunning, nil)
			err := s.filter.Run(gctx, s.cfg)
			if err != nil {
				if msgs := s.cfg.Errors().Messages(); len(msgs) > 0 {
					d.logger.Error("Stage configuration rejected", "stage", s.name, "messages", msgs)
				}
				d.setStage(s, StateFailed, err)
				d.fail(err)
				return fmt.Errorf("stage %s: %w", s.name, err)
			}
			d.setStage(s, StateStopped, nil)
			return nil
		})
	}
	g.Go(d.drainTail)

	go func() {
		err := g.Wait()
		cancel()
		// Nothing queued outlives the chain.
		d.abortPipes()
		d.recordPayloads()

		d.mu.Lock()
		if d.err == nil {
			d.err = err
		}
		d.mu.Unlock()
		close(d.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			d.logger.Warn("Context cancelled, aborting chain", "cause", context.Cause(ctx))
			d.Abort()
		case <-d.done:
		}
	}()

	d.logger.Info("Chain started", "stages", len(d.stages), "pipes", len(d.pipes))
	return nil
}

// drainTail hands every event leaving the chain to the sink and releases
// it.
func (d *Driver) drainTail() error {
	for {
		e, err := d.tail.Receive()
		if err != nil {
			if stderrors.Is(err, errors.ErrPipeClosed) {
				// ShutDown left the chain. A stage that terminated the
				// stream early may still have live input upstream.
				d.abortPipes()
			}
			if errors.IsEndOfStream(err) {
				return nil
			}
			return errors.Wrap(err, "Driver", "drainTail", "receive")
		}
		if d.sink != nil {
			d.sink(e)
		}
		_ = e.Release()
		d.recordPayloads()
	}
}

// Send pushes e into the head of the chain. A composed-filter failure in
// a synchronous head aborts the chain.
func (d *Driver) Send(e *event.Event) error {
	err := d.head.Send(e)
	if err != nil && stderrors.Is(err, errors.ErrFilterFailed) {
		d.fail(err)
	}
	return err
}

// Shutdown injects ShutDown at the head and waits up to timeout for the
// chain to drain. On timeout it aborts and returns errors.ErrStopTimeout.
func (d *Driver) Shutdown(timeout time.Duration) error {
	if !d.started.Load() {
		d.abortPipes()
		return errors.WrapInvalid(errors.ErrNotStarted, "Driver", "Shutdown", "shutdown chain")
	}

	for _, s := range d.stages {
		if s.currentState() == StateRunning {
			d.setStage(s, StateStopping, nil)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// A full head blocks the injection, so it runs against the same
	// deadline as the drain.
	injected := make(chan error, 1)
	go func() {
		injected <- d.Send(event.NewShutDown(ShutdownDevice))
	}()

	for {
		select {
		case err := <-injected:
			if err != nil && !errors.IsEndOfStream(err) {
				d.logger.Warn("Shutdown injection failed", "error", err)
			}
			injected = nil
		case <-d.done:
			if injected != nil {
				d.abortPipes()
				<-injected
			}
			return d.Err()
		case <-timer.C:
			d.logger.Warn("Shutdown timed out, aborting chain", "timeout", timeout)
			d.Abort()
			<-d.done
			if injected != nil {
				<-injected
			}
			return errors.WrapTransient(errors.ErrStopTimeout, "Driver", "Shutdown", "drain chain")
		}
	}
}

// Abort forces every pipe down and cancels the context stages run with.
// Blocked stages wake with errors.ErrPipeAborted and exit.
func (d *Driver) Abort() {
	if d.aborted.CompareAndSwap(false, true) {
		d.logger.Info("Aborting chain")
	}
	d.abortPipes()

	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Driver) abortPipes() {
	for _, p := range d.pipes {
		p.Abort()
	}
}

// Wait blocks until every stage has returned and reports the first stage
// failure.
func (d *Driver) Wait() error {
	<-d.done
	return d.Err()
}

// Done is closed once the chain has stopped.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Err returns the first failure recorded so far.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Driver) fail(err error) {
	d.mu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.mu.Unlock()

	d.logger.Error("Stage failed, aborting chain", "error", err)
	d.Abort()
}

// Health aggregates the state of every threaded stage and every extra
// check.
func (d *Driver) Health() health.Status {
	for _, s := range d.stages {
		d.monitor.Update(s.name, s.health())
	}
	for name, check := range d.checks {
		d.monitor.Update(name, check())
	}
	status := d.monitor.AggregateHealth("pipeline")
	if d.metrics != nil {
		d.metrics.RecordHealthStatus("pipeline", status.IsHealthy())
	}
	return status
}

// HealthFunc adapts Health for metric.Server.
func (d *Driver) HealthFunc() metric.HealthFunc {
	return func() (bool, string) {
		status := d.Health()
		return !status.IsUnhealthy(), status.Message
	}
}

// Stats returns a snapshot of every pipe, head first.
func (d *Driver) Stats() []pipe.Stats {
	out := make([]pipe.Stats, len(d.pipes))
	for i, p := range d.pipes {
		out[i] = p.Stats()
	}
	return out
}

// Stages returns the threaded stage names in chain order.
func (d *Driver) Stages() []string {
	names := make([]string, len(d.stages))
	for i, s := range d.stages {
		names[i] = s.name
	}
	return names
}

func (d *Driver) setStage(s *stage, state State, err error) {
	s.setState(state, err)
	d.monitor.Update(s.name, s.health())
	if d.metrics != nil {
		d.metrics.RecordStageStatus(s.name, int(state))
		if err != nil {
			d.metrics.RecordError(s.name, errors.Classify(err).String())
		}
	}
}

func (d *Driver) recordPayloads() {
	if d.metrics != nil {
		d.metrics.RecordPayloadsOutstanding(event.Outstanding())
	}
}
