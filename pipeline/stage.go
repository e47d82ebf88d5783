package pipeline

import (
	"sync"
	"time"

	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/health"
)

// State is the lifecycle state of a threaded stage. The values match the
// scgms_stage_status gauge.
type State int

// Stage states.
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// stage is one threaded filter and its run bookkeeping.
type stage struct {
	name   string
	kind   string
	filter filter.Filter
	cfg    filter.Configuration

	mu      sync.Mutex
	state   State
	err     error
	started time.Time
}

func (s *stage) setState(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if err != nil {
		s.err = err
	}
	if state == StateRunning {
		s.started = time.Now()
	}
}

func (s *stage) health() health.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status health.Status
	switch s.state {
	case StateFailed:
		status = health.FromError(s.name, s.err)
	case StateRunning:
		status = health.NewHealthy(s.name, s.kind+" running")
	case StateStarting, StateStopping:
		status = health.NewDegraded(s.name, s.kind+" "+s.state.String())
	default:
		status = health.NewHealthy(s.name, s.kind+" stopped")
	}

	m := &health.Metrics{}
	if !s.started.IsZero() {
		m.Uptime = time.Since(s.started)
	}
	if s.err != nil {
		m.ErrorCount = 1
	}
	return status.WithMetrics(m)
}

func (s *stage) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
