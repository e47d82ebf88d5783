package testutil

import (
	"sync"
	"time"

	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
)

// MockProcessor is a filter.Processor with injectable behaviour. By
// default it forwards every event.
type MockProcessor struct {
	mu sync.Mutex

	ConfigureFunc func(cfg filter.Configuration) error
	ProcessFunc   func(e *event.Event, emit filter.Emitter) error

	ConfigureCalls int
	ProcessCalls   int
}

// NewMockProcessor creates a forwarding processor.
func NewMockProcessor() *MockProcessor {
	return &MockProcessor{}
}

func (m *MockProcessor) Configure(cfg filter.Configuration) error {
	m.mu.Lock()
	m.ConfigureCalls++
	fn := m.ConfigureFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(cfg)
	}
	return nil
}

func (m *MockProcessor) Process(e *event.Event, emit filter.Emitter) error {
	m.mu.Lock()
	m.ProcessCalls++
	fn := m.ProcessFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(e, emit)
	}
	return emit(e)
}

// Calls returns the Configure and Process call counts.
func (m *MockProcessor) Calls() (configure, process int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConfigureCalls, m.ProcessCalls
}

// Collected is the part of an event a Collector keeps. Payloads are
// copied because the driver releases events after the sink returns.
type Collected struct {
	Code        event.Code
	Signal      string
	Level       float64
	Segment     uint64
	LogicalTime int64
	Info        string
}

// Collector is a pipeline sink that records what leaves a chain.
type Collector struct {
	mu     sync.Mutex
	events []Collected
	notify chan struct{}
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{notify: make(chan struct{}, 1)}
}

// Sink has the pipeline.Sink signature.
func (c *Collector) Sink(e *event.Event) {
	c.mu.Lock()
	c.events = append(c.events, Collected{
		Code:        e.Code,
		Signal:      event.SignalName(e.SignalID),
		Level:       e.Level,
		Segment:     e.SegmentID,
		LogicalTime: e.LogicalTime,
		Info:        e.Info(),
	})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything collected so far.
func (c *Collector) Events() []Collected {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Collected, len(c.events))
	copy(out, c.events)
	return out
}

// Codes returns only the events with the given code.
func (c *Collector) Codes(code event.Code) []Collected {
	var out []Collected
	for _, e := range c.Events() {
		if e.Code == code {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until at least n events were collected or timeout
// passes, and reports whether n was reached.
func (c *Collector) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			return false
		}
	}
}
