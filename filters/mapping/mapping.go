// Package mapping re-labels the level events of one signal as another.
package mapping

import (
	"github.com/google/uuid"

	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
)

// ID identifies the mapping filter.
var ID = uuid.MustParse("8fab525c-5e86-ab81-12cb-d95b1588530a")

// Descriptor documents the filter parameters.
var Descriptor = filter.Descriptor{
	ID:          ID,
	Name:        "mapping",
	Description: "Re-labels levels of the source signal as the target signal",
	Synchronous: true,
	Parameters: []filter.ParameterDescriptor{
		{Name: "source", Type: "guid", Description: "Signal to re-label, or all", Required: true},
		{Name: "target", Type: "guid", Description: "New signal id; null discards the events", Required: true},
		{Name: "copy", Type: "boolean", Description: "Keep the original and emit a re-labelled copy", Default: false},
	},
}

// Register installs the filter in r.
func Register(r *filter.Registry) error {
	return r.Register(Descriptor, func(in filter.Receiver, out filter.Sender, deps filter.Dependencies) (filter.Filter, error) {
		return filter.NewStage(&Mapping{}, in, out, deps), nil
	})
}

// Mapping is the processor behind the filter.
type Mapping struct {
	source uuid.UUID
	target uuid.UUID
	copy   bool
}

func (m *Mapping) Configure(cfg filter.Configuration) error {
	cfg.Require("source", "target")
	m.source = cfg.GUID("source", uuid.Nil)
	m.target = cfg.GUID("target", uuid.Nil)
	m.copy = cfg.Bool("copy", false)
	return nil
}

func (m *Mapping) matches(e *event.Event) bool {
	if !e.Code.IsLevel() && !e.Code.IsParameters() {
		return false
	}
	return m.source == event.SignalAll || e.SignalID == m.source
}

func (m *Mapping) Process(e *event.Event, emit filter.Emitter) error {
	if !m.matches(e) {
		return emit(e)
	}

	if m.target == event.SignalNull {
		if m.copy {
			return emit(e)
		}
		return e.Release()
	}

	if m.copy {
		c := e.Clone()
		c.SignalID = m.target
		if err := emit(e); err != nil {
			_ = c.Release()
			return err
		}
		return emit(c)
	}

	e.SignalID = m.target
	return emit(e)
}
