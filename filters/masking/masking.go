// Package masking drops level events of one signal according to a cyclic
// bitmask, for example to hide every second reading of a sensor.
package masking

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
)

// ID identifies the masking filter.
var ID = uuid.MustParse("a1124c89-18a4-f4c1-28e8-a9471a58021e")

// Descriptor documents the filter parameters.
var Descriptor = filter.Descriptor{
	ID:          ID,
	Name:        "masking",
	Description: "Drops levels of one signal following a repeating bit pattern",
	Synchronous: true,
	Parameters: []filter.ParameterDescriptor{
		{Name: "signal", Type: "guid", Description: "Signal to mask", Required: true},
		{Name: "mask", Type: "string", Description: "Pattern of 1 (keep) and 0 (drop), applied cyclically", Required: true},
	},
}

// Register installs the filter in r.
func Register(r *filter.Registry) error {
	return r.Register(Descriptor, func(in filter.Receiver, out filter.Sender, deps filter.Dependencies) (filter.Filter, error) {
		return filter.NewStage(&Masking{}, in, out, deps), nil
	})
}

// Masking is the processor behind the filter. The pattern position is
// tracked per segment and reset when the segment stops.
type Masking struct {
	signal   uuid.UUID
	mask     []bool
	position map[uint64]int
}

// ParseMask converts a pattern such as "1101" into keep flags.
func ParseMask(s string) ([]bool, error) {
	if s == "" {
		return nil, fmt.Errorf("empty mask")
	}
	mask := make([]bool, 0, len(s))
	for i, r := range s {
		switch r {
		case '1':
			mask = append(mask, true)
		case '0':
			mask = append(mask, false)
		case ' ', '_':
		default:
			return nil, fmt.Errorf("mask position %d: unexpected %q", i, r)
		}
	}
	if len(mask) == 0 {
		return nil, fmt.Errorf("mask %q has no bits", s)
	}
	return mask, nil
}

func (m *Masking) Configure(cfg filter.Configuration) error {
	cfg.Require("signal", "mask")
	m.signal = cfg.GUID("signal", uuid.Nil)
	m.position = make(map[uint64]int)

	mask, err := ParseMask(cfg.String("mask", ""))
	if err != nil {
		if cfg.Has("mask") {
			cfg.Errors().Add("parameter \"mask\": %v", err)
		}
		return nil
	}
	m.mask = mask
	return nil
}

func (m *Masking) Process(e *event.Event, emit filter.Emitter) error {
	switch {
	case e.Code == event.TimeSegmentStop:
		delete(m.position, e.SegmentID)
	case e.Code.IsLevel() && e.SignalID == m.signal && len(m.mask) > 0:
		pos := m.position[e.SegmentID]
		m.position[e.SegmentID] = (pos + 1) % len(m.mask)
		if !m.mask[pos] {
			return e.Release()
		}
	}
	return emit(e)
}
