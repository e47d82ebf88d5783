// Package stats accumulates levels per segment and signal and reports a
// summary when the segment stops.
package stats

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
)

// ID identifies the stats filter.
var ID = uuid.MustParse("2e4b6f80-0c61-4d6e-9f0a-1b2c3d4e5f60")

// Descriptor documents the filter parameters.
var Descriptor = filter.Descriptor{
	ID:          ID,
	Name:        "stats",
	Description: "Summarizes levels per segment and signal on segment stop",
	Synchronous: true,
	Parameters: []filter.ParameterDescriptor{
		{Name: "signal", Type: "guid", Description: "Signal to summarize, or all", Default: "all"},
		{Name: "parameters", Type: "boolean", Description: "Also emit the summary as a Parameters event", Default: false},
	},
}

// Register installs the filter in r.
func Register(r *filter.Registry) error {
	return r.Register(Descriptor, func(in filter.Receiver, out filter.Sender, deps filter.Dependencies) (filter.Filter, error) {
		return filter.NewStage(&Stats{}, in, out, deps), nil
	})
}

// Summary describes the levels of one signal in one segment.
type Summary struct {
	Count  int
	Mean   float64
	StdDev float64
	Median float64
	Min    float64
	Max    float64
}

// Summarize computes a Summary. StdDev is the sample deviation and is zero
// for fewer than two values.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := slices.Clone(values)
	sort.Float64s(sorted)

	s := Summary{
		Count:  len(values),
		Mean:   stat.Mean(values, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		Min:    floats.Min(values),
		Max:    floats.Max(values),
	}
	if len(values) > 1 {
		s.StdDev = math.Sqrt(stat.Variance(values, nil))
	}
	return s
}

// Vector returns the summary in parameter order: count, mean, stddev,
// median, min, max.
func (s Summary) Vector() []float64 {
	return []float64{float64(s.Count), s.Mean, s.StdDev, s.Median, s.Min, s.Max}
}

type key struct {
	segment uint64
	signal  uuid.UUID
}

// Stats is the processor behind the filter.
type Stats struct {
	signal     uuid.UUID
	parameters bool
	levels     map[key][]float64
	device     map[uint64]uuid.UUID
}

func (s *Stats) Configure(cfg filter.Configuration) error {
	s.signal = cfg.GUID("signal", event.SignalAll)
	s.parameters = cfg.Bool("parameters", false)
	s.levels = make(map[key][]float64)
	s.device = make(map[uint64]uuid.UUID)
	return nil
}

// Open returns the number of segment and signal pairs holding state.
func (s *Stats) Open() int {
	return len(s.levels)
}

func (s *Stats) Process(e *event.Event, emit filter.Emitter) error {
	switch {
	case e.Code.IsLevel():
		if s.signal == event.SignalAll || e.SignalID == s.signal {
			k := key{e.SegmentID, e.SignalID}
			s.levels[k] = append(s.levels[k], e.Level)
			s.device[e.SegmentID] = e.DeviceID
		}
	case e.Code == event.TimeSegmentStop:
		if err := s.flush(func(k key) bool { return k.segment == e.SegmentID }, emit); err != nil {
			_ = e.Release()
			return err
		}
	case e.IsShutDown():
		if err := s.flush(func(key) bool { return true }, emit); err != nil {
			_ = e.Release()
			return err
		}
	}
	return emit(e)
}

// flush emits and forgets the summaries of every key accepted by match,
// ordered by segment then signal.
func (s *Stats) flush(match func(key) bool, emit filter.Emitter) error {
	var keys []key
	for k := range s.levels {
		if match(k) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].segment != keys[j].segment {
			return keys[i].segment < keys[j].segment
		}
		return keys[i].signal.String() < keys[j].signal.String()
	})

	for _, k := range keys {
		sum := Summarize(s.levels[k])
		device := s.device[k.segment]
		delete(s.levels, k)

		text := fmt.Sprintf("stats signal=%s segment=%d count=%d mean=%.4g stddev=%.4g median=%.4g min=%.4g max=%.4g",
			event.SignalName(k.signal), k.segment, sum.Count, sum.Mean, sum.StdDev, sum.Median, sum.Min, sum.Max)
		info, err := event.NewInfo(event.Information, device, text)
		if err != nil {
			return err
		}
		if err := emit(info); err != nil {
			return err
		}
		if s.parameters {
			if err := emit(event.NewParameters(device, k.signal, k.segment, sum.Vector())); err != nil {
				return err
			}
		}
	}

	for seg := range s.device {
		if !s.hasSegment(seg) {
			delete(s.device, seg)
		}
	}
	return nil
}

func (s *Stats) hasSegment(seg uint64) bool {
	for k := range s.levels {
		if k.segment == seg {
			return true
		}
	}
	return false
}
