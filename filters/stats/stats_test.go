package stats

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
)

var device = uuid.New()

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{4, 1, 3, 2, 5})
	assert.Equal(t, 5, s.Count)
	assert.InDelta(t, 3, s.Mean, 1e-9)
	assert.InDelta(t, 1.5811388, s.StdDev, 1e-6)
	assert.Equal(t, 3.0, s.Median)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 5.0, s.Max)
	assert.Equal(t, []float64{5, 3, s.StdDev, 3, 1, 5}, s.Vector())

	one := Summarize([]float64{7})
	assert.Equal(t, 0.0, one.StdDev)
	assert.Equal(t, Summary{}, Summarize(nil))
}

type recorder struct{ events []*event.Event }

func (r *recorder) emit(e *event.Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) release() {
	for _, e := range r.events {
		_ = e.Release()
	}
}

func TestSummaryOnSegmentStop(t *testing.T) {
	before := event.Outstanding()
	s := &Stats{}
	require.NoError(t, s.Configure(filter.NewConfiguration(map[string]any{"parameters": true}, nil)))

	rec := &recorder{}
	for _, v := range []float64{5, 6, 7} {
		require.NoError(t, s.Process(event.NewLevel(device, event.SignalIG, 1, v, 1), rec.emit))
	}
	require.NoError(t, s.Process(event.NewLevel(device, event.SignalBG, 1, 9, 1), rec.emit))
	require.NoError(t, s.Process(event.NewLevel(device, event.SignalIG, 1, 100, 2), rec.emit))
	assert.Equal(t, 3, s.Open())

	rec.events = nil
	require.NoError(t, s.Process(event.NewSegmentStop(device, 1), rec.emit))
	assert.Equal(t, 1, s.Open(), "segment 2 keeps its state")

	require.Len(t, rec.events, 5)
	var infos []string
	for _, e := range rec.events[:4] {
		if e.Code == event.Information {
			infos = append(infos, e.Info())
			assert.Equal(t, device, e.DeviceID)
		} else {
			require.Equal(t, event.Parameters, e.Code)
		}
	}
	assert.Equal(t, event.TimeSegmentStop, rec.events[4].Code)
	assert.Contains(t, infos, "stats signal=ig segment=1 count=3 mean=6 stddev=1 median=6 min=5 max=7")
	assert.Contains(t, infos, "stats signal=bg segment=1 count=1 mean=9 stddev=0 median=9 min=9 max=9")

	rec.release()
	rec.events = nil
	require.NoError(t, s.Process(event.NewShutDown(device), rec.emit))
	require.Len(t, rec.events, 3)
	assert.Equal(t, "stats signal=ig segment=2 count=1 mean=100 stddev=0 median=100 min=100 max=100", rec.events[0].Info())
	assert.Equal(t, event.ShutDown, rec.events[2].Code)
	assert.Equal(t, 0, s.Open())

	rec.release()
	assert.Equal(t, before, event.Outstanding())
}

func TestSignalFilter(t *testing.T) {
	s := &Stats{}
	require.NoError(t, s.Configure(filter.NewConfiguration(map[string]any{"signal": "bg"}, nil)))

	rec := &recorder{}
	require.NoError(t, s.Process(event.NewLevel(device, event.SignalIG, 1, 5, 1), rec.emit))
	assert.Equal(t, 0, s.Open())
	require.NoError(t, s.Process(event.NewSegmentStop(device, 1), rec.emit))
	assert.Len(t, rec.events, 2, "level and stop forwarded, nothing summarized")
}
