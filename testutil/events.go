package testutil

import (
	"github.com/google/uuid"

	"github.com/SmartCGMS/core-sub005/event"
)

// Device is the device id used by fixtures.
var Device = uuid.MustParse("7a1d2c3b-4e5f-4a6b-8c7d-9e0f1a2b3c4d")

// DeviceTime is the device time of the first fixture level, 2023-07-15.
const DeviceTime = 45122.0

// Levels returns one Level event per value, five minutes apart.
func Levels(signal uuid.UUID, segment uint64, values ...float64) []*event.Event {
	out := make([]*event.Event, len(values))
	for i, v := range values {
		out[i] = event.NewLevel(Device, signal, DeviceTime+float64(i)/288, v, segment)
	}
	return out
}

// Segment wraps Levels in TimeSegmentStart and TimeSegmentStop.
func Segment(signal uuid.UUID, segment uint64, values ...float64) []*event.Event {
	out := []*event.Event{event.NewSegmentStart(Device, segment)}
	out = append(out, Levels(signal, segment, values...)...)
	return append(out, event.NewSegmentStop(Device, segment))
}

// Info returns an Information event. It panics only on a non-info code,
// which cannot happen here.
func Info(text string) *event.Event {
	e, err := event.NewInfo(event.Information, Device, text)
	if err != nil {
		panic(err)
	}
	return e
}
