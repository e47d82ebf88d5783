// Package event defines the device event moved between filters: a tagged
// variant keyed by Code, the process-wide logical clock, the well-known
// signal identifiers and payload ownership tracking.
package event

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/pkg/timestamp"
)

// Event is the unit of transport between filters. Which fields are
// meaningful depends on Code: Level only for level codes, the text payload
// only for info codes and the parameter payload only for parameter codes.
//
// An Event has a single owner at a time. Sending it through a pipe hands
// it over; the sender must not touch it afterwards. Whoever ends up holding
// an event that will not be forwarded calls Release.
type Event struct {
	Code        Code
	DeviceID    uuid.UUID
	SignalID    uuid.UUID
	DeviceTime  float64
	LogicalTime int64
	SegmentID   uint64
	Level       float64

	payload *payload
}

// payload is the owned text or parameter vector of an event. released
// guards against double release.
type payload struct {
	text     string
	params   []float64
	released atomic.Bool
}

var (
	logicalClock atomic.Int64
	outstanding  atomic.Int64
)

// NextLogicalTime returns the next value of the process-wide logical clock.
func NextLogicalTime() int64 {
	return logicalClock.Add(1)
}

// Outstanding returns the number of payloads created and not yet released.
func Outstanding() int64 {
	return outstanding.Load()
}

func newPayload(text string, params []float64) *payload {
	outstanding.Add(1)
	return &payload{text: text, params: params}
}

// New creates an event with only the common fields set: a fresh logical
// time and the current device time.
func New(code Code, device uuid.UUID) *Event {
	return &Event{
		Code:        code,
		DeviceID:    device,
		DeviceTime:  timestamp.Now(),
		LogicalTime: NextLogicalTime(),
	}
}

// NewLevel creates a Level event.
func NewLevel(device, signal uuid.UUID, deviceTime, level float64, segment uint64) *Event {
	e := New(Level, device)
	e.SignalID = signal
	e.DeviceTime = deviceTime
	e.Level = level
	e.SegmentID = segment
	return e
}

// NewInfo creates an Information, Warning or Error event owning text.
func NewInfo(code Code, device uuid.UUID, text string) (*Event, error) {
	if !code.IsInfo() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s is not an info code", errors.ErrInvalidArgument, code),
			"event", "NewInfo", "validate code")
	}
	e := New(code, device)
	e.payload = newPayload(text, nil)
	return e, nil
}

// NewParameters creates a Parameters event owning a copy of params.
func NewParameters(device, signal uuid.UUID, segment uint64, params []float64) *Event {
	return newParameters(Parameters, device, signal, segment, params)
}

// NewParametersHint creates a ParametersHint event owning a copy of params.
func NewParametersHint(device, signal uuid.UUID, segment uint64, params []float64) *Event {
	return newParameters(ParametersHint, device, signal, segment, params)
}

func newParameters(code Code, device, signal uuid.UUID, segment uint64, params []float64) *Event {
	e := New(code, device)
	e.SignalID = signal
	e.SegmentID = segment
	e.payload = newPayload("", slices.Clone(params))
	return e
}

// NewSegmentStart marks the start of a time segment.
func NewSegmentStart(device uuid.UUID, segment uint64) *Event {
	e := New(TimeSegmentStart, device)
	e.SegmentID = segment
	return e
}

// NewSegmentStop marks the end of a time segment. Filters release their
// per-segment state when they see it.
func NewSegmentStop(device uuid.UUID, segment uint64) *Event {
	e := New(TimeSegmentStop, device)
	e.SegmentID = segment
	return e
}

// NewShutDown creates the terminal event of a stream.
func NewShutDown(device uuid.UUID) *Event {
	return New(ShutDown, device)
}

// Info returns the text payload. It is empty for codes without one and
// after Release.
func (e *Event) Info() string {
	if e.payload == nil || e.payload.released.Load() {
		return ""
	}
	return e.payload.text
}

// Parameters returns the parameter payload. The slice belongs to the event
// and must not be retained past Release.
func (e *Event) Parameters() []float64 {
	if e.payload == nil || e.payload.released.Load() {
		return nil
	}
	return e.payload.params
}

// HasPayload reports whether the event owns a payload that is not yet
// released.
func (e *Event) HasPayload() bool {
	return e.payload != nil && !e.payload.released.Load()
}

// IsShutDown reports whether e terminates the stream.
func (e *Event) IsShutDown() bool {
	return e.Code == ShutDown
}

// Release frees the payload. Events without a payload release trivially.
// Releasing the same payload twice returns errors.ErrPayloadReleased and
// leaves the outstanding count unchanged.
func (e *Event) Release() error {
	if e == nil || e.payload == nil {
		return nil
	}
	if !e.payload.released.CompareAndSwap(false, true) {
		return errors.ErrPayloadReleased
	}
	e.payload.text = ""
	e.payload.params = nil
	outstanding.Add(-1)
	return nil
}

// Clone returns a deep copy with its own payload and a new logical time.
func (e *Event) Clone() *Event {
	c := *e
	c.LogicalTime = NextLogicalTime()
	c.payload = nil
	if e.payload != nil && !e.payload.released.Load() {
		c.payload = newPayload(e.payload.text, slices.Clone(e.payload.params))
	}
	return &c
}

func (e *Event) String() string {
	switch {
	case e.Code.IsLevel():
		return fmt.Sprintf("%s signal=%s level=%g time=%s segment=%d",
			e.Code, SignalName(e.SignalID), e.Level, timestamp.Format(e.DeviceTime), e.SegmentID)
	case e.Code.IsInfo():
		return fmt.Sprintf("%s %q", e.Code, e.Info())
	case e.Code.IsParameters():
		return fmt.Sprintf("%s signal=%s params=%v segment=%d",
			e.Code, SignalName(e.SignalID), e.Parameters(), e.SegmentID)
	default:
		return fmt.Sprintf("%s segment=%d", e.Code, e.SegmentID)
	}
}
