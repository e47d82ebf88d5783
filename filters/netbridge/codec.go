package netbridge

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
)

// RecordSize is the length of one encoded event.
//
//	offset size field
//	0      1    code
//	1      16   device id
//	17     16   signal id
//	33     8    device time, signed 32.32 fixed point
//	41     8    logical time
//	49     8    level, signed 32.32 fixed point
//
// Integers are little endian. Payload-carrying codes have no record form.
const RecordSize = 57

const fixedOne = 1 << 32

// Record is one encoded event.
type Record [RecordSize]byte

// ToFixed converts v to signed 32.32 fixed point.
func ToFixed(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) >= math.MaxInt32 {
		return 0, fmt.Errorf("%w: %g out of fixed point range", errors.ErrInvalidData, v)
	}
	return int64(math.Round(v * fixedOne)), nil
}

// FromFixed converts signed 32.32 fixed point to float.
func FromFixed(f int64) float64 {
	return float64(f) / fixedOne
}

// Encodable reports whether e has a record form.
func Encodable(e *event.Event) bool {
	return e.Code.Valid() && !e.Code.IsInfo() && !e.Code.IsParameters()
}

// Encode writes e into a record.
func Encode(e *event.Event) (Record, error) {
	var r Record
	if !Encodable(e) {
		return r, errors.WrapInvalid(fmt.Errorf("%w: %s has no record form", errors.ErrInvalidData, e.Code),
			"netbridge", "Encode", "code check")
	}
	deviceTime, err := ToFixed(e.DeviceTime)
	if err != nil {
		return r, errors.WrapInvalid(err, "netbridge", "Encode", "device time")
	}
	level, err := ToFixed(e.Level)
	if err != nil {
		return r, errors.WrapInvalid(err, "netbridge", "Encode", "level")
	}

	r[0] = byte(e.Code)
	copy(r[1:17], e.DeviceID[:])
	copy(r[17:33], e.SignalID[:])
	binary.LittleEndian.PutUint64(r[33:41], uint64(deviceTime))
	binary.LittleEndian.PutUint64(r[41:49], uint64(e.LogicalTime))
	binary.LittleEndian.PutUint64(r[49:57], uint64(level))
	return r, nil
}

// Decode rebuilds an event from a record. The logical time is kept as
// sent.
func Decode(r Record) (*event.Event, error) {
	code := event.Code(r[0])
	if !code.Valid() || code.IsInfo() || code.IsParameters() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: code %d", errors.ErrInvalidData, r[0]),
			"netbridge", "Decode", "code check")
	}

	var device, signal uuid.UUID
	copy(device[:], r[1:17])
	copy(signal[:], r[17:33])

	e := event.New(code, device)
	e.SignalID = signal
	e.DeviceTime = FromFixed(int64(binary.LittleEndian.Uint64(r[33:41])))
	e.LogicalTime = int64(binary.LittleEndian.Uint64(r[41:49]))
	e.Level = FromFixed(int64(binary.LittleEndian.Uint64(r[49:57])))
	return e, nil
}
