// Package timestamp converts between time.Time and device time.
//
// Device time is a float64 counting fractional days since 1899-12-30T00:00Z,
// the epoch used by the measurement devices the filter chain talks to. One
// hour is 1/24, one minute 1/1440. A device time of 0 means "not set".
//
//	now := timestamp.Now()
//	later := now + timestamp.FromDuration(5*time.Minute)
//	fmt.Println(timestamp.Format(later))
package timestamp

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Epoch is device time 0.
var Epoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// Common spans expressed in device time.
const (
	Day    = 1.0
	Hour   = Day / 24
	Minute = Hour / 60
	Second = Minute / 60

	// UnixEpoch is the device time of 1970-01-01T00:00Z.
	UnixEpoch = 25569.0

	msPerDay = 86_400_000.0
)

// Now returns the current device time.
func Now() float64 {
	return FromTime(time.Now())
}

// FromTime converts t to device time. The zero time maps to 0.
func FromTime(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return UnixEpoch + float64(t.UnixMilli())/msPerDay
}

// ToTime converts device time to UTC with millisecond precision. 0 maps to
// the zero time.
func ToTime(d float64) time.Time {
	if d == 0 {
		return time.Time{}
	}
	ms := math.Round((d - UnixEpoch) * msPerDay)
	return time.UnixMilli(int64(ms)).UTC()
}

// FromDuration converts a span to device time.
func FromDuration(d time.Duration) float64 {
	return float64(d) / float64(24*time.Hour)
}

// ToDuration converts a device time span to a duration rounded to the
// millisecond.
func ToDuration(days float64) time.Duration {
	return time.Duration(math.Round(days*msPerDay)) * time.Millisecond
}

// FromUnixMs converts Unix milliseconds to device time.
func FromUnixMs(ms int64) float64 {
	if ms == 0 {
		return 0
	}
	return UnixEpoch + float64(ms)/msPerDay
}

// ToUnixMs converts device time to Unix milliseconds.
func ToUnixMs(d float64) int64 {
	if d == 0 {
		return 0
	}
	return int64(math.Round((d - UnixEpoch) * msPerDay))
}

// Format renders device time as RFC3339 with milliseconds. 0 renders empty.
func Format(d float64) string {
	if d == 0 {
		return ""
	}
	return ToTime(d).Format("2006-01-02T15:04:05.000Z07:00")
}

// Parse reads either an RFC3339 timestamp or a bare device time number.
func Parse(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return FromTime(t), nil
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("timestamp %q is neither RFC3339 nor a device time", s)
	}
	if err := Validate(d); err != nil {
		return 0, err
	}
	return d, nil
}

// Validate rejects negative, NaN and infinite device times.
func Validate(d float64) error {
	switch {
	case math.IsNaN(d) || math.IsInf(d, 0):
		return fmt.Errorf("device time is not finite: %v", d)
	case d < 0:
		return fmt.Errorf("device time cannot be negative: %v", d)
	}
	return nil
}

// Between returns the span from start to end. Returns 0 if either is unset.
func Between(start, end float64) time.Duration {
	if start == 0 || end == 0 {
		return 0
	}
	return ToDuration(end - start)
}
