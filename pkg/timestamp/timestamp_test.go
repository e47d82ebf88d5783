package timestamp

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2023, 1, 15, 12, 30, 45, 123000000, time.UTC)

func TestEpoch(t *testing.T) {
	assert.Equal(t, UnixEpoch, FromTime(time.Unix(0, 0)))
	assert.Equal(t, 1.0, FromTime(Epoch.Add(24*time.Hour)))
	assert.Zero(t, FromTime(time.Time{}))
	assert.True(t, ToTime(0).IsZero())
}

func TestRoundTrip(t *testing.T) {
	d := FromTime(testTime)
	assert.True(t, testTime.Equal(ToTime(d)), "got %v", ToTime(d))
	assert.Equal(t, testTime.UnixMilli(), ToUnixMs(d))
	assert.InDelta(t, d, FromUnixMs(testTime.UnixMilli()), 1e-12)
	assert.Zero(t, FromUnixMs(0))
	assert.Zero(t, ToUnixMs(0))
}

func TestNowIsMonotonicEnough(t *testing.T) {
	before := FromTime(time.Now())
	now := Now()
	after := FromTime(time.Now())
	assert.GreaterOrEqual(t, now, before)
	assert.LessOrEqual(t, now, after)
}

func TestDurations(t *testing.T) {
	assert.InDelta(t, Hour, FromDuration(time.Hour), 1e-15)
	assert.InDelta(t, 5*Minute, FromDuration(5*time.Minute), 1e-15)
	assert.Equal(t, 90*time.Second, ToDuration(90*Second))
	assert.Equal(t, 5*time.Minute, Between(100, 100+5*Minute))
	assert.Zero(t, Between(0, 100))
}

func TestFormatAndParse(t *testing.T) {
	d := FromTime(testTime)
	assert.Equal(t, "2023-01-15T12:30:45.123Z", Format(d))
	assert.Empty(t, Format(0))

	parsed, err := Parse("2023-01-15T12:30:45.123Z")
	require.NoError(t, err)
	assert.InDelta(t, d, parsed, 1e-9)

	parsed, err = Parse("45000.5")
	require.NoError(t, err)
	assert.Equal(t, 45000.5, parsed)

	parsed, err = Parse("")
	require.NoError(t, err)
	assert.Zero(t, parsed)

	_, err = Parse("yesterday")
	assert.Error(t, err)
	_, err = Parse("-3")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(45000))
	assert.Error(t, Validate(-1))
	assert.Error(t, Validate(math.NaN()))
	assert.Error(t, Validate(math.Inf(1)))
}
