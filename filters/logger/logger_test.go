package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
)

func TestLogsAndForwards(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	require.NoError(t, l.Configure(filter.NewConfiguration(map[string]any{"level": "debug", "codes": "Level, Information"}, nil)))

	device := uuid.New()
	info, err := event.NewInfo(event.Information, device, "calibrated")
	require.NoError(t, err)

	var forwarded []*event.Event
	emit := func(e *event.Event) error {
		forwarded = append(forwarded, e)
		return nil
	}
	require.NoError(t, l.Process(event.NewLevel(device, event.SignalIG, 45000, 6.2, 3), emit))
	require.NoError(t, l.Process(info, emit))
	require.NoError(t, l.Process(event.NewSegmentStop(device, 3), emit))

	assert.Len(t, forwarded, 3)
	assert.EqualValues(t, 2, l.Count())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "Level", rec["code"])
	assert.Equal(t, "ig", rec["signal"])
	assert.Equal(t, 6.2, rec["value"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "calibrated", rec["info"])
	require.NoError(t, info.Release())
}

func TestBadParameters(t *testing.T) {
	cfg := filter.NewConfiguration(map[string]any{"level": "loud", "codes": "Level,Bogus"}, nil)
	require.NoError(t, New(nil).Configure(cfg))
	assert.Equal(t, 2, cfg.Errors().Len())
}
