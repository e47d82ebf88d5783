package eventlog

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/filters/monitor"
	"github.com/SmartCGMS/core-sub005/pipe"
	"github.com/SmartCGMS/core-sub005/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func start(t *testing.T, params map[string]any) (*Log, *pipe.Async, *pipe.Async, chan error) {
	t.Helper()
	in, err := pipe.NewAsync(pipe.WithName("in"), pipe.WithCapacity(32))
	require.NoError(t, err)
	out, err := pipe.NewAsync(pipe.WithName("out"), pipe.WithCapacity(32))
	require.NoError(t, err)

	l := New(in, out, filter.Dependencies{Stage: "log"})
	done := make(chan error, 1)
	go func() {
		done <- l.Run(context.Background(), filter.NewConfiguration(params, nil))
	}()
	return l, in, out, done
}

// receiveUntil releases forwarded events up to and including one of code.
func receiveUntil(t *testing.T, out *pipe.Async, code event.Code) {
	t.Helper()
	for {
		e, err := out.Receive()
		require.NoError(t, err)
		got := e.Code
		_ = e.Release()
		if got == code {
			return
		}
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWritesCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, in, out, done := start(t, map[string]any{"directory": dir, "buffer_size": 1000, "flush_interval": "1h"})

	for _, e := range testutil.Levels(event.SignalIG, 1, 5.5, 6.25) {
		require.NoError(t, in.Send(e))
	}
	require.NoError(t, in.Send(testutil.Info("calibrated, twice")))
	require.NoError(t, in.Send(event.NewSegmentStop(testutil.Device, 1)))

	// Segment stop flushes although the batch is far from full.
	receiveUntil(t, out, event.TimeSegmentStop)
	assert.Equal(t, filepath.Join(dir, "events.csv"), l.Path())
	rows := readCSV(t, l.Path())
	require.Len(t, rows, 5)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, "Level", rows[1][2])
	assert.Equal(t, "ig", rows[1][4])
	assert.Equal(t, "5.5", rows[1][5])
	assert.Equal(t, "6.25", rows[2][5])
	assert.Equal(t, "Information", rows[3][2])
	assert.Equal(t, "calibrated, twice", rows[3][7])
	assert.Equal(t, "TimeSegmentStop", rows[4][2])

	require.NoError(t, in.Send(event.NewShutDown(testutil.Device)))
	receiveUntil(t, out, event.ShutDown)
	require.NoError(t, <-done)

	assert.Equal(t, int64(5), l.Written())
	assert.Greater(t, l.Bytes(), int64(0))
	rows = readCSV(t, l.Path())
	assert.Equal(t, "ShutDown", rows[len(rows)-1][2])
}

func TestAppendKeepsSingleHeader(t *testing.T) {
	dir := t.TempDir()
	for run := 0; run < 2; run++ {
		_, in, out, done := start(t, map[string]any{"directory": dir, "file_prefix": "day"})
		require.NoError(t, in.Send(testutil.Levels(event.SignalBG, 1, float64(run))[0]))
		require.NoError(t, in.Send(event.NewShutDown(testutil.Device)))
		receiveUntil(t, out, event.ShutDown)
		require.NoError(t, <-done)
	}

	rows := readCSV(t, filepath.Join(dir, "day.csv"))
	require.Len(t, rows, 5, "one header, two rows per run")
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, "0", rows[1][5])
	assert.Equal(t, "1", rows[3][5])

	_, in, out, done := start(t, map[string]any{"directory": dir, "file_prefix": "day", "append": false})
	require.NoError(t, in.Send(event.NewShutDown(testutil.Device)))
	receiveUntil(t, out, event.ShutDown)
	require.NoError(t, <-done)
	assert.Len(t, readCSV(t, filepath.Join(dir, "day.csv")), 2, "truncated")
}

func TestWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	l, in, out, done := start(t, map[string]any{"directory": dir, "format": "jsonl", "buffer_size": 1})

	require.NoError(t, in.Send(testutil.Levels(event.SignalBG, 1, 7.125)[0]))
	require.NoError(t, in.Send(event.NewShutDown(testutil.Device)))
	receiveUntil(t, out, event.ShutDown)
	require.NoError(t, <-done)

	f, err := os.Open(l.Path())
	require.NoError(t, err)
	defer f.Close()

	var codes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var msg monitor.Message
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		codes = append(codes, msg.Code)
		if msg.Code == "Level" {
			require.NotNil(t, msg.Level)
			assert.Equal(t, 7.125, *msg.Level)
		}
	}
	assert.Equal(t, []string{"Level", "ShutDown"}, codes)
	assert.True(t, strings.HasSuffix(l.Path(), ".jsonl"))
}

func TestConfiguration(t *testing.T) {
	l, _, _, done := start(t, map[string]any{"format": "xml", "buffer_size": 0, "flush_interval": "0s"})
	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.Contains(t, err.Error(), `"directory"`)
	assert.Contains(t, err.Error(), `"format"`)
	assert.Empty(t, l.Path())
}
