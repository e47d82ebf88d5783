// Package eventlog writes every passing event to a file and forwards it.
//
// Two formats are supported: csv (one header line, one row per event) and
// jsonl (the monitor's JSON message, one per line). Writes are batched and
// flushed when the batch is full, on a timer, at every segment stop and at
// shutdown.
package eventlog

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/filters/monitor"
	"github.com/SmartCGMS/core-sub005/metric"
	"github.com/SmartCGMS/core-sub005/pkg/timestamp"
)

// ID identifies the event log filter.
var ID = uuid.MustParse("3c9d7e21-5b4a-4c8f-9e12-6f0a1b2c3d4e")

// Descriptor documents the filter parameters.
var Descriptor = filter.Descriptor{
	ID:          ID,
	Name:        "event_log",
	Description: "Appends every event to a csv or jsonl file and forwards it",
	Parameters: []filter.ParameterDescriptor{
		{Name: "directory", Type: "string", Description: "Output directory, created when missing", Required: true},
		{Name: "file_prefix", Type: "string", Description: "File name without extension", Default: "events"},
		{Name: "format", Type: "string", Description: "csv or jsonl", Default: "csv"},
		{Name: "append", Type: "boolean", Description: "Append to an existing file instead of truncating it", Default: true},
		{Name: "buffer_size", Type: "integer", Description: "Events batched before a write", Default: 100},
		{Name: "flush_interval", Type: "duration", Description: "Longest time an event waits in the batch", Default: "1s"},
	},
}

// Header is the first line of a csv log.
var Header = []string{"logical_time", "device_time", "code", "device", "signal", "level", "segment", "info"}

// Register installs the filter in r.
func Register(r *filter.Registry) error {
	return r.Register(Descriptor, func(in filter.Receiver, out filter.Sender, deps filter.Dependencies) (filter.Filter, error) {
		return New(in, out, deps), nil
	})
}

// Log is a threaded filter owning one output file.
type Log struct {
	name    string
	in      filter.Receiver
	out     filter.Sender
	logger  *slog.Logger
	metrics *metric.Metrics

	format     string
	bufferSize int

	file   *os.File
	fileMu sync.Mutex
	path   string

	buffer   [][]byte
	bufferMu sync.Mutex

	written atomic.Int64
	bytes   atomic.Int64
	errors  atomic.Int64
}

// New binds an event log to its pipes.
func New(in filter.Receiver, out filter.Sender, deps filter.Dependencies) *Log {
	return &Log{
		name:    deps.Stage,
		in:      in,
		out:     out,
		logger:  deps.GetLoggerWithComponent(deps.Stage),
		metrics: deps.CoreMetrics(),
	}
}

// Path returns the file being written, empty before Run opened it.
func (l *Log) Path() string {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	return l.path
}

// Written returns the number of events written to the file.
func (l *Log) Written() int64 { return l.written.Load() }

// Bytes returns the number of bytes written to the file.
func (l *Log) Bytes() int64 { return l.bytes.Load() }

func (l *Log) open(cfg filter.Configuration) (time.Duration, error) {
	cfg.Require("directory")
	directory := cfg.String("directory", "")
	prefix := cfg.String("file_prefix", "events")
	l.format = cfg.String("format", "csv")
	appendMode := cfg.Bool("append", true)
	l.bufferSize = cfg.Int("buffer_size", 100)
	interval := cfg.Duration("flush_interval", time.Second)

	if l.format != "csv" && l.format != "jsonl" {
		cfg.Errors().Add("parameter \"format\": must be csv or jsonl, got %q", l.format)
	}
	if l.bufferSize < 1 {
		cfg.Errors().Add("parameter \"buffer_size\": must be positive, got %d", l.bufferSize)
	}
	if interval <= 0 {
		cfg.Errors().Add("parameter \"flush_interval\": must be positive, got %s", interval)
	}
	if err := cfg.Err(); err != nil {
		return 0, errors.WrapInvalid(err, "Log", "Run", "configure "+l.name)
	}

	if err := os.MkdirAll(directory, 0o755); err != nil {
		return 0, errors.WrapFatal(err, "Log", "Run", "create directory")
	}
	path := filepath.Join(directory, fmt.Sprintf("%s.%s", prefix, l.format))

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, errors.WrapFatal(err, "Log", "Run", "open output file")
	}

	l.fileMu.Lock()
	l.file = file
	l.path = path
	l.fileMu.Unlock()

	if l.format == "csv" {
		info, err := file.Stat()
		if err == nil && info.Size() == 0 {
			header, _ := csvLine(Header)
			n, err := file.Write(header)
			if err != nil {
				_ = file.Close()
				return 0, errors.WrapFatal(err, "Log", "Run", "write header")
			}
			l.bytes.Add(int64(n))
		}
	}
	return interval, nil
}

// Run opens the file, then writes and forwards until the input ends.
func (l *Log) Run(ctx context.Context, cfg filter.Configuration) error {
	if l.in == nil || l.out == nil {
		return errors.WrapFatal(errors.ErrInvalidArgument, "Log", "Run", "pipe endpoints")
	}
	interval, err := l.open(cfg)
	if err != nil {
		return err
	}
	l.logger.Info("Event log opened", "path", l.path, "format", l.format, "buffer_size", l.bufferSize)

	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.flushLoop(loopCtx, interval)
	}()
	defer func() {
		cancel()
		wg.Wait()
		l.close()
	}()

	for {
		e, err := l.in.Receive()
		if err != nil {
			if errors.IsEndOfStream(err) {
				return nil
			}
			return errors.Wrap(err, "Log", "Run", "receive")
		}

		line, lineErr := l.encode(e)
		boundary := e.Code == event.TimeSegmentStop || e.IsShutDown()
		code := e.Code

		if lineErr != nil {
			l.errors.Add(1)
			l.logger.Warn("Event not encodable", "error", lineErr)
		} else if l.enqueue(line) || boundary {
			l.flush()
		}

		if err := l.out.Send(e); err != nil {
			if errors.IsEndOfStream(err) {
				continue
			}
			return errors.Wrap(err, "Log", "Run", "forward")
		}
		if l.metrics != nil {
			l.metrics.RecordEventSent(l.name, code.String())
		}
	}
}

func (l *Log) encode(e *event.Event) ([]byte, error) {
	if l.format == "jsonl" {
		data, err := json.Marshal(monitor.NewMessage(e))
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	return csvLine(Row(e))
}

// Row renders e as csv fields in Header order.
func Row(e *event.Event) []string {
	row := []string{
		strconv.FormatInt(e.LogicalTime, 10),
		timestamp.Format(e.DeviceTime),
		e.Code.String(),
		e.DeviceID.String(),
		"", "",
		strconv.FormatUint(e.SegmentID, 10),
		"",
	}
	switch {
	case e.Code.IsLevel():
		row[4] = event.SignalName(e.SignalID)
		row[5] = strconv.FormatFloat(e.Level, 'g', -1, 64)
	case e.Code.IsInfo():
		row[7] = e.Info()
	case e.Code.IsParameters():
		row[4] = event.SignalName(e.SignalID)
		params := e.Parameters()
		fields := make([]string, len(params))
		for i, p := range params {
			fields[i] = strconv.FormatFloat(p, 'g', -1, 64)
		}
		row[7] = strings.Join(fields, " ")
	}
	return row
}

func csvLine(fields []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// enqueue reports whether the batch is full.
func (l *Log) enqueue(line []byte) bool {
	l.bufferMu.Lock()
	defer l.bufferMu.Unlock()
	l.buffer = append(l.buffer, line)
	return len(l.buffer) >= l.bufferSize
}

func (l *Log) flushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

func (l *Log) flush() {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return
	}
	lines := l.buffer
	l.buffer = make([][]byte, 0, l.bufferSize)
	l.bufferMu.Unlock()

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if l.file == nil {
		l.errors.Add(int64(len(lines)))
		l.logger.Error("File closed during flush", "lines_lost", len(lines))
		return
	}

	for _, line := range lines {
		n, err := l.file.Write(line)
		if err != nil {
			l.errors.Add(1)
			if l.metrics != nil {
				l.metrics.RecordError(l.name, errors.Classify(err).String())
			}
			l.logger.Error("Failed to write event", "path", l.path, "error", err)
			continue
		}
		l.written.Add(1)
		l.bytes.Add(int64(n))
	}
}

func (l *Log) close() {
	l.flush()

	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if l.file == nil {
		return
	}
	if err := l.file.Close(); err != nil {
		l.logger.Warn("Failed to close event log", "path", l.path, "error", err)
	}
	l.file = nil
	l.logger.Info("Event log closed", "path", l.path, "written", l.written.Load(), "errors", l.errors.Load())
}
