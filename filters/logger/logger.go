// Package logger writes every passing event to the structured log and
// forwards it unchanged.
package logger

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/pkg/timestamp"
)

// ID identifies the logger filter.
var ID = uuid.MustParse("c0e942b9-3928-4b81-9b43-a347668200ba")

// Descriptor documents the filter parameters.
var Descriptor = filter.Descriptor{
	ID:          ID,
	Name:        "logger",
	Description: "Logs every event and forwards it",
	Synchronous: true,
	Parameters: []filter.ParameterDescriptor{
		{Name: "level", Type: "string", Description: "Log level: debug, info, warn or error", Default: "info"},
		{Name: "codes", Type: "string", Description: "Comma separated event codes to log; empty logs all"},
	},
}

// Register installs the filter in r.
func Register(r *filter.Registry) error {
	return r.Register(Descriptor, func(in filter.Receiver, out filter.Sender, deps filter.Dependencies) (filter.Filter, error) {
		return filter.NewStage(New(deps.GetLoggerWithComponent(deps.Stage)), in, out, deps), nil
	})
}

// Logger is the processor behind the filter.
type Logger struct {
	logger *slog.Logger
	level  slog.Level
	codes  map[event.Code]bool
	count  int64
}

// New creates a Logger writing to logger.
func New(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

func (l *Logger) Configure(cfg filter.Configuration) error {
	if err := l.level.UnmarshalText([]byte(cfg.String("level", "info"))); err != nil {
		cfg.Errors().Add("parameter \"level\": %v", err)
	}

	l.codes = nil
	if list := cfg.String("codes", ""); list != "" {
		l.codes = make(map[event.Code]bool)
		for _, name := range strings.Split(list, ",") {
			code, err := event.ParseCode(strings.TrimSpace(name))
			if err != nil {
				cfg.Errors().Add("parameter \"codes\": %v", err)
				continue
			}
			l.codes[code] = true
		}
	}
	return nil
}

func (l *Logger) Process(e *event.Event, emit filter.Emitter) error {
	if l.codes == nil || l.codes[e.Code] {
		l.count++
		attrs := []slog.Attr{
			slog.String("code", e.Code.String()),
			slog.String("device", e.DeviceID.String()),
			slog.Int64("logical_time", e.LogicalTime),
			slog.String("device_time", timestamp.Format(e.DeviceTime)),
			slog.Uint64("segment", e.SegmentID),
		}
		switch {
		case e.Code.IsLevel():
			attrs = append(attrs, slog.String("signal", event.SignalName(e.SignalID)), slog.Float64("value", e.Level))
		case e.Code.IsInfo():
			attrs = append(attrs, slog.String("info", e.Info()))
		case e.Code.IsParameters():
			attrs = append(attrs, slog.String("signal", event.SignalName(e.SignalID)), slog.Any("parameters", e.Parameters()))
		}
		l.logger.LogAttrs(context.Background(), l.level, "Event", attrs...)
	}
	return emit(e)
}

// Count returns the number of events logged so far.
func (l *Logger) Count() int64 {
	return l.count
}
