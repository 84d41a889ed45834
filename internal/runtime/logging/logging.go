package logging

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields holds structured key/value pairs attached to a log line.
type LogFields map[string]any

// ServiceLogger is the logging contract every userflow component receives.
// It mirrors Watermill's LoggerAdapter so the router, the transports and the
// sinks all write through the same logger.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
// Trace lines are written at watermill.LevelTrace, below debug.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("userflow: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLogger(log))
}

// NewJSONServiceLogger builds a JSON slog logger writing to w at the given level.
func NewJSONServiceLogger(w io.Writer, level slog.Level) ServiceLogger {
	return NewSlogServiceLogger(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// NopServiceLogger discards everything.
func NopServiceLogger() ServiceLogger {
	return NewWatermillServiceLogger(watermill.NopLogger{})
}

// ParseLevel accepts trace, debug, info, warn or error, case-insensitive.
// An empty value means info.
func ParseLevel(value string) (slog.Level, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "":
		return slog.LevelInfo, nil
	case "trace":
		return watermill.LevelTrace, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("userflow: unknown log level %q", value)
	}
	return level, nil
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("userflow: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return w
	}
	return &watermillServiceLogger{inner: w.inner.With(toWatermillFields(fields))}
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermillFields(fields))
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter
// for the router and the transport constructors.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("userflow: ServiceLogger cannot be nil")
	}
	return &serviceLoggerAdapter{base: log}
}

type serviceLoggerAdapter struct {
	base ServiceLogger
}

func (s *serviceLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &serviceLoggerAdapter{base: s.base.With(fromWatermillFields(fields))}
}

// Merge returns a new LogFields holding base overlaid with extra.
func Merge(base LogFields, extra LogFields) LogFields {
	out := make(LogFields, len(base)+len(extra))
	maps.Copy(out, base)
	maps.Copy(out, extra)
	return out
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
