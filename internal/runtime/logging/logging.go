package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields carries structured key/value pairs alongside a log line.
type LogFields map[string]any

// ServiceLogger is the logging contract used by every amqpcore component.
// It mirrors Watermill's LoggerAdapter so existing application loggers can be
// plugged in without another adapter layer.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

var slogLevels = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogServiceLogger routes log lines to a slog.Logger through Watermill's
// slog adapter.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("amqpcore: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, slogLevels))
}

// NewWatermillServiceLogger wraps a Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("amqpcore: watermill logger cannot be nil")
	}
	return &watermillLogger{inner: logger}
}

// NopLogger discards everything. Components fall back to it when no logger is
// configured.
func NopLogger() ServiceLogger {
	return NewWatermillServiceLogger(watermill.NopLogger{})
}

// OrNop returns log, or the no-op logger when log is nil.
func OrNop(log ServiceLogger) ServiceLogger {
	if log == nil {
		return NopLogger()
	}
	return log
}

type watermillLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return w
	}
	return &watermillLogger{inner: w.inner.With(watermill.LogFields(fields))}
}

func (w *watermillLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermill(fields))
}

func (w *watermillLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermill(fields))
}

func (w *watermillLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermill(fields))
}

func (w *watermillLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermill(fields))
}

// NewWatermillAdapter exposes a ServiceLogger as a Watermill LoggerAdapter,
// for handing to Watermill publishers built by the bridge package.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("amqpcore: ServiceLogger cannot be nil")
	}
	return &adapter{base: log}
}

type adapter struct {
	base ServiceLogger
}

func (a *adapter) Error(msg string, err error, fields watermill.LogFields) {
	a.base.Error(msg, err, fromWatermill(fields))
}

func (a *adapter) Info(msg string, fields watermill.LogFields) {
	a.base.Info(msg, fromWatermill(fields))
}

func (a *adapter) Debug(msg string, fields watermill.LogFields) {
	a.base.Debug(msg, fromWatermill(fields))
}

func (a *adapter) Trace(msg string, fields watermill.LogFields) {
	a.base.Trace(msg, fromWatermill(fields))
}

func (a *adapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &adapter{base: a.base.With(fromWatermill(fields))}
}

func toWatermill(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermill(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
