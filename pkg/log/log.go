// Package log defines the logger contract handlers receive through route,
// cron, and bridge context objects, plus a zerolog-backed default adapter.
// Hosts that want a different backend only need to satisfy Logger.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Fields is a structured logging payload, mirroring the bridge control
// plane's log{level,msg,fields} message (spec §4.5).
type Fields map[string]any

// Logger is the contract every handler context exposes. Route, cron, and
// reactive handlers log through it; remote handlers reach it via the
// bridge's control plane log message.
type Logger interface {
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Warn(msg string, fields Fields)
	Error(msg string, err error, fields Fields)
	// With returns a child logger with fields merged into every entry.
	With(fields Fields) Logger
}

// Level represents a configured minimum log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration for the default adapter.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// zerologAdapter is the reference Logger implementation backing every
// internal subsystem (Bus, Router, Cron, Bridge) unless a host substitutes
// its own.
type zerologAdapter struct {
	l zerolog.Logger
}

var _ Logger = zerologAdapter{}

// New builds a Logger from cfg.
func New(cfg Config) Logger {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var zl zerolog.Logger
	if cfg.JSONOutput {
		zl = zerolog.New(output).Level(level).With().Timestamp().Logger()
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).Level(level).With().Timestamp().Logger()
	}
	return zerologAdapter{l: zl}
}

// WithComponent returns a Logger tagged with a "component" field, the
// convention used across every fabric subsystem.
func WithComponent(l Logger, component string) Logger {
	return l.With(Fields{"component": component})
}

// WithRunID returns a Logger tagged with the active run scope's id so every
// line emitted during an invocation can be correlated (spec §7 propagation
// policy).
func WithRunID(l Logger, runID string) Logger {
	return l.With(Fields{"run_id": runID})
}

func (z zerologAdapter) Debug(msg string, fields Fields) {
	withFields(z.l.Debug(), fields).Msg(msg)
}

func (z zerologAdapter) Info(msg string, fields Fields) {
	withFields(z.l.Info(), fields).Msg(msg)
}

func (z zerologAdapter) Warn(msg string, fields Fields) {
	withFields(z.l.Warn(), fields).Msg(msg)
}

func (z zerologAdapter) Error(msg string, err error, fields Fields) {
	ev := z.l.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	withFields(ev, fields).Msg(msg)
}

func (z zerologAdapter) With(fields Fields) Logger {
	ctx := z.l.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return zerologAdapter{l: ctx.Logger()}
}

func withFields(ev *zerolog.Event, fields Fields) *zerolog.Event {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}
