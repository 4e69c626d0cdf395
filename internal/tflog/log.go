// Package tflog is the structured logger used across tradefeed. It wraps
// log/slog with the small leveled-logger API the rest of the codebase
// expects: Trace/Debug/Info/Warn/Error/Crit, each taking alternating
// key-value pairs.
package tflog

import (
	"context"
	"log/slog"
	"os"

	"github.com/go-stack/stack"
)

// Level mirrors slog.Level but adds Trace and Crit, giving the six
// levels the ingest/transform pipeline actually logs at.
type Level int

const (
	LevelTrace Level = -8
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
	LevelCrit  Level = 12
)

func (l Level) slog() slog.Level {
	return slog.Level(l)
}

// Logger is the interface every package in this repo logs through.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)
	With(ctx ...any) Logger
}

type logger struct {
	inner *slog.Logger
}

// NewLogger wraps an slog.Handler in the tradefeed Logger interface.
func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

// write emits one record. Error and Crit records additionally carry the
// caller's file:line so an operator can find the failing site without a
// stack trace in hand.
func (l *logger) write(level Level, msg string, ctx []any) {
	if level >= LevelError {
		ctx = append(ctx, "caller", stack.Caller(2).String())
	}
	l.inner.Log(context.Background(), level.slog(), msg, ctx...)
	if level == LevelCrit {
		os.Exit(1)
	}
}

func (l *logger) Trace(msg string, ctx ...any) { l.write(LevelTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.write(LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.write(LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.write(LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.write(LevelError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...any)  { l.write(LevelCrit, msg, ctx) }

func (l *logger) With(ctx ...any) Logger {
	return &logger{inner: l.inner.With(ctx...)}
}

var root Logger = NewLogger(NewTerminalHandler(os.Stderr, false))

// SetDefault replaces the package-level default logger.
func SetDefault(l Logger) { root = l }

// Default returns the package-level default logger.
func Default() Logger { return root }

func Trace(msg string, ctx ...any) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...any)  { root.Crit(msg, ctx...) }

// New returns a Logger scoped with a component tag: every record it
// emits carries a "component" key-value attribute alongside the message.
// Lines are not rewritten into a "[component] product: message" prefix
// form; the product appears only where a caller passes it as an attribute.
func New(component string) Logger {
	return root.With("component", component)
}
