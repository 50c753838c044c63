// Package logger provides the structured Logger interface injected into
// every usermanager/* component, so tests can substitute a recording
// fake without pulling in a real slog handler.
package logger

import (
	"log/slog"
	"os"
)

type Logger interface {
	Info(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	// With returns a Logger that prepends the given key/value pairs to
	// every subsequent call, used to tag log lines with a uid or unit
	// name without threading a format string through every call site.
	With(args ...interface{}) Logger
}

type StdLogger struct {
	internalLogger *slog.Logger
}

// New returns a Logger backed by a text handler writing to stderr,
// which is where the daemon's supervisor expects journal output.
func New() Logger {
	l := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return &StdLogger{internalLogger: l}
}

func (l *StdLogger) Info(msg string, args ...interface{})  { l.internalLogger.Info(msg, args...) }
func (l *StdLogger) Debug(msg string, args ...interface{}) { l.internalLogger.Debug(msg, args...) }
func (l *StdLogger) Warn(msg string, args ...interface{})  { l.internalLogger.Warn(msg, args...) }
func (l *StdLogger) Error(msg string, args ...interface{}) { l.internalLogger.Error(msg, args...) }

func (l *StdLogger) With(args ...interface{}) Logger {
	return &StdLogger{internalLogger: l.internalLogger.With(args...)}
}

// Nop returns a Logger that discards everything, used as the default
// collaborator in tests that don't care about log output.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (l nopLogger) With(...interface{}) Logger { return l }
