// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging wraps charmbracelet/log into a small structured logger
// used by every component: one process-wide logger, scoped per component
// with WithComponent, with leveled Info/Warn/Error/Debug calls that take
// alternating key/value pairs the way slog does.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	charmlog "github.com/charmbracelet/log"
)

var (
	mu      sync.Mutex
	root    = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02T15:04:05Z07:00",
	})
)

// Logger is a component-scoped handle onto the process logger.
type Logger struct {
	component string
	l         *charmlog.Logger
}

// SetOutput redirects all future log output; used by daemons that log to a
// file instead of stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	root.SetOutput(w)
}

// SetLevel adjusts the minimum level emitted ("debug","info","warn","error").
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		return
	}
	root.SetLevel(lvl)
}

// WithComponent returns a Logger tagged with the given component name,
// e.g. logging.WithComponent("tailer").
func WithComponent(component string) *Logger {
	return &Logger{
		component: component,
		l:         root.With("component", component),
	}
}

// WithError returns a copy of the logger with an "error" field pre-bound,
// mirroring the call pattern logging.WithComponent(x).WithError(err).Error(...).
func (lg *Logger) WithError(err error) *Logger {
	return &Logger{
		component: lg.component,
		l:         lg.l.With("error", err),
	}
}

// With returns a copy of the logger with additional key/value pairs bound.
func (lg *Logger) With(kv ...any) *Logger {
	return &Logger{component: lg.component, l: lg.l.With(kv...)}
}

func (lg *Logger) Debug(msg string, kv ...any) { lg.l.Debug(msg, kv...) }
func (lg *Logger) Info(msg string, kv ...any)  { lg.l.Info(msg, kv...) }
func (lg *Logger) Warn(msg string, kv ...any)  { lg.l.Warn(msg, kv...) }
func (lg *Logger) Error(msg string, kv ...any) { lg.l.Error(msg, kv...) }

// package-level convenience funcs for call sites that haven't scoped a
// component logger yet (adapted/legacy code paths).
func Debug(msg string, kv ...any) { root.Debug(msg, kv...) }
func Info(msg string, kv ...any)  { root.Info(msg, kv...) }
func Warn(msg string, kv ...any)  { root.Warn(msg, kv...) }
func Error(msg string, kv ...any) { root.Error(msg, kv...) }

// Fatalf logs at error level and exits 1; used only from cmd/ entrypoints.
func Fatalf(format string, args ...any) {
	root.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
