// Package log is a small structured-logging shim matching the shape of
// go-ethereum's log package (log.SetDefault, log.NewLogger,
// log.NewTerminalHandlerWithLevel, log.Crit/Error/Warn/Info/Debug with
// alternating key/value pairs), as exercised directly by
// cmd/maliciousvote-submit/main.go in the teacher repo. It is built on
// log/slog and is deliberately not load-bearing: nothing in the engine
// branches on whether a log call happened (spec.md §9).
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level mirrors slog.Level with go-ethereum's naming.
type Level int

const (
	LevelTrace Level = Level(slog.LevelDebug - 4)
	LevelDebug Level = Level(slog.LevelDebug)
	LevelInfo  Level = Level(slog.LevelInfo)
	LevelWarn  Level = Level(slog.LevelWarn)
	LevelError Level = Level(slog.LevelError)
	LevelCrit  Level = Level(slog.LevelError + 4)
)

// Logger wraps an *slog.Logger with the Crit level and a fatal exit.
type Logger struct {
	inner *slog.Logger
}

// NewLogger wraps an slog.Handler.
func NewLogger(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// NewTerminalHandlerWithLevel returns a handler that writes human-readable,
// optionally colored lines to w, filtered at the given level. Color is
// only enabled when useColor is true and w is a terminal.
func NewTerminalHandlerWithLevel(w io.Writer, lvl Level, useColor bool) slog.Handler {
	if f, ok := w.(*os.File); ok && useColor && isatty.IsTerminal(f.Fd()) {
		w = colorable.NewColorable(f)
	} else {
		useColor = false
	}
	return &terminalHandler{out: w, level: slog.Level(lvl), color: useColor}
}

type terminalHandler struct {
	out   io.Writer
	level slog.Level
	color bool
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.Format(time.TimeOnly)
	line := fmt.Sprintf("%s [%s] %s", ts, levelName(Level(r.Level)), r.Message)
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})
	_, err := fmt.Fprintln(h.out, line)
	return err
}

func (h *terminalHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *terminalHandler) WithGroup(_ string) slog.Handler      { return h }

func levelName(l Level) string {
	switch {
	case l <= LevelTrace:
		return "TRCE"
	case l <= LevelDebug:
		return "DBUG"
	case l <= LevelInfo:
		return "INFO"
	case l <= LevelWarn:
		return "WARN"
	case l <= LevelError:
		return "EROR"
	default:
		return "CRIT"
	}
}

var root = NewLogger(NewTerminalHandlerWithLevel(os.Stderr, LevelInfo, true))

// SetDefault installs l as the package-level logger used by the
// free functions below.
func SetDefault(l *Logger) { root = l }

func kvAttrs(kv []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		attrs = append(attrs, slog.Any(key, kv[i+1]))
	}
	return attrs
}

func (l *Logger) log(level Level, msg string, kv ...any) {
	l.inner.LogAttrs(context.Background(), slog.Level(level), msg, kvAttrs(kv)...)
}

func (l *Logger) Trace(msg string, kv ...any) { l.log(LevelTrace, msg, kv...) }
func (l *Logger) Debug(msg string, kv ...any) { l.log(LevelDebug, msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(LevelInfo, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(LevelWarn, msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.log(LevelError, msg, kv...) }
func (l *Logger) Crit(msg string, kv ...any) {
	l.log(LevelCrit, msg, kv...)
	os.Exit(1)
}

func Trace(msg string, kv ...any) { root.Trace(msg, kv...) }
func Debug(msg string, kv ...any) { root.Debug(msg, kv...) }
func Info(msg string, kv ...any)  { root.Info(msg, kv...) }
func Warn(msg string, kv ...any)  { root.Warn(msg, kv...) }
func Error(msg string, kv ...any) { root.Error(msg, kv...) }
func Crit(msg string, kv ...any)  { root.Crit(msg, kv...) }
