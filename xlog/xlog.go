// Package xlog provides the structured logger used throughout the CBE
// engine. It mirrors the shape of go-ethereum's log package: a thin,
// key/value oriented wrapper around log/slog with a TTY-aware colored
// console handler and an optional rotating file sink.
package xlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the interface every CBE component logs through. The zero
// value of Library never holds a global logger; one is always supplied
// at construction (see design note "Global state = the Library instance"
// in SPEC_FULL.md).
type Logger interface {
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)
	With(ctx ...any) Logger
}

type logger struct {
	s *slog.Logger
}

// New builds a console logger, colorized when stdout is a terminal.
func New(level slog.Level) Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter builds a logger writing to w, colorizing output only
// when w is detected to be a terminal.
func NewWithWriter(w io.Writer, level slog.Level) Logger {
	out := w
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out = colorable.NewColorable(f)
	}
	h := newConsoleHandler(out, level)
	return &logger{s: slog.New(h)}
}

// NewFileLogger builds a logger that rotates its output through
// lumberjack, for long-running hosts. The CLI does not use it; its
// subcommands log to the console via New.
func NewFileLogger(path string, maxSizeMB, maxBackups, maxAgeDays int, level slog.Level) Logger {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return &logger{s: slog.New(newConsoleHandler(w, level))}
}

func (l *logger) Debug(msg string, ctx ...any) { l.s.Debug(msg, ctx...) }
func (l *logger) Info(msg string, ctx ...any)  { l.s.Info(msg, ctx...) }
func (l *logger) Warn(msg string, ctx ...any)  { l.s.Warn(msg, ctx...) }
func (l *logger) Error(msg string, ctx ...any) { l.s.Error(msg, ctx...) }

// levelCrit is above slog's built-in levels, matching go-ethereum's
// CRIT severity which sits above ERROR.
const levelCrit = slog.LevelError + 4

// Crit logs at the highest level and terminates the process. Nothing in
// CBE calls it: protocol misuse panics in the module that detects it, and
// I/O or hash-mismatch errors are reported through results and the
// Library's poisoned state.
func (l *logger) Crit(msg string, ctx ...any) {
	l.s.Log(context.Background(), levelCrit, msg, ctx...)
	os.Exit(1)
}

func (l *logger) With(ctx ...any) Logger {
	return &logger{s: l.s.With(ctx...)}
}

// Discard returns a logger that throws every record away, for tests
// that don't want console noise.
func Discard() Logger {
	return &logger{s: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// consoleHandler renders records the way go-ethereum's term handler
// does: "LVL[time] msg key=val key=val ...", colorized by level when
// writing to a terminal.
type consoleHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
}

func newConsoleHandler(w io.Writer, level slog.Level) slog.Handler {
	return &consoleHandler{w: w, level: level, mu: &sync.Mutex{}}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(levelTag(r.Level))
	b.WriteByte('[')
	b.WriteString(r.Time.Format(time.RFC3339))
	b.WriteString("] ")
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &consoleHandler{w: h.w, level: h.level, mu: h.mu, attrs: merged}
}

func (h *consoleHandler) WithGroup(_ string) slog.Handler {
	return h
}

func levelTag(lvl slog.Level) string {
	switch {
	case lvl >= slog.LevelError+4:
		return "CRIT "
	case lvl >= slog.LevelError:
		return "ERROR"
	case lvl >= slog.LevelWarn:
		return "WARN "
	case lvl >= slog.LevelInfo:
		return "INFO "
	default:
		return "DEBUG"
	}
}
