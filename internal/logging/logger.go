// Package logging provides the agent's structured console logger: a
// slog-backed Logger interface whose default handler renders the exact
// "YYYY-MM-DD HH:MM:SS [name       ] [L] message" line format, with a
// custom TRACE level below DEBUG and optional ANSI coloring.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LevelTrace sits one notch below slog.LevelDebug, for per-value
// detail too noisy even at DEBUG.
const LevelTrace = slog.LevelDebug - 4

// Logger is the project-wide logging interface. Every component is
// handed one bound with its own name via With("logger", name) so the
// line format's [name] field is filled automatically.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Critical(msg string, args ...any)
	With(args ...any) Logger
	Named(name string) Logger
}

// Options controls the console handler's behavior.
type Options struct {
	Level  slog.Level
	NoAnsi bool
	Debug  bool
	Out    io.Writer
}

// ParseLevel maps the agent's config-file level names (including the
// custom "trace" level) onto slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical", "fatal":
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// New returns a Logger backed by the colored console handler described
// in this package's doc comment.
func New(opts Options) Logger {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	level := opts.Level
	if opts.Debug {
		level = slog.LevelDebug
	}
	h := &consoleHandler{
		out:    opts.Out,
		level:  level,
		noAnsi: opts.NoAnsi,
	}
	return &slogLogger{Logger: slog.New(h)}
}

type slogLogger struct {
	*slog.Logger
}

func (l *slogLogger) Trace(msg string, args ...any) {
	l.Logger.Log(context.Background(), LevelTrace, msg, args...)
}

func (l *slogLogger) Critical(msg string, args ...any) {
	l.Logger.Log(context.Background(), slog.LevelError+4, msg, args...)
}

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{Logger: l.Logger.With(args...)}
}

// Named returns a Logger whose console lines carry name in the
// "[name       ]" field.
func (l *slogLogger) Named(name string) Logger {
	return &slogLogger{Logger: l.Logger.With(loggerNameKey, name)}
}

const loggerNameKey = "logger"

// consoleHandler implements slog.Handler directly (rather than wrapping
// slog.NewTextHandler) because the line format's column widths and
// level-letter abbreviation don't map onto TextHandler's key=value
// output at all.
type consoleHandler struct {
	out    io.Writer
	level  slog.Level
	noAnsi bool
	mu     sync.Mutex
	attrs  []slog.Attr
	name   string
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	name := h.name
	extra := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	extra = append(extra, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == loggerNameKey {
			name = a.Value.String()
			return true
		}
		extra = append(extra, a)
		return true
	})
	if name == "" {
		name = "main"
	}

	letter, color := levelLetter(r.Level)
	ts := r.Time.Format("2006-01-02 15:04:05")
	header := fmt.Sprintf("%s [%-10.10s] ", ts, name)
	body := fmt.Sprintf("[%s] %s", letter, r.Message)
	for _, a := range extra {
		body += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
	}

	line := header + body
	if !h.noAnsi && color != "" {
		line = header + color + body + ansiReset
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.out, line)
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &consoleHandler{out: h.out, level: h.level, noAnsi: h.noAnsi, name: h.name}
	n.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key == loggerNameKey {
			n.name = a.Value.String()
			continue
		}
		n.attrs = append(n.attrs, a)
	}
	return n
}

func (h *consoleHandler) WithGroup(_ string) slog.Handler {
	return h
}

const (
	ansiReset  = "\x1b[0m"
	ansiGrey   = "\x1b[38;20m"
	ansiYellow = "\x1b[33;20m"
	ansiRed    = "\x1b[31;20m"
	ansiBoldR  = "\x1b[31;1m"
)

func levelLetter(l slog.Level) (string, string) {
	switch {
	case l < slog.LevelDebug:
		return "T", ansiGrey
	case l < slog.LevelInfo:
		return "D", ansiGrey
	case l < slog.LevelWarn:
		return "I", ""
	case l < slog.LevelError:
		return "W", ansiYellow
	case l < slog.LevelError+4:
		return "E", ansiRed
	default:
		return "C", ansiBoldR
	}
}
