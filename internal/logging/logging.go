// Package logging builds the process logger: a log/slog fanout handler
// writing structured JSON to a file and colored text to the console,
// adapted from the teacher's logger package with its Wails-event fanout
// branch removed (no GUI host exists here).
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[37m"
)

// consoleHandler renders log records as short, colored single lines.
type consoleHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleHandler(out io.Writer) *consoleHandler {
	return &consoleHandler{out: out}
}

func (h *consoleHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	color := colorReset
	switch r.Level {
	case slog.LevelDebug:
		color = colorGray
	case slog.LevelInfo:
		color = colorGreen
	case slog.LevelWarn:
		color = colorYellow
	case slog.LevelError:
		color = colorRed
	}

	line := fmt.Sprintf("%s%s%s [%s] %s", color, r.Level.String()[:4], colorReset, r.Time.Format(time.TimeOnly), r.Message)
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, formatAttr(a))
		return true
	})

	_, err := fmt.Fprintln(h.out, line)
	return err
}

// formatAttr renders byte-count attributes human-readably, matching the
// pack's use of go-humanize for log-friendly sizes.
func formatAttr(a slog.Attr) string {
	if a.Key == "bytes" || a.Key == "downloaded_bytes" || a.Key == "total_bytes" {
		if v := a.Value.Int64(); v > 0 {
			return humanize.IBytes(uint64(v))
		}
	}
	return a.Value.String()
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *consoleHandler) WithGroup(name string) slog.Handler       { return h }

// fanoutHandler dispatches every record to each of its handlers.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, sub := range h.handlers {
		if sub.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, sub := range h.handlers {
		_ = sub.Handle(ctx, r)
	}
	return nil
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, sub := range h.handlers {
		out[i] = sub.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: out}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, sub := range h.handlers {
		out[i] = sub.WithGroup(name)
	}
	return &fanoutHandler{handlers: out}
}

// New builds a logger fanning out to logDir/app.json (JSON) and
// consoleOutput (colored text).
func New(logDir string, consoleOutput io.Writer) (*slog.Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(logDir, "app.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}

	handler := &fanoutHandler{
		handlers: []slog.Handler{
			slog.NewJSONHandler(f, nil),
			newConsoleHandler(consoleOutput),
		},
	}
	return slog.New(handler), nil
}
