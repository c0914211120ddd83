package main

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	hostbridge "github.com/wagiedev/hostbridge-go"
)

// console keeps the most recent log records so get-logs has something to
// return.
type console struct {
	mu      sync.Mutex
	entries []hostbridge.LogEntry
	limit   int
}

var _ hostbridge.LogSource = (*console)(nil)

func newConsole(limit int) *console {
	return &console{limit: limit}
}

func (c *console) append(e hostbridge.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = append(c.entries, e)
	if over := len(c.entries) - c.limit; over > 0 {
		c.entries = slices.Delete(c.entries, 0, over)
	}
}

// Logs implements hostbridge.LogSource. Newest entries come last.
func (c *console) Logs(_ context.Context, q hostbridge.LogQuery) ([]hostbridge.LogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]hostbridge.LogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if q.Type == "" || q.Type == e.Type {
			out = append(out, e)
		}
	}

	if q.Count > 0 && len(out) > q.Count {
		out = out[len(out)-q.Count:]
	}

	return out, nil
}

// Handler wraps next so every record is also kept by the console.
func (c *console) Handler(next slog.Handler) slog.Handler {
	return &consoleHandler{next: next, console: c}
}

type consoleHandler struct {
	next    slog.Handler
	console *console
}

func (h *consoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.console.append(hostbridge.LogEntry{
		Type:      logType(r.Level),
		Message:   r.Message,
		Timestamp: r.Time.UTC().Truncate(time.Millisecond),
	})

	return h.next.Handle(ctx, r)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{next: h.next.WithAttrs(attrs), console: h.console}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{next: h.next.WithGroup(name), console: h.console}
}

func logType(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warning"
	default:
		return "log"
	}
}
