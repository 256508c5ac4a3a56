package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one captured slog record, flattened for cheap JSON export.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// RingHandler wraps a slog.Handler and additionally retains the last N
// records in memory for a diagnostics endpoint, so an operator can inspect
// recent log activity without shipping every record to a log backend.
type RingHandler struct {
	next slog.Handler
	mu   *sync.Mutex
	buf  *[]LogEntry
	size int
}

// NewRingHandler wraps next, retaining the last size records.
func NewRingHandler(next slog.Handler, size int) *RingHandler {
	if size <= 0 {
		size = 500
	}
	buf := make([]LogEntry, 0, size)
	return &RingHandler{next: next, mu: &sync.Mutex{}, buf: &buf, size: size}
}

func (h *RingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RingHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{Time: r.Time, Level: r.Level.String(), Message: r.Message}
	attrs := make(map[string]any, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}

	h.mu.Lock()
	*h.buf = append(*h.buf, entry)
	if len(*h.buf) > h.size {
		*h.buf = (*h.buf)[len(*h.buf)-h.size:]
	}
	h.mu.Unlock()

	return h.next.Handle(ctx, r)
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RingHandler{next: h.next.WithAttrs(attrs), mu: h.mu, buf: h.buf, size: h.size}
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	return &RingHandler{next: h.next.WithGroup(name), mu: h.mu, buf: h.buf, size: h.size}
}

// Recent returns a snapshot of the retained log entries, oldest first.
func (h *RingHandler) Recent() []LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]LogEntry, len(*h.buf))
	copy(out, *h.buf)
	return out
}
