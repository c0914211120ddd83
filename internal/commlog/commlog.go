// Package commlog pairs requests with their responses and keeps the most
// recent pairs in a bounded ring for inspection.
package commlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 100

// Entry is one completed request/response pair.
type Entry struct {
	CommandName     string          `json:"commandName"`
	ClientName      string          `json:"clientName,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	RequestPayload  json.RawMessage `json:"requestPayload"`
	ResponsePayload json.RawMessage `json:"responsePayload"`
	IsError         bool            `json:"isError"`
	Duration        time.Duration   `json:"duration"`
}

// Sink receives every completed entry, e.g. for persistence.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

type pendingRequest struct {
	command string
	client  string
	payload json.RawMessage
	at      time.Time
}

// Logger is a bounded request/response log. It is safe for concurrent use.
type Logger struct {
	log  *slog.Logger
	sink Sink

	mu         sync.Mutex
	ring       []Entry
	next       int
	full       bool
	pending    map[string]pendingRequest
	order      []string
	maxPending int
}

// New creates a logger keeping the last capacity entries. sink may be nil.
func New(log *slog.Logger, capacity int, sink Sink) *Logger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Logger{
		log:        log.With("component", "commlog"),
		sink:       sink,
		ring:       make([]Entry, capacity),
		pending:    make(map[string]pendingRequest, capacity),
		maxPending: capacity * 4,
	}
}

// LogRequest records an outstanding request under key.
func (l *Logger) LogRequest(key, command, client string, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.pending[key]; !exists {
		l.order = append(l.order, key)
	}

	l.pending[key] = pendingRequest{
		command: command,
		client:  client,
		payload: append(json.RawMessage(nil), payload...),
		at:      time.Now(),
	}

	l.evictLocked()
}

// evictLocked drops the oldest unanswered requests beyond maxPending.
func (l *Logger) evictLocked() {
	for len(l.pending) > l.maxPending && len(l.order) > 0 {
		oldest := l.order[0]
		l.order = l.order[1:]

		delete(l.pending, oldest)
	}

	// Compact the order slice once answered keys dominate it.
	if len(l.order) > 2*l.maxPending {
		live := l.order[:0]
		for _, k := range l.order {
			if _, ok := l.pending[k]; ok {
				live = append(live, k)
			}
		}

		l.order = live
	}
}

// LogResponse completes the request logged under key. Responses with no
// matching request are ignored and reported as false.
func (l *Logger) LogResponse(ctx context.Context, key string, payload []byte, isError bool) (Entry, bool) {
	l.mu.Lock()

	req, ok := l.pending[key]
	if !ok {
		l.mu.Unlock()

		return Entry{}, false
	}

	delete(l.pending, key)

	e := Entry{
		CommandName:     req.command,
		ClientName:      req.client,
		Timestamp:       req.at,
		RequestPayload:  req.payload,
		ResponsePayload: append(json.RawMessage(nil), payload...),
		IsError:         isError,
		Duration:        time.Since(req.at),
	}

	l.ring[l.next] = e
	l.next = (l.next + 1) % len(l.ring)

	if l.next == 0 {
		l.full = true
	}

	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Append(ctx, e); err != nil {
			l.log.Warn("Failed to persist communication entry", "command", e.CommandName, "error", err)
		}
	}

	return e, true
}

// Snapshot returns the retained entries, oldest first.
func (l *Logger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return append([]Entry(nil), l.ring[:l.next]...)
	}

	out := make([]Entry, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	out = append(out, l.ring[:l.next]...)

	return out
}

// Clear drops retained entries and outstanding requests.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.ring)
	clear(l.pending)

	l.order = nil
	l.next = 0
	l.full = false
}

// PendingCount returns the number of requests still awaiting a response.
func (l *Logger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.pending)
}
