// Package logging sets up structured logging and keeps recent records in
// memory for the logs endpoint
package logging

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// RingBuffer stores the most recent log entries
type RingBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex

	subscribers map[chan LogEntry]bool
	subMu       sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		entries:     make([]LogEntry, size),
		size:        size,
		subscribers: make(map[chan LogEntry]bool),
	}
}

// Add adds a log entry to the ring buffer
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	rb.mu.Unlock()

	rb.subMu.RLock()
	for ch := range rb.subscribers {
		select {
		case ch <- entry:
		default:
			// Skip if subscriber can't keep up
		}
	}
	rb.subMu.RUnlock()
}

// Recent returns up to n of the most recent entries, oldest first
func (rb *RingBuffer) Recent(n int) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}

	result := make([]LogEntry, n)
	start := (rb.head - n + rb.size) % rb.size
	for i := 0; i < n; i++ {
		result[i] = rb.entries[(start+i)%rb.size]
	}
	return result
}

// Query selects entries for the logs endpoint
type Query struct {
	Limit     int
	MinLevel  slog.Level
	Component string
}

// Find returns up to q.Limit of the most recent matching entries, oldest
// first
func (rb *RingBuffer) Find(q Query) []LogEntry {
	all := rb.Recent(0)

	var out []LogEntry
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if q.Component != "" && e.Component != q.Component {
			continue
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(e.Level)); err == nil && level < q.MinLevel {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	slices.Reverse(out)
	if out == nil {
		out = []LogEntry{}
	}
	return out
}

// Subscribe creates a channel that receives new log entries
func (rb *RingBuffer) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 100)
	rb.subMu.Lock()
	rb.subscribers[ch] = true
	rb.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription
func (rb *RingBuffer) Unsubscribe(ch chan LogEntry) {
	rb.subMu.Lock()
	delete(rb.subscribers, ch)
	rb.subMu.Unlock()
	close(ch)
}

// StreamHandler is a slog handler that captures logs to a ring buffer
// before passing them on
type StreamHandler struct {
	buffer   *RingBuffer
	fallback slog.Handler
	level    slog.Leveler
	attrs    []slog.Attr
}

// NewStreamHandler wraps fallback, capturing records at or above level
func NewStreamHandler(buffer *RingBuffer, fallback slog.Handler, level slog.Leveler) *StreamHandler {
	return &StreamHandler{
		buffer:   buffer,
		fallback: fallback,
		level:    level,
	}
}

// Enabled implements slog.Handler
func (h *StreamHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	var component string

	collect := func(a slog.Attr) {
		if a.Key == "component" {
			component = a.Value.String()
		} else {
			attrs[a.Key] = a.Value.Any()
		}
	}

	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	entry := LogEntry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Component: component,
	}
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}
	h.buffer.Add(entry)

	return h.fallback.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithAttrs(attrs),
		level:    h.level,
		attrs:    append(slices.Clip(h.attrs), attrs...),
	}
}

// WithGroup implements slog.Handler
func (h *StreamHandler) WithGroup(name string) slog.Handler {
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithGroup(name),
		level:    h.level,
		attrs:    h.attrs,
	}
}

// Options configures Setup
type Options struct {
	Level      slog.Level
	Format     string // json or text
	BufferSize int
}

// Logging is the process-wide logging state
type Logging struct {
	Buffer *RingBuffer
	Level  *slog.LevelVar
	Logger *slog.Logger
}

// Setup builds the process logger writing to w, installs it as the slog
// default and returns it with its buffer and adjustable level
func Setup(w io.Writer, opts Options) *Logging {
	level := new(slog.LevelVar)
	level.Set(opts.Level)

	handlerOpts := &slog.HandlerOptions{Level: level}
	var out slog.Handler
	if opts.Format == "text" {
		out = slog.NewTextHandler(w, handlerOpts)
	} else {
		out = slog.NewJSONHandler(w, handlerOpts)
	}

	buffer := NewRingBuffer(opts.BufferSize)
	logger := slog.New(NewStreamHandler(buffer, out, level))
	slog.SetDefault(logger)

	return &Logging{
		Buffer: buffer,
		Level:  level,
		Logger: logger,
	}
}
