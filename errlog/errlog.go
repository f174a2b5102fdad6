// Package errlog keeps a bounded in-memory log of cache failures for
// diagnostics. Entries carry a small classification taxonomy so callers can
// ask "has anything corrupted shown up lately" without parsing messages.
package errlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/replaylabs/replay-vault/telemetry"
)

// Code classifies a cache failure.
type Code string

const (
	CodeWriteFailed     Code = "write-failed"
	CodeReadFailed      Code = "read-failed"
	CodeCorrupted       Code = "corrupted"
	CodeQuotaExceeded   Code = "quota-exceeded"
	CodeIntegrityFailed Code = "integrity-check-failed"
)

// DefaultCapacity is the default ring buffer size.
const DefaultCapacity = 100

// Entry is one recorded failure.
type Entry struct {
	Code      Code              `json:"code"`
	Message   string            `json:"message"`
	EntryID   string            `json:"entry_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
}

// Log is an append-only ring buffer of failures, oldest dropped first.
// Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithCapacity sets the maximum number of retained entries.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.cap = n
		}
	}
}

// WithLogger sets the logger failures are mirrored to.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// New creates an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		cap:    DefaultCapacity,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends a failure, mirrors it to the structured log, and bumps the
// error counter.
func (l *Log) Record(ctx context.Context, code Code, message, entryID string, kv map[string]string) {
	entry := Entry{
		Code:      code,
		Message:   message,
		EntryID:   entryID,
		Timestamp: l.now(),
		Context:   kv,
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	l.mu.Unlock()

	attrs := []any{"code", string(code), "message", message}
	if entryID != "" {
		attrs = append(attrs, "entry_id", entryID)
	}
	for k, v := range kv {
		attrs = append(attrs, k, v)
	}
	l.logger.Warn("cache error", attrs...)

	telemetry.RecordCacheError(ctx, string(code))
}

// All returns all retained entries, oldest first.
func (l *Log) All() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Since returns entries recorded at or after t, oldest first.
func (l *Log) Since(t time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if !e.Timestamp.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// CountsByCode returns the number of retained entries per code.
func (l *Log) CountsByCode() map[Code]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[Code]int)
	for _, e := range l.entries {
		counts[e.Code]++
	}
	return counts
}

// Has reports whether any retained entry carries the given code.
func (l *Log) Has(code Code) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops all retained entries.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
