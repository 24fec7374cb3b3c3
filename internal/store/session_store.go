package store

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"
)

// Role of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryEntry is one message in a session's retained history.
type HistoryEntry struct {
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	TokenEstimate int       `json:"token_estimate"`
}

// NewEntry builds an entry and fills in its token estimate.
func NewEntry(role Role, content string, at time.Time) HistoryEntry {
	return HistoryEntry{Role: role, Content: content, Timestamp: at, TokenEstimate: EstimateTokens(content)}
}

// EstimateTokens is a rough rune-based estimate, good enough for budgeting.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s) / 3
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// Options bounds every backend the same way.
type Options struct {
	ContextCap int              // entries returned by GetContext
	StorageCap int              // entries retained, oldest evicted first
	TTL        time.Duration    // idle expiry, refreshed on append and touch
	Now        func() time.Time // clock; nil means time.Now
}

// WithDefaults fills zero fields with the standard bounds.
func (o Options) WithDefaults() Options {
	if o.ContextCap <= 0 {
		o.ContextCap = 50
	}
	if o.StorageCap <= 0 {
		o.StorageCap = 1000
	}
	if o.ContextCap > o.StorageCap {
		o.ContextCap = o.StorageCap
	}
	if o.TTL <= 0 {
		o.TTL = 7 * 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Expired reports whether a session last active at lastActive is past its TTL.
func (o Options) Expired(lastActive time.Time) bool {
	return o.Now().After(lastActive.Add(o.TTL))
}

// SessionStore holds bounded, expiring conversation history.
//
// An expired session behaves as absent: reads return nothing and the session
// may be deleted as a side effect. All methods are safe for concurrent use
// and return *StorageError on backend failures.
type SessionStore interface {
	// GetContext returns up to ContextCap most recent entries, oldest first.
	GetContext(ctx context.Context, key string) ([]HistoryEntry, error)
	// AppendTurn appends a completed exchange and refreshes the TTL.
	AppendTurn(ctx context.Context, key string, user, assistant HistoryEntry) error
	// Clear deletes the session.
	Clear(ctx context.Context, key string) error
	// Touch refreshes the TTL of an existing session.
	Touch(ctx context.Context, key string) error
	// History returns every retained entry, oldest first.
	History(ctx context.Context, key string) ([]HistoryEntry, error)
	// Sweep physically deletes expired sessions and reports how many.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// StorageError wraps a backend failure.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err, otherwise a *StorageError.
func Wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// Tail returns the last n entries of entries (all of them if shorter).
func Tail(entries []HistoryEntry, n int) []HistoryEntry {
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}
