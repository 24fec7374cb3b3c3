package sessions

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

// ErrorObserver is told about every storage failure the policy layer absorbs.
type ErrorObserver func(op string)

// Memory applies the storage-failure policy on top of a SessionStore: reads
// that fail degrade to an empty context, writes that fail are logged and
// reported but never abort a turn.
type Memory struct {
	store   store.SessionStore
	observe ErrorObserver
}

// NewMemory wraps s. observe may be nil.
func NewMemory(s store.SessionStore, observe ErrorObserver) *Memory {
	if observe == nil {
		observe = func(string) {}
	}
	return &Memory{store: s, observe: observe}
}

// Store returns the wrapped backend for admin paths that want raw errors.
func (m *Memory) Store() store.SessionStore { return m.store }

func (m *Memory) failed(op, key string, err error) {
	var se *store.StorageError
	if errors.As(err, &se) {
		op = se.Op
	}
	slog.Warn("session store failure", "op", op, "session", key, "error", err)
	m.observe(op)
}

// Context returns the forwarded history for key; on failure it is empty.
func (m *Memory) Context(ctx context.Context, key string) []store.HistoryEntry {
	entries, err := m.store.GetContext(ctx, key)
	if err != nil {
		m.failed("get context", key, err)
		return nil
	}
	return entries
}

// Append persists a completed exchange. The error is returned for callers
// that report it, but has already been logged.
func (m *Memory) Append(ctx context.Context, key string, user, assistant store.HistoryEntry) error {
	err := m.store.AppendTurn(ctx, key, user, assistant)
	if err != nil {
		m.failed("append", key, err)
	}
	return err
}

// Clear drops the session.
func (m *Memory) Clear(ctx context.Context, key string) error {
	err := m.store.Clear(ctx, key)
	if err != nil {
		m.failed("clear", key, err)
	}
	return err
}

// Touch refreshes the session TTL without adding history.
func (m *Memory) Touch(ctx context.Context, key string) {
	if err := m.store.Touch(ctx, key); err != nil {
		m.failed("touch", key, err)
	}
}
