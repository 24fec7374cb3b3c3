// Package memory is the in-process SessionStore. It loses everything on
// restart and backs tests and single-node development setups.
package memory

import (
	"context"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/keyed"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

type session struct {
	entries    []store.HistoryEntry
	lastActive time.Time
}

// Store keeps sessions in memory with per-key locking.
type Store struct {
	opts     store.Options
	sessions keyed.Map[session]
}

// New creates an empty store.
func New(opts store.Options) *Store {
	return &Store{opts: opts.WithDefaults()}
}

func (s *Store) GetContext(_ context.Context, key string) ([]store.HistoryEntry, error) {
	var out []store.HistoryEntry
	s.sessions.Peek(key, func(sess *session) bool {
		if s.opts.Expired(sess.lastActive) {
			return false
		}
		out = store.Tail(sess.entries, s.opts.ContextCap)
		return true
	})
	return out, nil
}

func (s *Store) AppendTurn(_ context.Context, key string, user, assistant store.HistoryEntry) error {
	s.sessions.With(key, func(sess *session) bool {
		if !sess.lastActive.IsZero() && s.opts.Expired(sess.lastActive) {
			sess.entries = nil
		}
		sess.entries = append(sess.entries, user, assistant)
		if over := len(sess.entries) - s.opts.StorageCap; over > 0 {
			sess.entries = append(sess.entries[:0:0], sess.entries[over:]...)
		}
		sess.lastActive = s.opts.Now()
		return true
	})
	return nil
}

func (s *Store) Clear(_ context.Context, key string) error {
	s.sessions.Peek(key, func(*session) bool { return false })
	return nil
}

func (s *Store) Touch(_ context.Context, key string) error {
	s.sessions.Peek(key, func(sess *session) bool {
		if s.opts.Expired(sess.lastActive) {
			return false
		}
		sess.lastActive = s.opts.Now()
		return true
	})
	return nil
}

func (s *Store) History(_ context.Context, key string) ([]store.HistoryEntry, error) {
	var out []store.HistoryEntry
	s.sessions.Peek(key, func(sess *session) bool {
		if s.opts.Expired(sess.lastActive) {
			return false
		}
		out = store.Tail(sess.entries, len(sess.entries))
		return true
	})
	return out, nil
}

func (s *Store) Sweep(_ context.Context) (int, error) {
	n := 0
	s.sessions.Range(func(_ string, sess *session) bool {
		if s.opts.Expired(sess.lastActive) {
			n++
			return false
		}
		return true
	})
	return n, nil
}

func (s *Store) Close() error { return nil }

var _ store.SessionStore = (*Store)(nil)
