// Package sqlstore implements SessionStore on database/sql. The SQLite and
// PostgreSQL backends share it and differ only in driver, schema setup and
// placeholder style.
//
// Tables:
//
//	gem_sessions(session_key PK, last_active_at ms)
//	gem_history(id serial, session_key, role, content, created_at ms, token_estimate)
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

// Placeholder rewrites "?" placeholders for a driver.
type Placeholder func(query string) string

// Question keeps "?" placeholders (SQLite).
func Question(q string) string { return q }

// Dollar rewrites "?" into $1, $2, ... (PostgreSQL).
func Dollar(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store is a SQL-backed SessionStore.
type Store struct {
	db   *sql.DB
	opts store.Options
	ph   Placeholder
}

// New wraps an open database whose schema already exists.
func New(db *sql.DB, ph Placeholder, opts store.Options) *Store {
	return &Store{db: db, opts: opts.WithDefaults(), ph: ph}
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) q(query string) string { return s.ph(query) }

func ms(t time.Time) int64 { return t.UnixMilli() }

// lastActive returns the session's last activity, found=false if absent.
func (s *Store) lastActive(ctx context.Context, q querier, key string) (time.Time, bool, error) {
	var at int64
	err := q.QueryRowContext(ctx, s.q(`SELECT last_active_at FROM gem_sessions WHERE session_key = ?`), key).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(at), true, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// alive reports whether key names a live session, deleting it if expired.
func (s *Store) alive(ctx context.Context, key string) (bool, error) {
	at, found, err := s.lastActive(ctx, s.db, key)
	if err != nil || !found {
		return false, err
	}
	if s.opts.Expired(at) {
		return false, s.deleteKey(ctx, s.db, key)
	}
	return true, nil
}

func (s *Store) deleteKey(ctx context.Context, q querier, key string) error {
	if _, err := q.ExecContext(ctx, s.q(`DELETE FROM gem_history WHERE session_key = ?`), key); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, s.q(`DELETE FROM gem_sessions WHERE session_key = ?`), key)
	return err
}

func (s *Store) recent(ctx context.Context, key string, limit int) ([]store.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT role, content, created_at, token_estimate FROM (
			SELECT id, role, content, created_at, token_estimate
			FROM gem_history WHERE session_key = ?
			ORDER BY id DESC LIMIT ?
		) recent ORDER BY id ASC`), key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.HistoryEntry
	for rows.Next() {
		var (
			e    store.HistoryEntry
			role string
			at   int64
		)
		if err := rows.Scan(&role, &e.Content, &at, &e.TokenEstimate); err != nil {
			return nil, err
		}
		e.Role = store.Role(role)
		e.Timestamp = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetContext(ctx context.Context, key string) ([]store.HistoryEntry, error) {
	ok, err := s.alive(ctx, key)
	if err != nil || !ok {
		return nil, store.Wrap("get context", key, err)
	}
	out, err := s.recent(ctx, key, s.opts.ContextCap)
	return out, store.Wrap("get context", key, err)
}

func (s *Store) History(ctx context.Context, key string) ([]store.HistoryEntry, error) {
	ok, err := s.alive(ctx, key)
	if err != nil || !ok {
		return nil, store.Wrap("history", key, err)
	}
	out, err := s.recent(ctx, key, s.opts.StorageCap)
	return out, store.Wrap("history", key, err)
}

func (s *Store) AppendTurn(ctx context.Context, key string, user, assistant store.HistoryEntry) error {
	return store.Wrap("append", key, s.inTx(ctx, func(tx *sql.Tx) error {
		at, found, err := s.lastActive(ctx, tx, key)
		if err != nil {
			return err
		}
		if found && s.opts.Expired(at) {
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM gem_history WHERE session_key = ?`), key); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO gem_sessions (session_key, last_active_at) VALUES (?, ?)
			ON CONFLICT (session_key) DO UPDATE SET last_active_at = excluded.last_active_at`),
			key, ms(s.opts.Now())); err != nil {
			return err
		}
		for _, e := range []store.HistoryEntry{user, assistant} {
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO gem_history (session_key, role, content, created_at, token_estimate)
				VALUES (?, ?, ?, ?, ?)`),
				key, string(e.Role), e.Content, ms(e.Timestamp), e.TokenEstimate); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, s.q(`
			DELETE FROM gem_history WHERE session_key = ? AND id NOT IN (
				SELECT id FROM gem_history WHERE session_key = ? ORDER BY id DESC LIMIT ?
			)`), key, key, s.opts.StorageCap)
		return err
	}))
}

func (s *Store) Clear(ctx context.Context, key string) error {
	return store.Wrap("clear", key, s.inTx(ctx, func(tx *sql.Tx) error {
		return s.deleteKey(ctx, tx, key)
	}))
}

func (s *Store) Touch(ctx context.Context, key string) error {
	now := s.opts.Now()
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE gem_sessions SET last_active_at = ?
		WHERE session_key = ? AND last_active_at >= ?`),
		ms(now), key, ms(now.Add(-s.opts.TTL)))
	return store.Wrap("touch", key, err)
}

func (s *Store) Sweep(ctx context.Context) (int, error) {
	cutoff := ms(s.opts.Now().Add(-s.opts.TTL))
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM gem_history WHERE session_key IN (
				SELECT session_key FROM gem_sessions WHERE last_active_at < ?
			)`), cutoff); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM gem_sessions WHERE last_active_at < ?`), cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), store.Wrap("sweep", "", err)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var _ store.SessionStore = (*Store)(nil)
