// Package sqlite is the default durable SessionStore: a single-file
// database in WAL mode via the pure-Go modernc driver.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store/sqlstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS gem_sessions (
	session_key    TEXT PRIMARY KEY,
	last_active_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gem_sessions_active ON gem_sessions(last_active_at);

CREATE TABLE IF NOT EXISTS gem_history (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key    TEXT NOT NULL,
	role           TEXT NOT NULL,
	content        TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	token_estimate INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_gem_history_key ON gem_history(session_key, id);
`

// Open creates (or opens) the database at path and applies the schema.
func Open(path string, opts store.Options) (*sqlstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, store.Wrap("open", "", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, store.Wrap("open", "", fmt.Errorf("open sqlite: %w", err))
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, store.Wrap("open", "", fmt.Errorf("apply schema: %w", err))
	}
	return sqlstore.New(db, sqlstore.Question, opts), nil
}
