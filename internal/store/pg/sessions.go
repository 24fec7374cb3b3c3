// Package pg is the PostgreSQL SessionStore for multi-instance deployments.
// The schema is owned by golang-migrate (see `gembot migrate up`).
package pg

import (
	"context"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store/sqlstore"
)

// Open connects to dsn and refuses a schema other than
// RequiredSchemaVersion. Run migrations before the first Open.
func Open(dsn string, opts store.Options) (*sqlstore.Store, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, store.Wrap("open", "", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := CheckSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return sqlstore.New(db, sqlstore.Dollar, opts), nil
}
