package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the migration version this binary expects.
const RequiredSchemaVersion uint = 1

var (
	ErrSchemaOutdated = errors.New("session schema is outdated")
	ErrSchemaDirty    = errors.New("session schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("session schema is newer than this binary")
)

// SchemaError reports an incompatible schema with the command that fixes it.
type SchemaError struct {
	Current uint
	Err     error
}

func (e *SchemaError) Error() string {
	switch {
	case errors.Is(e.Err, ErrSchemaDirty):
		return fmt.Sprintf("%v at v%d: fix with `gembot migrate force %d` then `gembot migrate up`", e.Err, e.Current, e.Current-1)
	case errors.Is(e.Err, ErrSchemaAhead):
		return fmt.Sprintf("%v: database at v%d, binary requires v%d; upgrade gembot", e.Err, e.Current, RequiredSchemaVersion)
	default:
		return fmt.Sprintf("%v: database at v%d, binary requires v%d; run `gembot migrate up`", e.Err, e.Current, RequiredSchemaVersion)
	}
}

func (e *SchemaError) Unwrap() error { return e.Err }

// CheckSchema compares golang-migrate's schema_migrations row against
// RequiredSchemaVersion. A missing table counts as version 0.
func CheckSchema(ctx context.Context, db *sql.DB) error {
	var (
		version uint
		dirty   bool
	)
	err := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		return &SchemaError{Err: ErrSchemaOutdated}
	}
	return schemaStatus(version, dirty)
}

func schemaStatus(version uint, dirty bool) error {
	switch {
	case dirty:
		return &SchemaError{Current: version, Err: ErrSchemaDirty}
	case version < RequiredSchemaVersion:
		return &SchemaError{Current: version, Err: ErrSchemaOutdated}
	case version > RequiredSchemaVersion:
		return &SchemaError{Current: version, Err: ErrSchemaAhead}
	}
	return nil
}
