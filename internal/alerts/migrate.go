package alerts

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationFS embed.FS

// Backend names accepted by NewMigrationProvider.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// NewMigrationProvider returns a goose provider over the embedded migrations
// for the given backend.
func NewMigrationProvider(db *sql.DB, backend string) (*goose.Provider, error) {
	var dialect goose.Dialect
	switch backend {
	case BackendSQLite:
		dialect = goose.DialectSQLite3
	case BackendPostgres:
		dialect = goose.DialectPostgres
	default:
		return nil, fmt.Errorf("alerts: unknown migration backend %q", backend)
	}
	sub, err := fs.Sub(migrationFS, "migrations/"+backend)
	if err != nil {
		return nil, fmt.Errorf("alerts: migrations for %s: %w", backend, err)
	}
	return goose.NewProvider(dialect, db, sub)
}

func migrate(ctx context.Context, db *sql.DB, backend string) error {
	p, err := NewMigrationProvider(db, backend)
	if err != nil {
		return err
	}
	if _, err := p.Up(ctx); err != nil {
		return wrapUnavailable(fmt.Errorf("migrate: %w", err))
	}
	return nil
}
