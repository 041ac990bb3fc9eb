package alerts

import (
	"context"
	"fmt"
)

// Memory backend name.
const BackendMemory = "memory"

// Options selects and configures a backend for Open.
type Options struct {
	Backend     string // sqlite (default), postgres, memory
	SQLitePath  string
	DatabaseURL string
}

// Open returns a migrated store for the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch opts.Backend {
	case "", BackendSQLite:
		s, err = OpenSQLite(ctx, opts.SQLitePath)
	case BackendPostgres:
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("alerts: postgres backend requires a database URL")
		}
		s, err = OpenPostgres(ctx, opts.DatabaseURL)
	case BackendMemory:
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("alerts: unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
