// Command migrate manages the alert store schema with the embedded goose
// migrations.
//
// Usage:
//
//	go run ./cmd/migrate up              # Apply all pending migrations
//	go run ./cmd/migrate down            # Roll back the last migration
//	go run ./cmd/migrate status          # Show migration status
//	go run ./cmd/migrate version         # Show current schema version
//	go run ./cmd/migrate up-to <version>
//	go run ./cmd/migrate down-to <version>
//
// The backend comes from ALERT_STORE (sqlite or postgres) with SQLITE_PATH
// or DATABASE_URL, as for the server.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/tollguard/internal/alerts"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, up-to <version>, down-to <version>")
		os.Exit(1)
	}
	_ = godotenv.Load()

	ctx := context.Background()
	backend := os.Getenv("ALERT_STORE")
	if backend == "" {
		backend = alerts.BackendSQLite
	}

	db, closeDB, err := openDB(ctx, backend)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", backend, err)
	}
	defer closeDB()

	p, err := alerts.NewMigrationProvider(db, backend)
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}

	command := os.Args[1]
	if err := run(ctx, p, command, os.Args[2:]); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}

func openDB(ctx context.Context, backend string) (*sql.DB, func(), error) {
	switch backend {
	case alerts.BackendSQLite:
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = alerts.DefaultSQLitePath
		}
		s, err := alerts.OpenSQLite(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return s.DB(), func() { _ = s.Close() }, nil
	case alerts.BackendPostgres:
		dbURL := os.Getenv("DATABASE_URL")
		if dbURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL environment variable is required")
		}
		s, err := alerts.OpenPostgres(ctx, dbURL)
		if err != nil {
			return nil, nil, err
		}
		return s.DB(), func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("ALERT_STORE must be sqlite or postgres, got %q", backend)
	}
}

func run(ctx context.Context, p *goose.Provider, command string, args []string) error {
	switch command {
	case "up":
		results, err := p.Up(ctx)
		printResults(results)
		return err
	case "down":
		res, err := p.Down(ctx)
		if res != nil {
			printResults([]*goose.MigrationResult{res})
		}
		return err
	case "up-to", "down-to":
		if len(args) != 1 {
			return fmt.Errorf("%s requires a version", command)
		}
		version, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		var results []*goose.MigrationResult
		if command == "up-to" {
			results, err = p.UpTo(ctx, version)
		} else {
			results, err = p.DownTo(ctx, version)
		}
		printResults(results)
		return err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			applied := "pending"
			if st.State == goose.StateApplied {
				applied = st.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-20s %s\n", applied, st.Source.Path)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("version %d\n", v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func printResults(results []*goose.MigrationResult) {
	if len(results) == 0 {
		fmt.Println("no migrations to run")
		return
	}
	for _, r := range results {
		fmt.Printf("%-4s %s (%s)\n", r.Direction, r.Source.Path, r.Duration)
	}
}
