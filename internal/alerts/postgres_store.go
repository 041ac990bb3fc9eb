package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// alertsLockKey is the pg_advisory_xact_lock key serializing alert writers.
const alertsLockKey int64 = 0x746f6c6c616c7274 // "tollalrt"

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. The caller owns pool
// settings; Close closes db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens a pool for databaseURL and pings it.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, wrapUnavailable(fmt.Errorf("open postgres: %w", err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, wrapUnavailable(fmt.Errorf("ping postgres: %w", err))
	}
	return NewPostgresStore(db), nil
}

// DB returns the underlying handle, for metrics and migrations.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db, BackendPostgres)
}

func (s *PostgresStore) Insert(ctx context.Context, n *NewAlert) (*Alert, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapUnavailable(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, alertsLockKey); err != nil {
		return nil, wrapUnavailable(fmt.Errorf("lock alerts: %w", err))
	}

	payload := n.payload()
	a := &Alert{
		TransactionID: n.TransactionID,
		TagID:         n.TagID,
		FraudScore:    n.FraudScore,
		Payload:       append([]byte(nil), payload...),
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO alerts (transaction_id, tag_id, payload, fraud_score, created_at)
		VALUES ($1, $2, $3::JSONB, $4, GREATEST(
			date_trunc('microseconds', clock_timestamp()),
			COALESCE((SELECT created_at FROM alerts ORDER BY id DESC LIMIT 1), '-infinity'::TIMESTAMPTZ) + INTERVAL '1 microsecond'
		))
		RETURNING id, created_at
	`, n.TransactionID, n.TagID, string(payload), n.FraudScore).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return nil, wrapUnavailable(fmt.Errorf("insert alert: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapUnavailable(fmt.Errorf("commit: %w", err))
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, tag_id, payload::TEXT, fraud_score, created_at
		FROM alerts
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, normalizeLimit(limit))
	if err != nil {
		return nil, wrapUnavailable(fmt.Errorf("list alerts: %w", err))
	}
	return scanPostgresAlerts(rows)
}

func (s *PostgresStore) ListBefore(ctx context.Context, beforeID int64, limit int) ([]*Alert, error) {
	if beforeID <= 0 {
		return s.List(ctx, limit)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, tag_id, payload::TEXT, fraud_score, created_at
		FROM alerts
		WHERE id < $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, beforeID, normalizeLimit(limit))
	if err != nil {
		return nil, wrapUnavailable(fmt.Errorf("list alerts: %w", err))
	}
	return scanPostgresAlerts(rows)
}

func scanPostgresAlerts(rows *sql.Rows) ([]*Alert, error) {
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		var (
			a       Alert
			payload string
		)
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.TagID, &payload, &a.FraudScore, &a.CreatedAt); err != nil {
			return nil, wrapUnavailable(fmt.Errorf("scan alert: %w", err))
		}
		a.Payload = []byte(payload)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable(err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrapUnavailable(s.db.PingContext(ctx))
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
