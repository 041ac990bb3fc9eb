package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mbd888/tollguard/internal/syncutil"
)

// sqliteTimeLayout is fixed width so text order equals time order.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

// sqliteReadLayouts also covers alert files created by the earlier service:
// CURRENT_TIMESTAMP text, and the RFC 3339 form the driver yields when the
// column is declared DATETIME.
var sqliteReadLayouts = []string{
	sqliteTimeLayout,
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// DefaultSQLitePath is the alert file used when none is configured.
const DefaultSQLitePath = "alerts.db"

const sqliteBusyTimeout = 5 * time.Second

// SQLiteStore implements Store on a single SQLite file in WAL mode.
//
// Writers in this process queue on a context-aware lock; writers in other
// processes (the offline scorer, a second server) are serialized by
// BEGIN IMMEDIATE and the busy timeout.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	writer *syncutil.ContextMutex
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the alert file at path. Call Migrate
// before use.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", sqliteBusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapUnavailable(fmt.Errorf("open %s: %w", path, err))
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrapUnavailable(fmt.Errorf("open %s: %w", path, err))
	}
	return &SQLiteStore{
		db:     db,
		path:   path,
		writer: syncutil.NewContextMutex(),
		now:    time.Now,
	}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// DB returns the underlying handle, for metrics and migrations.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db, BackendSQLite)
}

func (s *SQLiteStore) Insert(ctx context.Context, n *NewAlert) (*Alert, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}

	unlock, err := s.writer.LockContext(ctx)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer unlock()

	a, err := s.insertLocked(ctx, n)
	if err != nil {
		return nil, wrapUnavailable(fmt.Errorf("insert alert: %w", err))
	}
	return a, nil
}

// insertLocked runs the read-previous/insert pair in one IMMEDIATE
// transaction on a dedicated connection.
func (s *SQLiteStore) insertLocked(ctx context.Context, n *NewAlert) (*Alert, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			// Background context: the rollback must run even if ctx ended.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var prevText sql.NullString
	err = conn.QueryRowContext(ctx, `SELECT created_at FROM alerts ORDER BY id DESC LIMIT 1`).Scan(&prevText)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	var prev time.Time
	if prevText.Valid {
		if prev, err = parseSQLiteTime(prevText.String); err != nil {
			return nil, err
		}
	}
	created := nextCreatedAt(s.now(), prev)

	payload := n.payload()
	res, err := conn.ExecContext(ctx, `
		INSERT INTO alerts (transaction_id, tag_id, payload, fraud_score, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, n.TransactionID, n.TagID, string(payload), n.FraudScore, created.Format(sqliteTimeLayout))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, err
	}
	committed = true

	return &Alert{
		ID:            id,
		TransactionID: n.TransactionID,
		TagID:         n.TagID,
		FraudScore:    n.FraudScore,
		Payload:       append([]byte(nil), payload...),
		CreatedAt:     created,
	}, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, tag_id, payload, fraud_score, created_at
		FROM alerts
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, wrapUnavailable(fmt.Errorf("list alerts: %w", err))
	}
	return scanSQLiteAlerts(rows)
}

func (s *SQLiteStore) ListBefore(ctx context.Context, beforeID int64, limit int) ([]*Alert, error) {
	if beforeID <= 0 {
		return s.List(ctx, limit)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, tag_id, payload, fraud_score, created_at
		FROM alerts
		WHERE id < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, beforeID, normalizeLimit(limit))
	if err != nil {
		return nil, wrapUnavailable(fmt.Errorf("list alerts: %w", err))
	}
	return scanSQLiteAlerts(rows)
}

func scanSQLiteAlerts(rows *sql.Rows) ([]*Alert, error) {
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		// Legacy alert files allow NULL in every column but id.
		var (
			a                    Alert
			txID, tagID, payload sql.NullString
			score                sql.NullFloat64
			created              string
		)
		if err := rows.Scan(&a.ID, &txID, &tagID, &payload, &score, &created); err != nil {
			return nil, wrapUnavailable(fmt.Errorf("scan alert: %w", err))
		}
		t, err := parseSQLiteTime(created)
		if err != nil {
			return nil, wrapUnavailable(err)
		}
		a.TransactionID = txID.String
		a.TagID = tagID.String
		a.FraudScore = score.Float64
		a.CreatedAt = t
		a.Payload = []byte(payload.String)
		if !payload.Valid {
			a.Payload = []byte("{}")
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable(err)
	}
	return out, nil
}

func parseSQLiteTime(s string) (time.Time, error) {
	var err error
	for _, layout := range sqliteReadLayouts {
		var t time.Time
		if t, err = time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("created_at %q: %w", s, err)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return wrapUnavailable(s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
