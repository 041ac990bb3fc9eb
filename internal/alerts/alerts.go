// Package alerts is the durable, append-only log of fraud alerts.
//
// Alerts are created once per ALERT verdict and never updated or deleted.
// Every backend serializes writers so that id order and created_at order
// agree: a later insert always has a larger id and a later created_at.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrStoreUnavailable = errors.New("alerts: store unavailable")
	ErrStoreBusy        = errors.New("alerts: store busy")
	ErrInvalidAlert     = errors.New("alerts: invalid alert")
)

// Default and maximum page sizes for List.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// timeResolution is the created_at granularity shared by all backends.
const timeResolution = time.Microsecond

// Alert is one persisted fraud alert.
type Alert struct {
	ID            int64           `json:"id"`
	TransactionID string          `json:"transaction_id"`
	TagID         string          `json:"tag_id"`
	FraudScore    float64         `json:"fraud_score"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewAlert is the caller-supplied part of an alert. The store assigns ID and
// CreatedAt.
type NewAlert struct {
	TransactionID string
	TagID         string
	FraudScore    float64
	Payload       json.RawMessage
}

func (n *NewAlert) validate() error {
	if n == nil {
		return ErrInvalidAlert
	}
	if n.FraudScore < 0 || n.FraudScore > 1 || n.FraudScore != n.FraudScore {
		return ErrInvalidAlert
	}
	if len(n.Payload) > 0 && !json.Valid(n.Payload) {
		return ErrInvalidAlert
	}
	return nil
}

func (n *NewAlert) payload() json.RawMessage {
	if len(n.Payload) == 0 {
		return json.RawMessage("{}")
	}
	return n.Payload
}

// Store persists alerts. Implementations are safe for concurrent use by any
// number of writers and readers.
type Store interface {
	// Migrate brings the schema up to date. Safe to call repeatedly.
	Migrate(ctx context.Context) error
	// Insert appends one alert atomically and returns it with ID and
	// CreatedAt assigned.
	Insert(ctx context.Context, a *NewAlert) (*Alert, error)
	// List returns up to limit alerts, most recent first.
	List(ctx context.Context, limit int) ([]*Alert, error)
	// ListBefore returns up to limit alerts with id < beforeID, most recent
	// first.
	ListBefore(ctx context.Context, beforeID int64, limit int) ([]*Alert, error)
	Ping(ctx context.Context) error
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// nextCreatedAt returns the write time for a new row given the previous
// row's. The result is truncated to timeResolution and strictly after prev.
func nextCreatedAt(now, prev time.Time) time.Time {
	t := now.UTC().Truncate(timeResolution)
	if !prev.IsZero() && !t.After(prev) {
		t = prev.UTC().Add(timeResolution)
	}
	return t
}
