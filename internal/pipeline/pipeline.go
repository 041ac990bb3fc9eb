// Package pipeline composes validation, scoring, the threshold decision and
// alert persistence into the two scoring paths: one transaction at a time
// and whole uploaded tables.
//
// The ordering is fixed: a record is validated before it is scored, and an
// alert is written only after an ALERT verdict. A CLEAR verdict never
// touches the store, and a failed write is reported to the caller, never
// silently downgraded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/tollguard/internal/alerts"
	"github.com/mbd888/tollguard/internal/logging"
	"github.com/mbd888/tollguard/internal/metrics"
	"github.com/mbd888/tollguard/internal/record"
	"github.com/mbd888/tollguard/internal/scoring"
	"github.com/mbd888/tollguard/internal/traces"
)

var (
	ErrBatchTooLarge  = errors.New("pipeline: batch too large")
	ErrMissingColumns = errors.New("pipeline: missing columns")
	ErrSchemaMismatch = errors.New("pipeline: configured schema differs from engine schema")
	ErrNotConfigured  = errors.New("pipeline: engine and recorder are required")
	ErrInvalidConfig  = errors.New("pipeline: invalid config")
)

// DefaultBulkWorkers bounds concurrent row scoring when Config leaves it zero.
const DefaultBulkWorkers = 4

// MissingColumnsError rejects a table that lacks schema columns. Nothing in
// the table is scored.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "pipeline: missing columns: " + strings.Join(e.Columns, ", ")
}

// Is lets errors.Is(err, ErrMissingColumns) match.
func (e *MissingColumnsError) Is(target error) bool {
	return target == ErrMissingColumns
}

// Config is fixed for the life of a Service.
type Config struct {
	// Schema must equal the engine's schema when set. Zero uses the engine's.
	Schema      record.Schema
	Threshold   float64
	BulkWorkers int
	MaxRows     int // zero means unlimited
}

// Publisher receives every alert after it is durably recorded.
type Publisher interface {
	PublishAlert(a *alerts.Alert)
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher fans recorded alerts out to p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// Service runs the scoring paths. It is safe for concurrent use.
type Service struct {
	cfg       Config
	engine    *scoring.Engine
	recorder  Recorder
	publisher Publisher
}

// New validates cfg against engine and returns a Service.
func New(cfg Config, engine *scoring.Engine, recorder Recorder, opts ...Option) (*Service, error) {
	if engine == nil || recorder == nil {
		return nil, ErrNotConfigured
	}
	if err := scoring.CheckThreshold(cfg.Threshold); err != nil {
		return nil, err
	}
	if cfg.MaxRows < 0 {
		return nil, fmt.Errorf("%w: MaxRows %d is negative", ErrInvalidConfig, cfg.MaxRows)
	}
	if cfg.Schema.Len() == 0 {
		cfg.Schema = engine.Schema()
	} else if !cfg.Schema.Equal(engine.Schema()) {
		return nil, fmt.Errorf("%w: [%s] vs [%s]", ErrSchemaMismatch, cfg.Schema, engine.Schema())
	}
	if cfg.BulkWorkers < 1 {
		cfg.BulkWorkers = DefaultBulkWorkers
	}
	s := &Service{cfg: cfg, engine: engine, recorder: recorder}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Threshold returns the configured ALERT threshold.
func (s *Service) Threshold() float64 { return s.cfg.Threshold }

// Schema returns the feature schema records are validated against.
func (s *Service) Schema() record.Schema { return s.cfg.Schema }

// Result is the outcome of scoring one transaction.
type Result struct {
	TransactionID string          `json:"transaction_id,omitempty"`
	FraudScore    float64         `json:"fraud_score"`
	Threshold     float64         `json:"threshold"`
	Verdict       scoring.Verdict `json:"verdict"`
	AlertRecorded bool            `json:"alert_recorded"`
	AlertID       int64           `json:"alert_id,omitempty"`

	// StoreErr is set when the verdict is ALERT and the write failed.
	StoreErr error `json:"-"`
}

// ScoreTransaction validates, scores and decides one raw record, recording
// an alert on an ALERT verdict.
//
// Errors:
//   - *record.SchemaViolation: the record was rejected; nothing was scored.
//   - scoring.ErrFeatureMismatch / ErrInvalidScore: engine defect.
//   - alerts.ErrStoreUnavailable: the verdict is ALERT but the write failed.
//     The returned Result is non-nil and carries the score and verdict.
func (s *Service) ScoreTransaction(ctx context.Context, raw map[string]any) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.ScoreTransaction")
	defer span.End()
	log := logging.L(ctx)

	rec, err := record.Validate(raw, s.cfg.Schema)
	if err != nil {
		metrics.SchemaViolations.WithLabelValues(metrics.PathRealtime).Inc()
		traces.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(traces.TransactionID(rec.TransactionID), traces.TagID(rec.TagID))

	score, err := s.engine.Score(rec)
	if err != nil {
		metrics.ScoringErrors.WithLabelValues(metrics.PathRealtime).Inc()
		log.Error("scoring failed", "transaction_id", rec.TransactionID, "error", err)
		traces.Fail(span, err)
		return nil, err
	}
	verdict := scoring.Decide(score, s.cfg.Threshold)
	observe(metrics.PathRealtime, score, verdict)
	span.SetAttributes(traces.FraudScore(score), traces.Verdict(string(verdict)))

	res := &Result{
		TransactionID: rec.TransactionID,
		FraudScore:    score,
		Threshold:     s.cfg.Threshold,
		Verdict:       verdict,
	}
	if !verdict.IsAlert() {
		return res, nil
	}

	saved, err := s.record(ctx, rec, score, metrics.PathRealtime)
	if err != nil {
		res.StoreErr = err
		traces.Fail(span, err)
		return res, err
	}
	res.AlertRecorded = true
	res.AlertID = saved.ID
	log.Info("fraud alert recorded",
		"alert_id", saved.ID, "transaction_id", rec.TransactionID, "fraud_score", score)
	return res, nil
}

// record persists one alert for rec and publishes it. Returned errors
// always wrap alerts.ErrStoreUnavailable.
func (s *Service) record(ctx context.Context, rec *record.Record, score float64, path string) (*alerts.Alert, error) {
	payload, err := rec.Payload(score)
	if err != nil {
		return nil, s.storeFailed(ctx, rec, path, fmt.Errorf("%w: encode payload: %v", alerts.ErrStoreUnavailable, err))
	}
	saved, err := s.recorder.Record(ctx, &alerts.NewAlert{
		TransactionID: rec.TransactionID,
		TagID:         rec.TagID,
		FraudScore:    score,
		Payload:       payload,
	})
	if err != nil {
		if !errors.Is(err, alerts.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", alerts.ErrStoreUnavailable, err)
		}
		return nil, s.storeFailed(ctx, rec, path, err)
	}
	metrics.AlertsRecorded.WithLabelValues(path).Inc()
	if s.publisher != nil {
		s.publisher.PublishAlert(saved)
	}
	return saved, nil
}

func (s *Service) storeFailed(ctx context.Context, rec *record.Record, path string, err error) error {
	metrics.AlertStoreFailures.WithLabelValues(path).Inc()
	logging.L(ctx).Warn("alert not recorded",
		slog.String("path", path), slog.String("transaction_id", rec.TransactionID), slog.Any("error", err))
	return err
}

func observe(path string, score float64, v scoring.Verdict) {
	metrics.FraudScore.Observe(score)
	metrics.TransactionsScored.WithLabelValues(path, string(v)).Inc()
}
