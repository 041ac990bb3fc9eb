package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/tollguard/internal/alerts"
	"github.com/mbd888/tollguard/internal/bulk"
	"github.com/mbd888/tollguard/internal/idgen"
	"github.com/mbd888/tollguard/internal/logging"
	"github.com/mbd888/tollguard/internal/metrics"
	"github.com/mbd888/tollguard/internal/record"
	"github.com/mbd888/tollguard/internal/scoring"
	"github.com/mbd888/tollguard/internal/traces"
	"github.com/mbd888/tollguard/internal/validation"
)

// Row outcomes, as counted in metrics.
const (
	OutcomeScored    = "scored"
	OutcomeViolation = "violation"
	OutcomeError     = "error"
)

// Row is one data row of a scored batch.
type Row struct {
	Number        int // 1-based data row number
	TransactionID string
	TagID         string
	FraudScore    float64
	Verdict       scoring.Verdict // empty unless scored
	AlertRecorded bool
	AlertID       int64

	// Violation is set when the row failed validation.
	Violation *record.SchemaViolation
	// Err is a scoring defect. StoreErr is a failed alert write.
	Err      error
	StoreErr error

	raw map[string]any
	rec *record.Record
}

// Scored reports whether the row carries a fraud score.
func (r *Row) Scored() bool { return r.Verdict != "" }

// Outcome classifies the row as scored, violation or error.
func (r *Row) Outcome() string {
	switch {
	case r.Violation != nil:
		return OutcomeViolation
	case r.Err != nil:
		return OutcomeError
	default:
		return OutcomeScored
	}
}

// Raw returns the row's cell value for column name.
func (r *Row) Raw(name string) (any, bool) {
	v, ok := r.raw[name]
	return v, ok
}

type rowJSON struct {
	Row           int                    `json:"row"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	TagID         string                 `json:"tag_id,omitempty"`
	FraudScore    *float64               `json:"fraud_score,omitempty"`
	Verdict       scoring.Verdict        `json:"verdict,omitempty"`
	AlertRecorded bool                   `json:"alert_recorded"`
	AlertID       int64                  `json:"alert_id,omitempty"`
	Violations    validation.FieldErrors `json:"violations,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

func (r *Row) MarshalJSON() ([]byte, error) {
	out := rowJSON{
		Row:           r.Number,
		TransactionID: r.TransactionID,
		TagID:         r.TagID,
		Verdict:       r.Verdict,
		AlertRecorded: r.AlertRecorded,
		AlertID:       r.AlertID,
	}
	if r.Scored() {
		score := r.FraudScore
		out.FraudScore = &score
	}
	if r.Violation != nil {
		out.Violations = r.Violation.Errors
	}
	if msg := r.errorText(); msg != "" {
		out.Error = msg
	}
	return json.Marshal(out)
}

func (r *Row) errorText() string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case r.StoreErr != nil:
		return r.StoreErr.Error()
	case r.Violation != nil:
		return r.Violation.Errors.Error()
	}
	return ""
}

// BatchResult is the outcome of one bulk run.
type BatchResult struct {
	BatchID   string
	Checksum  string
	Threshold float64
	Columns   []string // input header order
	Rows      []*Row   // table order
	Flagged   []*Row   // ALERT rows, highest score first
	Counts    BatchCounts
	Duration  time.Duration
}

// BatchCounts summarizes a batch.
type BatchCounts struct {
	Rows           int `json:"rows"`
	Scored         int `json:"scored"`
	Violations     int `json:"violations"`
	Errors         int `json:"errors"`
	Flagged        int `json:"flagged"`
	AlertsRecorded int `json:"alerts_recorded"`
	AlertFailures  int `json:"alert_failures"`
}

// Top returns up to n flagged rows, highest score first.
func (b *BatchResult) Top(n int) []*Row {
	if n < 0 || n > len(b.Flagged) {
		n = len(b.Flagged)
	}
	return b.Flagged[:n]
}

// ScoreBatch scores every row of t. Rows are validated and scored in
// parallel; alerts for ALERT rows are then inserted one at a time in row
// order, so alert ids follow the table. A failing row never affects its
// siblings.
//
// Errors returned (no rows processed): *MissingColumnsError,
// ErrBatchTooLarge. Row-level failures live on the rows.
func (s *Service) ScoreBatch(ctx context.Context, t *bulk.Table) (*BatchResult, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: no table", bulk.ErrEmptyTable)
	}
	if missing := s.cfg.Schema.MissingColumns(t.Columns); len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}
	if s.cfg.MaxRows > 0 && t.Len() > s.cfg.MaxRows {
		return nil, fmt.Errorf("%w: %d rows, limit %d", ErrBatchTooLarge, t.Len(), s.cfg.MaxRows)
	}

	start := time.Now()
	res := &BatchResult{
		BatchID:   idgen.Batch(),
		Checksum:  t.Checksum,
		Threshold: s.cfg.Threshold,
		Columns:   append([]string(nil), t.Columns...),
		Rows:      make([]*Row, t.Len()),
	}
	ctx = logging.WithBatchID(ctx, res.BatchID)
	ctx, span := traces.StartSpan(ctx, "pipeline.ScoreBatch",
		traces.BatchID(res.BatchID), traces.BatchRows(t.Len()))
	defer span.End()
	log := logging.L(ctx)

	var g errgroup.Group
	g.SetLimit(s.cfg.BulkWorkers)
	for i, raw := range t.Rows {
		row := &Row{Number: i + 1, raw: raw}
		res.Rows[i] = row
		g.Go(func() error {
			s.scoreRow(row)
			return nil
		})
	}
	_ = g.Wait()

	for _, row := range res.Rows {
		if !row.Verdict.IsAlert() {
			continue
		}
		if err := ctx.Err(); err != nil {
			row.StoreErr = fmt.Errorf("%w: %w", alerts.ErrStoreUnavailable, err)
			metrics.AlertStoreFailures.WithLabelValues(metrics.PathBulk).Inc()
			continue
		}
		saved, err := s.record(ctx, row.rec, row.FraudScore, metrics.PathBulk)
		if err != nil {
			row.StoreErr = err
			continue
		}
		row.AlertRecorded = true
		row.AlertID = saved.ID
	}

	res.Flagged = flagged(res.Rows)
	res.Counts = count(res.Rows)
	res.Duration = time.Since(start)
	metrics.BatchDuration.Observe(res.Duration.Seconds())

	log.Info("batch scored",
		"rows", res.Counts.Rows,
		"scored", res.Counts.Scored,
		"violations", res.Counts.Violations,
		"flagged", res.Counts.Flagged,
		"alerts_recorded", res.Counts.AlertsRecorded,
		"alert_failures", res.Counts.AlertFailures,
		"duration_ms", res.Duration.Milliseconds(),
	)
	if res.Counts.AlertFailures > 0 {
		traces.Fail(span, fmt.Errorf("%w: %d alerts not recorded", alerts.ErrStoreUnavailable, res.Counts.AlertFailures))
	}
	return res, nil
}

func (s *Service) scoreRow(row *Row) {
	rec, err := record.Validate(row.raw, s.cfg.Schema)
	if err != nil {
		var sv *record.SchemaViolation
		if errors.As(err, &sv) {
			row.Violation = sv
			metrics.SchemaViolations.WithLabelValues(metrics.PathBulk).Inc()
		} else {
			row.Err = err
		}
		metrics.BatchRows.WithLabelValues(row.Outcome()).Inc()
		return
	}
	row.rec = rec
	row.TransactionID = rec.TransactionID
	row.TagID = rec.TagID

	score, err := s.engine.Score(rec)
	if err != nil {
		row.Err = err
		metrics.ScoringErrors.WithLabelValues(metrics.PathBulk).Inc()
		metrics.BatchRows.WithLabelValues(OutcomeError).Inc()
		return
	}
	row.FraudScore = score
	row.Verdict = scoring.Decide(score, s.cfg.Threshold)
	observe(metrics.PathBulk, score, row.Verdict)
	metrics.BatchRows.WithLabelValues(OutcomeScored).Inc()
}

// flagged returns the ALERT rows by descending score. Ties keep row order.
func flagged(rows []*Row) []*Row {
	var out []*Row
	for _, r := range rows {
		if r.Verdict.IsAlert() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FraudScore > out[j].FraudScore
	})
	return out
}

func count(rows []*Row) BatchCounts {
	c := BatchCounts{Rows: len(rows)}
	for _, r := range rows {
		switch r.Outcome() {
		case OutcomeViolation:
			c.Violations++
		case OutcomeError:
			c.Errors++
		default:
			c.Scored++
		}
		if r.Verdict.IsAlert() {
			c.Flagged++
			if r.AlertRecorded {
				c.AlertsRecorded++
			} else {
				c.AlertFailures++
			}
		}
	}
	return c
}
