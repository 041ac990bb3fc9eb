package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tollguard/internal/alerts"
	"github.com/mbd888/tollguard/internal/bulk"
	"github.com/mbd888/tollguard/internal/circuitbreaker"
	"github.com/mbd888/tollguard/internal/model"
	"github.com/mbd888/tollguard/internal/record"
	"github.com/mbd888/tollguard/internal/scoring"
)

func newEngine(t *testing.T, clf model.Classifier) *scoring.Engine {
	t.Helper()
	e, err := scoring.NewEngine(&model.Artifact{Kind: "test", Features: record.TrainingOrder, Classifier: clf})
	require.NoError(t, err)
	return e
}

// amountScore scores a record as amount/100, so tests pick scores through
// the amount column.
var amountScore = model.Func(func(x []float64) (float64, error) {
	return x[2] / 100, nil
})

func newService(t *testing.T, clf model.Classifier, threshold float64, store alerts.Store, opts ...Option) *Service {
	t.Helper()
	rec := NewRecorder(store, RecorderOptions{Attempts: 3, BaseDelay: time.Millisecond})
	svc, err := New(Config{Threshold: threshold, BulkWorkers: 4, MaxRows: 100}, newEngine(t, clf), rec, opts...)
	require.NoError(t, err)
	return svc
}

func transaction() map[string]any {
	return map[string]any{
		"transaction_id":     "TX999999",
		"tag_id":             "TAG00123",
		"amount":             50.0,
		"time_since_last_tx": 5.0,
		"tx_count_1h":        8.0,
		"unique_plazas_7d":   4.0,
		"mismatched_ocr":     1.0,
		"velocity_kmph":      120.0,
	}
}

type capture struct {
	mu     sync.Mutex
	alerts []*alerts.Alert
}

func (c *capture) PublishAlert(a *alerts.Alert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
}

func TestScoreTransaction_AlertRecorded(t *testing.T) {
	store := alerts.NewMemoryStore()
	pub := &capture{}
	svc := newService(t, model.Constant(0.83), 0.7, store, WithPublisher(pub))

	res, err := svc.ScoreTransaction(context.Background(), transaction())
	require.NoError(t, err)
	assert.Equal(t, 0.83, res.FraudScore)
	assert.Equal(t, 0.7, res.Threshold)
	assert.Equal(t, scoring.VerdictAlert, res.Verdict)
	assert.True(t, res.AlertRecorded)
	assert.Equal(t, int64(1), res.AlertID)

	list, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "TX999999", list[0].TransactionID)
	assert.Equal(t, "TAG00123", list[0].TagID)
	assert.Equal(t, 0.83, list[0].FraudScore)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(list[0].Payload, &payload))
	assert.Equal(t, 0.83, payload["fraud_score"])
	assert.Equal(t, 120.0, payload["velocity_kmph"])

	require.Len(t, pub.alerts, 1)
	assert.Equal(t, int64(1), pub.alerts[0].ID)
}

func TestScoreTransaction_ClearNeverTouchesStore(t *testing.T) {
	store := alerts.NewMemoryStore()
	svc := newService(t, model.Constant(0.2), 0.7, store)

	res, err := svc.ScoreTransaction(context.Background(), transaction())
	require.NoError(t, err)
	assert.Equal(t, scoring.VerdictClear, res.Verdict)
	assert.False(t, res.AlertRecorded)
	assert.Zero(t, res.AlertID)
	assert.Equal(t, 0, store.Len())
}

func TestScoreTransaction_ThresholdIsInclusive(t *testing.T) {
	store := alerts.NewMemoryStore()
	svc := newService(t, model.Constant(0.7), 0.7, store)

	res, err := svc.ScoreTransaction(context.Background(), transaction())
	require.NoError(t, err)
	assert.Equal(t, scoring.VerdictAlert, res.Verdict)
	assert.Equal(t, 1, store.Len())
}

func TestScoreTransaction_SchemaViolation(t *testing.T) {
	store := alerts.NewMemoryStore()
	called := false
	clf := model.Func(func([]float64) (float64, error) {
		called = true
		return 1, nil
	})
	svc := newService(t, clf, 0.7, store)

	raw := transaction()
	delete(raw, "mismatched_ocr")
	res, err := svc.ScoreTransaction(context.Background(), raw)
	assert.Nil(t, res)
	require.ErrorIs(t, err, record.ErrSchemaViolation)

	var sv *record.SchemaViolation
	require.ErrorAs(t, err, &sv)
	assert.Equal(t, []string{"mismatched_ocr"}, sv.Fields())
	assert.False(t, called, "rejected record must not reach the classifier")
	assert.Equal(t, 0, store.Len())
}

func TestScoreTransaction_StoreFailureKeepsAlert(t *testing.T) {
	store := alerts.NewMemoryStore()
	require.NoError(t, store.Close())
	svc := newService(t, model.Constant(0.95), 0.7, store)

	res, err := svc.ScoreTransaction(context.Background(), transaction())
	require.ErrorIs(t, err, alerts.ErrStoreUnavailable)
	require.NotNil(t, res)
	assert.Equal(t, 0.95, res.FraudScore)
	assert.Equal(t, scoring.VerdictAlert, res.Verdict)
	assert.False(t, res.AlertRecorded)
	assert.ErrorIs(t, res.StoreErr, alerts.ErrStoreUnavailable)
}

func TestScoreTransaction_EngineDefect(t *testing.T) {
	store := alerts.NewMemoryStore()
	svc := newService(t, model.Constant(1.5), 0.7, store)

	_, err := svc.ScoreTransaction(context.Background(), transaction())
	require.ErrorIs(t, err, scoring.ErrInvalidScore)
	assert.Equal(t, 0, store.Len())
}

func TestScoreTransaction_ConcurrentWriters(t *testing.T) {
	store := alerts.NewMemoryStore()
	svc := newService(t, model.Constant(0.9), 0.5, store)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ScoreTransaction(context.Background(), transaction())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, n, store.Len())
}

// A batch and real-time requests append to one SQLite alert file at once.
func TestMixedPaths_SharedSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := alerts.Open(ctx, alerts.Options{
		Backend:    alerts.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "alerts.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	svc := newService(t, amountScore, 0.7, store)

	const batchRows, realtime = 40, 30
	var body strings.Builder
	for i := 0; i < batchRows; i++ {
		fmt.Fprintf(&body, "B%03d,TAG1,5,8,90,4,1,120\n", i)
	}
	tbl := table(t, body.String())

	var (
		wg       sync.WaitGroup
		batch    *BatchResult
		batchErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		batch, batchErr = svc.ScoreBatch(ctx, tbl)
	}()
	for i := 0; i < realtime; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := transaction()
			tx["transaction_id"] = fmt.Sprintf("RT%03d", i)
			tx["amount"] = 95.0
			res, err := svc.ScoreTransaction(ctx, tx)
			if assert.NoError(t, err) {
				assert.True(t, res.AlertRecorded)
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, batchErr)
	assert.Equal(t, batchRows, batch.Counts.AlertsRecorded)
	assert.Zero(t, batch.Counts.AlertFailures)

	list, err := store.List(ctx, alerts.MaxListLimit)
	require.NoError(t, err)
	require.Len(t, list, batchRows+realtime)
	seen := make(map[int64]bool, len(list))
	for i, a := range list {
		assert.False(t, seen[a.ID], "duplicate id %d", a.ID)
		seen[a.ID] = true
		if i > 0 {
			assert.True(t, list[i-1].CreatedAt.After(a.CreatedAt), "created_at not strictly decreasing at %d", i)
			assert.Greater(t, list[i-1].ID, a.ID)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	eng := newEngine(t, model.Constant(0.5))
	rec := NewRecorder(alerts.NewMemoryStore(), RecorderOptions{})

	_, err := New(Config{Threshold: 1.2}, eng, rec)
	assert.ErrorIs(t, err, scoring.ErrInvalidThreshold)

	_, err = New(Config{Threshold: 0.5}, nil, rec)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(Config{Threshold: 0.5, MaxRows: -1}, eng, rec)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Threshold: 0.5, Schema: record.MustSchema(record.FeatureAmount)}, eng, rec)
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	svc, err := New(Config{Threshold: 0.5, Schema: record.MustSchema(record.TrainingOrder...)}, eng, rec)
	require.NoError(t, err)
	assert.Equal(t, DefaultBulkWorkers, svc.cfg.BulkWorkers)
	assert.True(t, svc.Schema().Equal(eng.Schema()))
}

// Parallel services with different thresholds share nothing.
func TestServices_IndependentThresholds(t *testing.T) {
	for _, tc := range []struct {
		threshold float64
		want      scoring.Verdict
	}{
		{0.5, scoring.VerdictAlert},
		{0.6, scoring.VerdictClear},
	} {
		t.Run(string(tc.want), func(t *testing.T) {
			t.Parallel()
			svc := newService(t, model.Constant(0.55), tc.threshold, alerts.NewMemoryStore())
			res, err := svc.ScoreTransaction(context.Background(), transaction())
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Verdict)
		})
	}
}

const header = "transaction_id,tag_id,time_since_last_tx,tx_count_1h,amount,unique_plazas_7d,mismatched_ocr,velocity_kmph\n"

func table(t *testing.T, body string) *bulk.Table {
	t.Helper()
	tbl, err := bulk.ReadCSV(strings.NewReader(header+body), 0)
	require.NoError(t, err)
	return tbl
}

func TestScoreBatch_FlaggedOrderAndIDs(t *testing.T) {
	store := alerts.NewMemoryStore()
	svc := newService(t, amountScore, 0.7, store)

	res, err := svc.ScoreBatch(context.Background(), table(t, ""+
		"TX1,TAG1,5,8,90,4,1,120\n"+
		"TX2,TAG2,5,8,95,4,1,120\n"+
		"TX3,TAG3,5,8,72,4,1,120\n"+
		"TX4,TAG4,5,8,95,4,1,120\n"+
		"TX5,TAG5,5,8,30,4,0,60\n"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.BatchID)
	assert.Len(t, res.Checksum, 16)

	var order []string
	for _, r := range res.Rows {
		order = append(order, r.TransactionID)
	}
	assert.Equal(t, []string{"TX1", "TX2", "TX3", "TX4", "TX5"}, order, "rows keep table order")

	var flaggedIDs []string
	var scores []float64
	for _, r := range res.Flagged {
		flaggedIDs = append(flaggedIDs, r.TransactionID)
		scores = append(scores, r.FraudScore)
	}
	assert.Equal(t, []string{"TX2", "TX4", "TX1", "TX3"}, flaggedIDs, "ties keep row order")
	assert.Equal(t, []float64{0.95, 0.95, 0.9, 0.72}, scores)
	assert.Len(t, res.Top(2), 2)
	assert.Len(t, res.Top(-1), 4)

	for i, r := range res.Rows[:4] {
		assert.True(t, r.AlertRecorded)
		assert.Equal(t, int64(i+1), r.AlertID, "alert ids follow row order")
	}
	assert.False(t, res.Rows[4].AlertRecorded)

	assert.Equal(t, BatchCounts{Rows: 5, Scored: 5, Flagged: 4, AlertsRecorded: 4}, res.Counts)
	assert.Equal(t, 4, store.Len())
}

func TestScoreBatch_BadRowDoesNotAffectOthers(t *testing.T) {
	store := alerts.NewMemoryStore()
	svc := newService(t, amountScore, 0.7, store)

	var b strings.Builder
	for i := 0; i < 10; i++ {
		if i == 3 {
			b.WriteString("TXBAD,TAG,5,8,80,4,,120\n") // mismatched_ocr empty
			continue
		}
		b.WriteString("TX,TAG,5,8,50,4,0,60\n")
	}
	res, err := svc.ScoreBatch(context.Background(), table(t, b.String()))
	require.NoError(t, err)
	require.Len(t, res.Rows, 10)

	bad := res.Rows[3]
	require.NotNil(t, bad.Violation)
	assert.Equal(t, []string{"mismatched_ocr"}, bad.Violation.Fields())
	assert.False(t, bad.Scored())
	assert.Equal(t, OutcomeViolation, bad.Outcome())

	for i, r := range res.Rows {
		if i == 3 {
			continue
		}
		assert.True(t, r.Scored(), "row %d", r.Number)
		assert.Equal(t, 0.5, r.FraudScore)
	}
	assert.Equal(t, 9, res.Counts.Scored)
	assert.Equal(t, 1, res.Counts.Violations)
	assert.Equal(t, 0, store.Len())
}

func TestScoreBatch_MissingColumns(t *testing.T) {
	store := alerts.NewMemoryStore()
	svc := newService(t, amountScore, 0.7, store)

	tbl, err := bulk.ReadCSV(strings.NewReader("transaction_id,amount,tx_count_1h\nTX1,99,1\n"), 0)
	require.NoError(t, err)

	_, err = svc.ScoreBatch(context.Background(), tbl)
	require.ErrorIs(t, err, ErrMissingColumns)
	var mc *MissingColumnsError
	require.ErrorAs(t, err, &mc)
	assert.Equal(t, []string{"time_since_last_tx", "unique_plazas_7d", "mismatched_ocr", "velocity_kmph"}, mc.Columns)
	assert.Contains(t, err.Error(), "velocity_kmph")
	assert.Equal(t, 0, store.Len())
}

func TestScoreBatch_TooLarge(t *testing.T) {
	eng := newEngine(t, amountScore)
	svc, err := New(Config{Threshold: 0.7, MaxRows: 2}, eng, NewRecorder(alerts.NewMemoryStore(), RecorderOptions{}))
	require.NoError(t, err)

	_, err = svc.ScoreBatch(context.Background(), table(t, "A,B,1,1,1,1,0,1\nA,B,1,1,1,1,0,1\nA,B,1,1,1,1,0,1\n"))
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestScoreBatch_StoreFailureRecordedPerRow(t *testing.T) {
	store := alerts.NewMemoryStore()
	require.NoError(t, store.Close())
	svc := newService(t, amountScore, 0.7, store)

	res, err := svc.ScoreBatch(context.Background(), table(t, ""+
		"TX1,TAG1,5,8,90,4,1,120\n"+
		"TX2,TAG2,5,8,10,4,0,60\n"))
	require.NoError(t, err)
	assert.Equal(t, scoring.VerdictAlert, res.Rows[0].Verdict)
	assert.False(t, res.Rows[0].AlertRecorded)
	assert.ErrorIs(t, res.Rows[0].StoreErr, alerts.ErrStoreUnavailable)
	assert.Equal(t, scoring.VerdictClear, res.Rows[1].Verdict)
	assert.Equal(t, 1, res.Counts.AlertFailures)
	assert.Equal(t, 0, res.Counts.AlertsRecorded)
}

func TestScoreBatch_CancelledContextStopsInserts(t *testing.T) {
	store := alerts.NewMemoryStore()
	svc := newService(t, amountScore, 0.7, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := svc.ScoreBatch(ctx, table(t, "TX1,TAG1,5,8,90,4,1,120\n"))
	require.NoError(t, err)
	assert.True(t, res.Rows[0].Scored())
	assert.ErrorIs(t, res.Rows[0].StoreErr, context.Canceled)
	assert.Equal(t, 0, store.Len())
}

func TestBatchResult_Export(t *testing.T) {
	svc := newService(t, amountScore, 0.7, alerts.NewMemoryStore())
	res, err := svc.ScoreBatch(context.Background(), table(t, ""+
		"TX1,TAG1,5,8,90,4,1,120\n"+
		"TX2,TAG2,5,8,95,4,1,120\n"+
		"TX3,TAG3,5,8,20,4,0,60\n"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, res.WriteCSV(&buf, ViewFlagged))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.TrimSpace(header)+",fraud_score,verdict,alert_id,error", lines[0])
	assert.Equal(t, "TX2,TAG2,5,8,95,4,1,120,0.95,alert,2,", lines[1])
	assert.Equal(t, "TX1,TAG1,5,8,90,4,1,120,0.9,alert,1,", lines[2])

	buf.Reset()
	require.NoError(t, res.WriteCSV(&buf, ViewScored))
	lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "TX3,TAG3,5,8,20,4,0,60,0.2,clear,,", lines[3])

	buf.Reset()
	require.NoError(t, res.WriteXLSX(&buf, ViewScored))
	back, err := bulk.ReadXLSX(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, back.Len())
	assert.Equal(t, "alert", back.Rows[0]["verdict"])
}

func TestRow_MarshalJSON(t *testing.T) {
	svc := newService(t, amountScore, 0.7, alerts.NewMemoryStore())
	res, err := svc.ScoreBatch(context.Background(), table(t, ""+
		"TX1,TAG1,5,8,90,4,1,120\n"+
		"TX2,TAG2,5,8,95,4,,120\n"))
	require.NoError(t, err)

	data, err := json.Marshal(res.Rows)
	require.NoError(t, err)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 2)
	assert.Equal(t, 0.9, got[0]["fraud_score"])
	assert.Equal(t, "alert", got[0]["verdict"])
	assert.Equal(t, true, got[0]["alert_recorded"])
	assert.NotContains(t, got[1], "fraud_score")
	assert.NotEmpty(t, got[1]["violations"])
}

// flakyStore fails the first busy inserts with a retryable error.
type flakyStore struct {
	*alerts.MemoryStore
	mu    sync.Mutex
	busy  int
	down  bool
	calls int
}

func (s *flakyStore) Insert(ctx context.Context, a *alerts.NewAlert) (*alerts.Alert, error) {
	s.mu.Lock()
	s.calls++
	if s.down {
		s.mu.Unlock()
		return nil, alerts.ErrStoreUnavailable
	}
	if s.busy > 0 {
		s.busy--
		s.mu.Unlock()
		return nil, errors.Join(alerts.ErrStoreUnavailable, alerts.ErrStoreBusy)
	}
	s.mu.Unlock()
	return s.MemoryStore.Insert(ctx, a)
}

func TestRecorder_RetriesBusy(t *testing.T) {
	store := &flakyStore{MemoryStore: alerts.NewMemoryStore(), busy: 2}
	rec := NewRecorder(store, RecorderOptions{Attempts: 3, BaseDelay: time.Millisecond})

	a, err := rec.Record(context.Background(), &alerts.NewAlert{FraudScore: 0.9})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, 3, store.calls)
}

func TestRecorder_DoesNotRetryHardFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: alerts.NewMemoryStore(), down: true}
	rec := NewRecorder(store, RecorderOptions{Attempts: 3, BaseDelay: time.Millisecond, BreakerThreshold: 10})

	_, err := rec.Record(context.Background(), &alerts.NewAlert{FraudScore: 0.9})
	require.ErrorIs(t, err, alerts.ErrStoreUnavailable)
	assert.Equal(t, 1, store.calls)
}

func TestRecorder_BreakerOpens(t *testing.T) {
	store := &flakyStore{MemoryStore: alerts.NewMemoryStore(), down: true}
	rec := NewRecorder(store, RecorderOptions{Attempts: 1, BreakerThreshold: 2, BreakerCooldown: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := rec.Record(context.Background(), &alerts.NewAlert{FraudScore: 0.9})
		require.ErrorIs(t, err, alerts.ErrStoreUnavailable)
	}
	assert.Equal(t, circuitbreaker.StateOpen, rec.Breaker().State(StoreBreakerKey))

	_, err := rec.Record(context.Background(), &alerts.NewAlert{FraudScore: 0.9})
	require.ErrorIs(t, err, alerts.ErrStoreUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, store.calls, "open breaker must not reach the store")
}

func TestRecorder_InvalidAlertDoesNotTrip(t *testing.T) {
	rec := NewRecorder(alerts.NewMemoryStore(), RecorderOptions{Attempts: 1, BreakerThreshold: 1})
	for i := 0; i < 3; i++ {
		_, err := rec.Record(context.Background(), &alerts.NewAlert{FraudScore: 2})
		require.ErrorIs(t, err, alerts.ErrInvalidAlert)
	}
	assert.Equal(t, circuitbreaker.StateClosed, rec.Breaker().State(StoreBreakerKey))
}
