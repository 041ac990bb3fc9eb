package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/tollguard/internal/alerts"
	"github.com/mbd888/tollguard/internal/circuitbreaker"
	"github.com/mbd888/tollguard/internal/metrics"
	"github.com/mbd888/tollguard/internal/retry"
	"github.com/mbd888/tollguard/internal/traces"
)

// Recorder persists ALERT verdicts. Every error it returns wraps
// alerts.ErrStoreUnavailable or alerts.ErrInvalidAlert.
type Recorder interface {
	Record(ctx context.Context, a *alerts.NewAlert) (*alerts.Alert, error)
}

// StoreBreakerKey is the circuit breaker key guarding alert inserts.
const StoreBreakerKey = "alert_store"

// RecorderOptions tunes retries and the store circuit breaker.
type RecorderOptions struct {
	Attempts         int           // insert attempts per alert, including the first
	BaseDelay        time.Duration // first retry backoff
	MaxDelay         time.Duration
	BreakerThreshold int           // consecutive failures before the breaker opens
	BreakerCooldown  time.Duration // time open before a probe is admitted
}

// StoreRecorder writes alerts to a Store. Busy errors are retried; repeated
// unavailability opens a breaker so callers fail fast instead of queueing on
// a dead store.
type StoreRecorder struct {
	store   alerts.Store
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

// NewRecorder wraps store.
func NewRecorder(store alerts.Store, opts RecorderOptions) *StoreRecorder {
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 25 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Second
	}
	return &StoreRecorder{
		store:   store,
		breaker: circuitbreaker.New(opts.BreakerThreshold, opts.BreakerCooldown),
		policy: retry.Policy{
			MaxAttempts: opts.Attempts,
			BaseDelay:   opts.BaseDelay,
			MaxDelay:    opts.MaxDelay,
			Retryable: func(err error) bool {
				return errors.Is(err, alerts.ErrStoreBusy)
			},
			OnRetry: func(int, error) {
				metrics.AlertStoreRetries.Inc()
			},
		},
	}
}

// Breaker exposes the store breaker for health reporting.
func (r *StoreRecorder) Breaker() *circuitbreaker.Breaker { return r.breaker }

// Record inserts a.
func (r *StoreRecorder) Record(ctx context.Context, a *alerts.NewAlert) (*alerts.Alert, error) {
	ctx, span := traces.StartSpan(ctx, "alerts.Insert")
	defer span.End()

	start := time.Now()
	var saved *alerts.Alert
	err := r.breaker.Do(StoreBreakerKey, func() error {
		return r.policy.Do(ctx, func(ctx context.Context) error {
			out, err := r.store.Insert(ctx, a)
			if err != nil {
				return err
			}
			saved = out
			return nil
		})
	}, countsAgainstStore)
	metrics.AlertInsertDuration.Observe(time.Since(start).Seconds())

	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%w: %w", alerts.ErrStoreUnavailable, err)
	}
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(traces.AlertID(saved.ID))
	return saved, nil
}

// countsAgainstStore reports whether err reflects store health. Caller
// cancellation and rejected input do not.
func countsAgainstStore(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, alerts.ErrInvalidAlert) {
		return false
	}
	return errors.Is(err, alerts.ErrStoreUnavailable)
}
