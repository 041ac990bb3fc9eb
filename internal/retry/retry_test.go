package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("permanent failure")
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls int
	err := Do(ctx, 10, time.Second, func() error {
		calls++
		return errors.New("fail")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before the deadline, got %d", calls)
	}
}

func TestPolicy_RetryableFilter(t *testing.T) {
	busy := errors.New("busy")
	broken := errors.New("broken")
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, busy) },
	}

	var calls int
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return busy
		}
		return broken
	})
	if !errors.Is(err, broken) {
		t.Fatalf("expected broken, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("non-retryable error should stop after 2 calls, got %d", calls)
	}
}

func TestPolicy_OnRetryAndCap(t *testing.T) {
	var retries []int
	p := Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		OnRetry:     func(attempt int, _ error) { retries = append(retries, attempt) },
	}
	start := time.Now()
	_ = p.Do(context.Background(), func(context.Context) error { return errors.New("x") })

	if len(retries) != 3 || retries[0] != 1 || retries[2] != 3 {
		t.Fatalf("OnRetry attempts = %v", retries)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("capped backoff took %v", elapsed)
	}
}

func TestPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = Policy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}
