package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// storeFactories lists the backends exercised without external services.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLite(t, filepath.Join(t.TempDir(), "alerts.db")) },
	}
}

func newTestSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newAlert(i int, score float64) *NewAlert {
	payload, _ := json.Marshal(map[string]any{
		"transaction_id": fmt.Sprintf("TX%06d", i),
		"fraud_score":    score,
	})
	return &NewAlert{
		TransactionID: fmt.Sprintf("TX%06d", i),
		TagID:         fmt.Sprintf("TAG%03d", i%7),
		FraudScore:    score,
		Payload:       payload,
	}
}

func TestStore_InsertAndList(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			got, err := s.List(ctx, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 0 {
				t.Fatalf("new store should be empty, got %d", len(got))
			}

			a, err := s.Insert(ctx, newAlert(1, 0.83))
			if err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if a.ID <= 0 || a.CreatedAt.IsZero() {
				t.Errorf("store must assign id and created_at: %+v", a)
			}
			if a.TransactionID != "TX000001" || a.FraudScore != 0.83 {
				t.Errorf("fields not carried: %+v", a)
			}

			b, err := s.Insert(ctx, newAlert(2, 0.71))
			if err != nil {
				t.Fatal(err)
			}

			list, err := s.List(ctx, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 2 || list[0].ID != b.ID || list[1].ID != a.ID {
				t.Fatalf("expected most recent first, got %+v", list)
			}
			var payload map[string]any
			if err := json.Unmarshal(list[1].Payload, &payload); err != nil {
				t.Fatalf("payload not JSON: %v", err)
			}
			if payload["transaction_id"] != "TX000001" {
				t.Errorf("payload = %v", payload)
			}
			if !list[1].CreatedAt.Equal(a.CreatedAt) {
				t.Errorf("created_at round trip: %v vs %v", list[1].CreatedAt, a.CreatedAt)
			}
		})
	}
}

func TestStore_ListLimitAndPaging(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			for i := 1; i <= 5; i++ {
				if _, err := s.Insert(ctx, newAlert(i, 0.9)); err != nil {
					t.Fatal(err)
				}
			}

			page, err := s.List(ctx, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(page) != 2 || page[0].ID != 5 || page[1].ID != 4 {
				t.Fatalf("first page = %v", ids(page))
			}

			page, err = s.ListBefore(ctx, 4, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(page) != 2 || page[0].ID != 3 || page[1].ID != 2 {
				t.Fatalf("second page = %v", ids(page))
			}

			all, err := s.List(ctx, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 5 {
				t.Errorf("limit 0 should use the default, got %d", len(all))
			}
		})
	}
}

func TestStore_ConcurrentInsertsAreMonotonic(t *testing.T) {
	const writers, perWriter = 8, 25
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			var wg sync.WaitGroup
			errs := make(chan error, writers*perWriter)
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						if _, err := s.Insert(ctx, newAlert(w*perWriter+i, 0.8)); err != nil {
							errs <- err
						}
					}
				}(w)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("concurrent insert failed: %v", err)
			}

			list, err := s.List(ctx, MaxListLimit)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != writers*perWriter {
				t.Fatalf("expected %d alerts, got %d", writers*perWriter, len(list))
			}
			checkMonotonic(t, list)
		})
	}
}

// checkMonotonic asserts a most-recent-first list has unique ids and that
// id order and created_at order agree strictly.
func checkMonotonic(t *testing.T, list []*Alert) {
	t.Helper()
	seen := make(map[int64]bool, len(list))
	for i, a := range list {
		if seen[a.ID] {
			t.Fatalf("duplicate id %d", a.ID)
		}
		seen[a.ID] = true
		if i == 0 {
			continue
		}
		prev := list[i-1]
		if !(prev.ID > a.ID) {
			t.Fatalf("ids not descending at %d: %d then %d", i, prev.ID, a.ID)
		}
		if !prev.CreatedAt.After(a.CreatedAt) {
			t.Fatalf("created_at not strictly descending at %d: %v then %v", i, prev.CreatedAt, a.CreatedAt)
		}
	}
}

func ids(list []*Alert) []int64 {
	out := make([]int64, len(list))
	for i, a := range list {
		out[i] = a.ID
	}
	return out
}

func TestStore_RejectsInvalidAlert(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			for _, n := range []*NewAlert{
				nil,
				{FraudScore: 1.2},
				{FraudScore: 0.9, Payload: json.RawMessage("{not json")},
			} {
				if _, err := s.Insert(ctx, n); !errors.Is(err, ErrInvalidAlert) {
					t.Errorf("Insert(%+v) = %v, want ErrInvalidAlert", n, err)
				}
			}
		})
	}
}

func TestStore_CancelledContext(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if _, err := s.Insert(ctx, newAlert(1, 0.9)); !errors.Is(err, ErrStoreUnavailable) {
				t.Errorf("expected ErrStoreUnavailable, got %v", err)
			}
			list, err := s.List(context.Background(), 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 0 {
				t.Errorf("cancelled insert must not persist, got %d rows", len(list))
			}
		})
	}
}

func TestNextCreatedAt(t *testing.T) {
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	if got := nextCreatedAt(base.Add(1500), time.Time{}); !got.Equal(base.Add(time.Microsecond)) {
		t.Errorf("first row should truncate to microseconds, got %v", got)
	}
	if got := nextCreatedAt(base, base); !got.Equal(base.Add(time.Microsecond)) {
		t.Errorf("equal clock should advance one tick, got %v", got)
	}
	if got := nextCreatedAt(base.Add(-time.Second), base); !got.Equal(base.Add(time.Microsecond)) {
		t.Errorf("clock going backwards should still advance, got %v", got)
	}
	if got := nextCreatedAt(base.Add(time.Second), base); !got.Equal(base.Add(time.Second)) {
		t.Errorf("later clock should be used as is, got %v", got)
	}
}

func TestMemoryStore_FrozenClock(t *testing.T) {
	s := NewMemoryStore()
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := s.Insert(ctx, newAlert(i, 0.75)); err != nil {
			t.Fatal(err)
		}
	}
	list, _ := s.List(ctx, 10)
	checkMonotonic(t, list)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Close()
	ctx := context.Background()
	if _, err := s.Insert(ctx, newAlert(1, 0.9)); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Insert after Close = %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Ping after Close = %v", err)
	}
}
