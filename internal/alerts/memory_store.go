package alerts

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory, for tests and demo mode.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts []*Alert // insertion order
	nextID int64
	now    func() time.Time
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Insert(ctx context.Context, n *NewAlert) (*Alert, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, wrapUnavailable(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreUnavailable
	}

	var prev time.Time
	if len(s.alerts) > 0 {
		prev = s.alerts[len(s.alerts)-1].CreatedAt
	}
	s.nextID++
	a := &Alert{
		ID:            s.nextID,
		TransactionID: n.TransactionID,
		TagID:         n.TagID,
		FraudScore:    n.FraudScore,
		Payload:       append([]byte(nil), n.payload()...),
		CreatedAt:     nextCreatedAt(s.now(), prev),
	}
	s.alerts = append(s.alerts, a)

	cp := *a
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Alert, error) {
	return s.ListBefore(ctx, 0, limit)
}

func (s *MemoryStore) ListBefore(_ context.Context, beforeID int64, limit int) ([]*Alert, error) {
	limit = normalizeLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreUnavailable
	}

	// Insertion order is id order is created_at order, so walking backwards
	// yields created_at DESC, id DESC.
	out := make([]*Alert, 0, min(limit, len(s.alerts)))
	for i := len(s.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		a := s.alerts[i]
		if beforeID > 0 && a.ID >= beforeID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreUnavailable
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored alerts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}
