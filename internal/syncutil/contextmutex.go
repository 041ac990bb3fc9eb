// Package syncutil holds small synchronization primitives shared by the
// alert store backends.
package syncutil

import "context"

// ContextMutex is a mutual-exclusion lock whose acquisition can be abandoned
// when a context ends. The zero value is not usable; call NewContextMutex.
type ContextMutex struct {
	ch chan struct{}
}

// NewContextMutex returns an unlocked mutex.
func NewContextMutex() *ContextMutex {
	m := &ContextMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// LockContext blocks until the lock is held or ctx is done. On success it
// returns the unlock function, which must be called exactly once.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock only if it is free.
func (m *ContextMutex) TryLock() (func(), bool) {
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, true
	default:
		return nil, false
	}
}
