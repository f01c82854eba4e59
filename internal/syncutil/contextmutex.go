// Package syncutil holds the locking primitives used by the admission and
// rate limiting paths.
package syncutil

import (
	"context"
	"sync"
)

// ContextMutex is an exclusive lock whose acquisition can be abandoned when a
// context is cancelled or its deadline passes. The zero value is ready to use.
type ContextMutex struct {
	once sync.Once
	ch   chan struct{}
}

// NewContextMutex creates an unlocked ContextMutex.
func NewContextMutex() *ContextMutex {
	m := &ContextMutex{}
	m.init()
	return m
}

func (m *ContextMutex) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
		m.ch <- struct{}{} // Start unlocked.
	})
}

// LockContext acquires the mutex or returns the context error. On success the
// caller MUST call the returned unlock function exactly once.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	m.init()

	// Prefer an immediately available lock over an already expired context.
	select {
	case <-m.ch:
		return m.unlock, nil
	default:
	}

	select {
	case <-m.ch:
		return m.unlock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lock acquires the mutex unconditionally.
func (m *ContextMutex) Lock() func() {
	m.init()
	<-m.ch
	return m.unlock
}

// TryLock acquires the mutex only if it is free.
func (m *ContextMutex) TryLock() (func(), bool) {
	m.init()
	select {
	case <-m.ch:
		return m.unlock, true
	default:
		return nil, false
	}
}

func (m *ContextMutex) unlock() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("syncutil: unlock of unlocked ContextMutex")
	}
}
