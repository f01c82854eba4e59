package storage

import (
	"context"
	"sync"

	"chemgate/internal/models"
)

// DefaultMemoryCapacity bounds the in-memory log.
const DefaultMemoryCapacity = 10000

// MemoryEventStore keeps the most recent events in a ring buffer. This
// provider is ideal for development, testing, and single-instance deployments
// where the log does not need to survive a restart.
type MemoryEventStore struct {
	mu       sync.RWMutex
	events   []*models.AuditEvent
	next     int
	full     bool
	closed   bool
	capacity int
}

// NewMemoryEventStore creates a store holding at most capacity events. A
// non-positive capacity means DefaultMemoryCapacity.
func NewMemoryEventStore(capacity int) *MemoryEventStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryEventStore{
		events:   make([]*models.AuditEvent, capacity),
		capacity: capacity,
	}
}

func (m *MemoryEventStore) Append(ctx context.Context, event *models.AuditEvent) error {
	if err := validateEvent(event); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	// Store a copy to prevent external modification
	m.events[m.next] = cloneEvent(event)
	m.next = (m.next + 1) % m.capacity
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// each visits stored events newest first until fn returns false.
func (m *MemoryEventStore) each(fn func(*models.AuditEvent) bool) {
	n := m.next
	if m.full {
		n = m.capacity
	}
	for i := 0; i < n; i++ {
		idx := (m.next - 1 - i + m.capacity) % m.capacity
		if !fn(m.events[idx]) {
			return
		}
	}
}

func (m *MemoryEventStore) List(ctx context.Context, filter models.EventFilter) ([]*models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	limit := effectiveLimit(filter.Limit)
	result := make([]*models.AuditEvent, 0)
	m.each(func(ev *models.AuditEvent) bool {
		if matches(ev, filter) {
			result = append(result, cloneEvent(ev))
		}
		return len(result) < limit
	})
	return result, nil
}

func (m *MemoryEventStore) Count(ctx context.Context, filter models.EventFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}

	count := 0
	m.each(func(ev *models.AuditEvent) bool {
		if matches(ev, filter) {
			count++
		}
		return true
	})
	return count, nil
}

func (m *MemoryEventStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryEventStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func matches(ev *models.AuditEvent, f models.EventFilter) bool {
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	if f.Subject != "" && ev.Subject != f.Subject {
		return false
	}
	if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

func cloneEvent(ev *models.AuditEvent) *models.AuditEvent {
	c := *ev
	if ev.Detail != nil {
		c.Detail = make(map[string]string, len(ev.Detail))
		for k, v := range ev.Detail {
			c.Detail[k] = v
		}
	}
	return &c
}
