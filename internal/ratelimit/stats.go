package ratelimit

import (
	"context"
	"sync"
	"time"
)

// StatsEvent is one recorded decision.
type StatsEvent struct {
	ClientID string
	Category Category
	Allowed  bool
	Reason   string
	Method   string
	Path     string
	At       time.Time
}

// Counters holds allowed and denied totals.
type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// StatsSnapshot is an aggregate view of recorded decisions.
type StatsSnapshot struct {
	Total      Counters              `json:"total"`
	ByCategory map[Category]Counters `json:"by_category"`
}

// StatsStore persists decision counters. Recording is best effort: Middleware
// logs a failed Record and serves the request anyway.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
	Snapshot(ctx context.Context) (StatsSnapshot, error)
}

// MemoryStatsStore keeps counters in process. It never expires anything.
type MemoryStatsStore struct {
	mu         sync.Mutex
	total      Counters
	byCategory map[Category]Counters
	byClient   map[string]Counters

	trackClients bool
}

type MemoryStatsOption func(*MemoryStatsStore)

// WithTrackClients enables per-client counters. Client ids are unbounded, so
// leave this off outside tests and small deployments.
func WithTrackClients(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackClients = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byCategory: make(map[Category]Counters),
		byClient:   make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bump := func(c Counters) Counters {
		if ev.Allowed {
			c.Allowed++
		} else {
			c.Denied++
		}
		return c
	}

	s.total = bump(s.total)
	s.byCategory[ev.Category] = bump(s.byCategory[ev.Category])
	if s.trackClients && ev.ClientID != "" {
		s.byClient[ev.ClientID] = bump(s.byClient[ev.ClientID])
	}
	return nil
}

func (s *MemoryStatsStore) Snapshot(_ context.Context) (StatsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := StatsSnapshot{
		Total:      s.total,
		ByCategory: make(map[Category]Counters, len(s.byCategory)),
	}
	for k, v := range s.byCategory {
		out.ByCategory[k] = v
	}
	return out, nil
}

// ByClient returns per-client counters when tracking is enabled.
func (s *MemoryStatsStore) ByClient() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byClient))
	for k, v := range s.byClient {
		out[k] = v
	}
	return out
}
