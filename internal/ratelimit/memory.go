package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chemgate/internal/models"
	"chemgate/internal/syncutil"
)

// lowRemainingThreshold triggers a warning log when an allowed client is close
// to its limit.
const lowRemainingThreshold = 3

// clientRecord is the per-client state. Fields are only touched while holding
// the client's shard lock.
type clientRecord struct {
	id           string
	windows      map[Category][]time.Time
	violations   int
	penaltyUntil time.Time
	firstRequest time.Time
	lastRequest  time.Time
}

// ClientStats is a read-only view of one client's record.
type ClientStats struct {
	ClientID        string           `json:"client_id"`
	FirstRequest    time.Time        `json:"first_request"`
	LastRequest     time.Time        `json:"last_request"`
	Violations      int              `json:"violations"`
	InPenalty       bool             `json:"in_penalty"`
	PenaltyUntil    *time.Time       `json:"penalty_until,omitempty"`
	CurrentRequests map[Category]int `json:"current_requests"`
}

// GlobalStats summarizes limiter activity since start.
type GlobalStats struct {
	Enabled         bool              `json:"enabled"`
	TotalRequests   int64             `json:"total_requests"`
	BlockedRequests int64             `json:"blocked_requests"`
	Violations      int64             `json:"violations_count"`
	ClientsTracked  int               `json:"clients_tracking"`
	PenaltyCap      int               `json:"penalty_cap"`
	Rules           map[Category]Rule `json:"rules"`
}

// Option configures a SlidingWindowLimiter.
type Option func(*SlidingWindowLimiter)

// WithClock sets the time source used for windows and penalties.
func WithClock(now func() time.Time) Option {
	return func(l *SlidingWindowLimiter) { l.now = now }
}

// WithLogger sets the logger for limit warnings and rule changes.
func WithLogger(logger *slog.Logger) Option {
	return func(l *SlidingWindowLimiter) { l.logger = logger }
}

// WithObserver adds an observer notified after every decision.
func WithObserver(o Observer) Option {
	return func(l *SlidingWindowLimiter) { l.observers = append(l.observers, o) }
}

// SlidingWindowLimiter is an in-memory limiter keeping one timestamp window
// per client and category. Violations and the penalty are tracked per client,
// so a client in penalty is denied on every category.
//
// The client map is guarded by clientsMu; each record is guarded by a shard of
// locks keyed by client id, so unrelated clients rarely contend.
type SlidingWindowLimiter struct {
	rulesMu    sync.RWMutex
	rules      map[Category]Rule
	penaltyCap int

	enabled atomic.Bool

	clientsMu sync.Mutex
	clients   map[string]*clientRecord
	locks     syncutil.ShardedMutex

	totalRequests   atomic.Int64
	blockedRequests atomic.Int64
	violations      atomic.Int64

	cleanupInterval time.Duration
	idleTTL         time.Duration

	now       func() time.Time
	logger    *slog.Logger
	observers []Observer

	closeMu sync.Mutex
	done    chan struct{}
	closed  bool
	running atomic.Bool
}

// NewSlidingWindowLimiter builds a limiter from configuration. Categories
// missing from cfg.Rules fall back to the "default" rule, and a missing
// "default" falls back to the built-in one.
func NewSlidingWindowLimiter(cfg models.RateLimitConfig, opts ...Option) *SlidingWindowLimiter {
	rules := make(map[Category]Rule, len(cfg.Rules)+1)
	for name, rc := range cfg.Rules {
		rules[Category(strings.ToLower(name))] = RuleFromConfig(rc)
	}
	if _, ok := rules[CategoryDefault]; !ok {
		rules[CategoryDefault] = DefaultRules()[CategoryDefault]
	}

	penaltyCap := cfg.PenaltyCap
	if penaltyCap <= 0 {
		penaltyCap = 5
	}

	l := &SlidingWindowLimiter{
		rules:           rules,
		penaltyCap:      penaltyCap,
		clients:         make(map[string]*clientRecord),
		cleanupInterval: cfg.CleanupInterval,
		idleTTL:         cfg.ClientIdleTTL,
		now:             time.Now,
		logger:          slog.Default(),
		done:            make(chan struct{}),
	}
	if l.cleanupInterval <= 0 {
		l.cleanupInterval = 5 * time.Minute
	}
	if l.idleTTL <= 0 {
		l.idleTTL = time.Hour
	}
	l.enabled.Store(cfg.Enabled)

	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *SlidingWindowLimiter) ruleFor(c Category) Rule {
	l.rulesMu.RLock()
	defer l.rulesMu.RUnlock()
	if r, ok := l.rules[c]; ok {
		return r
	}
	return l.rules[CategoryDefault]
}

func (l *SlidingWindowLimiter) currentPenaltyCap() int {
	l.rulesMu.RLock()
	defer l.rulesMu.RUnlock()
	return l.penaltyCap
}

func (l *SlidingWindowLimiter) record(clientID string, create bool) *clientRecord {
	l.clientsMu.Lock()
	defer l.clientsMu.Unlock()
	rec, ok := l.clients[clientID]
	if !ok && create {
		rec = &clientRecord{id: clientID, windows: make(map[Category][]time.Time)}
		l.clients[clientID] = rec
	}
	return rec
}

// Allow evaluates a request. Steps, in order: a disabled limiter allows
// everything; an active penalty denies; the category window is purged; a full
// window denies and escalates the penalty; otherwise the request is recorded.
func (l *SlidingWindowLimiter) Allow(clientID, path string) Decision {
	category := Classify(path)

	if !l.enabled.Load() {
		d := Decision{Allowed: true, Reason: ReasonDisabled, Category: category}
		l.observe(clientID, d)
		return d
	}

	l.totalRequests.Add(1)

	rule := l.ruleFor(category)

	// The record is looked up under its shard lock so ResetClient and
	// EvictIdle cannot drop it mid-evaluation.
	unlock := l.locks.Lock(clientID)
	rec := l.record(clientID, true)
	d := l.evaluate(rec, rule, category)
	unlock()

	switch {
	case !d.Allowed && d.Reason == ReasonExceeded:
		l.blockedRequests.Add(1)
		l.violations.Add(1)
		l.logger.Warn("Rate limit exceeded",
			"client_id", clientID,
			"category", category,
			"current", d.CurrentCount,
			"limit", d.Limit,
			"penalty_seconds", d.RetryAfterSeconds(),
			"violations", d.Violations,
		)
	case !d.Allowed:
		l.blockedRequests.Add(1)
	case d.Remaining <= lowRemainingThreshold:
		l.logger.Warn("Client approaching rate limit",
			"client_id", clientID,
			"category", category,
			"remaining", d.Remaining,
			"limit", d.Limit,
		)
	}

	l.observe(clientID, d)
	return d
}

func (l *SlidingWindowLimiter) evaluate(rec *clientRecord, rule Rule, category Category) Decision {
	now := l.now()
	if rec.firstRequest.IsZero() {
		rec.firstRequest = now
	}
	rec.lastRequest = now

	limit := rule.EffectiveLimit()
	d := Decision{
		Category:   category,
		Limit:      limit,
		Window:     rule.Window,
		Violations: rec.violations,
	}

	if now.Before(rec.penaltyUntil) {
		d.Reason = ReasonPenalty
		d.RetryAfter = rec.penaltyUntil.Sub(now)
		d.ResetAt = rec.penaltyUntil
		d.CurrentCount = len(rec.windows[category])
		return d
	}

	window := purge(rec.windows[category], now.Add(-rule.Window))
	count := len(window)
	d.CurrentCount = count

	if count >= limit {
		rec.windows[category] = window
		rec.violations++
		multiplier := rec.violations
		if c := l.currentPenaltyCap(); multiplier > c {
			multiplier = c
		}
		penalty := rule.Penalty * time.Duration(multiplier)
		rec.penaltyUntil = now.Add(penalty)

		d.Reason = ReasonExceeded
		d.Violations = rec.violations
		d.RetryAfter = penalty
		d.ResetAt = rec.penaltyUntil
		return d
	}

	window = append(window, now)
	rec.windows[category] = window

	d.Allowed = true
	d.Reason = ReasonWithinLimits
	d.CurrentCount = count + 1
	d.Remaining = limit - count - 1
	d.ResetAt = window[0].Add(rule.Window)
	return d
}

// purge drops timestamps strictly older than cutoff, reusing the backing array.
func purge(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	n := copy(window, window[i:])
	return window[:n]
}

func (l *SlidingWindowLimiter) observe(clientID string, d Decision) {
	for _, o := range l.observers {
		o.ObserveDecision(clientID, d)
	}
}

// ClientStats reports a client's record without mutating it.
func (l *SlidingWindowLimiter) ClientStats(clientID string) (ClientStats, bool) {
	unlock := l.locks.Lock(clientID)
	defer unlock()

	rec := l.record(clientID, false)
	if rec == nil {
		return ClientStats{}, false
	}

	now := l.now()
	stats := ClientStats{
		ClientID:        clientID,
		FirstRequest:    rec.firstRequest,
		LastRequest:     rec.lastRequest,
		Violations:      rec.violations,
		InPenalty:       now.Before(rec.penaltyUntil),
		CurrentRequests: make(map[Category]int, len(rec.windows)),
	}
	if !rec.penaltyUntil.IsZero() {
		until := rec.penaltyUntil
		stats.PenaltyUntil = &until
	}
	for category, window := range rec.windows {
		cutoff := now.Add(-l.ruleFor(category).Window)
		n := 0
		for _, ts := range window {
			if !ts.Before(cutoff) {
				n++
			}
		}
		stats.CurrentRequests[category] = n
	}
	return stats, true
}

// ResetClient forgets everything about a client, including any penalty.
func (l *SlidingWindowLimiter) ResetClient(clientID string) bool {
	unlock := l.locks.Lock(clientID)
	defer unlock()

	l.clientsMu.Lock()
	defer l.clientsMu.Unlock()
	if _, ok := l.clients[clientID]; !ok {
		return false
	}
	delete(l.clients, clientID)
	l.logger.Info("Rate limit record reset", "client_id", clientID)
	return true
}

// Stats returns global counters and the active rule set.
func (l *SlidingWindowLimiter) Stats() GlobalStats {
	l.clientsMu.Lock()
	tracked := len(l.clients)
	l.clientsMu.Unlock()

	l.rulesMu.RLock()
	rules := make(map[Category]Rule, len(l.rules))
	for c, r := range l.rules {
		rules[c] = r
	}
	penaltyCap := l.penaltyCap
	l.rulesMu.RUnlock()

	return GlobalStats{
		Enabled:         l.enabled.Load(),
		TotalRequests:   l.totalRequests.Load(),
		BlockedRequests: l.blockedRequests.Load(),
		Violations:      l.violations.Load(),
		ClientsTracked:  tracked,
		PenaltyCap:      penaltyCap,
		Rules:           rules,
	}
}

// Categories lists the configured categories in name order.
func (l *SlidingWindowLimiter) Categories() []Category {
	l.rulesMu.RLock()
	defer l.rulesMu.RUnlock()
	out := make([]Category, 0, len(l.rules))
	for c := range l.rules {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UpdateRule replaces the rule for a category at runtime.
func (l *SlidingWindowLimiter) UpdateRule(c Category, r Rule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid rule for %s: %w", c, err)
	}
	l.rulesMu.Lock()
	l.rules[c] = r
	l.rulesMu.Unlock()
	l.logger.Info("Rate limit rule updated",
		"category", c,
		"requests", r.Requests,
		"window", r.Window,
		"burst", r.Burst,
		"penalty", r.Penalty,
	)
	return nil
}

func (l *SlidingWindowLimiter) Enable() {
	l.enabled.Store(true)
	l.logger.Info("Rate limiting enabled")
}

func (l *SlidingWindowLimiter) Disable() {
	l.enabled.Store(false)
	l.logger.Warn("Rate limiting disabled")
}

func (l *SlidingWindowLimiter) Enabled() bool {
	return l.enabled.Load()
}

// EvictIdle removes clients whose last request is older than the idle TTL and
// returns how many were removed.
func (l *SlidingWindowLimiter) EvictIdle() int {
	cutoff := l.now().Add(-l.idleTTL)

	l.clientsMu.Lock()
	ids := make([]string, 0, len(l.clients))
	for id := range l.clients {
		ids = append(ids, id)
	}
	l.clientsMu.Unlock()

	evicted := 0
	for _, id := range ids {
		// lastRequest is only read under the record's shard lock.
		unlock := l.locks.Lock(id)
		l.clientsMu.Lock()
		if rec, ok := l.clients[id]; ok && rec.lastRequest.Before(cutoff) {
			delete(l.clients, id)
			evicted++
		}
		l.clientsMu.Unlock()
		unlock()
	}
	return evicted
}

// Run evicts idle clients every cleanup interval until ctx is done or Close is
// called.
func (l *SlidingWindowLimiter) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("rate limit cleanup already running")
	}
	defer l.running.Store(false)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.done:
			return nil
		case <-ticker.C:
			if n := l.EvictIdle(); n > 0 {
				l.logger.Debug("Evicted idle rate limit records", "count", n)
			}
		}
	}
}

// Close stops Run.
func (l *SlidingWindowLimiter) Close() {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
}
