// Package session implements admission control for the processing pool.
//
// At most MaxConcurrentUsers sessions are active at once. Everyone else waits
// in a FIFO queue and is promoted, head first, as capacity frees up. Sessions
// that stop sending activity are expired by a background sweep.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chemgate/internal/models"
	"chemgate/internal/syncutil"

	"github.com/eapache/queue"
	"github.com/google/uuid"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger for admission and expiry events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// Manager owns the active set and the waiting queue.
//
// All reads and writes of active, waiting, waitingIndex and queue positions
// happen while holding mu. Full expiry sweeps are additionally serialized by
// sweepMu, which is never held across the fast create/remove paths.
type Manager struct {
	cfg    models.SessionConfig
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu               *syncutil.ContextMutex
	active           map[string]*models.Session
	waiting          *queue.Queue
	waitingIndex     map[string]*models.Session
	lastLightCleanup time.Time

	sweepMu sync.Mutex
	running atomic.Bool

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates a Manager. Call Run to start the background expiry sweep.
func New(cfg models.SessionConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:          cfg,
		logger:       slog.Default(),
		now:          time.Now,
		newID:        uuid.NewString,
		mu:           syncutil.NewContextMutex(),
		active:       make(map[string]*models.Session),
		waiting:      queue.New(),
		waitingIndex: make(map[string]*models.Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastLightCleanup = m.now()
	return m
}

// Config returns the admission settings the manager was built with.
func (m *Manager) Config() models.SessionConfig {
	return m.cfg
}

// AddListener registers l for lifecycle notifications.
func (m *Manager) AddListener(l Listener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

func (m *Manager) lock(ctx context.Context) (func(), error) {
	unlock, err := m.mu.LockContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOverloaded, err)
	}
	return unlock, nil
}

// CreateSession admits a new session, active when there is capacity and
// waiting otherwise. The call is bounded by the configured create timeout; if
// the admission lock cannot be taken in time it fails with ErrOverloaded.
func (m *Manager) CreateSession(ctx context.Context, ownerID string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CreateTimeout)
	defer cancel()

	unlock, err := m.lock(ctx)
	if err != nil {
		m.logger.Warn("Session creation timed out waiting for admission lock", "owner_id", ownerID, "error", err)
		return nil, err
	}

	now := m.now()
	events := m.lightCleanupLocked(now)

	s := &models.Session{
		ID:             m.newID(),
		OwnerID:        ownerID,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if len(m.active) < m.cfg.MaxConcurrentUsers {
		activatedAt := now
		s.Status = models.SessionStatusActive
		s.ActivatedAt = &activatedAt
		m.active[s.ID] = s
		events = append(events, m.event(models.SessionEventCreated, s, now))
	} else {
		s.Status = models.SessionStatusWaiting
		m.waiting.Add(s)
		m.waitingIndex[s.ID] = s
		s.QueuePosition = m.waiting.Length()
		events = append(events, m.event(models.SessionEventQueued, s, now))
	}

	snapshot := s.Clone()
	unlock()

	m.logger.Info("Session created",
		"session_id", snapshot.ID,
		"status", snapshot.Status,
		"queue_position", snapshot.QueuePosition,
	)
	m.notify(events)
	return snapshot, nil
}

// lightCleanupLocked drops active sessions idle for more than twice the
// inactivity timeout, at most once per cleanup interval. Freed capacity goes to
// the queue head before any newcomer is placed.
func (m *Manager) lightCleanupLocked(now time.Time) []models.SessionEvent {
	if now.Sub(m.lastLightCleanup) < m.cfg.CleanupInterval {
		return nil
	}
	m.lastLightCleanup = now

	threshold := 2 * m.cfg.InactivityTimeout
	var events []models.SessionEvent
	for id, s := range m.active {
		if now.Sub(s.LastActivityAt) > threshold {
			delete(m.active, id)
			events = append(events, m.event(models.SessionEventExpired, s, now))
		}
	}
	if len(events) == 0 {
		return nil
	}
	return append(events, m.fillCapacityLocked(now)...)
}

// UpdateSessionActivity refreshes the last activity time of a session wherever
// it currently lives. It reports false for unknown ids.
func (m *Manager) UpdateSessionActivity(ctx context.Context, id string) (bool, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	now := m.now()
	if s, ok := m.active[id]; ok {
		s.LastActivityAt = now
		return true, nil
	}
	if s, ok := m.waitingIndex[id]; ok {
		s.LastActivityAt = now
		return true, nil
	}
	return false, nil
}

// GetSessionStatus returns a snapshot of the session with pool occupancy and,
// while waiting, an estimated wait in seconds. Unknown ids yield ErrNotFound.
func (m *Manager) GetSessionStatus(ctx context.Context, id string) (*models.SessionStatus, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.statusLocked(id)
}

func (m *Manager) statusLocked(id string) (*models.SessionStatus, error) {
	s, ok := m.active[id]
	if !ok {
		s, ok = m.waitingIndex[id]
	}
	if !ok {
		return nil, ErrNotFound
	}

	status := &models.SessionStatus{
		Session:          *s.Clone(),
		ActiveUsersCount: len(m.active),
	}
	if s.IsWaiting() {
		status.EstimatedWaitTime = m.estimateWait(s.QueuePosition)
	}
	return status, nil
}

// estimateWait is position × (average session length / concurrency) in whole
// seconds.
func (m *Manager) estimateWait(position int) int {
	if m.cfg.MaxConcurrentUsers <= 0 {
		return 0
	}
	perSlot := int(m.cfg.AverageSessionDuration/time.Second) / m.cfg.MaxConcurrentUsers
	return position * perSlot
}

// RemoveSession deletes a session. Removing an active session promotes the
// head of the queue. Removing an unknown id is a no-op that reports false.
func (m *Manager) RemoveSession(ctx context.Context, id string) (bool, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return false, err
	}

	now := m.now()
	events := m.removeLocked(id, models.SessionEventRemoved, now)
	unlock()

	if len(events) == 0 {
		return false, nil
	}

	m.logger.Info("Session removed", "session_id", id, "promoted", len(events)-1)
	m.notify(events)
	return true, nil
}

// removeLocked detaches one session and returns the resulting events, empty if
// the id is unknown.
func (m *Manager) removeLocked(id, kind string, now time.Time) []models.SessionEvent {
	if s, ok := m.active[id]; ok {
		delete(m.active, id)
		events := []models.SessionEvent{m.event(kind, s, now)}
		return append(events, m.fillCapacityLocked(now)...)
	}

	if s, ok := m.waitingIndex[id]; ok {
		m.dropWaitingLocked(map[string]struct{}{id: {}})
		return []models.SessionEvent{m.event(kind, s, now)}
	}

	return nil
}

// dropWaitingLocked rebuilds the queue without the given ids, keeping the
// relative order of everyone else, and renumbers positions.
func (m *Manager) dropWaitingLocked(ids map[string]struct{}) {
	rebuilt := queue.New()
	for i := 0; i < m.waiting.Length(); i++ {
		s := m.waiting.Get(i).(*models.Session)
		if _, drop := ids[s.ID]; drop {
			delete(m.waitingIndex, s.ID)
			continue
		}
		rebuilt.Add(s)
	}
	m.waiting = rebuilt
	m.renumberLocked()
}

// fillCapacityLocked promotes queue heads while there is free capacity.
func (m *Manager) fillCapacityLocked(now time.Time) []models.SessionEvent {
	var events []models.SessionEvent
	for len(m.active) < m.cfg.MaxConcurrentUsers && m.waiting.Length() > 0 {
		s := m.waiting.Remove().(*models.Session)
		delete(m.waitingIndex, s.ID)

		activatedAt := now
		s.Status = models.SessionStatusActive
		s.QueuePosition = 0
		s.ActivatedAt = &activatedAt
		m.active[s.ID] = s

		events = append(events, m.event(models.SessionEventPromoted, s, now))
	}
	if len(events) > 0 {
		m.renumberLocked()
	}
	return events
}

func (m *Manager) renumberLocked() {
	for i := 0; i < m.waiting.Length(); i++ {
		m.waiting.Get(i).(*models.Session).QueuePosition = i + 1
	}
}

// QueueStatus reports pool occupancy.
func (m *Manager) QueueStatus(ctx context.Context) (models.QueueStatus, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return models.QueueStatus{}, err
	}
	defer unlock()

	return m.queueStatusLocked(), nil
}

func (m *Manager) queueStatusLocked() models.QueueStatus {
	available := m.cfg.MaxConcurrentUsers - len(m.active)
	if available < 0 {
		available = 0
	}
	return models.QueueStatus{
		ActiveSessions:     len(m.active),
		MaxConcurrentUsers: m.cfg.MaxConcurrentUsers,
		WaitingQueueLength: m.waiting.Length(),
		AvailableSlots:     available,
	}
}

// ExpireInactiveSessions removes every session idle longer than the inactivity
// timeout, waiting sessions first, then active ones, promoting once per removed
// active session. Listeners hear about the whole batch in a single call.
func (m *Manager) ExpireInactiveSessions(ctx context.Context) (int, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	unlock, err := m.lock(ctx)
	if err != nil {
		return 0, err
	}

	now := m.now()
	var events []models.SessionEvent

	stale := make(map[string]struct{})
	for i := 0; i < m.waiting.Length(); i++ {
		s := m.waiting.Get(i).(*models.Session)
		if now.Sub(s.LastActivityAt) > m.cfg.InactivityTimeout {
			stale[s.ID] = struct{}{}
			events = append(events, m.event(models.SessionEventExpired, s, now))
		}
	}
	if len(stale) > 0 {
		m.dropWaitingLocked(stale)
	}

	var expiredActive []string
	for id, s := range m.active {
		if now.Sub(s.LastActivityAt) > m.cfg.InactivityTimeout {
			expiredActive = append(expiredActive, id)
		}
	}
	for _, id := range expiredActive {
		events = append(events, m.removeLocked(id, models.SessionEventExpired, now)...)
	}

	removed := len(stale) + len(expiredActive)
	unlock()

	if removed > 0 {
		m.logger.Info("Expired inactive sessions",
			"waiting", len(stale),
			"active", len(expiredActive),
		)
		m.notify(events)
	}
	return removed, nil
}

// ResetAll clears the active set and the queue in one step.
func (m *Manager) ResetAll(ctx context.Context) (models.QueueStatus, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return models.QueueStatus{}, err
	}

	cleared := len(m.active) + m.waiting.Length()
	m.active = make(map[string]*models.Session)
	m.waiting = queue.New()
	m.waitingIndex = make(map[string]*models.Session)
	status := m.queueStatusLocked()
	now := m.now()
	unlock()

	m.logger.Warn("All sessions reset", "cleared", cleared)
	m.notify([]models.SessionEvent{{
		Type:      models.SessionEventReset,
		Count:     cleared,
		Timestamp: now,
	}})
	return status, nil
}

// Run sweeps for inactive sessions every cleanup interval until ctx is done.
// Only one Run may be active per Manager; a second call returns
// ErrAlreadyRunning immediately.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session sweeper started",
		"interval", m.cfg.CleanupInterval,
		"inactivity_timeout", m.cfg.InactivityTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Session sweeper stopped")
			return nil
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, m.cfg.CleanupInterval)
			if _, err := m.ExpireInactiveSessions(sweepCtx); err != nil {
				m.logger.Warn("Session sweep skipped", "error", err)
			}
			cancel()
		}
	}
}

func (m *Manager) event(kind string, s *models.Session, now time.Time) models.SessionEvent {
	return models.SessionEvent{
		Type:      kind,
		SessionID: s.ID,
		OwnerID:   s.OwnerID,
		Position:  s.QueuePosition,
		Timestamp: now,
	}
}

func (m *Manager) notify(events []models.SessionEvent) {
	if len(events) == 0 {
		return
	}
	m.listenersMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l.SessionsChanged(events)
	}
}
