package storage

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"chemgate/internal/models"
	"chemgate/internal/ratelimit"
	"chemgate/internal/session"

	"github.com/google/uuid"
)

// Recorder writes audit events to an EventStore from a single background
// worker. Producers never block: when the buffer is full the event is dropped
// and counted.
type Recorder struct {
	store        EventStore
	events       chan *models.AuditEvent
	writeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// RecorderStats reports recorder counters.
type RecorderStats struct {
	Written  int64 `json:"written"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
	Buffered int   `json:"buffered"`
}

// NewRecorder creates a Recorder using cfg.BufferSize and cfg.WriteTimeout.
func NewRecorder(store EventStore, cfg models.StorageConfig, logger *slog.Logger) *Recorder {
	size := cfg.BufferSize
	if size <= 0 {
		size = 256
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:        store,
		events:       make(chan *models.AuditEvent, size),
		writeTimeout: timeout,
		logger:       logger,
		now:          time.Now,
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

var (
	_ session.Listener   = (*Recorder)(nil)
	_ ratelimit.Observer = (*Recorder)(nil)
)

// Record enqueues ev, filling in ID and CreatedAt when empty. It reports
// whether the event was accepted.
func (r *Recorder) Record(ev *models.AuditEvent) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now().UTC()
	}

	select {
	case <-r.closing:
		r.dropped.Add(1)
		return false
	default:
	}

	select {
	case r.events <- ev:
		return true
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("Audit buffer full, dropping events")
		}
		return false
	}
}

// SessionsChanged records one audit event per lifecycle transition.
func (r *Recorder) SessionsChanged(events []models.SessionEvent) {
	for _, ev := range events {
		detail := map[string]string{}
		if ev.OwnerID != "" {
			detail["user_id"] = ev.OwnerID
		}
		if ev.Position > 0 {
			detail["queue_position"] = strconv.Itoa(ev.Position)
		}
		if ev.Count > 0 {
			detail["count"] = strconv.Itoa(ev.Count)
		}
		r.Record(&models.AuditEvent{
			Kind:      ev.Type,
			Subject:   ev.SessionID,
			Detail:    detail,
			CreatedAt: ev.Timestamp,
		})
	}
}

// ObserveDecision records rate limit violations. Requests denied while a
// penalty is already running are not new violations and are skipped.
func (r *Recorder) ObserveDecision(clientID string, d ratelimit.Decision) {
	if d.Allowed || d.Reason != ratelimit.ReasonExceeded {
		return
	}
	r.Record(&models.AuditEvent{
		Kind:    models.AuditKindRateLimitViolation,
		Subject: clientID,
		Detail: map[string]string{
			"category":      string(d.Category),
			"violations":    strconv.Itoa(d.Violations),
			"penalty":       strconv.Itoa(d.RetryAfterSeconds()),
			"current_count": strconv.Itoa(d.CurrentCount),
			"limit":         strconv.Itoa(d.Limit),
		},
	})
}

// Run writes buffered events until ctx is done or Close is called, then
// drains what is left.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case ev := <-r.events:
			r.write(ctx, ev)
		case <-ctx.Done():
			r.drain()
			return nil
		case <-r.closing:
			r.drain()
			return nil
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev := <-r.events:
			r.write(context.Background(), ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev *models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	if err := r.store.Append(ctx, ev); err != nil {
		r.failed.Add(1)
		r.logger.Warn("Failed to write audit event", "kind", ev.Kind, "subject", ev.Subject, "error", err)
		return
	}
	r.written.Add(1)
}

// Close stops accepting events and waits for Run to drain, up to ctx.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.closing) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Written:  r.written.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
		Buffered: len(r.events),
	}
}
