// Package realtime pushes session and queue status to connected clients.
//
// Each session has at most one push channel. Lifecycle changes request a
// broadcast; requests that arrive while one is pending collapse into it, and a
// single worker computes the queue status once and fans it out to every
// channel concurrently.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chemgate/internal/models"
	"chemgate/internal/session"

	"golang.org/x/sync/errgroup"
)

// Message types exchanged over a push channel.
const (
	MessageStatusUpdate = "status_update"
	MessageQueueUpdate  = "queue_update"
	MessagePing         = "ping"
	MessageHeartbeat    = "heartbeat"
	MessageDisconnect   = "disconnect"
)

// Close codes used when the server closes a channel.
const (
	CloseNormal     = 1000
	CloseGoingAway  = 1001
	CloseTryAgain   = 1013
	ReasonReset     = "Session reset"
	ReasonReplaced  = "Replaced by a newer connection"
	ReasonExpired   = "Session expired"
	ReasonRemoved   = "Session removed"
	ReasonShutdown  = "Server shutting down"
	ReasonSendError = "Send failed"
)

var (
	ErrTooManyChannels = errors.New("too many push channels")
	ErrAlreadyRunning  = errors.New("broadcast worker already running")
)

// Message is one server-to-client or client-to-server frame.
type Message struct {
	Type          string                `json:"type"`
	SessionStatus *models.SessionStatus `json:"session_status,omitempty"`
	QueueStatus   *models.QueueStatus   `json:"queue_status,omitempty"`
}

// Channel is a bidirectional push connection to one client. Send must honor
// ctx; Close must be safe to call more than once and concurrently with Send.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Close(code int, reason string) error
}

// StatusSource supplies the views that are pushed to clients.
type StatusSource interface {
	QueueStatus(ctx context.Context) (models.QueueStatus, error)
	GetSessionStatus(ctx context.Context, id string) (*models.SessionStatus, error)
}

// Stats is a point-in-time view of broadcaster activity.
type Stats struct {
	Connected  int   `json:"connected"`
	Broadcasts int64 `json:"broadcasts"`
	Coalesced  int64 `json:"coalesced"`
	SendFailed int64 `json:"send_failed"`
}

// Broadcaster owns the session id → Channel registry.
type Broadcaster struct {
	source StatusSource
	cfg    models.RealtimeConfig
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel

	pending chan struct{}
	running atomic.Bool

	broadcasts atomic.Int64
	coalesced  atomic.Int64
	sendFailed atomic.Int64
}

// NewBroadcaster creates a Broadcaster. Zero timeouts in cfg fall back to 2s
// per send and 3s per broadcast.
func NewBroadcaster(source StatusSource, cfg models.RealtimeConfig, logger *slog.Logger) *Broadcaster {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		channels: make(map[string]Channel),
		pending:  make(chan struct{}, 1),
	}
}

// Connect registers ch for sessionID. A channel already registered for the
// same session is replaced and closed.
func (b *Broadcaster) Connect(sessionID string, ch Channel) error {
	b.mu.Lock()
	prev, replacing := b.channels[sessionID]
	if !replacing && b.cfg.MaxConnections > 0 && len(b.channels) >= b.cfg.MaxConnections {
		b.mu.Unlock()
		return ErrTooManyChannels
	}
	b.channels[sessionID] = ch
	n := len(b.channels)
	b.mu.Unlock()

	if replacing && prev != ch {
		_ = prev.Close(CloseNormal, ReasonReplaced)
	}
	b.logger.Info("Push channel connected", "session_id", sessionID, "connections", n)
	return nil
}

// Disconnect unregisters and closes the channel for sessionID, if any.
func (b *Broadcaster) Disconnect(sessionID string) {
	b.mu.Lock()
	ch, ok := b.channels[sessionID]
	delete(b.channels, sessionID)
	n := len(b.channels)
	b.mu.Unlock()

	if !ok {
		return
	}
	_ = ch.Close(CloseNormal, "")
	b.logger.Info("Push channel disconnected", "session_id", sessionID, "connections", n)
}

// Release unregisters ch only if it is still the channel for sessionID. It
// reports whether ch was registered. The channel is not closed.
func (b *Broadcaster) Release(sessionID string, ch Channel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.channels[sessionID]; ok && cur == ch {
		delete(b.channels, sessionID)
		return true
	}
	return false
}

// Count returns the number of registered channels.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

func (b *Broadcaster) Stats() Stats {
	return Stats{
		Connected:  b.Count(),
		Broadcasts: b.broadcasts.Load(),
		Coalesced:  b.coalesced.Load(),
		SendFailed: b.sendFailed.Load(),
	}
}

// Send delivers msg to the channel of sessionID within the send timeout. A
// failed or timed out send disconnects and closes that channel only.
func (b *Broadcaster) Send(ctx context.Context, sessionID string, msg Message) bool {
	b.mu.RLock()
	ch, ok := b.channels[sessionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	defer cancel()

	if err := ch.Send(sendCtx, msg); err != nil {
		b.sendFailed.Add(1)
		b.logger.Warn("Failed to send message", "session_id", sessionID, "type", msg.Type, "error", err)
		if b.Release(sessionID, ch) {
			_ = ch.Close(CloseGoingAway, ReasonSendError)
		}
		return false
	}
	return true
}

// RequestBroadcast schedules a queue update for every channel. It never
// blocks; a request made while another is pending is merged into it.
func (b *Broadcaster) RequestBroadcast() {
	select {
	case b.pending <- struct{}{}:
	default:
		b.coalesced.Add(1)
	}
}

// SessionsChanged requests a broadcast for any lifecycle batch. Channels of
// expired or removed sessions are closed.
func (b *Broadcaster) SessionsChanged(events []models.SessionEvent) {
	var expired, removed []string
	for _, ev := range events {
		switch ev.Type {
		case models.SessionEventExpired:
			expired = append(expired, ev.SessionID)
		case models.SessionEventRemoved:
			removed = append(removed, ev.SessionID)
		}
	}
	if len(expired) > 0 {
		b.closeSessions(expired, ReasonExpired)
	}
	if len(removed) > 0 {
		b.closeSessions(removed, ReasonRemoved)
	}
	b.RequestBroadcast()
}

var _ session.Listener = (*Broadcaster)(nil)

func (b *Broadcaster) closeSessions(ids []string, reason string) {
	b.mu.Lock()
	closing := make([]Channel, 0, len(ids))
	for _, id := range ids {
		if ch, ok := b.channels[id]; ok {
			closing = append(closing, ch)
			delete(b.channels, id)
		}
	}
	b.mu.Unlock()

	if len(closing) == 0 {
		return
	}
	// Close writes a close frame and may block briefly; keep it off the
	// caller's path.
	go func() {
		for _, ch := range closing {
			_ = ch.Close(CloseNormal, reason)
		}
	}()
}

// Run is the single broadcast worker. It returns when ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	b.logger.Info("Broadcast worker started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Broadcast worker stopped")
			return nil
		case <-b.pending:
			b.broadcast(ctx)
		}
	}
}

// broadcast sends one queue_update to every registered channel, bounded by
// the broadcast timeout.
func (b *Broadcaster) broadcast(ctx context.Context) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.channels))
	for id := range b.channels {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	if len(ids) == 0 {
		return
	}
	b.broadcasts.Add(1)

	ctx, cancel := context.WithTimeout(ctx, b.cfg.BroadcastTimeout)
	defer cancel()

	queueStatus, err := b.source.QueueStatus(ctx)
	if err != nil {
		b.logger.Warn("Broadcast skipped", "error", err)
		return
	}

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			status, err := b.source.GetSessionStatus(ctx, id)
			if err != nil {
				if !errors.Is(err, session.ErrNotFound) {
					b.logger.Debug("Session status unavailable", "session_id", id, "error", err)
				}
				return nil
			}
			b.Send(ctx, id, Message{
				Type:          MessageQueueUpdate,
				SessionStatus: status,
				QueueStatus:   &queueStatus,
			})
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		b.logger.Warn("Broadcast timed out", "timeout", b.cfg.BroadcastTimeout, "recipients", len(ids))
	}
}

// CloseAll unregisters and closes every channel with the given code and
// reason, returning how many were closed.
func (b *Broadcaster) CloseAll(code int, reason string) int {
	b.mu.Lock()
	channels := b.channels
	b.channels = make(map[string]Channel)
	b.mu.Unlock()

	for id, ch := range channels {
		if err := ch.Close(code, reason); err != nil {
			b.logger.Debug("Error closing push channel", "session_id", id, "error", err)
		}
	}
	if len(channels) > 0 {
		b.logger.Info("Closed push channels", "count", len(channels), "reason", reason)
	}
	return len(channels)
}
