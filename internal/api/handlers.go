package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"chemgate/internal/logger"
	"chemgate/internal/models"
	"chemgate/internal/ratelimit"
	"chemgate/internal/realtime"
	"chemgate/internal/storage"
	"chemgate/internal/version"

	"github.com/gorilla/mux"
)

// SessionService is the admission surface the handlers and SessionGate use.
// *session.Manager implements it.
type SessionService interface {
	CreateSession(ctx context.Context, ownerID string) (*models.Session, error)
	UpdateSessionActivity(ctx context.Context, id string) (bool, error)
	GetSessionStatus(ctx context.Context, id string) (*models.SessionStatus, error)
	RemoveSession(ctx context.Context, id string) (bool, error)
	QueueStatus(ctx context.Context) (models.QueueStatus, error)
	ResetAll(ctx context.Context) (models.QueueStatus, error)
}

// LimiterAdmin exposes rate limiter statistics and per-client resets.
type LimiterAdmin interface {
	Stats() ratelimit.GlobalStats
	ClientStats(clientID string) (ratelimit.ClientStats, bool)
	ResetClient(clientID string) bool
}

// PushChannels is the part of the broadcaster the handlers drive.
type PushChannels interface {
	CloseAll(code int, reason string) int
	Stats() realtime.Stats
}

// AuditStats reports audit recorder counters.
type AuditStats interface {
	Stats() storage.RecorderStats
}

// Handlers contains HTTP handlers for the gateway API
type Handlers struct {
	sessions    SessionService
	limiter     LimiterAdmin
	decisions   ratelimit.StatsStore
	channels    PushChannels
	events      storage.EventStore
	audit       AuditStats
	pushHandler http.Handler
	cookieName  string
	cookieTTL   time.Duration
	startedAt   time.Time
}

// HandlersOption configures optional handler dependencies.
type HandlersOption func(*Handlers)

func WithLimiter(l LimiterAdmin) HandlersOption {
	return func(h *Handlers) { h.limiter = l }
}

// WithDecisionStats exposes the decision counters kept by the rate limit
// middleware on the admin stats endpoint.
func WithDecisionStats(s ratelimit.StatsStore) HandlersOption {
	return func(h *Handlers) { h.decisions = s }
}

func WithPushChannels(c PushChannels) HandlersOption {
	return func(h *Handlers) { h.channels = c }
}

// WithPushHandler serves the websocket endpoint.
func WithPushHandler(handler http.Handler) HandlersOption {
	return func(h *Handlers) { h.pushHandler = handler }
}

// WithEventStore enables the audit event listing and its health component.
func WithEventStore(s storage.EventStore) HandlersOption {
	return func(h *Handlers) { h.events = s }
}

func WithAuditStats(a AuditStats) HandlersOption {
	return func(h *Handlers) { h.audit = a }
}

// WithSessionCookie sets the cookie issued on session creation. An empty name
// disables the cookie.
func WithSessionCookie(name string, ttl time.Duration) HandlersOption {
	return func(h *Handlers) {
		h.cookieName = name
		h.cookieTTL = ttl
	}
}

// NewHandlers creates a new handlers instance
func NewHandlers(sessions SessionService, opts ...HandlersOption) *Handlers {
	h := &Handlers{
		sessions:  sessions,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateSession admits a new client or queues it.
// POST /api/v1/session/create?user_id=
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.URL.Query().Get("user_id"))

	s, err := h.sessions.CreateSession(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, r, sessionError(err, ""))
		return
	}

	queueStatus, err := h.sessions.QueueStatus(r.Context())
	if err != nil {
		writeServiceError(w, r, sessionError(err, s.ID))
		return
	}

	h.setSessionCookie(w, s.ID)
	w.Header().Set(SessionHeader, s.ID)
	w.Header().Set(SessionStatusHeader, s.Status)

	message := "Session active"
	if s.IsWaiting() {
		message = "Added to waiting queue"
	}
	writeJSON(w, http.StatusOK, models.CreateSessionResponse{
		Success:     true,
		Session:     s,
		QueueStatus: queueStatus,
		Message:     message,
	})
}

// GetSessionStatus reports one session and the queue.
// GET /api/v1/session/status/{session_id}
func (h *Handlers) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	status, err := h.sessions.GetSessionStatus(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, r, sessionError(err, sessionID))
		return
	}
	queueStatus, err := h.sessions.QueueStatus(r.Context())
	if err != nil {
		writeServiceError(w, r, sessionError(err, sessionID))
		return
	}

	writeJSON(w, http.StatusOK, models.SessionStatusResponse{
		Success:       true,
		SessionStatus: status,
		QueueStatus:   &queueStatus,
	})
}

// GetQueueStatus reports pool occupancy.
// GET /api/v1/session/queue
func (h *Handlers) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	queueStatus, err := h.sessions.QueueStatus(r.Context())
	if err != nil {
		writeServiceError(w, r, sessionError(err, ""))
		return
	}
	writeJSON(w, http.StatusOK, models.QueueStatusResponse{Success: true, QueueStatus: queueStatus})
}

// RemoveSession ends a session. Removing an unknown session succeeds.
// POST|DELETE /api/v1/session/remove/{session_id}
func (h *Handlers) RemoveSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	removed, err := h.sessions.RemoveSession(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, r, sessionError(err, sessionID))
		return
	}

	h.clearSessionCookie(w, r, sessionID)

	message := "Session not found or already removed"
	if removed {
		message = "Session removed"
		logger.L(r.Context()).Info("Session removed", "session_id", sessionID)
	}
	writeJSON(w, http.StatusOK, models.MessageResponse{Success: true, Message: message})
}

// Heartbeat refreshes a session's activity.
// POST /api/v1/session/heartbeat/{session_id}
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	ok, err := h.sessions.UpdateSessionActivity(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, r, sessionError(err, sessionID))
		return
	}
	if !ok {
		writeServiceError(w, r, NewSessionNotFoundError(sessionID))
		return
	}

	status, err := h.sessions.GetSessionStatus(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, r, sessionError(err, sessionID))
		return
	}
	writeJSON(w, http.StatusOK, models.SessionStatusResponse{Success: true, SessionStatus: status})
}

// ResetSessions clears every session and closes every push channel.
// POST /api/v1/session/reset
func (h *Handlers) ResetSessions(w http.ResponseWriter, r *http.Request) {
	// Channels are unregistered before the reset, so their handlers find
	// nothing to remove on the way out.
	closed := 0
	if h.channels != nil {
		closed = h.channels.CloseAll(realtime.CloseNormal, realtime.ReasonReset)
	}

	queueStatus, err := h.sessions.ResetAll(r.Context())
	if err != nil {
		writeServiceError(w, r, sessionError(err, ""))
		return
	}

	logger.L(r.Context()).Warn("All sessions reset", "closed_channels", closed)
	writeJSON(w, http.StatusOK, models.ResetResponse{
		Success:        true,
		Message:        "All sessions have been reset",
		QueueStatus:    queueStatus,
		ClosedChannels: closed,
	})
}

// SessionWebSocket upgrades to the push channel for a session.
// GET /api/v1/session/ws/{session_id}
func (h *Handlers) SessionWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.pushHandler == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, models.ErrorCodeServiceUnavailable, "Push channels are disabled")
		return
	}
	h.pushHandler.ServeHTTP(w, r)
}

// Access confirms that the caller holds an active session.
// GET /api/v1/access
func (h *Handlers) Access(w http.ResponseWriter, r *http.Request) {
	status, ok := SessionFromContext(r.Context())
	if !ok {
		writeServiceError(w, r, NewNoSessionError())
		return
	}
	writeJSON(w, http.StatusOK, models.AccessResponse{
		Success:       true,
		SessionID:     status.ID,
		SessionStatus: status,
	})
}

// ServiceInfo answers the root path.
// GET /
func (h *Handlers) ServiceInfo(w http.ResponseWriter, r *http.Request) {
	info := version.GetInfo()
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "chemgate",
		"version": info.Version,
		"docs":    "/api/v1/docs",
	})
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = version.GetInfo().Version
	response.Uptime = time.Since(h.startedAt).Round(time.Second).String()

	queueStatus, err := h.sessions.QueueStatus(ctx)
	if err != nil {
		response.Status = models.StatusDegraded
		response.AddComponent("sessions", models.StatusDegraded, err.Error())
	} else {
		response.AddComponent("sessions", models.StatusHealthy, "Admission control is operational")
		response.AddComponentDetail("sessions", "active_sessions", queueStatus.ActiveSessions)
		response.AddComponentDetail("sessions", "waiting_queue_length", queueStatus.WaitingQueueLength)
		response.AddComponentDetail("sessions", "available_slots", queueStatus.AvailableSlots)
		response.AddComponentDetail("sessions", "max_concurrent_users", queueStatus.MaxConcurrentUsers)
	}

	if h.events != nil {
		if err := h.events.Ping(ctx); err != nil {
			// Losing the audit log never blocks admission.
			response.Status = models.StatusDegraded
			response.AddComponent("audit_log", models.StatusUnhealthy, err.Error())
		} else {
			response.AddComponent("audit_log", models.StatusHealthy, "Audit log is operational")
		}
	}

	if h.channels != nil {
		response.AddComponent("realtime", models.StatusHealthy, "Push channels are operational")
		response.AddComponentDetail("realtime", "connected", h.channels.Stats().Connected)
	}

	if h.limiter != nil {
		response.AddMetric("rate_limit_enabled", h.limiter.Stats().Enabled)
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, sessionID string) {
	if h.cookieName == "" {
		return
	}
	cookie := &http.Cookie{
		Name:     h.cookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if h.cookieTTL > 0 {
		cookie.MaxAge = int(h.cookieTTL.Seconds())
	}
	http.SetCookie(w, cookie)
}

// clearSessionCookie expires the cookie only when it names the removed session.
func (h *Handlers) clearSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string) {
	if h.cookieName == "" {
		return
	}
	if c, err := r.Cookie(h.cookieName); err != nil || c.Value != sessionID {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
