package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chemgate/internal/logger"
	"chemgate/internal/models"
	"chemgate/internal/session"
	"chemgate/internal/syncutil"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// ErrChannelClosed is returned by Send after Close.
var ErrChannelClosed = errors.New("push channel closed")

const (
	maxInboundMessage  = 4096
	closeWriteDeadline = time.Second
)

// SessionService is the part of the session manager the push endpoint uses.
type SessionService interface {
	StatusSource
	UpdateSessionActivity(ctx context.Context, id string) (bool, error)
	RemoveSession(ctx context.Context, id string) (bool, error)
}

// wsChannel adapts a gorilla connection to Channel. Data frames are written
// under writeMu; control frames go through WriteControl, which gorilla allows
// concurrently with other writers.
type wsChannel struct {
	conn      *websocket.Conn
	writeMu   *syncutil.ContextMutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{
		conn:    conn,
		writeMu: syncutil.NewContextMutex(),
		closed:  make(chan struct{}),
	}
}

func (c *wsChannel) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	unlock, err := c.writeMu.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteDeadline))
		err = c.conn.Close()
	})
	return err
}

// Handler serves GET /api/v1/session/ws/{session_id}.
type Handler struct {
	broadcaster *Broadcaster
	sessions    SessionService
	cfg         models.RealtimeConfig
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewHandler creates the push endpoint. allowedOrigins follows the CORS
// configuration: "*" accepts any origin, an empty list accepts same-host
// origins and non-browser clients only.
func NewHandler(b *Broadcaster, sessions SessionService, cfg models.RealtimeConfig, allowedOrigins []string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Handler{
		broadcaster: b,
		sessions:    sessions,
		cfg:         cfg,
		logger:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	log := h.logger.With("session_id", sessionID)

	if _, err := h.sessions.GetSessionStatus(r.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, models.NewErrorResponse("Session not found", models.ErrorCodeSessionNotFound))
			return
		}
		writeError(w, http.StatusServiceUnavailable, models.NewErrorResponse("Session service busy", models.ErrorCodeServiceOverloaded))
		return
	}

	if h.cfg.MaxConnections > 0 && h.broadcaster.Count() >= h.cfg.MaxConnections {
		writeError(w, http.StatusServiceUnavailable, models.NewErrorResponse("Too many connections", models.ErrorCodeServiceUnavailable))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	ch := newWSChannel(conn)
	if err := h.broadcaster.Connect(sessionID, ch); err != nil {
		log.Warn("Push channel rejected", "error", err)
		_ = ch.Close(CloseTryAgain, err.Error())
		return
	}

	// The request context is not cancelled on hijacked connections, so the
	// connection gets its own.
	ctx, cancel := context.WithCancel(logger.WithSessionID(context.WithoutCancel(r.Context()), sessionID))
	defer cancel()

	go h.pingLoop(ctx, ch, log)
	h.readLoop(ctx, sessionID, ch, conn, log)

	// A channel replaced by a newer connection leaves the session alone.
	if h.broadcaster.Release(sessionID, ch) {
		removeCtx, removeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := h.sessions.RemoveSession(removeCtx, sessionID); err != nil {
			log.Warn("Failed to remove session after disconnect", "error", err)
		}
		removeCancel()
		h.broadcaster.RequestBroadcast()
	}
	_ = ch.Close(CloseNormal, "")
	log.Info("Push channel closed")
}

func (h *Handler) pingLoop(ctx context.Context, ch *wsChannel, log *slog.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.closed:
			return
		case <-ticker.C:
			sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout())
			err := ch.Send(sendCtx, Message{Type: MessagePing})
			cancel()
			if err != nil {
				log.Debug("Ping failed", "error", err)
				_ = ch.Close(CloseGoingAway, ReasonSendError)
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, sessionID string, ch *wsChannel, conn *websocket.Conn, log *slog.Logger) {
	conn.SetReadLimit(maxInboundMessage)

	var limiter *rate.Limiter
	if h.cfg.InboundRatePerSec > 0 {
		burst := h.cfg.InboundBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.cfg.InboundRatePerSec), burst)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) && !isClosed(ch) {
				log.Warn("WebSocket read error", "error", err)
			}
			return
		}

		if limiter != nil && !limiter.Allow() {
			log.Debug("Inbound message dropped", "reason", "throttled")
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("Ignoring malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case MessageHeartbeat:
			h.handleHeartbeat(ctx, sessionID, ch, log)
		case MessageDisconnect:
			log.Info("Client requested disconnect")
			return
		}
	}
}

// handleHeartbeat refreshes activity and replies with the current status.
func (h *Handler) handleHeartbeat(ctx context.Context, sessionID string, ch *wsChannel, log *slog.Logger) {
	if _, err := h.sessions.UpdateSessionActivity(ctx, sessionID); err != nil {
		log.Warn("Heartbeat activity update failed", "error", err)
	}

	status, err := h.sessions.GetSessionStatus(ctx, sessionID)
	if err != nil {
		return
	}
	queueStatus, err := h.sessions.QueueStatus(ctx)
	if err != nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout())
	defer cancel()
	if err := ch.Send(sendCtx, Message{
		Type:          MessageStatusUpdate,
		SessionStatus: status,
		QueueStatus:   &queueStatus,
	}); err != nil {
		log.Debug("Heartbeat reply failed", "error", err)
		_ = ch.Close(CloseGoingAway, ReasonSendError)
	}
}

func (h *Handler) sendTimeout() time.Duration {
	if h.cfg.SendTimeout > 0 {
		return h.cfg.SendTimeout
	}
	return 2 * time.Second
}

func isClosed(ch *wsChannel) bool {
	select {
	case <-ch.closed:
		return true
	default:
		return false
	}
}

func writeError(w http.ResponseWriter, status int, body *models.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
