package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chemgate/internal/models"
	"chemgate/internal/session"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsFixture struct {
	mgr         *session.Manager
	broadcaster *Broadcaster
	server      *httptest.Server
}

func newWSFixture(t *testing.T, cfg models.RealtimeConfig) *wsFixture {
	t.Helper()
	mgr := newTestManager(t, 1)
	b := NewBroadcaster(mgr, cfg, quietLogger())
	h := NewHandler(b, mgr, cfg, nil, quietLogger())

	router := mux.NewRouter()
	router.Handle("/api/v1/session/ws/{session_id}", h).Methods("GET")
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		b.CloseAll(CloseGoingAway, ReasonShutdown)
		server.Close()
	})

	return &wsFixture{mgr: mgr, broadcaster: b, server: server}
}

func (f *wsFixture) url(sessionID string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/session/ws/" + sessionID
}

func (f *wsFixture) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url(sessionID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return f.broadcaster.Count() > 0 }, time.Second, 5*time.Millisecond)
	return conn
}

func (f *wsFixture) createSession(t *testing.T) *models.Session {
	t.Helper()
	s, err := f.mgr.CreateSession(context.Background(), "")
	require.NoError(t, err)
	return s
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func sessionGone(mgr *session.Manager, id string) func() bool {
	return func() bool {
		_, err := mgr.GetSessionStatus(context.Background(), id)
		return errors.Is(err, session.ErrNotFound)
	}
}

func TestWebSocket_UnknownSession(t *testing.T) {
	f := newWSFixture(t, testRealtimeConfig())

	_, resp, err := websocket.DefaultDialer.Dial(f.url("missing"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_HeartbeatReply(t *testing.T) {
	f := newWSFixture(t, testRealtimeConfig())
	s := f.createSession(t)
	conn := f.dial(t, s.ID)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageHeartbeat}))
	msg := readMessage(t, conn)

	assert.Equal(t, MessageStatusUpdate, msg.Type)
	require.NotNil(t, msg.SessionStatus)
	require.NotNil(t, msg.QueueStatus)
	assert.Equal(t, s.ID, msg.SessionStatus.ID)
	assert.Equal(t, models.SessionStatusActive, msg.SessionStatus.Status)
	assert.Equal(t, 1, msg.QueueStatus.ActiveSessions)
}

func TestWebSocket_Ping(t *testing.T) {
	cfg := testRealtimeConfig()
	cfg.PingInterval = 50 * time.Millisecond
	f := newWSFixture(t, cfg)
	s := f.createSession(t)
	conn := f.dial(t, s.ID)

	msg := readMessage(t, conn)
	assert.Equal(t, MessagePing, msg.Type)
}

func TestWebSocket_DisconnectMessageRemovesSession(t *testing.T) {
	f := newWSFixture(t, testRealtimeConfig())
	s := f.createSession(t)
	conn := f.dial(t, s.ID)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageDisconnect}))

	require.Eventually(t, sessionGone(f.mgr, s.ID), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.broadcaster.Count())
}

func TestWebSocket_ClientCloseRemovesSessionAndPromotes(t *testing.T) {
	f := newWSFixture(t, testRealtimeConfig())
	active := f.createSession(t)
	waiting := f.createSession(t)
	conn := f.dial(t, active.ID)

	require.NoError(t, conn.Close())

	require.Eventually(t, sessionGone(f.mgr, active.ID), 2*time.Second, 10*time.Millisecond)
	status, err := f.mgr.GetSessionStatus(context.Background(), waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, status.Status)
}

func TestWebSocket_ReplacedConnectionKeepsSession(t *testing.T) {
	f := newWSFixture(t, testRealtimeConfig())
	s := f.createSession(t)

	first := f.dial(t, s.ID)
	second := f.dial(t, s.ID)

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, ReasonReplaced, closeErr.Text)

	// Give the first handler time to unwind; the session must survive it.
	time.Sleep(100 * time.Millisecond)
	_, err = f.mgr.GetSessionStatus(context.Background(), s.ID)
	require.NoError(t, err)

	require.NoError(t, second.WriteJSON(Message{Type: MessageHeartbeat}))
	assert.Equal(t, MessageStatusUpdate, readMessage(t, second).Type)
}

func TestWebSocket_CloseAllSendsResetReason(t *testing.T) {
	f := newWSFixture(t, testRealtimeConfig())
	s := f.createSession(t)
	conn := f.dial(t, s.ID)

	assert.Equal(t, 1, f.broadcaster.CloseAll(CloseNormal, ReasonReset))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, ReasonReset, closeErr.Text)
}

func TestWebSocket_InboundThrottle(t *testing.T) {
	cfg := testRealtimeConfig()
	cfg.InboundRatePerSec = 0.01
	cfg.InboundBurst = 1
	f := newWSFixture(t, cfg)
	s := f.createSession(t)
	conn := f.dial(t, s.ID)

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteJSON(Message{Type: MessageHeartbeat}))
	}

	assert.Equal(t, MessageStatusUpdate, readMessage(t, conn).Type)

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestWebSocket_MalformedMessageIgnored(t *testing.T) {
	f := newWSFixture(t, testRealtimeConfig())
	s := f.createSession(t)
	conn := f.dial(t, s.ID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(Message{Type: MessageHeartbeat}))
	assert.Equal(t, MessageStatusUpdate, readMessage(t, conn).Type)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin", nil, "", true},
		{"same host", nil, "http://example.test", true},
		{"other host", nil, "http://evil.test", false},
		{"listed", []string{"http://app.test"}, "http://app.test", true},
		{"wildcard", []string{"*"}, "http://evil.test", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.test/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(tt.allowed)(req))
		})
	}
}
