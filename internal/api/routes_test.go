package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chemgate/internal/models"
	"chemgate/internal/ratelimit"
	"chemgate/internal/realtime"
	"chemgate/internal/session"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routeFixture struct {
	mgr         *session.Manager
	broadcaster *realtime.Broadcaster
	server      *httptest.Server
}

func newRouteFixture(t *testing.T, cfg *models.Config, opts ...RouteOption) *routeFixture {
	t.Helper()
	mgr := session.New(cfg.Session, session.WithLogger(quietLogger()))
	b := realtime.NewBroadcaster(mgr, cfg.Realtime, quietLogger())
	mgr.AddListener(b)

	h := NewHandlers(mgr,
		WithPushChannels(b),
		WithPushHandler(realtime.NewHandler(b, mgr, cfg.Realtime, cfg.Server.CORS.AllowedOrigins, quietLogger())),
		WithSessionCookie(cfg.Session.CookieName, 0))

	opts = append([]RouteOption{WithRouteLogger(quietLogger())}, opts...)
	server := httptest.NewServer(SetupRoutes(h, cfg, opts...))
	t.Cleanup(func() {
		b.CloseAll(realtime.CloseGoingAway, realtime.ReasonShutdown)
		server.Close()
	})
	return &routeFixture{mgr: mgr, broadcaster: b, server: server}
}

func (f *routeFixture) do(t *testing.T, method, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *routeFixture) createSession(t *testing.T) models.CreateSessionResponse {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/session/create", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body models.CreateSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func testConfig() *models.Config {
	cfg := models.NewDefaultConfig()
	cfg.Session.MaxConcurrentUsers = 1
	cfg.Realtime.PingInterval = time.Hour
	return cfg
}

func sessionHeader(id string) http.Header {
	return http.Header{SessionHeader: []string{id}}
}

func TestRoutes_SessionLifecycle(t *testing.T) {
	f := newRouteFixture(t, testConfig())

	first := f.createSession(t)
	second := f.createSession(t)
	assert.Equal(t, models.SessionStatusActive, first.Session.Status)
	assert.Equal(t, models.SessionStatusWaiting, second.Session.Status)

	resp := f.do(t, http.MethodGet, "/api/v1/access", sessionHeader(first.Session.ID))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.SessionStatusActive, resp.Header.Get(SessionStatusHeader))
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	resp = f.do(t, http.MethodGet, "/api/v1/access", sessionHeader(second.Session.ID))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/v1/session/remove/"+first.Session.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/access", sessionHeader(second.Session.ID))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/session/heartbeat/"+second.Session.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/session/status/"+first.Session.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoutes_ProtectedRoutes(t *testing.T) {
	f := newRouteFixture(t, testConfig(), WithProtectedRoutes(func(r *mux.Router) {
		r.HandleFunc("/process", func(w http.ResponseWriter, r *http.Request) {
			status, ok := SessionFromContext(r.Context())
			require.True(t, ok)
			writeJSON(w, http.StatusOK, map[string]string{"session_id": status.ID})
		}).Methods("POST")
	}))

	resp := f.do(t, http.MethodPost, "/api/v1/process", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	s := f.createSession(t)
	resp = f.do(t, http.MethodPost, "/api/v1/process?session_id="+s.Session.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, s.Session.ID, body["session_id"])
}

func TestRoutes_PublicEndpointsSkipGate(t *testing.T) {
	f := newRouteFixture(t, testConfig())

	for _, path := range []string{"/", "/health", "/api/v1/health", "/api/v1/openapi.yaml", "/api/v1/docs", "/docs", "/api/v1/session/queue"} {
		t.Run(path, func(t *testing.T) {
			resp := f.do(t, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}
}

func TestRoutes_NotFoundAndMethodNotAllowed(t *testing.T) {
	f := newRouteFixture(t, testConfig())

	resp := f.do(t, http.MethodGet, "/api/v1/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var notFound models.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&notFound))
	assert.Equal(t, models.ErrorCodeNotFound, notFound.Code)

	resp = f.do(t, http.MethodGet, "/api/v1/session/create", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	var notAllowed models.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&notAllowed))
	assert.Equal(t, models.ErrorCodeMethodNotAllowed, notAllowed.Code)
}

func TestRoutes_Preflight(t *testing.T) {
	f := newRouteFixture(t, testConfig())

	resp := f.do(t, http.MethodOptions, "/api/v1/access", http.Header{"Origin": []string{"https://app.example"}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRoutes_AdminToken(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AdminToken = "s3cret"
	f := newRouteFixture(t, cfg)
	f.createSession(t)

	resp := f.do(t, http.MethodPost, "/api/v1/session/reset", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/admin/events", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/session/reset", http.Header{"Authorization": []string{"Bearer s3cret"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body models.ResetResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 0, body.QueueStatus.ActiveSessions)
}

func TestRoutes_RateLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Rules["session"] = models.RateLimitRuleConfig{
		Requests: 2,
		Window:   time.Minute,
		Burst:    0,
		Penalty:  10 * time.Second,
	}
	limiter := ratelimit.NewSlidingWindowLimiter(cfg.RateLimit, ratelimit.WithLogger(quietLogger()))
	f := newRouteFixture(t, cfg, WithRateLimiter(ratelimit.Middleware(limiter,
		ratelimit.WithMiddlewareLogger(quietLogger()))))

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodGet, "/api/v1/session/queue", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "session", resp.Header.Get("X-RateLimit-Type"))
	}

	resp := f.do(t, http.MethodGet, "/api/v1/session/queue", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Health stays reachable for a limited client.
	resp = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoutes_WebSocketAndReset(t *testing.T) {
	f := newRouteFixture(t, testConfig())
	s := f.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/session/ws/" + s.Session.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.broadcaster.Count() == 1 }, time.Second, 5*time.Millisecond)

	resp := f.do(t, http.MethodPost, "/api/v1/session/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body models.ResetResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.ClosedChannels)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "Session reset", closeErr.Text)
}
