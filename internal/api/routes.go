package api

import (
	"log/slog"
	"net/http"

	"chemgate/internal/models"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

type routeSetup struct {
	logger     *slog.Logger
	middleware []mux.MiddlewareFunc
	protected  []func(*mux.Router)
}

// RouteOption configures optional route behavior.
type RouteOption func(*routeSetup)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(s *routeSetup) {
		s.middleware = append(s.middleware, otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" &&
					r.URL.Path != "/api/v1/health" &&
					r.URL.Path != "/metrics" &&
					r.URL.Path != openAPIPath &&
					r.URL.Path != "/api/v1/docs"
			}),
		))
	}
}

// WithRateLimiter adds rate limiting middleware to the router.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(s *routeSetup) {
		s.middleware = append(s.middleware, middleware)
	}
}

// WithProtectedRoutes registers routes behind SessionGate. register receives
// a subrouter rooted at /api/v1.
func WithProtectedRoutes(register func(r *mux.Router)) RouteOption {
	return func(s *routeSetup) {
		s.protected = append(s.protected, register)
	}
}

// WithRouteLogger sets the logger used for request logging.
func WithRouteLogger(logger *slog.Logger) RouteOption {
	return func(s *routeSetup) { s.logger = logger }
}

// SetupRoutes configures the HTTP routes for the API. Middleware runs in the
// order logging, recovery, CORS, then the options in the order given.
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	setup := &routeSetup{logger: slog.Default()}
	for _, opt := range opts {
		opt(setup)
	}

	router := mux.NewRouter()
	router.Use(loggingMiddleware(setup.logger))
	router.Use(recoveryMiddleware)
	if config.Server.CORS.Enabled {
		router.Use(corsMiddleware(config.Server.CORS))
	}
	for _, mw := range setup.middleware {
		router.Use(mw)
	}

	router.HandleFunc("/", handlers.ServiceInfo).Methods("GET")
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	router.HandleFunc("/docs", handlers.ServeSwaggerUI).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	api.HandleFunc("/openapi.yaml", handlers.ServeOpenAPISpec).Methods("GET")
	api.HandleFunc("/docs", handlers.ServeSwaggerUI).Methods("GET")

	requireAdmin := adminTokenMiddleware(config.Server.AdminToken)

	sessionAPI := api.PathPrefix("/session").Subrouter()
	sessionAPI.HandleFunc("/create", handlers.CreateSession).Methods("POST")
	sessionAPI.HandleFunc("/status/{session_id}", handlers.GetSessionStatus).Methods("GET")
	sessionAPI.HandleFunc("/queue", handlers.GetQueueStatus).Methods("GET")
	sessionAPI.HandleFunc("/remove/{session_id}", handlers.RemoveSession).Methods("POST", "DELETE")
	sessionAPI.HandleFunc("/heartbeat/{session_id}", handlers.Heartbeat).Methods("POST")
	sessionAPI.HandleFunc("/ws/{session_id}", handlers.SessionWebSocket).Methods("GET")
	sessionAPI.Handle("/reset", requireAdmin(http.HandlerFunc(handlers.ResetSessions))).Methods("POST")

	adminAPI := api.PathPrefix("/admin").Subrouter()
	adminAPI.Use(requireAdmin)
	adminAPI.HandleFunc("/ratelimit/stats", handlers.RateLimitStats).Methods("GET")
	adminAPI.HandleFunc("/ratelimit/clients/{client_id}", handlers.GetClientStats).Methods("GET")
	adminAPI.HandleFunc("/ratelimit/clients/{client_id}", handlers.ResetClient).Methods("DELETE")
	adminAPI.HandleFunc("/events", handlers.ListEvents).Methods("GET")

	gated := api.PathPrefix("").Subrouter()
	gated.Use(SessionGate(handlers.sessions, handlers.cookieName))
	gated.HandleFunc("/access", handlers.Access).Methods("GET")
	for _, register := range setup.protected {
		register(gated)
	}

	// Preflight requests are answered by the CORS middleware; this route
	// only exists so they match.
	api.PathPrefix("").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods("OPTIONS")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, "Resource not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusMethodNotAllowed, models.ErrorCodeMethodNotAllowed, "Method not allowed")
	})

	return router
}
