package api

import (
	"context"
	"net/http"
	"strings"

	"chemgate/internal/logger"
	"chemgate/internal/models"

	"github.com/gorilla/mux"
)

// Where a session id travels on requests and gated responses.
const (
	SessionHeader       = "X-Session-ID"
	SessionStatusHeader = "X-Session-Status"
	SessionQueryParam   = "session_id"
)

type sessionContextKey struct{}

// SessionFromContext returns the session status the gate attached to the
// request, if any.
func SessionFromContext(ctx context.Context) (*models.SessionStatus, bool) {
	status, ok := ctx.Value(sessionContextKey{}).(*models.SessionStatus)
	return status, ok && status != nil
}

func withSession(ctx context.Context, status *models.SessionStatus) context.Context {
	ctx = context.WithValue(ctx, sessionContextKey{}, status)
	return logger.WithSessionID(ctx, status.ID)
}

// sessionIDFromRequest looks for a session id in the header, then the query
// string, then the cookie.
func sessionIDFromRequest(r *http.Request, cookieName string) string {
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get(SessionQueryParam)); id != "" {
		return id
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return strings.TrimSpace(c.Value)
		}
	}
	return ""
}

// SessionGate admits only requests that present an active session. Waiting
// sessions are refused with their queue position; admitted requests refresh
// the session's activity and carry its status in the request context.
func SessionGate(sessions SessionService, cookieName string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := sessionIDFromRequest(r, cookieName)
			if sessionID == "" {
				writeServiceError(w, r, NewNoSessionError())
				return
			}

			status, err := sessions.GetSessionStatus(r.Context(), sessionID)
			if err != nil {
				writeServiceError(w, r, sessionError(err, sessionID))
				return
			}

			w.Header().Set(SessionHeader, sessionID)
			w.Header().Set(SessionStatusHeader, status.Status)

			if !status.IsActive() {
				writeServiceError(w, r, NewSessionNotActiveError(status))
				return
			}

			ok, err := sessions.UpdateSessionActivity(r.Context(), sessionID)
			if err != nil {
				writeServiceError(w, r, sessionError(err, sessionID))
				return
			}
			if !ok {
				// Expired or removed between the status read and the refresh.
				writeServiceError(w, r, NewSessionNotFoundError(sessionID))
				return
			}

			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), status)))
		})
	}
}
