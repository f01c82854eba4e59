package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"chemgate/internal/logger"
)

// Client id prefixes by identity source.
const (
	SessionPrefix = "session:"
	UserPrefix    = "user:"
	IPPrefix      = "ip:"
)

// ClientIdentity derives the rate limit key for a request. A session id wins
// over a user id, which wins over the client address, so dropping a header
// never yields a fresher identity than the one already held.
func ClientIdentity(r *http.Request) string {
	if sid := logger.SessionID(r.Context()); sid != "" {
		return SessionPrefix + sid
	}
	if sid := strings.TrimSpace(r.Header.Get("X-Session-ID")); sid != "" {
		return SessionPrefix + sid
	}
	if uid := strings.TrimSpace(r.URL.Query().Get("user_id")); uid != "" {
		return UserPrefix + uid
	}
	return IPPrefix + clientIP(r)
}

// clientIP extracts the client IP from the request, checking proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	if cf := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); cf != "" {
		return cf
	}

	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
