package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chemgate/internal/models"
)

// DefaultExemptPrefixes are never rate limited. The root path is exempt only
// as an exact match.
var DefaultExemptPrefixes = []string{
	"/docs",
	"/health",
	"/api/v1/health",
	"/api/v1/docs",
	"/api/v1/openapi.yaml",
	"/favicon.ico",
	"/metrics",
}

type middlewareConfig struct {
	exemptExact    map[string]struct{}
	exemptPrefixes []string
	identity       func(*http.Request) string
	stats          StatsStore
	statsTimeout   time.Duration
	logger         *slog.Logger
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

// WithExemptPrefixes replaces the default exempt prefixes.
func WithExemptPrefixes(prefixes ...string) MiddlewareOption {
	return func(c *middlewareConfig) { c.exemptPrefixes = prefixes }
}

// WithIdentity overrides client identity resolution.
func WithIdentity(fn func(*http.Request) string) MiddlewareOption {
	return func(c *middlewareConfig) { c.identity = fn }
}

// WithStatsStore records every decision in s.
func WithStatsStore(s StatsStore) MiddlewareOption {
	return func(c *middlewareConfig) { c.stats = s }
}

func WithMiddlewareLogger(logger *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) { c.logger = logger }
}

// Middleware returns HTTP middleware that enforces limiter on every request
// outside the exempt list. Limited responses get a 429, a Retry-After header,
// and a JSON body carrying the retry hint and category context.
func Middleware(limiter Limiter, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{
		exemptExact:    map[string]struct{}{"/": {}},
		exemptPrefixes: DefaultExemptPrefixes,
		identity:       ClientIdentity,
		statsTimeout:   500 * time.Millisecond,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			clientID := cfg.identity(r)
			d := limiter.Allow(clientID, r.URL.Path)
			cfg.record(r, clientID, d)

			setHeaders(w.Header(), d)

			if !d.Allowed {
				writeLimited(w, d)
				cfg.logger.Warn("Request rate limited",
					"client_id", clientID,
					"path", r.URL.Path,
					"reason", d.Reason,
					"retry_after", d.RetryAfterSeconds(),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (c *middlewareConfig) exempt(path string) bool {
	if _, ok := c.exemptExact[path]; ok {
		return true
	}
	for _, p := range c.exemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (c *middlewareConfig) record(r *http.Request, clientID string, d Decision) {
	if c.stats == nil || d.Reason == ReasonDisabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), c.statsTimeout)
	defer cancel()

	err := c.stats.Record(ctx, StatsEvent{
		ClientID: clientID,
		Category: d.Category,
		Allowed:  d.Allowed,
		Reason:   d.Reason,
		Method:   r.Method,
		Path:     r.URL.Path,
		At:       time.Now(),
	})
	if err != nil {
		c.logger.Warn("Failed to record rate limit stats", "error", err)
	}
}

// setHeaders always sets rate limit headers when a rule applied.
func setHeaders(h http.Header, d Decision) {
	if d.Limit == 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Type", string(d.Category))
	h.Set("X-RateLimit-Current", strconv.Itoa(d.CurrentCount))
	h.Set("X-RateLimit-Window", strconv.Itoa(int(d.Window/time.Second)))
}

func writeLimited(w http.ResponseWriter, d Decision) {
	retryAfter := d.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	message := "Rate limit exceeded"
	if d.Reason == ReasonPenalty {
		message = "Rate limit penalty in effect"
	}

	errorResp := models.NewErrorResponse(message, models.ErrorCodeRateLimitExceeded).
		WithDetail("reason", d.Reason).
		WithDetail("retry_after", retryAfter).
		WithDetail("endpoint_type", string(d.Category)).
		WithDetail("current_requests", d.CurrentCount).
		WithDetail("limit", d.Limit).
		WithDetail("window", int(d.Window/time.Second)).
		WithDetail("violations", d.Violations)
	_ = json.NewEncoder(w).Encode(errorResp)
}
