// Package models - API response types and error handling.
// This file defines all outgoing API response structures with consistent formatting.
//
// Response Design Principles:
// - Consistent JSON structure across all endpoints
// - Every session endpoint reports a "success" flag alongside its payload
// - Rich error information with machine codes and details for clients
// - RFC3339 timestamps for international compatibility
package models

import (
	"time"
)

// CreateSessionResponse is returned by session creation.
type CreateSessionResponse struct {
	Success     bool        `json:"success"`
	Session     *Session    `json:"session"`
	QueueStatus QueueStatus `json:"queue_status"`
	Message     string      `json:"message,omitempty"`
}

type SessionStatusResponse struct {
	Success       bool           `json:"success"`
	SessionStatus *SessionStatus `json:"session_status"`
	QueueStatus   *QueueStatus   `json:"queue_status,omitempty"`
}

type QueueStatusResponse struct {
	Success     bool        `json:"success"`
	QueueStatus QueueStatus `json:"queue_status"`
}

type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ResetResponse reports the queue after an administrative reset and how many
// push channels were closed by it.
type ResetResponse struct {
	Success        bool        `json:"success"`
	Message        string      `json:"message"`
	QueueStatus    QueueStatus `json:"queue_status"`
	ClosedChannels int         `json:"closed_channels"`
}

// AccessResponse echoes the session attached to a gated request.
type AccessResponse struct {
	Success       bool           `json:"success"`
	SessionID     string         `json:"session_id"`
	SessionStatus *SessionStatus `json:"session_status"`
}

type EventListResponse struct {
	Events     []AuditEvent `json:"events"`
	TotalCount int          `json:"total_count"`
}

// ErrorResponse provides structured error information with debugging context.
//
// Error Handling Design:
// - Consistent error structure across all endpoints
// - Machine-readable error codes for programmatic handling
// - Human-readable messages for user interfaces
// - Details map for admission context (queue position, retry hints)
//
// Error Categories:
// - Admission errors: no session, unknown session, session still queued
// - Rate limit errors: window or penalty exhausted
// - Overload errors: admission lock could not be acquired in time
// - Internal errors: Server-side issues
type ErrorResponse struct {
	Error     string                 `json:"error"`                // Error type (always "error")
	Message   string                 `json:"message"`              // Human-readable error description
	Code      string                 `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]interface{} `json:"details,omitempty"`    // Outcome-specific details
	Timestamp time.Time              `json:"timestamp"`            // Error occurrence time
	RequestID string                 `json:"request_id,omitempty"` // Unique request identifier
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"   // All systems operational
	StatusUnhealthy = "unhealthy" // Major system issues
	StatusDegraded  = "degraded"  // Partial functionality
	StatusUnknown   = "unknown"   // Status indeterminate
)

// Error Codes
//
// Upper-case with underscores, stable across releases; clients branch on these
// rather than on messages.
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeBadRequest         = "BAD_REQUEST"         // 400: Invalid request format
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Service temporarily down

	ErrorCodeNoSession         = "NO_SESSION"          // 401: No session id presented
	ErrorCodeSessionNotFound   = "SESSION_NOT_FOUND"   // 404: Unknown or expired session
	ErrorCodeSessionNotActive  = "SESSION_NOT_ACTIVE"  // 403: Session is still waiting
	ErrorCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED" // 429: Window or penalty exhausted
	ErrorCodeServiceOverloaded = "SERVICE_OVERLOADED"  // 503: Admission lock timed out
	ErrorCodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"  // 405
	ErrorCodeUnauthorized      = "UNAUTHORIZED"        // 401: Missing or wrong admin token
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// WithDetail attaches a detail entry and returns the response for chaining.
func (e *ErrorResponse) WithDetail(key string, value interface{}) *ErrorResponse {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// AddComponentDetail sets a detail value on an already registered component.
func (h *HealthCheckResponse) AddComponentDetail(name, key string, value interface{}) {
	c, ok := h.Components[name]
	if !ok {
		return
	}
	c.Details[key] = value
	h.Components[name] = c
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) {
	h.Metrics[name] = value
}
