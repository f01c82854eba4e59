package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"chemgate/internal/logger"
	"chemgate/internal/models"
	"chemgate/internal/session"
)

// ServiceError carries an HTTP status and machine code alongside the cause.
type ServiceError struct {
	Code       string
	Message    string
	StatusCode int
	Err        error
	Details    map[string]interface{}
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a detail entry copied into the error response body.
func (e *ServiceError) WithDetail(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func NewBadRequestError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

func NewNotFoundError(message string) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewSessionNotFoundError(sessionID string) *ServiceError {
	e := &ServiceError{
		Code:       models.ErrorCodeSessionNotFound,
		Message:    "Session not found or expired",
		StatusCode: http.StatusNotFound,
	}
	if sessionID != "" {
		e.WithDetail("session_id", sessionID)
	}
	return e
}

func NewNoSessionError() *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeNoSession,
		Message:    "A session is required; create one via /api/v1/session/create",
		StatusCode: http.StatusUnauthorized,
	}
}

// NewSessionNotActiveError reports a session that is still queued.
func NewSessionNotActiveError(status *models.SessionStatus) *ServiceError {
	return (&ServiceError{
		Code:       models.ErrorCodeSessionNotActive,
		Message:    "Session is waiting in the queue",
		StatusCode: http.StatusForbidden,
	}).
		WithDetail("queue_position", status.QueuePosition).
		WithDetail("estimated_wait_time", status.EstimatedWaitTime)
}

func NewOverloadedError(err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeServiceOverloaded,
		Message:    "Service is busy, please retry",
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

func NewUnauthorizedError(message string) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeUnauthorized,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewInternalError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeInternalError,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// sessionError maps a session manager error onto its HTTP outcome.
func sessionError(err error, sessionID string) *ServiceError {
	var se *ServiceError
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, session.ErrNotFound):
		return NewSessionNotFoundError(sessionID)
	case errors.Is(err, session.ErrOverloaded):
		return NewOverloadedError(err)
	default:
		return NewInternalError("Session service error", err)
	}
}

// writeJSON writes data as a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing left to do but log.
		slog.Error("Error encoding JSON response", "error", err)
	}
}

// writeServiceError writes err as a models.ErrorResponse. Overload errors get
// a Retry-After hint.
func writeServiceError(w http.ResponseWriter, r *http.Request, err *ServiceError) {
	resp := models.NewErrorResponse(err.Message, err.Code)
	resp.RequestID = logger.RequestID(r.Context())
	for k, v := range err.Details {
		resp.WithDetail(k, v)
	}

	switch {
	case err.Code == models.ErrorCodeServiceOverloaded:
		logger.L(r.Context()).Warn("Admission lock timed out", "path", r.URL.Path)
		w.Header().Set("Retry-After", "1")
	case err.StatusCode >= http.StatusInternalServerError:
		logger.L(r.Context()).Error("Request failed", "code", err.Code, "error", err)
	}
	writeJSON(w, err.StatusCode, resp)
}

// writeErrorResponse writes a bare error response without a ServiceError.
func writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, models.NewErrorResponse(message, errorCode))
}
