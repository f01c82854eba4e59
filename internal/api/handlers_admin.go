package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chemgate/internal/logger"
	"chemgate/internal/models"
	"chemgate/internal/ratelimit"
	"chemgate/internal/realtime"
	"chemgate/internal/storage"

	"github.com/gorilla/mux"
)

// RateLimitStatsResponse merges in-process limiter state with the decision
// counters of the stats store.
type RateLimitStatsResponse struct {
	Success   bool                     `json:"success"`
	Limiter   ratelimit.GlobalStats    `json:"limiter"`
	Decisions *ratelimit.StatsSnapshot `json:"decisions,omitempty"`
	Realtime  *realtime.Stats          `json:"realtime,omitempty"`
	Audit     *storage.RecorderStats   `json:"audit,omitempty"`
}

type ClientStatsResponse struct {
	Success bool                  `json:"success"`
	Client  ratelimit.ClientStats `json:"client"`
}

// RateLimitStats reports limiter, push channel and audit counters.
// GET /api/v1/admin/ratelimit/stats
func (h *Handlers) RateLimitStats(w http.ResponseWriter, r *http.Request) {
	if h.limiter == nil {
		writeServiceError(w, r, NewNotFoundError("Rate limiting is not configured"))
		return
	}

	resp := RateLimitStatsResponse{
		Success: true,
		Limiter: h.limiter.Stats(),
	}

	if h.decisions != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		snapshot, err := h.decisions.Snapshot(ctx)
		cancel()
		if err != nil {
			// Redis being down only costs the merged counters.
			logger.L(r.Context()).Warn("Decision stats unavailable", "error", err)
		} else {
			resp.Decisions = &snapshot
		}
	}

	if h.channels != nil {
		stats := h.channels.Stats()
		resp.Realtime = &stats
	}
	if h.audit != nil {
		stats := h.audit.Stats()
		resp.Audit = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetClientStats reports one client's limiter record.
// GET /api/v1/admin/ratelimit/clients/{client_id}
func (h *Handlers) GetClientStats(w http.ResponseWriter, r *http.Request) {
	if h.limiter == nil {
		writeServiceError(w, r, NewNotFoundError("Rate limiting is not configured"))
		return
	}
	clientID := mux.Vars(r)["client_id"]

	stats, ok := h.limiter.ClientStats(clientID)
	if !ok {
		writeServiceError(w, r, NewNotFoundError("Client not tracked").WithDetail("client_id", clientID))
		return
	}
	writeJSON(w, http.StatusOK, ClientStatsResponse{Success: true, Client: stats})
}

// ResetClient clears one client's windows, violations and penalty.
// DELETE /api/v1/admin/ratelimit/clients/{client_id}
func (h *Handlers) ResetClient(w http.ResponseWriter, r *http.Request) {
	if h.limiter == nil {
		writeServiceError(w, r, NewNotFoundError("Rate limiting is not configured"))
		return
	}
	clientID := mux.Vars(r)["client_id"]

	if !h.limiter.ResetClient(clientID) {
		writeServiceError(w, r, NewNotFoundError("Client not tracked").WithDetail("client_id", clientID))
		return
	}

	logger.L(r.Context()).Info("Rate limit client reset", "client_id", clientID)
	writeJSON(w, http.StatusOK, models.MessageResponse{Success: true, Message: "Client rate limit state reset"})
}

// ListEvents returns audit events, newest first.
// GET /api/v1/admin/events?limit=&kind=&subject=&since=
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeServiceError(w, r, NewNotFoundError("Audit log is not configured"))
		return
	}

	filter, svcErr := parseEventFilter(r)
	if svcErr != nil {
		writeServiceError(w, r, svcErr)
		return
	}

	events, err := h.events.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, NewInternalError("Failed to list audit events", err))
		return
	}
	total, err := h.events.Count(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, NewInternalError("Failed to count audit events", err))
		return
	}

	resp := models.EventListResponse{
		Events:     make([]models.AuditEvent, 0, len(events)),
		TotalCount: total,
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, *ev)
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseEventFilter(r *http.Request) (models.EventFilter, *ServiceError) {
	q := r.URL.Query()
	filter := models.EventFilter{
		Kind:    strings.TrimSpace(q.Get("kind")),
		Subject: strings.TrimSpace(q.Get("subject")),
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, NewBadRequestError("limit must be a non-negative integer", err)
		}
		filter.Limit = limit
	}

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, NewBadRequestError("since must be an RFC3339 timestamp", err)
		}
		filter.Since = since
	}

	return filter, nil
}
