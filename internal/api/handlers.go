/**
 * @description
 * This file contains the HTTP handlers for the clawback-service's API
 * endpoints. Handlers parse incoming requests, call into the application
 * service, and write the HTTP response. The business logic itself lives in
 * internal/app; nothing here touches the store directly.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/playverse/clawback-service/internal/app"
	"github.com/playverse/clawback-service/internal/domain"
)

// ClawbackHandlers holds the application service that handlers will use.
type ClawbackHandlers struct {
	service          *app.Service
	limiter          *app.RedisSweepRateLimiter
	triggersPerMin   int
	sweepTimeout     time.Duration
}

// NewClawbackHandlers creates a new instance of ClawbackHandlers. The limiter
// may be nil, in which case manual triggers are not rate limited.
func NewClawbackHandlers(service *app.Service, limiter *app.RedisSweepRateLimiter, triggersPerMin int) *ClawbackHandlers {
	return &ClawbackHandlers{
		service:        service,
		limiter:        limiter,
		triggersPerMin: triggersPerMin,
		sweepTimeout:   10 * time.Minute,
	}
}

// RecordConsumptionHandler handles requests from game servers reporting that
// a purchased entitlement was consumed and its value granted.
func (h *ClawbackHandlers) RecordConsumptionHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.RecordConsumptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.service.RecordConsumption(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidConsumption) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=record_consumption outcome=fail user_id=%s order_id=%s err=%v", req.UserID, req.OrderID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to record consumption")
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// TriggerSweepHandler kicks off a reconciliation sweep on demand. The nightly
// schedule covers normal operation; this endpoint exists for incident
// response and is rate limited per admin.
func (h *ClawbackHandlers) TriggerSweepHandler(w http.ResponseWriter, r *http.Request) {
	subject, _ := GetAdminSubject(r.Context())
	if !h.allowTrigger(w, r, "sweep", subject) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.sweepTimeout)
	defer cancel()

	log.Printf("level=info component=api endpoint=trigger_sweep msg=\"manual sweep requested\" admin=%s", subject)
	report, err := h.service.RunReconciliationSweep(ctx)
	if err != nil {
		log.Printf("level=error component=api endpoint=trigger_sweep outcome=fail admin=%s err=%v", subject, err)
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Sweep failed: %v", err))
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// DrainEventsHandler drains the refund event queue on demand. Push-model
// integrations call this from their delivery hook instead of waiting for the
// drain schedule.
func (h *ClawbackHandlers) DrainEventsHandler(w http.ResponseWriter, r *http.Request) {
	subject, _ := GetAdminSubject(r.Context())
	if !h.allowTrigger(w, r, "drain", subject) {
		return
	}

	report, err := h.service.DrainRefundEvents(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=drain_events outcome=fail admin=%s err=%v", subject, err)
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Event drain failed: %v", err))
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// ListClawbacksHandler returns recorded clawback actions for the ops surface,
// newest first.
func (h *ClawbackHandlers) ListClawbacksHandler(w http.ResponseWriter, r *http.Request) {
	limit := parseQueryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := parseQueryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	actions, err := h.service.ListClawbackActions(r.Context(), limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_clawbacks outcome=fail err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list clawback actions")
		return
	}
	if actions == nil {
		actions = []domain.ClawbackAction{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": actions,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *ClawbackHandlers) allowTrigger(w http.ResponseWriter, r *http.Request, scope, subject string) bool {
	if h.limiter == nil || h.triggersPerMin <= 0 {
		return true
	}
	if subject == "" {
		subject = "unknown"
	}

	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), scope, subject, h.triggersPerMin, time.Minute)
	if err != nil {
		// Redis being down should not block incident response.
		log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing trigger\" scope=%s admin=%s err=%v", scope, subject, err)
		return true
	}
	if count > h.triggersPerMin {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many manual triggers. Please wait and try again.")
		return false
	}
	return true
}

func parseQueryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// writeJSON is a helper for writing JSON responses.
func (h *ClawbackHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *ClawbackHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
