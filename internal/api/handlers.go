/**
 * @description
 * This file contains the HTTP handlers for the payout-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/royaltybase/payout-service/internal/app"
	"github.com/royaltybase/payout-service/internal/domain"
	"github.com/royaltybase/payout-service/internal/store"
)

// PayoutHandlers holds the application service that handlers will use.
type PayoutHandlers struct {
	service          *app.Service
	retryLimiter     *app.RedisRetryRateLimiter
	retryLimitPerMin int
}

// NewPayoutHandlers creates a new instance of PayoutHandlers.
func NewPayoutHandlers(service *app.Service, retryLimiter *app.RedisRetryRateLimiter, retryLimitPerMin int) *PayoutHandlers {
	return &PayoutHandlers{
		service:          service,
		retryLimiter:     retryLimiter,
		retryLimitPerMin: retryLimitPerMin,
	}
}

// CreatePayoutHandler computes and persists a payout for a period.
func (h *PayoutHandlers) CreatePayoutHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}

	var req domain.CreatePayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payout, err := h.service.CreatePayout(r.Context(), callerID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, payout)
}

// PreviewPayoutHandler runs the payout calculation without persisting anything.
func (h *PayoutHandlers) PreviewPayoutHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}

	var req domain.CreatePayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	preview, err := h.service.PreviewPayout(r.Context(), callerID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

// FinalizePayoutHandler locks a draft payout's amounts.
func (h *PayoutHandlers) FinalizePayoutHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}
	payoutID, ok := h.pathUUID(w, r, "payoutID")
	if !ok {
		return
	}

	payout, err := h.service.FinalizePayout(r.Context(), callerID, payoutID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payout)
}

// ProcessTransfersHandler starts (or resumes) transfer execution for a payout.
func (h *PayoutHandlers) ProcessTransfersHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}
	payoutID, ok := h.pathUUID(w, r, "payoutID")
	if !ok {
		return
	}

	result, err := h.service.ProcessPayoutTransfers(r.Context(), callerID, payoutID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RetryRecipientHandler re-attempts a single failed recipient transfer. The
// endpoint is rate limited per caller to keep retries from hammering the
// payment provider.
func (h *PayoutHandlers) RetryRecipientHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}
	recipientID, ok := h.pathUUID(w, r, "recipientID")
	if !ok {
		return
	}

	if h.retryLimiter != nil {
		count, retryAfter, err := h.retryLimiter.ConsumeRateLimit(r.Context(), "transfer_retry", callerID.String(), h.retryLimitPerMin, time.Minute)
		if err != nil {
			log.Printf("WARN: retry rate limiter unavailable, allowing request: %v", err)
		} else if h.retryLimitPerMin > 0 && count > h.retryLimitPerMin {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many retry attempts. Please wait and try again.")
			return
		}
	}

	recipient, err := h.service.RetryRecipientTransfer(r.Context(), callerID, recipientID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, recipient)
}

// GetPayoutHandler returns a payout with its recipient breakdown.
func (h *PayoutHandlers) GetPayoutHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}
	payoutID, ok := h.pathUUID(w, r, "payoutID")
	if !ok {
		return
	}

	payout, err := h.service.GetPayout(r.Context(), callerID, payoutID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payout)
}

// ListProjectPayoutsHandler returns a project's payout history.
func (h *PayoutHandlers) ListProjectPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}
	projectID, ok := h.pathUUID(w, r, "projectID")
	if !ok {
		return
	}

	payouts, err := h.service.ListProjectPayouts(r.Context(), callerID, projectID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payouts)
}

// ContributorPointsHandler returns the per-contributor approved point totals
// for a period, the same aggregation a payout for that period would snapshot.
func (h *PayoutHandlers) ContributorPointsHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}
	projectID, ok := h.pathUUID(w, r, "projectID")
	if !ok {
		return
	}

	periodStart, err := time.Parse(time.RFC3339, r.URL.Query().Get("period_start"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "period_start must be an RFC 3339 timestamp")
		return
	}
	periodEnd, err := time.Parse(time.RFC3339, r.URL.Query().Get("period_end"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "period_end must be an RFC 3339 timestamp")
		return
	}

	points, err := h.service.GetContributorPoints(r.Context(), callerID, projectID, periodStart, periodEnd)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, points)
}

// ReconcileTransferHandler applies a provider transfer status update delivered
// over the internal webhook bridge instead of AMQP.
func (h *PayoutHandlers) ReconcileTransferHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.TransferStatusEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.service.ReconcileTransferStatus(r.Context(), event)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	case errors.Is(err, app.ErrStaleTransferReference):
		// Stale references are expected after retries; report and move on.
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "stale"})
	case errors.Is(err, app.ErrReconcileConflict):
		h.writeError(w, http.StatusConflict, "Event conflicts with settled recipient state")
	default:
		log.Printf("level=error component=api msg=\"transfer reconcile failed\" transfer_id=%s err=%v", event.TransferID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to reconcile transfer status")
	}
}

func (h *PayoutHandlers) authedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	sub, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not identify user")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "Invalid user identifier in token")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *PayoutHandlers) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

// handleServiceError maps service and store errors to HTTP responses.
func (h *PayoutHandlers) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidPeriod),
		errors.Is(err, app.ErrNegativeAmount),
		errors.Is(err, app.ErrNegativePoints):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotProjectOwner):
		h.writeError(w, http.StatusForbidden, "You do not own this project")
	case errors.Is(err, store.ErrProjectNotFound),
		errors.Is(err, store.ErrPoolNotFound),
		errors.Is(err, store.ErrPayoutNotFound),
		errors.Is(err, store.ErrRecipientNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrPayoutConflict),
		errors.Is(err, store.ErrInvalidStateTransition),
		errors.Is(err, app.ErrRecipientNotRetryable):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrBudgetExceeded),
		errors.Is(err, store.ErrPoolExpired),
		errors.Is(err, app.ErrRecipientNotOnboarded):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "An internal error occurred")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *PayoutHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PayoutHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
