// Package handler contains HTTP handlers for the hookmeter API.
//
// This file implements the entitlement and billing JSON API.
//
// Routes handled (all require the identity header):
//   - POST /api/entitlements/check      -> CheckEntitlement
//   - POST /api/generations             -> RecordGeneration
//   - GET  /api/billing/overview        -> GetOverview
//   - GET  /api/billing/usage/history   -> GetUsageHistory
//   - POST /api/billing/customer        -> EnsureCustomer
//   - POST /api/billing/cancel          -> CancelSubscription
//   - POST /api/billing/reactivate      -> ReactivateSubscription
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/DukeRupert/hookmeter/internal/auth"
	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/DukeRupert/hookmeter/internal/service"
	"github.com/google/uuid"
)

// maxAPIBodyBytes bounds JSON request bodies on the API routes.
const maxAPIBodyBytes = 4 << 10

// BillingHandler serves entitlement checks, usage metering and
// subscription management for the authenticated user.
type BillingHandler struct {
	entitlements service.EntitlementService
	billing      service.BillingService
	logger       *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(entitlements service.EntitlementService, billing service.BillingService, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		entitlements: entitlements,
		billing:      billing,
		logger:       logger,
	}
}

// RegisterRoutes registers the API routes. requireUser must resolve the
// caller's user id into the request context.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, requireUser func(http.Handler) http.Handler) {
	mux.Handle("POST /api/entitlements/check", requireUser(http.HandlerFunc(h.CheckEntitlement)))
	mux.Handle("POST /api/generations", requireUser(http.HandlerFunc(h.RecordGeneration)))
	mux.Handle("GET /api/billing/overview", requireUser(http.HandlerFunc(h.GetOverview)))
	mux.Handle("GET /api/billing/usage/history", requireUser(http.HandlerFunc(h.GetUsageHistory)))
	mux.Handle("POST /api/billing/customer", requireUser(http.HandlerFunc(h.EnsureCustomer)))
	mux.Handle("POST /api/billing/cancel", requireUser(http.HandlerFunc(h.CancelSubscription)))
	mux.Handle("POST /api/billing/reactivate", requireUser(http.HandlerFunc(h.ReactivateSubscription)))
}

// =============================================================================
// Request / Response Types
// =============================================================================

type modelClassRequest struct {
	ModelClass domain.ModelClass `json:"model_class"`
}

type customerRequest struct {
	Email string `json:"email"`
}

type customerResponse struct {
	CustomerID string `json:"customer_id"`
}

// usagePeriodResponse is one ledger row as shown in the usage history.
type usagePeriodResponse struct {
	Plan  domain.PlanName     `json:"plan"`
	Usage domain.UsageSummary `json:"usage"`
}

type usageHistoryResponse struct {
	Periods []usagePeriodResponse `json:"periods"`
}

// =============================================================================
// Entitlements
// =============================================================================

// CheckEntitlement returns the Decision for one generation of the requested
// model class. When the engine fails closed the decision is still returned,
// with 503 so clients know to retry.
func (h *BillingHandler) CheckEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	var req modelClassRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	decision, err := h.entitlements.CheckEntitlement(r.Context(), userID, req.ModelClass)
	if err != nil {
		code := domain.ErrorCode(err)
		if code == domain.EINVALID {
			ErrorResponse(w, r, h.logger, err)
			return
		}
		// The engine already logged the failure; the client still gets the
		// fail-closed decision so it can show canRetry.
		writeJSON(w, ErrorCodeToHTTPStatus(code), decision)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// RecordGeneration meters one completed generation.
func (h *BillingHandler) RecordGeneration(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	var req modelClassRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	if err := h.entitlements.RecordGeneration(r.Context(), userID, req.ModelClass); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Subscription
// =============================================================================

// GetOverview returns plan, status and current-period usage.
func (h *BillingHandler) GetOverview(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	ov, err := h.billing.GetSubscriptionOverview(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, ov)
}

// GetUsageHistory returns ledger rows newest first. The optional limit query
// parameter is clamped by the service.
func (h *BillingHandler) GetUsageHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			ErrorResponse(w, r, h.logger, domain.NewValidationError("handler.usage_history", "limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	rows, err := h.billing.GetUsageHistory(r.Context(), userID, limit)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := usageHistoryResponse{Periods: make([]usagePeriodResponse, 0, len(rows))}
	for i := range rows {
		resp.Periods = append(resp.Periods, usagePeriodResponse{
			Plan:  rows[i].PlanName,
			Usage: domain.SummarizeUsage(&rows[i]),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// EnsureCustomer provisions the payment-provider customer for the user.
func (h *BillingHandler) EnsureCustomer(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	var req customerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	customerID, err := h.billing.EnsureCustomer(r.Context(), userID, req.Email)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, customerResponse{CustomerID: customerID})
}

// CancelSubscription schedules cancellation at the end of the paid period.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.billing.CancelSubscription(r.Context(), userID); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReactivateSubscription removes the cancel-at-period-end flag.
func (h *BillingHandler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.billing.ReactivateSubscription(r.Context(), userID); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *BillingHandler) requireUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return uuid.Nil, false
	}
	return userID, true
}

// decodeJSON decodes a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	const op = "handler.decode"

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return domain.Errorf(domain.ETOOLARGE, op, "Request body too large")
		case errors.Is(err, io.EOF):
			return domain.Invalid(op, "Request body is required")
		default:
			return domain.Invalid(op, "Request body must be valid JSON")
		}
	}
	return nil
}
