// This file implements the payment-provider webhook endpoint.
//
// Route:
//   - POST /billing/webhooks/provider -> HandleProviderWebhook
//
// This route is PUBLIC (no identity middleware) because Stripe calls it
// directly. Authentication is via the webhook signature.

package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/DukeRupert/hookmeter/internal/service"
)

const (
	// maxWebhookBodyBytes matches the provider's documented payload ceiling.
	maxWebhookBodyBytes = 64 << 10

	signatureHeader = "Stripe-Signature"
)

type webhookResponse struct {
	Outcome domain.WebhookOutcome `json:"outcome"`
}

// WebhookHandler feeds provider events to the reconciler.
type WebhookHandler struct {
	webhooks service.WebhookService
	logger   *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(webhooks service.WebhookService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhooks: webhooks,
		logger:   logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /billing/webhooks/provider", h.HandleProviderWebhook)
}

// HandleProviderWebhook verifies and reconciles one provider event.
//
// Status codes drive the provider's redelivery: 2xx for every outcome that
// must not be retried (applied, duplicate, stale, ignored), 400 for a body
// that can never verify, 5xx when processing should be redelivered.
func (h *WebhookHandler) HandleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ErrorResponse(w, r, h.logger, domain.Errorf(domain.ETOOLARGE, "webhook.read", "Webhook body too large"))
			return
		}
		ErrorResponse(w, r, h.logger, domain.Invalid("webhook.read", "Could not read webhook body"))
		return
	}

	signature := r.Header.Get(signatureHeader)
	if signature == "" {
		ErrorResponse(w, r, h.logger, domain.ErrInvalidSignature)
		return
	}

	outcome, err := h.webhooks.HandleWebhook(r.Context(), body, signature)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Outcome: outcome})
}
