package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWebhooks struct {
	outcome domain.WebhookOutcome
	err     error

	gotPayload   []byte
	gotSignature string
	calls        int
}

func (f *fakeWebhooks) HandleWebhook(_ context.Context, payload []byte, signature string) (domain.WebhookOutcome, error) {
	f.calls++
	f.gotPayload, f.gotSignature = payload, signature
	return f.outcome, f.err
}

func postWebhook(h *WebhookHandler, body []byte, signature string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("POST", "/billing/webhooks/provider", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleProviderWebhook_Outcomes(t *testing.T) {
	outcomes := []domain.WebhookOutcome{
		domain.WebhookOutcomeApplied,
		domain.WebhookOutcomeDuplicate,
		domain.WebhookOutcomeStale,
		domain.WebhookOutcomeIgnored,
	}
	for _, outcome := range outcomes {
		t.Run(string(outcome), func(t *testing.T) {
			svc := &fakeWebhooks{outcome: outcome}
			body := []byte(`{"id":"evt_1","type":"customer.subscription.updated"}`)

			rec := postWebhook(NewWebhookHandler(svc, newTestLogger()), body, "t=1,v1=abc")

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, body, svc.gotPayload)
			assert.Equal(t, "t=1,v1=abc", svc.gotSignature)

			var got webhookResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Equal(t, outcome, got.Outcome)
		})
	}
}

func TestHandleProviderWebhook_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad signature", fmt.Errorf("%w: no valid signature", domain.ErrInvalidSignature), http.StatusBadRequest},
		{"storage down", domain.StorageUnavailable("webhook.record", errors.New("timeout")), http.StatusServiceUnavailable},
		{"lease held", domain.Errorf(domain.EUNAVAILABLE, "webhook.claim", "event is being processed"), http.StatusServiceUnavailable},
		{"period collision", domain.Conflict("rollover.open_plan_period", "a usage period was opened less than a second ago"), http.StatusConflict},
		{"processing failure", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeWebhooks{err: tt.err}
			rec := postWebhook(NewWebhookHandler(svc, newTestLogger()), []byte(`{}`), "t=1,v1=abc")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleProviderWebhook_MissingSignature(t *testing.T) {
	svc := &fakeWebhooks{outcome: domain.WebhookOutcomeApplied}
	rec := postWebhook(NewWebhookHandler(svc, newTestLogger()), []byte(`{}`), "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, svc.calls, "unsigned bodies never reach the reconciler")
}

func TestHandleProviderWebhook_BodyTooLarge(t *testing.T) {
	svc := &fakeWebhooks{outcome: domain.WebhookOutcomeApplied}
	body := bytes.Repeat([]byte("a"), maxWebhookBodyBytes+1)

	rec := postWebhook(NewWebhookHandler(svc, newTestLogger()), body, "t=1,v1=abc")

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, svc.calls)
}
