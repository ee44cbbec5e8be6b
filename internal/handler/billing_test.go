package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DukeRupert/hookmeter/internal/auth"
	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeEntitlements struct {
	decision  domain.Decision
	checkErr  error
	recordErr error

	gotUser  uuid.UUID
	gotClass domain.ModelClass
}

func (f *fakeEntitlements) CheckEntitlement(_ context.Context, userID uuid.UUID, class domain.ModelClass) (domain.Decision, error) {
	f.gotUser, f.gotClass = userID, class
	return f.decision, f.checkErr
}

func (f *fakeEntitlements) RecordGeneration(_ context.Context, userID uuid.UUID, class domain.ModelClass) error {
	f.gotUser, f.gotClass = userID, class
	return f.recordErr
}

type fakeBilling struct {
	overview   *domain.SubscriptionOverview
	history    []domain.UsageRow
	customerID string
	err        error

	gotLimit int
	gotEmail string
	canceled bool
	resumed  bool
}

func (f *fakeBilling) GetSubscriptionOverview(context.Context, uuid.UUID) (*domain.SubscriptionOverview, error) {
	return f.overview, f.err
}

func (f *fakeBilling) GetUsageHistory(_ context.Context, _ uuid.UUID, limit int) ([]domain.UsageRow, error) {
	f.gotLimit = limit
	return f.history, f.err
}

func (f *fakeBilling) EnsureCustomer(_ context.Context, _ uuid.UUID, email string) (string, error) {
	f.gotEmail = email
	return f.customerID, f.err
}

func (f *fakeBilling) CancelSubscription(context.Context, uuid.UUID) error {
	f.canceled = true
	return f.err
}

func (f *fakeBilling) ReactivateSubscription(context.Context, uuid.UUID) error {
	f.resumed = true
	return f.err
}

// withUser stands in for the identity middleware.
func withUser(userID uuid.UUID) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID != uuid.Nil {
				r = r.WithContext(auth.SetUserID(r.Context(), userID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newBillingMux(userID uuid.UUID, ent *fakeEntitlements, bill *fakeBilling) *http.ServeMux {
	mux := http.NewServeMux()
	NewBillingHandler(ent, bill, newTestLogger()).RegisterRoutes(mux, withUser(userID))
	return mux
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Entitlement Route Tests
// =============================================================================

func TestCheckEntitlement_ReturnsDecision(t *testing.T) {
	userID := uuid.New()
	ent := &fakeEntitlements{decision: domain.Decision{
		CanGenerate:     true,
		Plan:            domain.PlanFree,
		RemainingDraft:  domain.Limit(4),
		UsagePercentage: 20,
	}}
	mux := newBillingMux(userID, ent, &fakeBilling{})

	rec := serve(mux, "POST", "/api/entitlements/check", `{"model_class":"draft"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, ent.gotUser)
	assert.Equal(t, domain.ModelClassDraft, ent.gotClass)

	var got domain.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.True(t, got.CanGenerate)
	require.NotNil(t, got.RemainingDraft)
	assert.Equal(t, int64(4), *got.RemainingDraft)
	assert.Nil(t, got.RemainingPro)
}

func TestCheckEntitlement_FailClosedReturns503WithDecision(t *testing.T) {
	ent := &fakeEntitlements{
		decision: domain.Unavailable(),
		checkErr: domain.StorageUnavailable("ledger.get", context.DeadlineExceeded),
	}
	mux := newBillingMux(uuid.New(), ent, &fakeBilling{})

	rec := serve(mux, "POST", "/api/entitlements/check", `{"model_class":"pro"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var got domain.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.False(t, got.CanGenerate)
	assert.Equal(t, domain.ReasonServiceUnavailable, got.Reason)
	assert.True(t, got.CanRetry)
}

func TestCheckEntitlement_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"empty body", "", nil, http.StatusBadRequest},
		{"malformed json", `{"model_class":`, nil, http.StatusBadRequest},
		{"unknown field", `{"model_class":"pro","tokens":5}`, nil, http.StatusBadRequest},
		{"too large", `{"model_class":"` + strings.Repeat("x", maxAPIBodyBytes) + `"}`, nil, http.StatusRequestEntityTooLarge},
		{"invalid class", `{"model_class":"turbo"}`, domain.NewValidationError("entitlement.check", "model_class", "unknown model class"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ent := &fakeEntitlements{decision: domain.Unavailable(), checkErr: tt.err}
			rec := serve(newBillingMux(uuid.New(), ent, &fakeBilling{}), "POST", "/api/entitlements/check", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAPIRoutes_RequireUser(t *testing.T) {
	mux := newBillingMux(uuid.Nil, &fakeEntitlements{}, &fakeBilling{})

	routes := []struct{ method, path string }{
		{"POST", "/api/entitlements/check"},
		{"POST", "/api/generations"},
		{"GET", "/api/billing/overview"},
		{"GET", "/api/billing/usage/history"},
		{"POST", "/api/billing/customer"},
		{"POST", "/api/billing/cancel"},
		{"POST", "/api/billing/reactivate"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rec := serve(mux, rt.method, rt.path, `{}`)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestRecordGeneration(t *testing.T) {
	t.Run("recorded", func(t *testing.T) {
		ent := &fakeEntitlements{}
		rec := serve(newBillingMux(uuid.New(), ent, &fakeBilling{}), "POST", "/api/generations", `{"model_class":"pro"}`)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, domain.ModelClassPro, ent.gotClass)
	})

	t.Run("quota exhausted", func(t *testing.T) {
		ent := &fakeEntitlements{recordErr: domain.QuotaExhausted("recorder.record", domain.ModelClassPro)}
		rec := serve(newBillingMux(uuid.New(), ent, &fakeBilling{}), "POST", "/api/generations", `{"model_class":"pro"}`)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)

		var body JSONError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, domain.EPAYMENT, body.Error.Code)
	})

	t.Run("storage unavailable", func(t *testing.T) {
		ent := &fakeEntitlements{recordErr: domain.StorageUnavailable("ledger.increment", errors.New("timeout"))}
		rec := serve(newBillingMux(uuid.New(), ent, &fakeBilling{}), "POST", "/api/generations", `{"model_class":"draft"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

// =============================================================================
// Subscription Route Tests
// =============================================================================

func TestGetOverview(t *testing.T) {
	end := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	bill := &fakeBilling{overview: &domain.SubscriptionOverview{
		Plan:      domain.PlanCreator,
		Status:    domain.SubscriptionStatusActive,
		PeriodEnd: &end,
		Usage:     domain.UsageSummary{ProUsed: 12, ProLimit: domain.Limit(100)},
	}}

	rec := serve(newBillingMux(uuid.New(), &fakeEntitlements{}, bill), "GET", "/api/billing/overview", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.SubscriptionOverview
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, domain.PlanCreator, got.Plan)
	assert.Equal(t, int64(12), got.Usage.ProUsed)
	require.NotNil(t, got.PeriodEnd)
	assert.True(t, end.Equal(*got.PeriodEnd))
}

func TestGetUsageHistory(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	bill := &fakeBilling{history: []domain.UsageRow{
		{PlanName: domain.PlanCreator, PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0), ProUsed: 7},
		{PlanName: domain.PlanFree, PeriodStart: start.AddDate(0, -1, 0), PeriodEnd: start, DraftUsed: 5},
	}}
	mux := newBillingMux(uuid.New(), &fakeEntitlements{}, bill)

	rec := serve(mux, "GET", "/api/billing/usage/history?limit=2", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, bill.gotLimit)

	var got usageHistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got.Periods, 2)
	assert.Equal(t, domain.PlanCreator, got.Periods[0].Plan)
	assert.Equal(t, int64(7), got.Periods[0].Usage.ProUsed)
	assert.Equal(t, int64(5), got.Periods[1].Usage.DraftUsed)

	t.Run("invalid limit", func(t *testing.T) {
		rec := serve(mux, "GET", "/api/billing/usage/history?limit=-1", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestEnsureCustomer(t *testing.T) {
	bill := &fakeBilling{customerID: "cus_123"}
	rec := serve(newBillingMux(uuid.New(), &fakeEntitlements{}, bill), "POST", "/api/billing/customer", `{"email":"maker@example.com"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "maker@example.com", bill.gotEmail)

	var got customerResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "cus_123", got.CustomerID)
}

func TestCancelAndReactivate(t *testing.T) {
	bill := &fakeBilling{}
	mux := newBillingMux(uuid.New(), &fakeEntitlements{}, bill)

	assert.Equal(t, http.StatusNoContent, serve(mux, "POST", "/api/billing/cancel", "").Code)
	assert.True(t, bill.canceled)
	assert.Equal(t, http.StatusNoContent, serve(mux, "POST", "/api/billing/reactivate", "").Code)
	assert.True(t, bill.resumed)

	bill.err = domain.NewValidationError("subscription.cancel", "subscription", "no paid subscription")
	assert.Equal(t, http.StatusBadRequest, serve(mux, "POST", "/api/billing/cancel", "").Code)
}
