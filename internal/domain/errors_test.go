package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), EINTERNAL},
		{"configuration", ConfigurationError("catalog.get_plan", "unknown plan %q", "gold"), ECONFIG},
		{"quota", QuotaExhausted("recorder.record", ModelClassPro), EPAYMENT},
		{"storage", StorageUnavailable("ledger.get", errors.New("timeout")), EUNAVAILABLE},
		{"wrapped storage", fmt.Errorf("outer: %w", StorageUnavailable("ledger.get", errors.New("x"))), EUNAVAILABLE},
		{"invariant", &InvariantViolation{Op: "x", Detail: "negative"}, EINVARIANT},
		{"validation", NewValidationError("x", "model_class", "required"), EINVALID},
		{"stale", Stale("webhook.apply", "evt_1"), ESTALE},
		{"bare stale sentinel", ErrStaleEvent, ESTALE},
		{"signature", ErrInvalidSignature, ESIGNATURE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestErrorMessage_HidesInternals(t *testing.T) {
	assert.Equal(t, "An internal error occurred. Please try again later.",
		ErrorMessage(ConfigurationError("op", "price %s not in catalog", "price_123")))
	assert.Equal(t, "Billing is temporarily unavailable. Please try again shortly.",
		ErrorMessage(StorageUnavailable("op", errors.New("dial tcp: refused"))))
	assert.Equal(t, "No pro generations remaining in the current period",
		ErrorMessage(QuotaExhausted("op", ModelClassPro)))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(StorageUnavailable("op", errors.New("x"))))
	assert.False(t, IsRetryable(PaymentsError("op", false, errors.New("card declined"))))
	assert.False(t, IsRetryable(errors.New("x")))
	assert.True(t, errors.Is(Stale("op", "evt"), ErrStaleEvent))
}
