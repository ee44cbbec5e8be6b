package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from SubscriptionStatus
		to   SubscriptionStatus
		want bool
	}{
		{"free to active", SubscriptionStatusFree, SubscriptionStatusActive, true},
		{"free to trialing", SubscriptionStatusFree, SubscriptionStatusTrialing, true},
		{"canceled to active", SubscriptionStatusCanceled, SubscriptionStatusActive, true},
		{"active to past_due", SubscriptionStatusActive, SubscriptionStatusPastDue, true},
		{"past_due to active", SubscriptionStatusPastDue, SubscriptionStatusActive, true},
		{"active to free", SubscriptionStatusActive, SubscriptionStatusFree, true},
		{"same status", SubscriptionStatusActive, SubscriptionStatusActive, true},

		{"free to past_due", SubscriptionStatusFree, SubscriptionStatusPastDue, false},
		{"free to canceled", SubscriptionStatusFree, SubscriptionStatusCanceled, false},
		{"active to trialing", SubscriptionStatusActive, SubscriptionStatusTrialing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestSubscription_EffectivePlan(t *testing.T) {
	tests := []struct {
		name   string
		sub    *Subscription
		expect PlanName
	}{
		{"nil record", nil, PlanFree},
		{"active", &Subscription{PlanName: PlanCreator, Status: SubscriptionStatusActive}, PlanCreator},
		{"trialing", &Subscription{PlanName: PlanPro, Status: SubscriptionStatusTrialing}, PlanPro},
		{"past due keeps plan", &Subscription{PlanName: PlanStarter, Status: SubscriptionStatusPastDue}, PlanStarter},
		{"canceled falls back", &Subscription{PlanName: PlanStarter, Status: SubscriptionStatusCanceled}, PlanFree},
		{"free", &Subscription{PlanName: PlanFree, Status: SubscriptionStatusFree}, PlanFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.sub.EffectivePlan())
		})
	}
}

func TestSubscription_Validate(t *testing.T) {
	t.Run("free without provider id", func(t *testing.T) {
		sub := NewFreeSubscription(uuid.New(), time.Now())
		assert.NoError(t, sub.Validate())
	})

	t.Run("free with provider id", func(t *testing.T) {
		sub := NewFreeSubscription(uuid.New(), time.Now())
		sub.ProviderSubscriptionID = "sub_123"
		err := sub.Validate()
		assert.Error(t, err)
		assert.Equal(t, EINVARIANT, ErrorCode(err))
	})

	t.Run("active without provider id", func(t *testing.T) {
		sub := &Subscription{PlanName: PlanStarter, Status: SubscriptionStatusActive}
		assert.Equal(t, EINVARIANT, ErrorCode(sub.Validate()))
	})

	t.Run("reset to free restores invariant", func(t *testing.T) {
		end := time.Now().Add(time.Hour)
		sub := &Subscription{
			PlanName:               PlanPro,
			Status:                 SubscriptionStatusActive,
			ProviderSubscriptionID: "sub_123",
			CurrentPeriodEnd:       &end,
			CancelAtPeriodEnd:      true,
		}
		sub.ResetToFree()
		assert.NoError(t, sub.Validate())
		assert.Equal(t, PlanFree, sub.PlanName)
		assert.Nil(t, sub.CurrentPeriodEnd)
		assert.False(t, sub.CancelAtPeriodEnd)
		assert.Equal(t, "sub_123", sub.EndedSubscriptionID)
	})
}

func TestSubscription_HasEnded(t *testing.T) {
	sub := &Subscription{PlanName: PlanStarter, Status: SubscriptionStatusActive, ProviderSubscriptionID: "sub_1"}
	assert.False(t, sub.HasEnded("sub_1"))

	sub.ResetToFree()
	assert.True(t, sub.HasEnded("sub_1"))
	assert.False(t, sub.HasEnded("sub_2"))
	assert.False(t, sub.HasEnded(""))

	// A second reset on a free record keeps the tombstone.
	sub.ResetToFree()
	assert.True(t, sub.HasEnded("sub_1"))
}

func TestSubscription_IsStale(t *testing.T) {
	applied := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := &Subscription{LastEventAt: &applied}

	assert.True(t, sub.IsStale(applied.Add(-time.Second)))
	assert.False(t, sub.IsStale(applied))
	assert.False(t, sub.IsStale(applied.Add(time.Second)))
	assert.False(t, (&Subscription{}).IsStale(applied))
}

func TestSubscription_InvoiceWatermarkIsSeparate(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := &Subscription{}

	sub.MarkApplied(at, true)
	require.NotNil(t, sub.LastInvoiceEventAt)
	assert.Nil(t, sub.LastEventAt)
	assert.False(t, sub.IsStale(at.Add(-time.Minute)), "an invoice never outdates a subscription event")
	assert.True(t, sub.IsStaleInvoice(at.Add(-time.Minute)))

	sub.MarkApplied(at.Add(-time.Hour), false)
	sub.MarkApplied(at.Add(-2*time.Hour), false)
	require.NotNil(t, sub.LastEventAt)
	assert.Equal(t, at.Add(-time.Hour), *sub.LastEventAt, "the watermark never moves back")

	sub.MarkApplied(time.Time{}, false)
	assert.Equal(t, at.Add(-time.Hour), *sub.LastEventAt)
}
