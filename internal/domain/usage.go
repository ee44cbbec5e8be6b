// Package domain contains core business types and interfaces.
//
// This file defines the Usage Ledger row: per-user, per-period counters
// with limits snapshotted when the period opened.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Counter names one of the three metered counters on a ledger row.
type Counter string

const (
	CounterProUsed        Counter = "pro_used"
	CounterDraftUsed      Counter = "draft_used"
	CounterProOverageUsed Counter = "pro_overage_used"
)

// IsValid returns true if the counter is a recognized value.
func (c Counter) IsValid() bool {
	switch c {
	case CounterProUsed, CounterDraftUsed, CounterProOverageUsed:
		return true
	}
	return false
}

// UsageRow is one billing period of a user's consumption. The row whose
// bounds contain now is the current row; older rows are kept as history.
type UsageRow struct {
	ID                     uuid.UUID
	UserID                 uuid.UUID
	PeriodStart            time.Time
	PeriodEnd              time.Time
	ProUsed                int64
	DraftUsed              int64
	ProOverageUsed         int64
	ProLimit               *int64 // nil = unlimited
	DraftLimit             *int64 // nil = unlimited
	ProOverageLimit        int64  // floor(ProLimit × overage allowance) at snapshot
	OverageUnitPrice       int64
	OverageCharge          int64
	PlanName               PlanName
	ProviderSubscriptionID string // subscription that opened the row, empty for free rows
	Version                int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// NewUsageRow returns a zeroed row for the given period with limits
// snapshotted from plan.
func NewUsageRow(userID uuid.UUID, plan Plan, start, end time.Time, providerSubID string, now time.Time) *UsageRow {
	return &UsageRow{
		ID:                     uuid.New(),
		UserID:                 userID,
		PeriodStart:            start,
		PeriodEnd:              end,
		ProLimit:               copyLimit(plan.ProGenerationsLimit),
		DraftLimit:             copyLimit(plan.DraftGenerationsLimit),
		ProOverageLimit:        plan.MaxOverage(),
		OverageUnitPrice:       plan.OverageUnitPrice,
		PlanName:               plan.Name,
		ProviderSubscriptionID: providerSubID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// Contains reports whether t falls inside [PeriodStart, PeriodEnd).
func (r *UsageRow) Contains(t time.Time) bool {
	return !t.Before(r.PeriodStart) && t.Before(r.PeriodEnd)
}

// Expired reports whether the period has ended at t.
func (r *UsageRow) Expired(t time.Time) bool {
	return !t.Before(r.PeriodEnd)
}

// RemainingPro returns the base pro quota left, or nil when unlimited.
func (r *UsageRow) RemainingPro() *int64 {
	return remaining(r.ProLimit, r.ProUsed)
}

// RemainingDraft returns the draft quota left, or nil when unlimited.
func (r *UsageRow) RemainingDraft() *int64 {
	return remaining(r.DraftLimit, r.DraftUsed)
}

// RemainingOverage returns the pro overage allowance left.
func (r *UsageRow) RemainingOverage() int64 {
	if left := r.ProOverageLimit - r.ProOverageUsed; left > 0 {
		return left
	}
	return 0
}

// CheckInvariants reports stored state that no code path should produce.
// Nothing is clamped; callers abort the operation. A counter may sit above
// its ceiling after a mid-period downgrade; its remaining quota is zero.
func (r *UsageRow) CheckInvariants(op string) error {
	switch {
	case r.ProUsed < 0 || r.DraftUsed < 0 || r.ProOverageUsed < 0:
		return &InvariantViolation{Op: op, Detail: fmt.Sprintf(
			"negative counter on row %s (pro=%d draft=%d overage=%d)",
			r.ID, r.ProUsed, r.DraftUsed, r.ProOverageUsed)}
	case r.OverageCharge < 0:
		return &InvariantViolation{Op: op, Detail: fmt.Sprintf(
			"negative overage charge %d on row %s", r.OverageCharge, r.ID)}
	case !r.PeriodEnd.After(r.PeriodStart):
		return &InvariantViolation{Op: op, Detail: fmt.Sprintf(
			"empty period [%s, %s) on row %s", r.PeriodStart, r.PeriodEnd, r.ID)}
	}
	return nil
}

func remaining(limit *int64, used int64) *int64 {
	if limit == nil {
		return nil
	}
	left := *limit - used
	if left < 0 {
		left = 0
	}
	return &left
}

func copyLimit(l *int64) *int64 {
	if l == nil {
		return nil
	}
	v := *l
	return &v
}
