package domain

import "time"

// DenyReason explains why a generation was not allowed.
type DenyReason string

const (
	ReasonNone               DenyReason = ""
	ReasonModelNotAllowed    DenyReason = "model_not_allowed"
	ReasonLimitReached       DenyReason = "limit_reached"
	ReasonServiceUnavailable DenyReason = "service_unavailable"
)

// UpgradeHint names the plan a user should move to and what to tell them.
type UpgradeHint struct {
	Plan    PlanName `json:"plan"`
	Message string   `json:"message"`
}

// Decision is the result of an entitlement check. Nil remaining counts
// mean unlimited.
type Decision struct {
	CanGenerate     bool         `json:"canGenerate"`
	Reason          DenyReason   `json:"reason,omitempty"`
	Plan            PlanName     `json:"plan"`
	RemainingPro    *int64       `json:"remainingPro"`
	RemainingDraft  *int64       `json:"remainingDraft"`
	UsagePercentage float64      `json:"usagePercentage"`
	IsOverage       bool         `json:"isOverage"`
	UpgradeHint     *UpgradeHint `json:"upgradeHint,omitempty"`
	CanRetry        bool         `json:"canRetry"`
}

// Unavailable is the fail-closed decision returned when storage or the
// payment provider cannot be reached.
func Unavailable() Decision {
	return Decision{
		CanGenerate: false,
		Reason:      ReasonServiceUnavailable,
		CanRetry:    true,
	}
}

// UsageSummary is the display form of the current ledger row.
type UsageSummary struct {
	PeriodStart      time.Time `json:"periodStart"`
	PeriodEnd        time.Time `json:"periodEnd"`
	ProUsed          int64     `json:"proUsed"`
	ProLimit         *int64    `json:"proLimit"`
	ProOverageUsed   int64     `json:"proOverageUsed"`
	ProOverageLimit  int64     `json:"proOverageLimit"`
	DraftUsed        int64     `json:"draftUsed"`
	DraftLimit       *int64    `json:"draftLimit"`
	OverageCharge    int64     `json:"overageCharge"`
	OverageUnitPrice int64     `json:"overageUnitPrice"`
}

// SummarizeUsage converts a ledger row for display.
func SummarizeUsage(r *UsageRow) UsageSummary {
	return UsageSummary{
		PeriodStart:      r.PeriodStart,
		PeriodEnd:        r.PeriodEnd,
		ProUsed:          r.ProUsed,
		ProLimit:         r.ProLimit,
		ProOverageUsed:   r.ProOverageUsed,
		ProOverageLimit:  r.ProOverageLimit,
		DraftUsed:        r.DraftUsed,
		DraftLimit:       r.DraftLimit,
		OverageCharge:    r.OverageCharge,
		OverageUnitPrice: r.OverageUnitPrice,
	}
}

// SubscriptionOverview is the read-only composite shown in account settings.
type SubscriptionOverview struct {
	Plan              PlanName           `json:"plan"`
	Status            SubscriptionStatus `json:"status"`
	PeriodEnd         *time.Time         `json:"periodEnd"`
	CancelAtPeriodEnd bool               `json:"cancelAtPeriodEnd"`
	Usage             UsageSummary       `json:"usage"`
}
