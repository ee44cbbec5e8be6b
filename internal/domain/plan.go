// Package domain contains core business types and interfaces.
//
// This file defines subscription plans and the metered model classes
// they grant access to.
package domain

import "math"

// =============================================================================
// Model Class
// =============================================================================

// ModelClass identifies the metered resource a generation consumes.
type ModelClass string

const (
	// ModelClassDraft is the cheaper model, metered against draft_used.
	ModelClassDraft ModelClass = "draft"

	// ModelClassPro is the premium model, metered against pro_used and,
	// once the base quota is spent, pro_overage_used.
	ModelClassPro ModelClass = "pro"
)

func (c ModelClass) String() string {
	return string(c)
}

// IsValid returns true if the class is a recognized value.
func (c ModelClass) IsValid() bool {
	return c == ModelClassDraft || c == ModelClassPro
}

// =============================================================================
// Intervals
// =============================================================================

// Interval is a billing or usage-reset cadence.
type Interval string

const (
	IntervalNone  Interval = "none"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// IsValid returns true if the interval is a recognized value.
func (i Interval) IsValid() bool {
	switch i {
	case IntervalNone, IntervalWeek, IntervalMonth, IntervalYear:
		return true
	}
	return false
}

// =============================================================================
// Plan
// =============================================================================

// PlanName identifies a subscription tier.
type PlanName string

const (
	PlanFree    PlanName = "free"
	PlanStarter PlanName = "starter"
	PlanCreator PlanName = "creator"
	PlanPro     PlanName = "pro"
	PlanTeams   PlanName = "teams"
)

func (n PlanName) String() string {
	return string(n)
}

// Plan is one row of the plan catalog. Limits are per usage period; a nil
// limit means unlimited.
type Plan struct {
	Name                    PlanName
	Rank                    int // position in the upgrade ladder, free = 0
	ProGenerationsLimit     *int64
	DraftGenerationsLimit   *int64
	AllowedModelClasses     []ModelClass
	BillingInterval         Interval
	ResetInterval           Interval // cadence of usage counter resets
	OverageAllowancePercent float64  // fraction of the pro limit allowed as overage
	OverageUnitPrice        int64    // minor currency units per overage generation
}

// Allows reports whether the plan grants access to the model class.
func (p Plan) Allows(class ModelClass) bool {
	for _, c := range p.AllowedModelClasses {
		if c == class {
			return true
		}
	}
	return false
}

// IsPaid reports whether the plan is billed by the payment provider.
func (p Plan) IsPaid() bool {
	return p.BillingInterval != IntervalNone
}

// MaxOverage returns floor(proLimit × overageAllowancePercent). Plans with an
// unlimited pro quota never need overage and return 0.
func (p Plan) MaxOverage() int64 {
	return MaxOverage(p.ProGenerationsLimit, p.OverageAllowancePercent)
}

// MaxOverage computes the overage ceiling for a pro limit snapshot.
func MaxOverage(proLimit *int64, percent float64) int64 {
	if proLimit == nil || percent <= 0 {
		return 0
	}
	// Small epsilon absorbs binary representation error (0.15 × 1000).
	return int64(math.Floor(float64(*proLimit)*percent + 1e-9))
}

// Limit is a convenience constructor for plan limits.
func Limit(n int64) *int64 {
	return &n
}
