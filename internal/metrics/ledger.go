package metrics

import "time"

// Rollover triggers
const (
	TriggerInitial    = "initial"
	TriggerExpired    = "expired"
	TriggerPlanChange = "plan_change"
	TriggerRenewal    = "renewal"
)

// DecisionMade records the outcome of an entitlement check.
func DecisionMade(modelClass, result string) {
	EntitlementDecisions.WithLabelValues(modelClass, result).Inc()
}

// GenerationRecorded records one ledger increment and any overage charge.
func GenerationRecorded(modelClass string, overage bool, charge int64) {
	bucket := "base"
	if overage {
		bucket = "overage"
	}
	GenerationsRecorded.WithLabelValues(modelClass, bucket).Inc()
	if charge > 0 {
		OverageChargeTotal.Add(float64(charge))
	}
}

// PeriodOpened records a new usage period.
func PeriodOpened(trigger string) {
	PeriodRollovers.WithLabelValues(trigger).Inc()
}

// InvariantViolated records a stored state that breaks a ledger invariant.
func InvariantViolated() {
	InvariantViolations.Inc()
}

// WebhookProcessed records a processed provider event.
func WebhookProcessed(eventType, outcome string, duration time.Duration) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	WebhookDuration.Observe(duration.Seconds())
}
