// Package domain contains core business types and interfaces.
//
// This file defines the Subscription Record, the local mirror of a user's
// plan and payment-provider subscription state.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Subscription Status
// =============================================================================

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	// SubscriptionStatusFree indicates no provider subscription exists.
	SubscriptionStatusFree SubscriptionStatus = "free"

	// SubscriptionStatusTrialing indicates a provider trial is running.
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"

	// SubscriptionStatusActive indicates a paid, current subscription.
	SubscriptionStatusActive SubscriptionStatus = "active"

	// SubscriptionStatusPastDue indicates the latest invoice failed. The paid
	// plan stays in effect while the provider retries collection.
	SubscriptionStatusPastDue SubscriptionStatus = "past_due"

	// SubscriptionStatusCanceled indicates the provider subscription ended
	// without a deletion event having been applied yet.
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// String returns the string representation of the status.
func (s SubscriptionStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized value.
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionStatusFree, SubscriptionStatusTrialing, SubscriptionStatusActive,
		SubscriptionStatusPastDue, SubscriptionStatusCanceled:
		return true
	}
	return false
}

// GrantsPaidPlan reports whether the subscription's plan is in effect.
func (s SubscriptionStatus) GrantsPaidPlan() bool {
	switch s {
	case SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusPastDue:
		return true
	}
	return false
}

// subscriptionTransitions lists the status changes a provider event may cause.
// Updates carrying absolute state may move between any paid states; this
// table guards the event kinds with explicit preconditions.
var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusFree:     {SubscriptionStatusActive, SubscriptionStatusTrialing},
	SubscriptionStatusCanceled: {SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusFree},
	SubscriptionStatusTrialing: {SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCanceled, SubscriptionStatusFree},
	SubscriptionStatusActive:   {SubscriptionStatusPastDue, SubscriptionStatusCanceled, SubscriptionStatusFree},
	SubscriptionStatusPastDue:  {SubscriptionStatusActive, SubscriptionStatusCanceled, SubscriptionStatusFree},
}

// CanTransitionTo checks if the status can move to the target status.
func (s SubscriptionStatus) CanTransitionTo(target SubscriptionStatus) bool {
	if s == target {
		return true
	}
	for _, allowed := range subscriptionTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// =============================================================================
// Subscription Record
// =============================================================================

// Subscription is the per-user mirror of provider subscription state.
// Empty provider ids are stored as NULL.
type Subscription struct {
	UserID                 uuid.UUID
	PlanName               PlanName
	Status                 SubscriptionStatus
	ProviderCustomerID     string
	ProviderSubscriptionID string
	EndedSubscriptionID    string // last provider subscription deleted from this record
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	LastEventAt            *time.Time // creation time of the newest applied subscription event
	LastInvoiceEventAt     *time.Time // creation time of the newest applied invoice event
	Version                int64      // optimistic concurrency token
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// NewFreeSubscription returns the implicit record created at registration.
func NewFreeSubscription(userID uuid.UUID, now time.Time) *Subscription {
	return &Subscription{
		UserID:    userID,
		PlanName:  PlanFree,
		Status:    SubscriptionStatusFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// EffectivePlan returns the plan whose limits apply right now.
func (s *Subscription) EffectivePlan() PlanName {
	if s == nil || !s.Status.GrantsPaidPlan() {
		return PlanFree
	}
	return s.PlanName
}

// HasPaidSubscription reports whether a provider subscription backs the record.
func (s *Subscription) HasPaidSubscription() bool {
	return s != nil && s.ProviderSubscriptionID != "" && s.Status != SubscriptionStatusFree
}

// IsStale reports whether a subscription event created at eventAt predates
// the newest subscription event already applied to this record.
func (s *Subscription) IsStale(eventAt time.Time) bool {
	return s.LastEventAt != nil && eventAt.Before(*s.LastEventAt)
}

// IsStaleInvoice is IsStale for invoice events. Invoices carry no plan or
// status, so they are ordered only against each other.
func (s *Subscription) IsStaleInvoice(eventAt time.Time) bool {
	return s.LastInvoiceEventAt != nil && eventAt.Before(*s.LastInvoiceEventAt)
}

// MarkApplied advances the watermark of the event's stream to eventAt.
func (s *Subscription) MarkApplied(eventAt time.Time, invoice bool) {
	if eventAt.IsZero() {
		return
	}
	mark := &s.LastEventAt
	if invoice {
		mark = &s.LastInvoiceEventAt
	}
	if *mark == nil || eventAt.After(**mark) {
		at := eventAt
		*mark = &at
	}
}

// HasEnded reports whether subscriptionID was deleted from this record.
// Provider subscriptions never restart once deleted.
func (s *Subscription) HasEnded(subscriptionID string) bool {
	return subscriptionID != "" && s.EndedSubscriptionID == subscriptionID
}

// Validate checks the record's structural invariant: status is free exactly
// when there is no provider subscription.
func (s *Subscription) Validate() error {
	const op = "subscription.validate"

	if !s.Status.IsValid() {
		return Invalid(op, "unknown subscription status "+string(s.Status))
	}
	if (s.Status == SubscriptionStatusFree) != (s.ProviderSubscriptionID == "") {
		return &InvariantViolation{
			Op:     op,
			Detail: "status free must coincide with an empty provider subscription id",
		}
	}
	return nil
}

// ResetToFree clears the provider subscription and returns the record to the
// free plan. The cleared id is kept as EndedSubscriptionID.
func (s *Subscription) ResetToFree() {
	if s.ProviderSubscriptionID != "" {
		s.EndedSubscriptionID = s.ProviderSubscriptionID
	}
	s.PlanName = PlanFree
	s.Status = SubscriptionStatusFree
	s.ProviderSubscriptionID = ""
	s.CurrentPeriodEnd = nil
	s.CancelAtPeriodEnd = false
}
