package service

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/hookmeter/internal/billing"
	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/DukeRupert/hookmeter/internal/events"
	"github.com/DukeRupert/hookmeter/internal/metrics"
	"github.com/DukeRupert/hookmeter/internal/repository"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
)

// eventHandler applies one decoded provider event to a subscription record.
// Handlers mutate sub in memory; the caller persists it.
type eventHandler func(ctx context.Context, sub *domain.Subscription, ev *billing.Event) (domain.WebhookOutcome, error)

// handlerFor returns the handler of every event kind. The switch must stay
// exhaustive over billing.AllEventKinds.
func (e *Engine) handlerFor(kind billing.EventKind) eventHandler {
	switch kind {
	case billing.EventKindUnhandled:
		return e.onUnhandled
	case billing.EventKindSubscriptionCreated:
		return e.onSubscriptionCreated
	case billing.EventKindSubscriptionUpdated:
		return e.onSubscriptionUpdated
	case billing.EventKindSubscriptionDeleted:
		return e.onSubscriptionDeleted
	case billing.EventKindPaymentSucceeded:
		return e.onPaymentSucceeded
	case billing.EventKindPaymentFailed:
		return e.onPaymentFailed
	}
	return nil
}

// HandleWebhook verifies, deduplicates and applies one provider event.
//
// The event record is written before any side effect. A record already
// marked processed short-circuits as a duplicate. A processing lease keeps
// two concurrent deliveries of the same event from both applying it.
// Failures are recorded on the event and returned so the provider
// redelivers.
func (e *Engine) HandleWebhook(ctx context.Context, payload []byte, signature string) (domain.WebhookOutcome, error) {
	const op = "webhook.handle"
	started := time.Now()

	raw, err := e.payments.ConstructEvent(payload, signature)
	if err != nil {
		e.logger.Warn("webhook signature verification failed", "error", err)
		return "", err
	}

	now := e.now()
	record, err := withStorage(ctx, e, op, func(ctx context.Context) (*domain.WebhookEvent, error) {
		stored, _, err := e.store.RecordWebhookEvent(ctx, &domain.WebhookEvent{
			ID:              uuid.New(),
			ProviderEventID: raw.ID,
			EventType:       string(raw.Type),
			Payload:         payload,
			EventCreatedAt:  time.Unix(raw.Created, 0).UTC(),
			ReceivedAt:      now,
		})
		return stored, err
	})
	if err != nil {
		return "", err
	}

	logger := e.logger.With("event_id", raw.ID, "event_type", raw.Type)

	if record.Processed {
		logger.Info("duplicate webhook event", "outcome", record.Outcome)
		metrics.WebhookProcessed(string(raw.Type), string(domain.WebhookOutcomeDuplicate), time.Since(started))
		return domain.WebhookOutcomeDuplicate, nil
	}

	claimed, err := withStorage(ctx, e, op, func(ctx context.Context) (bool, error) {
		return e.store.ClaimWebhookEvent(ctx, record.ID, now, now.Add(e.webhookLease))
	})
	if err != nil {
		return "", err
	}
	if !claimed {
		logger.Warn("webhook event is being processed by another delivery")
		return "", domain.Errorf(domain.EUNAVAILABLE, op, "event is being processed by another delivery")
	}

	outcome, err := e.reconcile(ctx, raw)
	if errors.Is(err, domain.ErrStaleEvent) {
		logger.Info("stale webhook event discarded", "error", err)
		outcome, err = domain.WebhookOutcomeStale, nil
	}

	// Bookkeeping outlives a client disconnect.
	bookCtx := context.WithoutCancel(ctx)

	if err != nil {
		logger.Error("webhook processing failed", "retry_count", record.RetryCount+1, "error", err)
		if _, ferr := withStorage(bookCtx, e, op, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.store.FailWebhookEvent(ctx, record.ID, err.Error())
		}); ferr != nil {
			logger.Error("failed to record webhook failure", "error", ferr)
		}
		metrics.WebhookProcessed(string(raw.Type), string(domain.WebhookOutcomeFailed), time.Since(started))
		return "", err
	}

	if _, err := withStorage(bookCtx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.CompleteWebhookEvent(ctx, record.ID, outcome, e.now())
	}); err != nil {
		// The side effects are idempotent; a redelivery re-applies nothing new.
		logger.Error("failed to mark webhook event processed", "error", err)
		return "", err
	}

	metrics.WebhookProcessed(string(raw.Type), string(outcome), time.Since(started))
	logger.Info("webhook event processed", "outcome", outcome)
	return outcome, nil
}

// reconcile decodes the event, resolves its user and dispatches it.
// Decoding happens after the event is recorded and claimed, so a malformed
// payload is recorded as a processing failure.
func (e *Engine) reconcile(ctx context.Context, raw stripe.Event) (domain.WebhookOutcome, error) {
	const op = "webhook.reconcile"
	eventID := raw.ID

	ev, err := billing.DecodeEvent(raw)
	if err != nil {
		return "", err
	}
	if ev.Kind == billing.EventKindUnhandled {
		return e.onUnhandled(ctx, nil, ev)
	}

	sub, err := e.resolveSubscription(ctx, ev)
	if err != nil {
		return "", err
	}
	if sub == nil {
		e.logger.Warn("webhook event for unknown user",
			"event_id", eventID,
			"customer_id", ev.CustomerID(),
			"subscription_id", ev.SubscriptionID(),
		)
		return domain.WebhookOutcomeIgnored, nil
	}
	// Subscription and invoice events are ordered separately.
	stale := sub.IsStale(ev.Created)
	if !ev.Kind.IsSubscriptionEvent() {
		stale = sub.IsStaleInvoice(ev.Created)
	}
	if stale {
		return "", domain.Stale(op, eventID)
	}
	// A deleted subscription never comes back, whatever the event timestamps say.
	if (ev.Kind == billing.EventKindSubscriptionCreated || ev.Kind == billing.EventKindSubscriptionUpdated) &&
		sub.HasEnded(ev.SubscriptionID()) {
		return "", domain.Stale(op, eventID)
	}

	before := *sub
	outcome, err := e.handlerFor(ev.Kind)(ctx, sub, ev)
	if err != nil || outcome != domain.WebhookOutcomeApplied {
		return outcome, err
	}
	if err := e.saveFromEvent(ctx, sub, ev); err != nil {
		return "", err
	}

	e.invalidate(ctx, sub.UserID)
	if before.Status != sub.Status || before.PlanName != sub.PlanName || before.CancelAtPeriodEnd != sub.CancelAtPeriodEnd {
		e.publish(ctx, events.TypeSubscriptionTransitioned, sub.UserID, map[string]any{
			"event_id":             eventID,
			"from_status":          before.Status,
			"to_status":            sub.Status,
			"from_plan":            before.PlanName,
			"to_plan":              sub.PlanName,
			"cancel_at_period_end": sub.CancelAtPeriodEnd,
		})
	}
	return outcome, nil
}

// resolveSubscription finds the record an event belongs to: by the user id
// stamped in metadata, then by customer id, then by subscription id. It
// returns nil when none matches.
func (e *Engine) resolveSubscription(ctx context.Context, ev *billing.Event) (*domain.Subscription, error) {
	const op = "webhook.resolve_user"

	if id := ev.MetadataUserID(); id != "" {
		userID, err := uuid.Parse(id)
		if err == nil {
			sub, err := e.loadSubscription(ctx, userID)
			if err != nil {
				return nil, err
			}
			if sub.ProviderCustomerID == "" {
				sub.ProviderCustomerID = ev.CustomerID()
			}
			return sub, nil
		}
		e.logger.Warn("webhook metadata carries an invalid user id", "event_id", ev.ID, "user_id", id)
	}

	lookups := []struct {
		key  string
		find func(ctx context.Context, key string) (*domain.Subscription, error)
	}{
		{ev.CustomerID(), e.store.GetSubscriptionByCustomerID},
		{ev.SubscriptionID(), e.store.GetSubscriptionByProviderID},
	}
	for _, l := range lookups {
		if l.key == "" {
			continue
		}
		sub, err := withStorage(ctx, e, op, func(ctx context.Context) (*domain.Subscription, error) {
			return l.find(ctx, l.key)
		})
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		return sub, err
	}
	return nil, nil
}

// saveFromEvent persists a record changed by an event. A concurrent change
// fails the delivery so it is retried against fresh state.
func (e *Engine) saveFromEvent(ctx context.Context, sub *domain.Subscription, ev *billing.Event) error {
	const op = "webhook.save_subscription"

	sub.MarkApplied(ev.Created, !ev.Kind.IsSubscriptionEvent())
	sub.UpdatedAt = e.now()

	if err := sub.Validate(); err != nil {
		var iv *domain.InvariantViolation
		if errors.As(err, &iv) {
			return e.reportInvariant(op, sub.UserID, iv.Detail)
		}
		return err
	}

	_, err := withStorage(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.SaveSubscription(ctx, sub)
	})
	if errors.Is(err, domain.ErrConditionFailed) {
		return domain.Wrap(err, domain.ECONFLICT, op, "subscription changed concurrently")
	}
	return err
}

// =============================================================================
// Event Handlers
// =============================================================================

func (e *Engine) onUnhandled(_ context.Context, _ *domain.Subscription, ev *billing.Event) (domain.WebhookOutcome, error) {
	e.logger.Debug("unhandled webhook event type", "event_id", ev.ID, "event_type", ev.Type)
	return domain.WebhookOutcomeIgnored, nil
}

// onSubscriptionCreated moves a free or canceled record onto the new paid
// subscription and opens a period under its plan.
func (e *Engine) onSubscriptionCreated(ctx context.Context, sub *domain.Subscription, ev *billing.Event) (domain.WebhookOutcome, error) {
	p := ev.Subscription
	if sub.ProviderSubscriptionID == p.ID {
		// Already known from an update delivered first.
		return e.onSubscriptionUpdated(ctx, sub, ev)
	}

	status := billing.MapProviderStatus(p.Status)
	if sub.Status != domain.SubscriptionStatusFree && sub.Status != domain.SubscriptionStatusCanceled {
		e.logger.Warn("subscription created while another subscription is in effect",
			"user_id", sub.UserID,
			"current_subscription_id", sub.ProviderSubscriptionID,
			"new_subscription_id", p.ID,
		)
		return domain.WebhookOutcomeIgnored, nil
	}
	if !sub.Status.CanTransitionTo(status) {
		// Incomplete subscriptions are adopted by the update that activates them.
		return domain.WebhookOutcomeIgnored, nil
	}

	if err := e.completeSubscriptionPayload(ctx, p); err != nil {
		return "", err
	}
	plan, err := e.catalog.GetPlanByExternalPriceID(p.PriceID())
	if err != nil {
		return "", err
	}
	if err := e.applySubscriptionPayload(ctx, sub, plan, p); err != nil {
		return "", err
	}
	return domain.WebhookOutcomeApplied, nil
}

// onSubscriptionUpdated copies the payload's absolute state onto the record.
// Events for a subscription the record no longer follows are ignored.
func (e *Engine) onSubscriptionUpdated(ctx context.Context, sub *domain.Subscription, ev *billing.Event) (domain.WebhookOutcome, error) {
	p := ev.Subscription
	if sub.ProviderSubscriptionID != "" && sub.ProviderSubscriptionID != p.ID {
		e.logger.Info("update for a subscription the user no longer holds",
			"user_id", sub.UserID,
			"subscription_id", p.ID,
		)
		return domain.WebhookOutcomeIgnored, nil
	}

	if err := e.completeSubscriptionPayload(ctx, p); err != nil {
		return "", err
	}
	plan, err := e.catalog.GetPlanByExternalPriceID(p.PriceID())
	if err != nil {
		return "", err
	}
	if err := e.applySubscriptionPayload(ctx, sub, plan, p); err != nil {
		return "", err
	}
	return domain.WebhookOutcomeApplied, nil
}

// completeSubscriptionPayload fetches the provider's copy of a subscription
// when an event arrives without its price or period.
func (e *Engine) completeSubscriptionPayload(ctx context.Context, p *billing.SubscriptionPayload) error {
	if !p.Incomplete() {
		return nil
	}
	current, err := e.payments.RetrieveSubscription(ctx, p.ID)
	if err != nil {
		return err
	}
	p.Complete(current)
	e.logger.Info("subscription payload completed from provider", "subscription_id", p.ID)
	return nil
}

// applySubscriptionPayload sets plan, status and period from the payload.
// When the plan is in effect and no current row belongs to this
// subscription and plan, one is opened before the record is saved.
func (e *Engine) applySubscriptionPayload(ctx context.Context, sub *domain.Subscription, plan domain.Plan, p *billing.SubscriptionPayload) error {
	start, end := p.Period()

	sub.PlanName = plan.Name
	sub.Status = billing.MapProviderStatus(p.Status)
	sub.ProviderSubscriptionID = p.ID
	sub.CancelAtPeriodEnd = p.CancelAtPeriodEnd
	sub.CurrentPeriodEnd = nil
	if !end.IsZero() {
		sub.CurrentPeriodEnd = &end
	}
	if sub.ProviderCustomerID == "" {
		sub.ProviderCustomerID = p.Customer
	}

	if !sub.Status.GrantsPaidPlan() {
		// The paid row's limits stop applying with the plan.
		return e.openFreePeriod(ctx, sub.UserID)
	}
	_, err := e.openPlanPeriod(ctx, sub.UserID, plan, p.ID, start, end)
	return err
}

// openFreePeriod closes off paid usage with a free-plan period starting now.
// It is a no-op when free usage is already in effect.
func (e *Engine) openFreePeriod(ctx context.Context, userID uuid.UUID) error {
	free, err := e.catalog.GetPlan(domain.PlanFree)
	if err != nil {
		return err
	}
	_, err = e.openPlanPeriod(ctx, userID, free, "", time.Time{}, time.Time{})
	return err
}

// onSubscriptionDeleted returns the record to free and opens a free period
// at once, discarding what was left of the paid allowance. A deletion that
// overtakes the subscription's creation only tombstones the id, so the
// late creation is rejected.
func (e *Engine) onSubscriptionDeleted(ctx context.Context, sub *domain.Subscription, ev *billing.Event) (domain.WebhookOutcome, error) {
	if sub.ProviderSubscriptionID != ev.Subscription.ID {
		if sub.ProviderSubscriptionID != "" || ev.Subscription.ID == "" || sub.HasEnded(ev.Subscription.ID) {
			return domain.WebhookOutcomeIgnored, nil
		}
		e.logger.Info("deletion delivered before its subscription was adopted",
			"user_id", sub.UserID,
			"subscription_id", ev.Subscription.ID,
		)
		sub.EndedSubscriptionID = ev.Subscription.ID
		return domain.WebhookOutcomeApplied, nil
	}

	if err := e.openFreePeriod(ctx, sub.UserID); err != nil {
		return "", err
	}
	sub.ResetToFree()
	return domain.WebhookOutcomeApplied, nil
}

// onPaymentSucceeded recovers a past-due record and, for renewal invoices,
// starts the new usage period in step with billing.
func (e *Engine) onPaymentSucceeded(ctx context.Context, sub *domain.Subscription, ev *billing.Event) (domain.WebhookOutcome, error) {
	inv := ev.Invoice
	if inv.Subscription == "" || inv.Subscription != sub.ProviderSubscriptionID {
		return domain.WebhookOutcomeIgnored, nil
	}

	applied := false
	if sub.Status == domain.SubscriptionStatusPastDue {
		sub.Status = domain.SubscriptionStatusActive
		applied = true
	}

	if inv.IsRenewal() && sub.Status == domain.SubscriptionStatusActive {
		plan, err := e.catalog.GetPlan(sub.PlanName)
		if err != nil {
			return "", err
		}
		start, end, ok := inv.Period()
		if !ok {
			// Renewal invoices without lines take the period from the subscription.
			current, err := e.payments.RetrieveSubscription(ctx, inv.Subscription)
			if err != nil {
				return "", err
			}
			start, end = billing.SubscriptionPeriod(current)
		}
		if _, err := e.forceRollover(ctx, sub.UserID, plan, sub.ProviderSubscriptionID, start, end); err != nil {
			return "", err
		}
		if end.After(e.now()) {
			sub.CurrentPeriodEnd = &end
		}
		applied = true
	}

	if !applied {
		return domain.WebhookOutcomeIgnored, nil
	}
	return domain.WebhookOutcomeApplied, nil
}

// onPaymentFailed moves an active record to past_due.
func (e *Engine) onPaymentFailed(_ context.Context, sub *domain.Subscription, ev *billing.Event) (domain.WebhookOutcome, error) {
	inv := ev.Invoice
	if inv.Subscription == "" || inv.Subscription != sub.ProviderSubscriptionID {
		return domain.WebhookOutcomeIgnored, nil
	}
	if sub.Status != domain.SubscriptionStatusActive {
		return domain.WebhookOutcomeIgnored, nil
	}
	sub.Status = domain.SubscriptionStatusPastDue
	return domain.WebhookOutcomeApplied, nil
}
