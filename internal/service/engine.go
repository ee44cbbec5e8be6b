// Package service contains the business logic layer.
//
// The Engine is the usage-based entitlement and billing reconciliation
// engine. It decides whether a user may run a generation, records
// completed generations against the usage ledger, opens new usage periods
// when the old one ends, and reconciles payment-provider webhooks into
// subscription state. Handlers depend on the narrow interfaces below.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/hookmeter/internal/billing"
	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/DukeRupert/hookmeter/internal/events"
	"github.com/DukeRupert/hookmeter/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Configuration Constants
// =============================================================================

const (
	// DefaultStorageTimeout bounds every storage call.
	DefaultStorageTimeout = 3 * time.Second

	// DefaultWebhookLease is how long one delivery may hold an event before
	// a redelivery can take it over.
	DefaultWebhookLease = 30 * time.Second

	// maxRolloverAttempts bounds the initialize-then-re-read loop.
	maxRolloverAttempts = 2

	// maxWriteAttempts bounds conditional write retries.
	maxWriteAttempts = 3
)

// =============================================================================
// Interface Definitions
// =============================================================================

// EntitlementService gates and meters generations.
type EntitlementService interface {
	// CheckEntitlement decides whether the user may run one generation of
	// the model class. On storage or provider failure it returns the
	// fail-closed decision together with the error.
	CheckEntitlement(ctx context.Context, userID uuid.UUID, class domain.ModelClass) (domain.Decision, error)

	// RecordGeneration meters one completed generation. Returns a
	// domain.EPAYMENT error when no quota remains at write time.
	RecordGeneration(ctx context.Context, userID uuid.UUID, class domain.ModelClass) error
}

// BillingService exposes subscription state and user-initiated changes.
type BillingService interface {
	GetSubscriptionOverview(ctx context.Context, userID uuid.UUID) (*domain.SubscriptionOverview, error)
	GetUsageHistory(ctx context.Context, userID uuid.UUID, limit int) ([]domain.UsageRow, error)
	EnsureCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error)
	CancelSubscription(ctx context.Context, userID uuid.UUID) error
	ReactivateSubscription(ctx context.Context, userID uuid.UUID) error
}

// WebhookService reconciles provider events.
type WebhookService interface {
	// HandleWebhook verifies and applies one provider event. Signature
	// failures wrap domain.ErrInvalidSignature; any other error means the
	// provider should redeliver.
	HandleWebhook(ctx context.Context, payload []byte, signature string) (domain.WebhookOutcome, error)
}

// OverviewCache caches subscription overviews between state changes.
type OverviewCache interface {
	Get(ctx context.Context, userID uuid.UUID) (*domain.SubscriptionOverview, bool, error)
	Set(ctx context.Context, userID uuid.UUID, ov *domain.SubscriptionOverview) error
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

// =============================================================================
// Engine
// =============================================================================

// Config holds the Engine's collaborators. Cache, Publisher and Clock are
// optional.
type Config struct {
	Store          repository.Store
	Catalog        *billing.Catalog
	Payments       billing.Client
	Cache          OverviewCache
	Publisher      events.Publisher
	Logger         *slog.Logger
	Clock          func() time.Time
	StorageTimeout time.Duration
	WebhookLease   time.Duration
}

// Engine implements EntitlementService, BillingService and WebhookService.
type Engine struct {
	store          repository.Store
	catalog        *billing.Catalog
	payments       billing.Client
	cache          OverviewCache
	publisher      events.Publisher
	logger         *slog.Logger
	clock          func() time.Time
	storageTimeout time.Duration
	webhookLease   time.Duration

	// rollovers coalesces concurrent current-row lookups per user.
	rollovers singleflight.Group
}

var (
	_ EntitlementService = (*Engine)(nil)
	_ BillingService     = (*Engine)(nil)
	_ WebhookService     = (*Engine)(nil)
)

// NewEngine creates an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("engine: store is required")
	case cfg.Catalog == nil:
		return nil, errors.New("engine: plan catalog is required")
	case cfg.Payments == nil:
		return nil, errors.New("engine: payments client is required")
	}

	e := &Engine{
		store:          cfg.Store,
		catalog:        cfg.Catalog,
		payments:       cfg.Payments,
		cache:          cfg.Cache,
		publisher:      cfg.Publisher,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		storageTimeout: cfg.StorageTimeout,
		webhookLease:   cfg.WebhookLease,
	}
	if e.publisher == nil {
		e.publisher = events.Noop{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.storageTimeout <= 0 {
		e.storageTimeout = DefaultStorageTimeout
	}
	if e.webhookLease <= 0 {
		e.webhookLease = DefaultWebhookLease
	}
	return e, nil
}

// now returns the engine time at the storage resolution of one second.
func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Second)
}

// =============================================================================
// Helper Functions
// =============================================================================

// withStorage runs one storage call under the storage timeout. Failures
// other than the store's control-flow signals become retryable
// StorageUnavailable errors.
func withStorage[T any](ctx context.Context, e *Engine, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()

	v, err := fn(ctx)
	if err == nil ||
		errors.Is(err, repository.ErrNotFound) ||
		errors.Is(err, domain.ErrConditionFailed) {
		return v, err
	}
	return v, domain.StorageUnavailable(op, err)
}

// loadSubscription returns the user's record, creating the free record on
// first contact.
func (e *Engine) loadSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return withStorage(ctx, e, "subscription.load", func(ctx context.Context) (*domain.Subscription, error) {
		return e.store.EnsureSubscription(ctx, userID, e.now())
	})
}

// invalidate drops the cached overview. Cache failures are logged only.
func (e *Engine) invalidate(ctx context.Context, userID uuid.UUID) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, userID); err != nil {
		e.logger.Warn("failed to invalidate overview cache", "user_id", userID, "error", err)
	}
}

// publish sends a lifecycle event. Failures are logged only.
func (e *Engine) publish(ctx context.Context, eventType string, userID uuid.UUID, data map[string]any) {
	err := e.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		UserID:     userID.String(),
		OccurredAt: e.now(),
		Data:       data,
	})
	if err != nil {
		e.logger.Warn("failed to publish lifecycle event", "type", eventType, "user_id", userID, "error", err)
	}
}
