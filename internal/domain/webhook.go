package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookOutcome records what processing a provider event resulted in.
type WebhookOutcome string

const (
	WebhookOutcomeApplied   WebhookOutcome = "applied"
	WebhookOutcomeDuplicate WebhookOutcome = "duplicate"
	WebhookOutcomeStale     WebhookOutcome = "stale_event"
	WebhookOutcomeIgnored   WebhookOutcome = "ignored"
	WebhookOutcomeFailed    WebhookOutcome = "failed"
)

// WebhookEvent is the append-only log entry of a received provider event.
// ProviderEventID is unique and serves as the deduplication key.
type WebhookEvent struct {
	ID              uuid.UUID
	ProviderEventID string
	EventType       string
	Payload         []byte
	EventCreatedAt  time.Time
	Processed       bool
	Outcome         WebhookOutcome
	ProcessingError string
	RetryCount      int
	LockedUntil     *time.Time
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}
