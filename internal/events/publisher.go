// Package events publishes billing lifecycle events for the analytics
// pipeline. Publishing is best effort: callers log failures and carry on.
// The Kafka writer runs in async mode so request paths never wait on a
// broker; delivery failures are logged from the writer's completion hook.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event types
const (
	TypeSubscriptionTransitioned = "subscription.transitioned"
	TypeUsagePeriodOpened        = "usage.period_opened"
	TypeUsageOverageRecorded     = "usage.overage_recorded"
)

// Event is one lifecycle message. UserID is the partition key so a user's
// events stay ordered.
type Event struct {
	Type       string         `json:"type"`
	UserID     string         `json:"user_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher sends lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaPublisher struct {
	writer       messageWriter
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewKafkaPublisher creates a publisher writing JSON messages to topic.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is not configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("Failed to deliver lifecycle events", "count", len(msgs), "error", err)
			}
		},
	}

	logger.Info("Kafka publisher initialized", "brokers", brokers, "topic", topic)
	return newKafkaPublisher(writer, logger), nil
}

func newKafkaPublisher(w messageWriter, logger *slog.Logger) *kafkaPublisher {
	return &kafkaPublisher{writer: w, writeTimeout: time.Second, logger: logger}
}

func (p *kafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: marshal %s event: %w", ev.Type, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(ev.UserID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka: write %s event: %w", ev.Type, err)
	}
	p.logger.Debug("Published lifecycle event", "type", ev.Type, "user_id", ev.UserID)
	return nil
}

func (p *kafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close writer: %w", err)
	}
	return nil
}

// Noop discards every event. It is used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
