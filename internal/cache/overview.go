// Package cache holds a Redis read-through cache of subscription overviews.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	overviewKeyPrefix = "hookmeter:overview:"

	// DefaultTTL bounds how stale a cached overview may be if an
	// invalidation is lost.
	DefaultTTL = 30 * time.Second
)

// kv is the subset of the Redis client the cache uses.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// OverviewCache caches domain.SubscriptionOverview values per user.
type OverviewCache struct {
	client kv
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewOverviewCache wraps a Redis client. A non-positive ttl uses DefaultTTL.
func NewOverviewCache(client kv, ttl time.Duration, logger *slog.Logger) *OverviewCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &OverviewCache{client: client, ttl: ttl, logger: logger}
}

func overviewKey(userID uuid.UUID) string {
	return overviewKeyPrefix + userID.String()
}

// Get returns the cached overview. A miss returns (nil, false, nil).
func (c *OverviewCache) Get(ctx context.Context, userID uuid.UUID) (*domain.SubscriptionOverview, bool, error) {
	data, err := c.client.Get(ctx, overviewKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached overview: %w", err)
	}

	var ov domain.SubscriptionOverview
	if err := json.Unmarshal(data, &ov); err != nil {
		// A corrupt entry is dropped and treated as a miss.
		c.logger.Warn("discarding undecodable cached overview", "user_id", userID, "error", err)
		_ = c.client.Del(ctx, overviewKey(userID)).Err()
		return nil, false, nil
	}
	return &ov, true, nil
}

// Set stores an overview for the configured TTL.
func (c *OverviewCache) Set(ctx context.Context, userID uuid.UUID, ov *domain.SubscriptionOverview) error {
	data, err := json.Marshal(ov)
	if err != nil {
		return fmt.Errorf("marshal overview: %w", err)
	}
	if err := c.client.Set(ctx, overviewKey(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache overview: %w", err)
	}
	return nil
}

// Invalidate removes a user's cached overview.
func (c *OverviewCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := c.client.Del(ctx, overviewKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate overview: %w", err)
	}
	return nil
}
