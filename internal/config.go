package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DukeRupert/hookmeter/internal/billing"
	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/joho/godotenv"
)

// Database drivers accepted in DATABASE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Storage
	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseUrl    string // required for postgres
	SQLitePath     string // used for sqlite
	StorageTimeout time.Duration

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeMaxRetries    int
	Prices              billing.PriceConfig

	// Plans
	FreeResetInterval domain.Interval

	// Overview cache (optional)
	RedisURL         string
	OverviewCacheTTL time.Duration

	// Lifecycle events (optional)
	KafkaBrokers []string
	KafkaTopic   string

	// API
	UserIDHeader   string
	APIRateLimit   int
	APIRateWindow  time.Duration
	WebhookLease   time.Duration
	ShutdownPeriod time.Duration

	// Metrics endpoint authentication. If both are empty /metrics is open.
	MetricsUsername string
	MetricsPassword string
}

// NewConfig loads configuration from the environment (and .env when present)
// and validates it.
func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", DriverPostgres)),
		DatabaseUrl:    getEnv("DATABASE_URL", ""),
		SQLitePath:     getEnv("SQLITE_PATH", "./data/hookmeter.db"),
		StorageTimeout: getEnvDuration("STORAGE_TIMEOUT", 3*time.Second),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeMaxRetries:    getEnvInt("STRIPE_MAX_RETRIES", 3),
		Prices: billing.PriceConfig{
			StarterMonthlyPriceID: getEnv("STRIPE_STARTER_MONTHLY_PRICE_ID", ""),
			StarterYearlyPriceID:  getEnv("STRIPE_STARTER_YEARLY_PRICE_ID", ""),
			CreatorMonthlyPriceID: getEnv("STRIPE_CREATOR_MONTHLY_PRICE_ID", ""),
			CreatorYearlyPriceID:  getEnv("STRIPE_CREATOR_YEARLY_PRICE_ID", ""),
			ProMonthlyPriceID:     getEnv("STRIPE_PRO_MONTHLY_PRICE_ID", ""),
			ProYearlyPriceID:      getEnv("STRIPE_PRO_YEARLY_PRICE_ID", ""),
			TeamsMonthlyPriceID:   getEnv("STRIPE_TEAMS_MONTHLY_PRICE_ID", ""),
			TeamsYearlyPriceID:    getEnv("STRIPE_TEAMS_YEARLY_PRICE_ID", ""),
		},

		FreeResetInterval: domain.Interval(strings.ToLower(getEnv("FREE_RESET_INTERVAL", string(domain.IntervalMonth)))),

		RedisURL:         getEnv("REDIS_URL", ""),
		OverviewCacheTTL: getEnvDuration("OVERVIEW_CACHE_TTL", 30*time.Second),

		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "hookmeter.billing"),

		UserIDHeader:   getEnv("USER_ID_HEADER", "X-User-ID"),
		APIRateLimit:   getEnvInt("API_RATE_LIMIT", 120),
		APIRateWindow:  getEnvDuration("API_RATE_WINDOW", time.Minute),
		WebhookLease:   getEnvDuration("WEBHOOK_LEASE", 30*time.Second),
		ShutdownPeriod: getEnvDuration("SHUTDOWN_PERIOD", 30*time.Second),

		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseUrl == "" {
			return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER is 'postgres'")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DATABASE_DRIVER is 'sqlite'")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be either 'postgres' or 'sqlite', got: %s", c.DatabaseDriver)
	}

	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.StripeMaxRetries < 0 {
		return fmt.Errorf("STRIPE_MAX_RETRIES must not be negative, got: %d", c.StripeMaxRetries)
	}

	if c.FreeResetInterval != domain.IntervalMonth && c.FreeResetInterval != domain.IntervalWeek {
		return fmt.Errorf("FREE_RESET_INTERVAL must be either 'month' or 'week', got: %s", c.FreeResetInterval)
	}

	if c.StorageTimeout <= 0 {
		return fmt.Errorf("STORAGE_TIMEOUT must be positive, got: %s", c.StorageTimeout)
	}
	if c.APIRateLimit <= 0 || c.APIRateWindow <= 0 {
		return fmt.Errorf("API_RATE_LIMIT and API_RATE_WINDOW must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if strings.TrimSpace(c.UserIDHeader) == "" {
		return fmt.Errorf("USER_ID_HEADER must not be empty")
	}
	return nil
}

// IsSecure reports whether HTTPS-only headers should be sent.
func (c *Config) IsSecure() bool {
	return c.Env != "development"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList parses a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
