package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/DukeRupert/hookmeter/internal"
	"github.com/DukeRupert/hookmeter/internal/billing"
	"github.com/DukeRupert/hookmeter/internal/cache"
	"github.com/DukeRupert/hookmeter/internal/events"
	"github.com/DukeRupert/hookmeter/internal/handler"
	"github.com/DukeRupert/hookmeter/internal/metrics"
	"github.com/DukeRupert/hookmeter/internal/middleware"
	"github.com/DukeRupert/hookmeter/internal/repository"
	"github.com/DukeRupert/hookmeter/internal/service"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// serve wires the engine and runs the HTTP server until ctx is canceled.
func serve(ctx context.Context, cfg *internal.Config) (err error) {
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Everything opened below is closed on the way out; close failures are
	// folded into the returned error.
	var closers []io.Closer
	defer func() {
		var result *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].Close(); cerr != nil {
				result = multierror.Append(result, cerr)
			}
		}
		if cerr := result.ErrorOrNil(); cerr != nil {
			logger.Error("Shutdown close errors", "error", cerr)
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	// ==========================================================================
	// Storage
	// ==========================================================================

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, store)
	logger.Info("Database ready", "driver", cfg.DatabaseDriver)

	// ==========================================================================
	// Billing collaborators
	// ==========================================================================

	catalog, err := billing.NewCatalog(billing.DefaultPlans(cfg.FreeResetInterval), cfg.Prices)
	if err != nil {
		return fmt.Errorf("plan catalog: %w", err)
	}
	payments := billing.NewStripeClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.StripeMaxRetries)

	engineCfg := service.Config{
		Store:          store,
		Catalog:        catalog,
		Payments:       payments,
		Publisher:      events.Noop{},
		Logger:         logger,
		StorageTimeout: cfg.StorageTimeout,
		WebhookLease:   cfg.WebhookLease,
	}

	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		closers = append(closers, client)
		engineCfg.Cache = cache.NewOverviewCache(client, cfg.OverviewCacheTTL, logger)
		logger.Info("Overview cache enabled", "ttl", cfg.OverviewCacheTTL)
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return err
		}
		closers = append(closers, publisher)
		engineCfg.Publisher = publisher
		logger.Info("Lifecycle events enabled", "topic", cfg.KafkaTopic, "brokers", len(cfg.KafkaBrokers))
	}

	engine, err := service.NewEngine(engineCfg)
	if err != nil {
		return err
	}

	// ==========================================================================
	// Routes
	// ==========================================================================

	router, limiter := newRouter(cfg, logger, store, engine)
	closers = append(closers, limiter)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ==========================================================================
	// Run
	// ==========================================================================

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Graceful shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *internal.Config) (repository.Store, error) {
	if cfg.DatabaseDriver == internal.DriverSQLite {
		return repository.OpenSQLite(cfg.SQLitePath)
	}

	store, db, err := repository.OpenPostgres(ctx, cfg.DatabaseUrl)
	if err != nil {
		return nil, err
	}
	if err := internal.RunMigrations(ctx, db); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return store, nil
}

// newRouter builds the mux and the global middleware chain. The returned
// limiter must be closed on shutdown.
func newRouter(cfg *internal.Config, logger *slog.Logger, store repository.Store, engine *service.Engine) (http.Handler, *middleware.RateLimiter) {
	identity := middleware.NewIdentityMiddleware(cfg.UserIDHeader, logger)
	limiter := middleware.NewRateLimiter(cfg.APIRateLimit, cfg.APIRateWindow, logger)
	rateLimit := middleware.NewRateLimitMiddleware(limiter, logger)
	metricsAuth := middleware.OperatorAuth{
		Realm:    "metrics",
		Username: cfg.MetricsUsername,
		Password: cfg.MetricsPassword,
	}.Require(logger)

	mux := http.NewServeMux()

	handler.NewHealthHandler(store, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", metricsAuth(promhttp.Handler()))

	// Provider webhooks are authenticated by signature, not identity.
	handler.NewWebhookHandler(engine, logger).RegisterRoutes(mux)

	requireUser := middleware.Stack(identity.RequireUserID, rateLimit.Limit)
	handler.NewBillingHandler(engine, engine, logger).RegisterRoutes(mux, requireUser)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handler.NotFoundResponse(w, r, logger)
	})

	global := middleware.Stack(
		middleware.NewSecurityHeadersMiddleware(cfg.IsSecure()).Handler,
		identity.WithUserID,
		middleware.NewRequestLoggingMiddleware(logger).Handler,
		metrics.Middleware,
	)
	return global(mux), limiter
}
