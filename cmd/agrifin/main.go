package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agrifin/internal/accrual"
	"agrifin/internal/api"
	"agrifin/internal/commission"
	"agrifin/internal/common/database"
	"agrifin/internal/common/events"
	"agrifin/internal/common/lock"
	"agrifin/internal/common/metrics"
	"agrifin/internal/common/middleware"
	"agrifin/internal/common/nats"
	"agrifin/internal/payment"
	"agrifin/internal/pricing"
	"agrifin/internal/providers/mobilemoney"
	"agrifin/internal/reconciliation"
	"agrifin/internal/store/memory"
	"agrifin/internal/store/postgres"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"AGRIFIN_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	PromotionSweepInterval time.Duration `envconfig:"PROMOTION_SWEEP_INTERVAL" default:"1h"`
	CommissionRepairEvery  time.Duration `envconfig:"COMMISSION_REPAIR_INTERVAL" default:"15m"`
	CommissionRepairWindow time.Duration `envconfig:"COMMISSION_REPAIR_LOOKBACK" default:"720h"`

	Database       database.Config
	NATS           nats.Config
	Redis          lock.Config
	Pricing        pricing.Config
	Accrual        accrual.Schedule
	Commission     commission.Policy
	Reconciliation reconciliation.Config
	Gateway        mobilemoney.Config
}

// engineStore is satisfied by both the postgres and the memory store.
type engineStore interface {
	pricing.Store
	accrual.Store
	payment.Store
	commission.Store
	reconciliation.Store
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Accrual.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid accrual schedule: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Commission.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid commission policy: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// Storage
	var (
		store       engineStore
		healthCheck = func(context.Context) error { return nil }
	)
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		store = memory.New()
	} else {
		if cfg.Database.Migrate {
			if err := postgres.Migrate(cfg.Database.URL, logger); err != nil {
				logger.Error("failed to run migrations", "error", err)
				os.Exit(1)
			}
		}
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store = postgres.New(db, logger)
		healthCheck = db.HealthCheck
	}

	// Events
	var next events.EventPublisher
	var natsClient *nats.Client
	if cfg.NATS.Enabled {
		client, err := nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		if _, err := client.EnsureStream(ctx, nats.EventStreamConfig(cfg.NATS.StreamMaxAge)); err != nil {
			logger.Error("failed to ensure event stream", "error", err)
			os.Exit(1)
		}
		natsClient = client
		next = nats.NewPublisher(client, logger)
	}
	bus := events.NewBus(next, logger)

	// Create services
	pricingService := pricing.NewService(store, cfg.Pricing, logger)
	accrualService := accrual.NewService(store, cfg.Accrual, logger)
	paymentService := payment.NewService(store, pricingService, cfg.Accrual, bus, logger)
	commissionEngine := commission.NewEngine(store, cfg.Commission, bus, logger)
	bus.Subscribe(commissionEngine)

	gateway := mobilemoney.NewAdapter(cfg.Gateway, logger)
	job := reconciliation.NewJob(store, gateway, paymentService, bus, cfg.Reconciliation, logger)

	if cfg.Reconciliation.Enabled {
		var locker lock.Locker
		if cfg.Redis.URL != "" {
			cli, err := lock.NewClient(ctx, cfg.Redis.URL)
			if err != nil {
				logger.Error("failed to connect to redis", "error", err)
				os.Exit(1)
			}
			defer cli.Close()
			locker = lock.NewRedisLocker(cli)
		}
		go reconciliation.NewScheduler(job, locker, cfg.Reconciliation, logger).Start(ctx)
	}
	go sweepPromotions(ctx, pricingService, cfg.PromotionSweepInterval, logger)
	go repairCommissions(ctx, commissionEngine, cfg.CommissionRepairEvery, cfg.CommissionRepairWindow, logger)

	// Create handlers
	handler := api.NewHandler(pricingService, accrualService, paymentService, commissionEngine, job, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.ActorExtractor)
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := healthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if natsClient != nil {
			if err := natsClient.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	// Reconciliation entry point, called by the external scheduler without an actor
	r.Post("/reconciliation/run", handler.RunReconciliation)

	// API routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireActor)
		r.Mount("/api/v1", handler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Reconciliation.RunTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting agrifin service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"reconciliation", cfg.Reconciliation.Enabled,
			"nats", cfg.NATS.Enabled,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// sweepPromotions marks ended promotions EXPIRED.
func sweepPromotions(ctx context.Context, svc *pricing.Service, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if n, err := svc.ExpirePromotions(ctx, time.Now().UTC()); err != nil {
			logger.Error("expiring promotions", "error", err)
		} else if n > 0 {
			logger.Info("promotions expired", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// repairCommissions accrues commissions that payment validation failed to
// accrue, for payments validated within the lookback window.
func repairCommissions(ctx context.Context, engine *commission.Engine, interval, lookback time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n, err := engine.AccrueMissing(ctx, time.Now().UTC().Add(-lookback), 500)
		if err != nil {
			logger.Error("repairing commissions", "error", err)
		}
		if n > 0 {
			logger.Info("missing commissions accrued", "count", n)
		}
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
