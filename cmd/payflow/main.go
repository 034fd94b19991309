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
	"golang.org/x/sync/singleflight"

	"payflow/internal/common/database"
	"payflow/internal/common/events"
	"payflow/internal/common/middleware"
	"payflow/internal/common/money"
	"payflow/internal/common/nats"
	"payflow/internal/notify"
	"payflow/internal/payment/api"
	"payflow/internal/payment/booking"
	"payflow/internal/payment/card"
	"payflow/internal/payment/form"
	"payflow/internal/payment/journal"
	"payflow/internal/payment/session"
	"payflow/internal/payment/wallet"
	"payflow/internal/payment/webhook"
	"payflow/internal/services"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYFLOW_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	CORSAllowedOrigins  []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
	SubmitRatePerMinute int           `envconfig:"SUBMIT_RATE_PER_MINUTE" default:"10"`
	SubmitBurst         int           `envconfig:"SUBMIT_BURST" default:"3"`
	ViewIdleTimeout     time.Duration `envconfig:"VIEW_IDLE_TIMEOUT" default:"30m"`
	NoticeBuffer        int           `envconfig:"NOTICE_BUFFER" default:"20"`

	Database database.Config
	NATS     nats.Config
	Session  session.Config
	Card     card.Config
	Webhook  webhook.Config
	Services services.Config
}

type journalStore interface {
	wallet.DepositJournal
	form.AttemptRecorder
	webhook.AttemptLister
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
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

	var checks []func(context.Context) error

	// Journal: Postgres when configured, in-process otherwise
	var store journalStore
	if cfg.Database.Enabled() {
		db, err := database.Open(ctx, cfg.Database, logger)
		if err != nil {
			logger.Error("failed to open journal database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store = journal.NewPostgresStore(db)
		checks = append(checks, db.HealthCheck)
	} else {
		logger.Warn("DATABASE_URL not set, journalling in memory")
		store = journal.NewMemoryStore()
	}

	// Intent cache: Redis when configured, in-process otherwise
	var cache session.IntentCache
	if cfg.Session.Addr != "" {
		rdb, err := session.NewRedisClient(ctx, cfg.Session)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		cache = session.NewRedisIntentCache(rdb, cfg.Session.IntentTTL)
		checks = append(checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	} else {
		logger.Warn("REDIS_ADDR not set, caching intents in memory")
		cache = session.NewMemoryIntentCache(cfg.Session.IntentTTL)
	}

	// Notices always reach the in-process inbox; events and live notices need NATS
	inbox := notify.NewInbox(cfg.NoticeBuffer)
	notifier := notify.Fanout{inbox}
	var publisher events.EventPublisher
	if cfg.NATS.URL != "" {
		nc, err := nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		pub := nats.NewPublisher(nc, cfg.NATS.SubjectPrefix+".events", logger)
		if _, err := nc.EnsureStream(ctx, nats.DefaultStreamConfig(cfg.NATS.Stream, pub.Subjects())); err != nil {
			logger.Error("failed to ensure stream", "error", err)
			os.Exit(1)
		}
		publisher = pub
		notifier = append(notifier, notify.NewNATSNotifier(nc, cfg.NATS.SubjectPrefix+".notices", logger))
		checks = append(checks, func(context.Context) error { return nc.HealthCheck() })
	} else {
		logger.Warn("NATS_URL empty, settlement events disabled")
	}

	// Create collaborators
	processor := card.NewStripeProcessor(cfg.Card, logger)
	intents := services.NewIntentClient(cfg.Services)
	flights := &singleflight.Group{}

	walletDeps := wallet.Deps{
		Intents:        intents,
		Wallet:         services.NewWalletClient(cfg.Services),
		Deposits:       store,
		Processor:      processor,
		Notifier:       notifier,
		Attempts:       store,
		Events:         publisher,
		Flights:        flights,
		PublishableKey: cfg.Card.PublishableKey,
		Logger:         logger,
	}

	// Create handlers
	paymentHandler := api.NewHandler(
		booking.Deps{
			Bookings:       services.NewBookingClient(cfg.Services),
			Intents:        intents,
			Cache:          cache,
			Processor:      processor,
			Notifier:       notifier,
			Attempts:       store,
			Events:         publisher,
			Flights:        flights,
			PublishableKey: cfg.Card.PublishableKey,
			Logger:         logger,
		},
		walletDeps,
		inbox,
		money.ParseCurrency(cfg.Services.Currency, money.USD),
		logger,
	)
	limiter := middleware.NewKeyedLimiter(cfg.SubmitRatePerMinute, cfg.SubmitBurst)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(middleware.SessionExtractor)
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Mount("/api/v1", paymentHandler.Routes(limiter))

	// Processor callbacks
	if cfg.Webhook.Secret != "" {
		r.Method(http.MethodPost, "/webhooks/stripe",
			webhook.NewHandler(cfg.Webhook, wallet.NewReconciler(walletDeps), store, notifier, logger))
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, pending payments settle without notices")
	}

	// Evict abandoned views and idle rate limit buckets
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := paymentHandler.Sweep(cfg.ViewIdleTimeout); n > 0 {
					logger.Info("unmounted idle payment views", "count", n)
				}
				limiter.Prune()
			}
		}
	}()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting payflow service",
			"port", cfg.Port,
			"environment", cfg.Environment,
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
