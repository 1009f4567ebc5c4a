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

	"bingopay/internal/analytics"
	"bingopay/internal/api"
	"bingopay/internal/common/database"
	"bingopay/internal/common/middleware"
	"bingopay/internal/common/money"
	natsclient "bingopay/internal/common/nats"
	"bingopay/internal/gameentry"
	"bingopay/internal/ledger"
	"bingopay/internal/providers/chapa"
	"bingopay/internal/providers/simulator"
	"bingopay/internal/settlement"
	"bingopay/internal/wallet"
)

// Config holds service configuration
type Config struct {
	Port           int      `envconfig:"WALLETD_PORT" default:"8080"`
	Environment    string   `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string   `envconfig:"LOG_FORMAT" default:"json"`
	Currency       string   `envconfig:"CURRENCY" default:"ETB"`
	CommissionBps  int64    `envconfig:"COMMISSION_BPS" default:"1000"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`

	Database  database.Config
	NATS      natsclient.Config
	Chapa     chapa.Config
	Simulator simulator.Config
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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS
	nc, err := natsclient.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	if _, err := nc.EnsureStream(ctx, natsclient.DefaultStreamConfig("BINGOPAY", []string{
		"wallet.>", "settlement.>", "analytics.>",
	})); err != nil {
		logger.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}
	publisher := natsclient.NewPublisher(nc, logger)

	currency := money.Currency(cfg.Currency)

	// Stores
	ledgerStore := ledger.NewPostgresStore(db)
	walletStore := wallet.NewPostgresStore(db)
	roomStore := gameentry.NewPostgresStore(db)

	// Services
	ledgerService := ledger.NewService(ledgerStore, logger)
	walletService := wallet.NewService(walletStore, publisher, currency, logger)
	recorder := analytics.NewRecorder(publisher, logger)

	gateway := chapa.NewAdapter(cfg.Chapa, logger)
	payoutSource := simulator.New(cfg.Simulator, nil, nil, logger)

	coordinator := settlement.NewCoordinator(ledgerService, walletService, gateway, payoutSource, publisher, logger)
	payoutSource.SetConfirmer(coordinator)

	splitter := gameentry.NewSplitter(roomStore, walletService, ledgerService, recorder, cfg.CommissionBps, currency, logger)

	// Handlers
	webhook := chapa.NewWebhookHandler(coordinator, logger)
	handler := api.NewHandler(coordinator, walletService, ledgerService, splitter, recorder, webhook, currency, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
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
	r.Route("/api", func(r chi.Router) {
		r.Mount("/", handler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting wallet service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"currency", currency,
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

	// Drain in-flight simulated payouts before closing infrastructure.
	payoutSource.Close()

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
