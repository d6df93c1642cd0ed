// QueryArena - proctored query competition server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashureev/queryarena/internal/api"
	"github.com/ashureev/queryarena/internal/config"
	"github.com/ashureev/queryarena/internal/leaderboard"
	"github.com/ashureev/queryarena/internal/metrics"
	"github.com/ashureev/queryarena/internal/middleware"
	"github.com/ashureev/queryarena/internal/proctor"
	"github.com/ashureev/queryarena/internal/questions"
	"github.com/ashureev/queryarena/internal/shared"
	"github.com/ashureev/queryarena/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	if cfg.DBPath == store.MemoryPath {
		slog.Warn("Using in-memory database, results will not survive a restart")
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	bank, err := questions.Load(cfg.QuestionBankPath)
	if err != nil {
		slog.Error("Failed to load question bank", "error", err, "path", cfg.QuestionBankPath)
		os.Exit(1)
	}
	slog.Info("Question bank loaded", "rounds", len(bank.Rounds()))

	// Initialize services.
	hub := leaderboard.NewHub()
	board := leaderboard.NewService(repo, hub, cfg.Competition.LeaderboardLimit, cfg.AllowedOrigins())

	hooks := board.Hooks()
	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(prometheus.NewRegistry(), hub.Count)
		hooks = proctor.ChainHooks(m.Hooks(), hooks)
	}

	engine := proctor.NewEngine(repo, bank,
		proctor.WithLogger(logger),
		proctor.WithHooks(hooks),
		proctor.WarnThreshold(cfg.Competition.WarnThreshold),
		proctor.WithRetry(shared.RetryPolicy{
			MaxRetries: cfg.Retry.DatabaseMaxRetries,
			BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
		}),
	)

	// Initialize handlers.
	handler := api.NewHandler(repo, engine, bank, board, cfg.IsDevelopment())
	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	if m != nil {
		r.Use(m.Instrument)
		r.Handle("/metrics", m.Handler())
	}

	// Public routes.
	healthHandler.RegisterHealth(r)

	handler.RegisterRoutes(r)

	// WriteTimeout stays 0 so the leaderboard websocket is not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proctor.StartSweeper(ctx, engine, cfg.Competition.SweepInterval)

	go board.Run(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
