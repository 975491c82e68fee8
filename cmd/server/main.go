// strangerchat rendezvous server: directory API, signaling hub and the
// assisted-stranger chat proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/strangerchat/internal/api"
	"github.com/ashureev/strangerchat/internal/assistant"
	"github.com/ashureev/strangerchat/internal/config"
	"github.com/ashureev/strangerchat/internal/identity"
	"github.com/ashureev/strangerchat/internal/middleware"
	"github.com/ashureev/strangerchat/internal/signaling"
	"github.com/ashureev/strangerchat/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "strategy", cfg.Matchmaking.Strategy)

	// Initialize dependencies.
	dir, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := dir.Close(); closeErr != nil {
			slog.Error("Failed to close directory", "error", closeErr)
		}
	}()

	if err := dir.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	gen, closeGen, err := newGenerator(context.Background(), cfg.Assistant, logger)
	if err != nil {
		slog.Warn("Assistant unavailable, assisted mode will be disabled", "backend", cfg.Assistant.Backend, "error", err)
	} else if gen == nil {
		slog.Info("Assisted mode disabled (ASSISTANT_BACKEND not set)")
	}
	defer closeGen()

	// Initialize handlers.
	baseHandler := api.NewHandler(dir, cfg, logger)
	directoryHandler := api.NewDirectoryHandler(baseHandler)
	chatHandler := api.NewChatHandler(baseHandler, gen)
	defer chatHandler.Close()
	hub := signaling.NewHub(cfg.AllowedOrigins(), cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	if cfg.TrustProxy {
		r.Use(chiMiddleware.RealIP)
	}
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(middleware.MaxBody(cfg.MaxRequestBody))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	baseHandler.RegisterRoutes(r)
	directoryHandler.RegisterRoutes(r)
	chatHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/signal", hub.ServeHTTP)

	// Chat replies stream, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweepDone := store.StartSweeper(ctx, dir, cfg.SweepInterval, cfg.EntryTTL)
	slog.Info("Stale entry sweeper started", "entry_ttl", cfg.EntryTTL, "interval", cfg.SweepInterval)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websockets are not tracked by Shutdown.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	<-sweepDone

	slog.Info("Server stopped successfully")
}

// newGenerator builds the configured assistant backend. It returns a nil
// Generator when assisted mode is disabled or the backend is unreachable.
func newGenerator(ctx context.Context, cfg config.AssistantConfig, logger *slog.Logger) (assistant.Generator, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.AssistantGemini:
		gen, err := assistant.NewGeminiGenerator(ctx, assistant.GeminiConfig{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.GeminiModel,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}, logger)
		if err != nil {
			return nil, noop, err
		}
		return gen, noop, nil
	case config.AssistantGrpc:
		gen, err := assistant.NewGrpcGenerator(assistant.DefaultGrpcConfig(cfg.GrpcAddr), logger)
		if err != nil {
			return nil, noop, err
		}
		return gen, gen.Close, nil
	case config.AssistantDisabled:
		return nil, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown assistant backend %q", cfg.Backend)
	}
}
