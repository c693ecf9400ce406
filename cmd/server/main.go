// wagate - multi-tenant WhatsApp-web gateway server
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

	"github.com/hpratama/wagate/internal/api"
	"github.com/hpratama/wagate/internal/config"
	"github.com/hpratama/wagate/internal/credstore"
	"github.com/hpratama/wagate/internal/engine"
	"github.com/hpratama/wagate/internal/middleware"
	"github.com/hpratama/wagate/internal/notifier"
	"github.com/hpratama/wagate/internal/realtime"
	"github.com/hpratama/wagate/internal/session"
	"github.com/hpratama/wagate/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	registry, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := registry.Close(); closeErr != nil {
			slog.Error("Failed to close registry", "error", closeErr)
		}
	}()

	if err := registry.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	creds, err := credstore.New(cfg.DataDir, cfg.CacheDir)
	if err != nil {
		slog.Error("Failed to initialize credential store", "error", err)
		os.Exit(1)
	}

	eng, err := engine.NewDockerEngine(cfg.BrowserImage, cfg.ContainerRuntime)
	if err != nil {
		slog.Error("Failed to initialize browser engine", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	hub := realtime.NewHub()
	backend := notifier.New(cfg.BackendURL, registry, cfg.BackendTimeout)
	mgr := session.NewManager(registry, creds, eng, backend, hub, cfg.SendTimeout, cfg.DestroyTimeout)

	// Recreate previously active sessions from the registry.
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 10*time.Minute)
	if err := mgr.Recover(recoverCtx); err != nil {
		slog.Error("Session recovery failed", "error", err)
	}
	recoverCancel()

	// Initialize handlers.
	baseHandler := api.NewHandler(mgr, registry)
	sessionHandler := api.NewSessionHandler(baseHandler, cfg.QRWaitTimeout, cfg.CreateTimeout)
	healthHandler := api.NewHealthHandler(registry)
	wsHandler := realtime.NewWebSocketHandler(hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-poll QR waits and websocket streams
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Live client handles get no guaranteed graceful logout here; the
	// registry rows survive and startup recovery rebuilds the sessions.
	slog.Info("Server stopped successfully")
}
