// facegate - face enrollment and verification gateway
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Natsummerance/facegate/internal/api"
	"github.com/Natsummerance/facegate/internal/codec"
	"github.com/Natsummerance/facegate/internal/config"
	"github.com/Natsummerance/facegate/internal/engine"
	"github.com/Natsummerance/facegate/internal/enroll"
	"github.com/Natsummerance/facegate/internal/identity"
	"github.com/Natsummerance/facegate/internal/middleware"
	"github.com/Natsummerance/facegate/internal/session"
	"github.com/Natsummerance/facegate/internal/store"
	"github.com/Natsummerance/facegate/internal/token"
	"github.com/Natsummerance/facegate/internal/verify"
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

	slog.Info("Starting server", "port", cfg.Port, "engine_transport", cfg.Engine.Transport, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
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

	payloadCodec, err := codec.NewFromSecret(cfg.Crypto.Secret, []byte(cfg.Crypto.IV))
	if err != nil {
		slog.Error("Failed to initialize payload codec", "error", err)
		os.Exit(1)
	}

	issuer, err := token.NewIssuer([]byte(cfg.Token.Secret), cfg.Token.TTL)
	if err != nil {
		slog.Error("Failed to initialize token issuer", "error", err)
		os.Exit(1)
	}

	// Pick the engine transport and wrap it with metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var baseRunner engine.Runner
	var enginePinger api.EnginePinger
	switch cfg.Engine.Transport {
	case config.EngineTransportDocker:
		dockerRunner, err := engine.NewDockerRunner(cfg.Engine.Image, cfg.Engine.Runtime, cfg.Engine.Timeout)
		if err != nil {
			slog.Error("Failed to initialize Docker engine runner", "error", err)
			os.Exit(1)
		}
		if err := dockerRunner.Ping(context.Background()); err != nil {
			slog.Error("Docker engine health check failed", "error", err)
			os.Exit(1)
		}
		baseRunner = dockerRunner
		enginePinger = dockerRunner
		slog.Info("Engine runner initialized", "transport", "docker", "image", cfg.Engine.Image)
	default:
		baseRunner = engine.NewProcessRunner(cfg.Engine.Bin, cfg.Engine.Script, cfg.Engine.Timeout)
		slog.Info("Engine runner initialized", "transport", "process", "bin", cfg.Engine.Bin, "script", cfg.Engine.Script)
	}
	runner := engine.NewInstrumentedRunner(baseRunner, registry)

	// Initialize services.
	sessions := session.NewMemoryStore(cfg.SessionTTL)
	enrollSvc := enroll.New(sessions, runner, payloadCodec, repo, cfg.TargetFrames)
	verifySvc := verify.New(payloadCodec, runner, issuer, repo)

	// Initialize handlers.
	faceHandler := api.NewFaceHandler(enrollSvc, verifySvc, repo, sessions, cfg.Engine.Transport)
	healthHandler := api.NewHealthHandler(repo, enginePinger)
	progressHandler := api.NewProgressHandler(sessions, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	faceHandler.RegisterRoutes(r, identity.Middleware(issuer))

	// WebSocket endpoint.
	r.Get("/ws/enroll", progressHandler.ServeHTTP)

	// Create server.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout, progress feeds stay open
		IdleTimeout:  120 * time.Second,
	}

	// Start background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions.StartSweeper(ctx, cfg.SweepInterval)
	slog.Info("Session sweeper started", "session_ttl", cfg.SessionTTL, "interval", cfg.SweepInterval)

	startAuditPruner(ctx, repo, cfg.Audit)

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

	slog.Info("Server stopped successfully")
}

// startAuditPruner periodically drops login attempts past the retention
// window.
func startAuditPruner(ctx context.Context, repo store.Repository, cfg config.AuditConfig) {
	go func() {
		ticker := time.NewTicker(cfg.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pruned, err := repo.PruneLoginAttempts(ctx, cfg.Retention)
				if err != nil {
					slog.Error("Failed to prune login attempts", "error", err)
					continue
				}
				if pruned > 0 {
					slog.Info("Pruned login attempts", "count", pruned, "retention", cfg.Retention)
				}
			}
		}
	}()
	slog.Info("Audit pruner started", "retention", cfg.Retention, "interval", cfg.PruneInterval)
}
