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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/zerepy/matriarch/internal/agent"
	"github.com/zerepy/matriarch/internal/auth"
	"github.com/zerepy/matriarch/internal/events"
	"github.com/zerepy/matriarch/internal/store"
	"github.com/zerepy/matriarch/internal/zerepy"
	"github.com/zerepy/matriarch/pkg/config"
)

func main() {
	// --- Config ---
	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	initLogger(cfg.Log.Level)
	slog.Info("config loaded", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Database ---
	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("failed to create db pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	// --- Redis ---
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}
	slog.Info("redis connected")

	// --- Store ---
	st := store.NewStore(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	// --- Agent service ---
	agentSvc := agent.NewService(st, &zerepy.Factory{}, events.NewRedisPublisher(rdb), cfg.Runtime)

	if cfg.Agents.LegacyDir != "" {
		n, err := agentSvc.ImportLegacy(ctx, cfg.Agents.LegacyDir)
		if err != nil {
			slog.Error("legacy agent import failed", "error", err)
		} else if n > 0 {
			slog.Info("legacy agents imported", "count", n)
		}
	}

	// --- Router ---
	r := newRouter(agentSvc, rdb, cfg)

	// --- HTTP Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		cancel()
	}()

	slog.Info("server starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func newRouter(agentSvc *agent.Service, rdb *redis.Client, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Root status and health check
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"running"}`))
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	agentHandler := agent.NewHandler(agentSvc)

	// Agent routes, behind bearer auth when a secret is configured.
	// Token issuance stays public (it requires the secret itself);
	// revocation needs a valid token.
	authSvc := auth.NewService(rdb, cfg.Auth.JWTSecret)
	if authSvc.Enabled() {
		authHandler := auth.NewHandler(authSvc)
		r.Post("/auth/token", authHandler.HandleIssue)
		r.Group(func(r chi.Router) {
			r.Use(authSvc.Middleware)
			r.Post("/auth/revoke", authHandler.HandleRevoke)
		})
	}
	r.Group(func(r chi.Router) {
		if authSvc.Enabled() {
			r.Use(authSvc.Middleware)
		}
		r.Mount("/agents", agentHandler.Routes())
	})

	return r
}

func initLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
