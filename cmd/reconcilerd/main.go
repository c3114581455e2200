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

	"github.com/jcmexdev/payment-reconciler/internal/config"
	"github.com/jcmexdev/payment-reconciler/internal/gateway"
	"github.com/jcmexdev/payment-reconciler/internal/httpx"
	"github.com/jcmexdev/payment-reconciler/internal/order"
	"github.com/jcmexdev/payment-reconciler/internal/pending"
	"github.com/jcmexdev/payment-reconciler/internal/pkg/telemetry"
	"github.com/jcmexdev/payment-reconciler/internal/push"
	"github.com/jcmexdev/payment-reconciler/internal/reconciler"
	"github.com/jcmexdev/payment-reconciler/internal/reconlog"
	"github.com/jcmexdev/payment-reconciler/internal/reconlog/sqlite"
	"github.com/jcmexdev/payment-reconciler/internal/status"
	"github.com/jcmexdev/payment-reconciler/internal/webhook"
)

func main() {
	telemetry.InitLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.SetupTracer(ctx, getEnv("OTEL_SERVICE_NAME", "payment-reconciler"))
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	var pendingStore pending.Store
	if cfg.RedisAddr != "" {
		pendingStore = pending.NewRedisStore(cfg.RedisAddr, "reconciler")
		slog.Info("pending store: redis", "addr", cfg.RedisAddr)
	} else {
		pendingStore = pending.NewMemoryStore()
		slog.Info("pending store: in-memory, no resume across restarts")
	}

	var logRepo reconlog.Repository
	opts := []reconciler.Option{}
	if cfg.ReconLogPath != "" {
		repo, err := sqlite.Open(cfg.ReconLogPath)
		if err != nil {
			slog.Error("failed to open reconciliation log", "path", cfg.ReconLogPath, "error", err)
			os.Exit(1)
		}
		defer repo.Close()
		logRepo = repo
		opts = append(opts, reconciler.WithReconLog(repo))
		slog.Info("reconciliation log enabled", "path", cfg.ReconLogPath)
	}

	gatewayClient := gateway.NewClient(cfg.GatewayBaseURL, 30*time.Second)
	orderClient := order.NewClient(cfg.OrderServiceURL, 30*time.Second)

	registry := reconciler.NewRegistry(gatewayClient, pendingStore, orderClient, opts...)

	var listener *push.Listener
	if cfg.PushChannelURL != "" {
		listener = push.NewListener(cfg.PushChannelURL, func(ctx context.Context, token string, obs status.Observation) {
			registry.Observe(ctx, token, obs)
		})
		slog.Info("push channel enabled", "url", cfg.PushChannelURL)
	}

	verifier := webhook.NewHMACVerifier(cfg.WebhookSecret, cfg.SigMaxAge)
	ingestor := webhook.NewIngestor(verifier, registry, orderClient, pendingStore, logRepo)

	handler := httpx.NewHandler(registry, ingestor, listener)
	router := httpx.NewRouter(handler)

	pollCfg := &reconciler.Config{
		InitialInterval:   cfg.PollInitialInterval,
		MaxAttempts:       cfg.PollMaxAttempts,
		BackoffMultiplier: cfg.PollBackoffMultiplier,
		MaxInterval:       cfg.PollMaxInterval,
	}
	if err := registry.ResumePending(ctx, pollCfg, reconciler.Callbacks{}); err != nil {
		slog.Warn("resume of pending reconciliations failed", "error", err)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.AppPort,
		Handler: router,
	}
	go func() {
		slog.Info("payment reconciler running", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	registry.StopAll()
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
