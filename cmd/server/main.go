// Command server hosts the operations surface: the HTTP API, the WebSocket
// fan-out, the outbox dispatcher, the cron scheduler, the webhook delivery
// worker, the quota syncer, and the Slack bridge.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiseohq/aiseo/internal/adapter/eventbus"
	"github.com/aiseohq/aiseo/internal/adapter/httpserver"
	"github.com/aiseohq/aiseo/internal/adapter/queue/redisq"
	"github.com/aiseohq/aiseo/internal/adapter/repo/postgres"
	"github.com/aiseohq/aiseo/internal/app"
	"github.com/aiseohq/aiseo/internal/config"
	"github.com/aiseohq/aiseo/internal/observability"
	"github.com/aiseohq/aiseo/internal/orchestrator"
	"github.com/aiseohq/aiseo/internal/outbox"
	"github.com/aiseohq/aiseo/internal/quota"
	"github.com/aiseohq/aiseo/internal/scheduler"
	"github.com/aiseohq/aiseo/internal/slackbridge"
	"github.com/aiseohq/aiseo/internal/webhook"
	"github.com/aiseohq/aiseo/internal/wsfanout"
)

// Exit codes: 0 clean stop, 1 startup or runtime failure, 130 signal-driven
// shutdown.
func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return 1
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Infra: Redis (queues, events, quotas) and Postgres (durable state).
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		return 1
	}
	rdb := redis.NewClient(opt)
	defer func() { _ = rdb.Close() }()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		return 1
	}
	defer pool.Close()
	tenantPool := postgres.NewTenantPool(pool)

	secrets, err := buildSecretBox(cfg)
	if err != nil {
		slog.Error("encryption key invalid", slog.Any("error", err))
		return 1
	}

	if cfg.IsDev() {
		if err := seedDefaultTenant(ctx, pool, cfg.DefaultTenantID); err != nil {
			slog.Warn("default tenant seeding failed", slog.Any("error", err))
		}
	}

	// Core plumbing.
	bus := eventbus.New(rdb)
	queue := redisq.New(rdb)
	usageRepo := postgres.NewUsageRepo(pool)
	tenantsRepo := postgres.NewTenantsRepo(pool)
	quotas := quota.NewEngine(rdb, usageRepo, bus, quota.PlanLimitResolver(tenantsRepo.PlanOf))
	orch := orchestrator.New(queue, bus, orchestrator.DefaultQueues())

	// Cron scheduler over the durable schedules table.
	sched, err := scheduler.New(postgres.NewSchedulesRepo(pool), orch)
	if err != nil {
		slog.Error("scheduler init failed", slog.Any("error", err))
		return 1
	}
	if err := sched.Start(ctx); err != nil {
		slog.Error("scheduler start failed", slog.Any("error", err))
		return 1
	}
	defer func() { _ = sched.Stop() }()

	// Outbox dispatcher: drained rows republish to the event bus.
	dispatcher := outbox.New(pool, outbox.BusFallback(bus), cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go dispatcher.Run(ctx)

	// Hourly Redis → Postgres quota sweep.
	go quota.NewSyncer(rdb, usageRepo).Run(ctx, cfg.QuotaSyncInterval)

	// Event consumers: webhooks, sockets, Slack.
	whWorker := webhook.NewWorker(bus, tenantPool, postgres.NewDeliveriesRepo(pool), secrets, cfg.WebhookTimeout)
	if err := whWorker.Start(ctx); err != nil {
		slog.Error("webhook worker start failed", slog.Any("error", err))
		return 1
	}
	defer func() { _ = whWorker.Stop() }()

	hub := wsfanout.NewHub(bus)
	if err := hub.Start(ctx); err != nil {
		slog.Error("websocket fan-out start failed", slog.Any("error", err))
		return 1
	}
	defer func() { _ = hub.Stop() }()

	bridge := slackbridge.New(bus, cfg.SlackWebhookURL)
	if err := bridge.Start(ctx); err != nil {
		slog.Error("slack bridge start failed", slog.Any("error", err))
	}
	defer func() { _ = bridge.Stop() }()

	// HTTP server.
	srv := httpserver.NewServer(cfg, orch, sched, tenantPool, secrets, quotas, usageRepo, rdb, pool)
	handler := app.BuildRouter(cfg, srv, hub)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		code = 130
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			code = 1
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelShutdown()
	_ = srvHTTP.Shutdown(shutdownCtx)
	cancel()
	return code
}

// buildSecretBox loads the process-wide AES-256-GCM key. Production requires
// a configured key; dev falls back to an ephemeral one so webhook secrets
// simply do not survive restarts.
func buildSecretBox(cfg config.Config) (*webhook.SecretBox, error) {
	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return nil, err
	}
	if key == nil {
		if cfg.IsProd() {
			return nil, fmt.Errorf("ENCRYPTION_KEY is required in production")
		}
		slog.Warn("no ENCRYPTION_KEY configured, using ephemeral dev key")
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	return webhook.NewSecretBox(key)
}
