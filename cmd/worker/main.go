// Command worker consumes agent jobs from the named queues. It hosts one
// executor per queue with independently configured concurrency, drains
// gracefully on SIGINT/SIGTERM, and serves a liveness endpoint that flips to
// 503 once shutdown begins.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiseohq/aiseo/internal/adapter/eventbus"
	"github.com/aiseohq/aiseo/internal/adapter/queue/redisq"
	"github.com/aiseohq/aiseo/internal/adapter/repo/postgres"
	"github.com/aiseohq/aiseo/internal/agent"
	"github.com/aiseohq/aiseo/internal/config"
	"github.com/aiseohq/aiseo/internal/domain"
	"github.com/aiseohq/aiseo/internal/observability"
	"github.com/aiseohq/aiseo/internal/quota"
	"github.com/aiseohq/aiseo/internal/worker"
)

// Exit codes: 0 clean stop, 1 startup or runtime failure, 130 signal-driven
// shutdown after a graceful drain.
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

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		return 1
	}
	rdb := redis.NewClient(opt)
	defer func() { _ = rdb.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	bus := eventbus.New(rdb)
	usageRepo := postgres.NewUsageRepo(pool)
	tenantsRepo := postgres.NewTenantsRepo(pool)
	quotas := quota.NewEngine(rdb, usageRepo, bus, quota.PlanLimitResolver(tenantsRepo.PlanOf))

	registry := agent.NewRegistry()
	agent.RegisterBuiltins(registry)
	if !cfg.IsProd() {
		agent.RegisterTestAgents(registry)
	}
	slog.Info("agent registry populated", slog.Any("agents", registry.IDs()))

	workspaces := agent.NewWorkspaces(cfg.WorkspaceBaseDir)

	queues := []worker.QueueSpec{
		{Consumer: redisq.NewConsumer(rdb, domain.QueueOrchestrator), Concurrency: cfg.OrchestratorConcurrency},
		{Consumer: redisq.NewConsumer(rdb, domain.QueueSmartAgents), Concurrency: cfg.SmartAgentsConcurrency},
		{Consumer: redisq.NewConsumer(rdb, domain.QueueAutoTasks), Concurrency: cfg.AutoTasksConcurrency},
	}

	w := worker.New(queues, registry, workspaces, quotas, bus, cfg.SkipJobNames, cfg.ShutdownGrace)

	health := worker.NewHealthServer(cfg.WorkerHealthPort, w)
	health.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = health.Shutdown(shutdownCtx)
	}()

	slog.Info("worker started",
		slog.Int("orchestrator_concurrency", cfg.OrchestratorConcurrency),
		slog.Int("smart_agents_concurrency", cfg.SmartAgentsConcurrency),
		slog.Int("auto_tasks_concurrency", cfg.AutoTasksConcurrency),
		slog.Int("health_port", cfg.WorkerHealthPort))

	if err := w.Run(ctx); err != nil {
		slog.Error("worker run failed", slog.Any("error", err))
		return 1
	}
	slog.Info("worker stopped")
	if ctx.Err() != nil {
		// The only cancellation path is SIGINT/SIGTERM.
		return 130
	}
	return 0
}
