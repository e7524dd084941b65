package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/atlas-saas/atlas/internal/app"
	jobmetrics "github.com/atlas-saas/atlas/internal/jobs"
	"github.com/atlas-saas/atlas/internal/permissions"
	"github.com/atlas-saas/atlas/internal/platform/cache"
	"github.com/atlas-saas/atlas/internal/platform/db"
	"github.com/atlas-saas/atlas/internal/policies"
	"github.com/atlas-saas/atlas/internal/roles"
	"github.com/atlas-saas/atlas/internal/tenants"
	"github.com/atlas-saas/atlas/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	tenantService := tenants.NewService(tenants.NewRepository(pool))
	roleService := roles.NewService(roles.NewRepository(pool), nil)
	resolver := permissions.NewResolver(roleService, policies.NewRepository(pool), tenantService)
	permCache := permissions.NewCache(
		permissions.NewRedisBackend(redisClient),
		resolver,
		logger,
		nil,
		cfg.PermissionCacheTTL,
	)

	warmupJob := jobs.NewPermissionsWarmupJob(roleService, tenantService, permCache, logger, jobmetrics.NewMetrics(nil))

	warmupTask, err := jobs.NewPermissionsWarmupTask(jobs.PermissionsWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPermissionsWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 * * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
