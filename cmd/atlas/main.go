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

	"github.com/hibiken/asynq"

	"github.com/atlas-saas/atlas/internal/app"
	"github.com/atlas-saas/atlas/internal/observability"
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

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	metrics := observability.NewMetrics()

	tenantRepo := tenants.NewRepository(dbpool)
	tenantService := tenants.NewService(tenantRepo)

	roleRepo := roles.NewRepository(dbpool)
	policyRepo := policies.NewRepository(dbpool)

	// The cache needs the role service for resolution while the role and
	// policy services need the cache for invalidation. Resolution goes
	// through the repositories directly so construction stays acyclic.
	resolver := permissions.NewResolver(
		roles.NewService(roleRepo, nil),
		policyRepo,
		tenantService,
	)
	permCache := permissions.NewCache(
		permissions.NewRedisBackend(redisClient),
		resolver,
		logger,
		metrics,
		cfg.PermissionCacheTTL,
	)

	roleService := roles.NewService(roleRepo, permCache)
	policyService := policies.NewService(policyRepo, tenantService, permCache)

	rolesHandler := roles.NewHandler(logger, roleService)
	policiesHandler := policies.NewHandler(logger, policyService)
	permissionsHandler := permissions.NewHandler(logger, permCache)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		RolesHandler:       rolesHandler,
		PoliciesHandler:    policiesHandler,
		PermissionsHandler: permissionsHandler,
		JobsHandler:        jobsHandler,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
