package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/silverstone-i/nap-sub000/internal/app"
	"github.com/silverstone-i/nap-sub000/internal/observability"
	"github.com/silverstone-i/nap-sub000/internal/platform/cache"
	"github.com/silverstone-i/nap-sub000/internal/platform/db"
	"github.com/silverstone-i/nap-sub000/internal/rbac"
	"github.com/silverstone-i/nap-sub000/internal/roles"
	"github.com/silverstone-i/nap-sub000/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	metrics := observability.NewMetrics()

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	authzRepo := rbac.NewRepository(dbpool)
	resolver := rbac.NewResolver(authzRepo, logger)
	canons := rbac.NewCanonCache(rbac.NewRedisStore(redisClient), resolver, authzRepo, logger, rbac.CacheConfig{
		LocalSize: cfg.RBACLocalCacheSize,
		LocalTTL:  cfg.RBACLocalCacheTTL,
		Observer:  metrics,
	})
	if err := canons.Listen(ctx); err != nil {
		logger.Error("subscribe canon invalidations", slog.Any("error", err))
		os.Exit(1)
	}
	enforcer := rbac.NewEnforcer(canons, cfg.Bypass(), logger, metrics)
	guard := rbac.Middleware{Enforcer: enforcer, Logger: logger}

	var (
		invalidator roles.Invalidator = canons
		jobHandler  *jobs.Handler
	)
	if cfg.RBACAsyncInvalidation {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		asynqClient := asynq.NewClient(redisOpts)
		defer func() {
			if err := asynqClient.Close(); err != nil {
				logger.Warn("asynq client close", slog.Any("error", err))
			}
		}()
		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("asynq inspector close", slog.Any("error", err))
			}
		}()
		invalidator = jobs.NewClient(asynqClient, canons, logger, metrics)
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	rolesService := roles.NewService(roles.NewRepository(dbpool), invalidator, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		RolesHandler:       roles.NewHandler(logger, rolesService, guard),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, canons),
		JobHandler:         jobHandler,
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
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
