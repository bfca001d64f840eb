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

	"github.com/Dharmesh177/zsindia-cms/internal/app"
	"github.com/Dharmesh177/zsindia-cms/internal/catalog"
	"github.com/Dharmesh177/zsindia-cms/internal/observability"
	"github.com/Dharmesh177/zsindia-cms/internal/platform/cache"
	"github.com/Dharmesh177/zsindia-cms/internal/platform/db"
	"github.com/Dharmesh177/zsindia-cms/internal/qrcode"
	"github.com/Dharmesh177/zsindia-cms/internal/serials"
	"github.com/Dharmesh177/zsindia-cms/internal/shared"
	"github.com/Dharmesh177/zsindia-cms/jobs"
)

const (
	orphanAuditLimit        = 0
	idempotencyCleanupSpec  = "30 3 * * *"
	metricsShutdownDeadline = 5 * time.Second
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := metrics.Jobs()

	catalogClient := catalog.NewClient(catalog.ClientConfig{
		BaseURL:       cfg.CatalogAPIURL,
		Token:         cfg.CatalogAPIToken,
		RatePerSecond: cfg.CatalogRateLimit,
	})
	products := catalog.NewCachedStore(catalogClient, catalog.NewCache(redisClient, cfg.CatalogCacheTTL), logger)

	serialService, err := serials.NewService(serials.NewRepository(pool), products, serials.ServiceConfig{
		VerifyOrigin: cfg.VerifyBaseOrigin,
		Prefix:       cfg.SerialPrefix,
	}, logger)
	if err != nil {
		logger.Error("init serial service", slog.Any("error", err))
		os.Exit(1)
	}
	serialService.WithProductOrigin(catalogClient)
	serialService.WithMetrics(metrics.Serials())

	exportJob := jobs.NewQRExportJob(serialService, qrcode.NewRenderer(), cfg.ExportDir, logger, jobMetrics)
	orphanJob := jobs.NewOrphanAuditJob(serialService, catalogClient, logger, jobMetrics)
	orphanJob.Cache = products
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), logger, jobMetrics)

	orphanTask, err := jobs.NewOrphanAuditTask(orphanAuditLimit)
	if err != nil {
		logger.Error("build orphan audit task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(int(cfg.IdempotencyRetention / time.Hour))
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSerialsQRExport, Handler: exportJob.Handle},
			{Type: jobs.TaskSerialsOrphanAudit, Handler: orphanJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OrphanAuditCron, Task: orphanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: idempotencyCleanupSpec, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting worker metrics listener", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics listener", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownDeadline)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
