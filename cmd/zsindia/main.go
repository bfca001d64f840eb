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
	serialshttp "github.com/Dharmesh177/zsindia-cms/internal/serials/http"
	"github.com/Dharmesh177/zsindia-cms/internal/shared"
	"github.com/Dharmesh177/zsindia-cms/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if err := db.Migrate(ctx, dbpool); err != nil {
		logger.Error("apply schema", slog.Any("error", err))
		os.Exit(1)
	}

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

	catalogClient := catalog.NewClient(catalog.ClientConfig{
		BaseURL:       cfg.CatalogAPIURL,
		Token:         cfg.CatalogAPIToken,
		RatePerSecond: cfg.CatalogRateLimit,
	})
	products := catalog.NewCachedStore(catalogClient, catalog.NewCache(redisClient, cfg.CatalogCacheTTL), logger)

	serialRepo := serials.NewRepository(dbpool)
	serialService, err := serials.NewService(serialRepo, products, serials.ServiceConfig{
		VerifyOrigin: cfg.VerifyBaseOrigin,
		Prefix:       cfg.SerialPrefix,
	}, logger)
	if err != nil {
		logger.Error("init serial service", slog.Any("error", err))
		os.Exit(1)
	}
	serialService.WithProductOrigin(catalogClient)
	serialService.WithAudit(shared.NewAuditLogger(dbpool))
	serialService.WithIdempotency(shared.NewIdempotencyStore(dbpool))
	serialService.WithMetrics(metrics.Serials())

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		Pool:          dbpool,
		SerialHandler: serialshttp.NewHandler(logger, serialService, qrcode.NewRenderer(), jobClient),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("verify_origin", cfg.VerifyBaseOrigin))
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
