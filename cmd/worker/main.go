package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/cartera-erp/cartera-erp/internal/app"
	jobmetrics "github.com/cartera-erp/cartera-erp/internal/jobs"
	"github.com/cartera-erp/cartera-erp/internal/ledger"
	"github.com/cartera-erp/cartera-erp/internal/platform/cache"
	"github.com/cartera-erp/cartera-erp/internal/platform/db"
	"github.com/cartera-erp/cartera-erp/internal/reports"
	"github.com/cartera-erp/cartera-erp/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
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

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, cfg.MatchingPolicy())
	reportsCache := reports.NewCache(redisClient, cfg.StatementCacheTTL)
	reportsService := reports.NewService(ledgerService, reportsCache)

	metrics := jobmetrics.NewMetrics(nil)
	reconJob := jobs.NewReconScanJob(pool, reportsService, logger, metrics)

	reconTask, err := jobs.NewReconScanTask(jobs.ReconScanPayload{})
	if err != nil {
		logger.Error("build recon task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeReconScan, Handler: reconJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconScanSchedule, Task: reconTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
