package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cartera-erp/cartera-erp/cmd/cartera/cli"
	"github.com/cartera-erp/cartera-erp/internal/app"
	"github.com/cartera-erp/cartera-erp/internal/counterparty"
	"github.com/cartera-erp/cartera-erp/internal/ledger"
	"github.com/cartera-erp/cartera-erp/internal/observability"
	"github.com/cartera-erp/cartera-erp/internal/platform/cache"
	"github.com/cartera-erp/cartera-erp/internal/platform/db"
	"github.com/cartera-erp/cartera-erp/internal/reports"
	"github.com/cartera-erp/cartera-erp/jobs"
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobs(ctx, cfg, logger, os.Args[2:]))
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
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

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo, cfg.MatchingPolicy())

	counterpartyRepo := counterparty.NewRepository(dbpool)
	counterpartyService := counterparty.NewService(counterpartyRepo)

	reportsCache := reports.NewCache(redisClient, cfg.StatementCacheTTL)
	reportsService := reports.NewService(ledgerService, reportsCache)

	metrics := observability.NewMetrics()

	ledgerHandler := ledger.NewHandler(logger, ledgerService, reportsCache, metrics)
	counterpartyHandler := counterparty.NewHandler(logger, counterpartyService, reportsCache)
	reportsHandler := reports.NewHandler(logger, reportsService, metrics)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		LedgerHandler:       ledgerHandler,
		CounterpartyHandler: counterpartyHandler,
		ReportsHandler:      reportsHandler,
		JobHandler:          jobHandler,
		Metrics:             metrics,
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

// runJobs handles `cartera jobs <trigger|stats|scheduled> [args]`.
func runJobs(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	job := fs.String("job", "", "job type to trigger")
	size := fs.Int("size", 10, "number of scheduled tasks to list")
	jsonOut := fs.Bool("json", false, "emit JSON output")

	command := ""
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()

	return jobsCLI.Run(ctx, cli.JobsOptions{
		Command:    command,
		Job:        *job,
		Size:       *size,
		JSONOutput: *jsonOut,
	})
}
