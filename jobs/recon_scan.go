package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/cartera-erp/cartera-erp/internal/jobs"
	"github.com/cartera-erp/cartera-erp/internal/ledger"
	"github.com/cartera-erp/cartera-erp/internal/reports"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReconScanJob walks every counterparty and verifies that the billing and
// settlement projections agree on allocated totals.
type ReconScanJob struct {
	Pool    *pgxpool.Pool
	Reports *reports.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReconScanJob initialises the reconciliation sweep handler.
func NewReconScanJob(pool *pgxpool.Pool, svc *reports.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconScanJob {
	return &ReconScanJob{
		Pool:    pool,
		Reports: svc,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type reconTarget struct {
	ID         int64
	IsCustomer bool
	IsSupplier bool
}

// Handle executes the reconciliation sweep.
func (j *ReconScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reports == nil {
		return errors.New("recon scan: handler not configured")
	}
	var payload ReconScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskTypeReconScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.now()
	var start time.Time
	if payload.WindowMonths > 0 {
		start = now.AddDate(0, -payload.WindowMonths, 0)
	}

	logger := j.logger().With(slog.Int("window_months", payload.WindowMonths))
	logger.Info("starting reconciliation sweep")

	targets, err := j.listTargets(ctx)
	if err != nil {
		resultErr = err
		logger.Error("list counterparties", slog.Any("error", err))
		return resultErr
	}

	mismatches := 0
	for _, target := range targets {
		roles := make([]ledger.Role, 0, 2)
		if target.IsCustomer {
			roles = append(roles, ledger.RoleReceivable)
		}
		if target.IsSupplier {
			roles = append(roles, ledger.RolePayable)
		}
		for _, role := range roles {
			report, err := j.Reports.AuxiliaryLedger(ctx, target.ID, role, start, now, reports.PerspectiveBilling)
			if err != nil {
				resultErr = err
				logger.Error("project counterparty",
					slog.Int64("counterparty_id", target.ID),
					slog.String("role", string(role)),
					slog.Any("error", err))
				return resultErr
			}
			if report.Reconciliation.Consistent {
				continue
			}
			mismatches++
			j.metrics().AddMismatches(string(role), 1)
			logger.Warn("reconciliation mismatch",
				slog.Int64("counterparty_id", target.ID),
				slog.String("role", string(role)),
				slog.String("difference", report.Reconciliation.Difference.String()),
			)
		}
	}

	logger.Info("completed reconciliation sweep",
		slog.Int("counterparties", len(targets)),
		slog.Int("mismatches", mismatches),
		slog.Duration("duration", time.Since(now)),
	)
	return resultErr
}

func (j *ReconScanJob) listTargets(ctx context.Context) ([]reconTarget, error) {
	if j.Pool == nil {
		return nil, errors.New("recon scan: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `SELECT id, is_customer, is_supplier FROM counterparties ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := make([]reconTarget, 0)
	for rows.Next() {
		var target reconTarget
		if err := rows.Scan(&target.ID, &target.IsCustomer, &target.IsSupplier); err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

func (j *ReconScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeReconScan))
	}
	return slog.Default().With(slog.String("job", TaskTypeReconScan))
}

func (j *ReconScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReconScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
