package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/lots"
)

// ExpirySweepJob flips lots past their expiration date to EXPIRED across
// all companies.
type ExpirySweepJob struct {
	Pool    *pgxpool.Pool
	Lots    *lots.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewExpirySweepJob initialises the expiry sweep handler.
func NewExpirySweepJob(pool *pgxpool.Pool, lotService *lots.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpirySweepJob {
	return &ExpirySweepJob{Pool: pool, Lots: lotService, Logger: logger, Metrics: metrics}
}

// Handle executes the sweep.
func (j *ExpirySweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Lots == nil {
		return errors.New("expiry sweep: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskExpirySweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	logger := j.logger()
	logger.Info("starting expiry sweep")

	companies, err := listCompanies(ctx, j.Pool, `SELECT DISTINCT company_id FROM product_lots WHERE status='ACTIVE' AND expiration_date IS NOT NULL`)
	if err != nil {
		resultErr = err
		logger.Error("list companies", slog.Any("error", err))
		return resultErr
	}

	var expired int
	for _, companyID := range companies {
		n, err := j.Lots.MarkExpired(ctx, companyID)
		if err != nil {
			resultErr = err
			logger.Error("mark expired", slog.Int64("company_id", companyID), slog.Any("error", err))
			return resultErr
		}
		if n > 0 {
			j.metrics().AddAlerts("expiry", companyID, 0, n)
		}
		expired += n
	}

	logger.Info("completed expiry sweep",
		slog.Int("companies", len(companies)),
		slog.Int("expired", expired),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *ExpirySweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskExpirySweep))
	}
	return slog.Default().With(slog.String("job", TaskExpirySweep))
}

func (j *ExpirySweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func listCompanies(ctx context.Context, pool *pgxpool.Pool, query string) ([]int64, error) {
	if pool == nil {
		return nil, errors.New("jobs: pool not configured")
	}
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
