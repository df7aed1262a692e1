package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/movements"
)

// StaleApprovalSweepJob cancels movements that have waited in
// PENDING_APPROVAL beyond the configured window.
type StaleApprovalSweepJob struct {
	Movements *movements.Service
	TTL       time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewStaleApprovalSweepJob initialises the stale approval sweep handler.
func NewStaleApprovalSweepJob(svc *movements.Service, ttl time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *StaleApprovalSweepJob {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &StaleApprovalSweepJob{Movements: svc, TTL: ttl, Logger: logger, Metrics: metrics}
}

// Handle executes the sweep.
func (j *StaleApprovalSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Movements == nil {
		return errors.New("stale approval sweep: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskStaleApprovalSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	logger := j.logger()
	logger.Info("starting stale approval sweep", slog.Duration("ttl", j.TTL))

	cancelled, err := j.Movements.CancelStale(ctx, j.TTL)
	if err != nil {
		resultErr = err
		logger.Error("sweep failed", slog.Any("error", err))
		return resultErr
	}

	logger.Info("completed stale approval sweep",
		slog.Int("cancelled", cancelled),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *StaleApprovalSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStaleApprovalSweep))
	}
	return slog.Default().With(slog.String("job", TaskStaleApprovalSweep))
}

func (j *StaleApprovalSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
