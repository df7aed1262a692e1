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
)

// TaskClosingReminder nudges warehouses whose previous month is still open.
const TaskClosingReminder = "inventory:closing_reminder"

// NewClosingReminderTask constructs the closing reminder task.
func NewClosingReminderTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskClosingReminder, body, asynq.Queue(QueueDefault)), nil
}

// ClosingReminderJob logs every warehouse that has ledger activity in the
// previous month but no CLOSED closure for it yet.
type ClosingReminderJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewClosingReminderJob initialises the closing reminder handler.
func NewClosingReminderJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *ClosingReminderJob {
	return &ClosingReminderJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the reminder scan.
func (j *ClosingReminderJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("closing reminder: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskClosingReminder)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.now()
	prev := now.AddDate(0, -1, 0)
	year, month := prev.Year(), int(prev.Month())
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	logger := j.logger().With(slog.Int("year", year), slog.Int("month", month))
	logger.Info("starting closing reminder scan")

	rows, err := j.Pool.Query(ctx, `SELECT DISTINCT e.company_id, e.warehouse_id
FROM ledger_entries e
WHERE e.movement_date >= $1 AND e.movement_date < $2
  AND NOT EXISTS (
    SELECT 1 FROM inventory_closures c
    WHERE c.company_id = e.company_id AND c.warehouse_id = e.warehouse_id
      AND c.year = $3 AND c.month = $4 AND c.status = 'CLOSED'
  )
ORDER BY e.company_id, e.warehouse_id`, from, to, year, month)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}
	defer rows.Close()

	var open int
	for rows.Next() {
		var companyID, warehouseID int64
		if err := rows.Scan(&companyID, &warehouseID); err != nil {
			resultErr = err
			return resultErr
		}
		logger.Warn("period still open",
			slog.Int64("company_id", companyID),
			slog.Int64("warehouse_id", warehouseID),
		)
		j.metrics().AddAlerts("close-reminder", companyID, warehouseID, 1)
		open++
	}
	if err := rows.Err(); err != nil {
		resultErr = err
		return resultErr
	}

	logger.Info("completed closing reminder scan", slog.Int("open_periods", open))
	return resultErr
}

func (j *ClosingReminderJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskClosingReminder))
	}
	return slog.Default().With(slog.String("job", TaskClosingReminder))
}

func (j *ClosingReminderJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ClosingReminderJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
