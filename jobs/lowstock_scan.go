package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// lowStockThrottle suppresses repeat alerts for the same position.
const lowStockThrottle = 6 * time.Hour

// PositionReader lists positions under their configured minimum.
type PositionReader interface {
	ListPositionsBelowMinimum(ctx context.Context, companyID int64) ([]ledger.LowPosition, error)
}

// LowStockScanJob emits alerts for positions whose available quantity sits
// below the product minimum. Alerts are throttled per position through
// Redis so a slow-moving shortage does not page every fifteen minutes.
type LowStockScanJob struct {
	Pool      *pgxpool.Pool
	Positions PositionReader
	Redis     *redis.Client
	Events    inventory.Publisher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewLowStockScanJob initialises the low stock scan handler.
func NewLowStockScanJob(pool *pgxpool.Pool, positions PositionReader, rdb *redis.Client, events inventory.Publisher, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockScanJob {
	return &LowStockScanJob{Pool: pool, Positions: positions, Redis: rdb, Events: events, Logger: logger, Metrics: metrics}
}

// Handle executes the scan.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Positions == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskLowStockScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	logger := j.logger()
	logger.Info("starting low stock scan")

	companies, err := listCompanies(ctx, j.Pool, `SELECT DISTINCT company_id FROM ledger_positions`)
	if err != nil {
		resultErr = err
		logger.Error("list companies", slog.Any("error", err))
		return resultErr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, companyID := range companies {
		companyID := companyID
		g.Go(func() error {
			return j.scanCompany(gctx, companyID)
		})
	}
	if err := g.Wait(); err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}

	logger.Info("completed low stock scan",
		slog.Int("companies", len(companies)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *LowStockScanJob) scanCompany(ctx context.Context, companyID int64) error {
	low, err := j.Positions.ListPositionsBelowMinimum(ctx, companyID)
	if err != nil {
		return err
	}
	for _, lp := range low {
		ok, err := j.shouldAlert(ctx, lp)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		j.metrics().AddAlerts("lowstock", lp.CompanyID, lp.WarehouseID, 1)
		if j.Events != nil {
			if err := j.Events.Publish(ctx, inventory.LowStockAlert{
				CompanyID:   lp.CompanyID,
				WarehouseID: lp.WarehouseID,
				ProductID:   lp.ProductID,
				Available:   lp.Available,
				Minimum:     lp.Minimum,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// shouldAlert claims the throttle window for a position. Without Redis
// every run alerts.
func (j *LowStockScanJob) shouldAlert(ctx context.Context, lp ledger.LowPosition) (bool, error) {
	if j.Redis == nil {
		return true, nil
	}
	key := shared.AlertThrottleKey("lowstock", lp.CompanyID, lp.WarehouseID, lp.ProductID)
	return j.Redis.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), lowStockThrottle).Result()
}

func (j *LowStockScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLowStockScan))
	}
	return slog.Default().With(slog.String("job", TaskLowStockScan))
}

func (j *LowStockScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
