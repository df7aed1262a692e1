package jobs

import (
	"context"
	"encoding/json"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

type stubPositions struct {
	low []ledger.LowPosition
}

func (s *stubPositions) ListPositionsBelowMinimum(ctx context.Context, companyID int64) ([]ledger.LowPosition, error) {
	return s.low, nil
}

type collectingPublisher struct {
	events []inventory.Event
}

func (p *collectingPublisher) Publish(ctx context.Context, evt inventory.Event) error {
	p.events = append(p.events, evt)
	return nil
}

func lowPosition() ledger.LowPosition {
	return ledger.LowPosition{
		CompanyID:   1,
		WarehouseID: 3,
		ProductID:   7,
		Available:   decimal.RequireFromString("4"),
		Minimum:     decimal.RequireFromString("10"),
	}
}

func TestLowStockScanThrottlesRepeatAlerts(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	events := &collectingPublisher{}
	job := &LowStockScanJob{
		Positions: &stubPositions{low: []ledger.LowPosition{lowPosition()}},
		Redis:     client,
		Events:    events,
	}

	require.NoError(t, job.scanCompany(context.Background(), 1))
	require.Len(t, events.events, 1)
	alert, ok := events.events[0].(inventory.LowStockAlert)
	require.True(t, ok)
	require.Equal(t, int64(7), alert.ProductID)
	require.Equal(t, "4", alert.Available.String())

	// Same shortage inside the throttle window stays quiet.
	require.NoError(t, job.scanCompany(context.Background(), 1))
	require.Len(t, events.events, 1)
}

func TestLowStockScanAlertsAgainAfterWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	events := &collectingPublisher{}
	job := &LowStockScanJob{
		Positions: &stubPositions{low: []ledger.LowPosition{lowPosition()}},
		Redis:     client,
		Events:    events,
	}

	require.NoError(t, job.scanCompany(context.Background(), 1))
	mr.FastForward(lowStockThrottle)
	require.NoError(t, job.scanCompany(context.Background(), 1))
	require.Len(t, events.events, 2)
}

func TestLowStockScanWithoutRedisAlertsEveryRun(t *testing.T) {
	events := &collectingPublisher{}
	job := &LowStockScanJob{
		Positions: &stubPositions{low: []ledger.LowPosition{lowPosition()}},
		Events:    events,
	}

	require.NoError(t, job.scanCompany(context.Background(), 1))
	require.NoError(t, job.scanCompany(context.Background(), 1))
	require.Len(t, events.events, 2)
}

func TestNotifyJobDecodesEventPayload(t *testing.T) {
	body, err := json.Marshal(inventory.LowStockAlert{CompanyID: 1, WarehouseID: 3, ProductID: 7})
	require.NoError(t, err)
	task, err := NewNotifyEventTask("stock.low", body)
	require.NoError(t, err)

	job := &NotifyJob{}
	require.NoError(t, job.Handle(context.Background(), task))
}

func TestNotifyJobSkipsMalformedPayload(t *testing.T) {
	job := &NotifyJob{}
	err := job.Handle(context.Background(), asynq.NewTask(TaskNotifyEvent, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
