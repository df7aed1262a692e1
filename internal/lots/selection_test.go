package lots_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/lots"
)

var now = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func lot(id int64, remaining string, mfg, exp *time.Time) lots.Lot {
	return lots.Lot{
		ID: id, CompanyID: 1, ProductID: 7, WarehouseID: 3,
		QtyRemaining:     qty(remaining),
		UnitCost:         qty("10.00"),
		ManufacturedDate: mfg,
		ExpirationDate:   exp,
		Status:           lots.StatusActive,
	}
}

func qty(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestEligibleExcludesInactiveAndNearExpiry(t *testing.T) {
	quarantined := lot(1, "10", date(2025, 1, 1), nil)
	quarantined.Status = lots.StatusQuarantined
	depleted := lot(2, "0", date(2025, 1, 1), nil)
	nearExpiry := lot(3, "10", date(2025, 1, 1), date(2025, 6, 18))
	expired := lot(4, "10", date(2025, 1, 1), date(2025, 6, 1))
	good := lot(5, "10", date(2025, 1, 1), date(2026, 1, 1))

	eligible := lots.Eligible([]lots.Lot{quarantined, depleted, nearExpiry, expired, good}, lots.FIFO, now, 7)
	require.Len(t, eligible, 1)
	require.Equal(t, int64(5), eligible[0].ID)
}

func TestEligibleHybridKeepsNearExpiry(t *testing.T) {
	nearExpiry := lot(1, "10", date(2025, 1, 1), date(2025, 6, 18))
	expired := lot(2, "10", date(2025, 1, 1), date(2025, 6, 1))
	good := lot(3, "10", date(2025, 1, 1), date(2026, 1, 1))

	// Hybrid fences off only expired stock; the near-window lot stays in.
	eligible := lots.Eligible([]lots.Lot{nearExpiry, expired, good}, lots.Hybrid, now, 7)
	require.Equal(t, []int64{1, 3}, ids(eligible))
}

func TestOrderFIFOByManufacturedDate(t *testing.T) {
	a := lot(1, "10", date(2025, 3, 1), nil)
	b := lot(2, "10", date(2025, 1, 1), nil)
	c := lot(3, "10", date(2025, 2, 1), nil)

	ordered := lots.Order([]lots.Lot{a, b, c}, lots.FIFO, now, 0)
	require.Equal(t, []int64{2, 3, 1}, ids(ordered))
}

func TestOrderFIFOFallsBackToCreatedAt(t *testing.T) {
	a := lot(1, "10", nil, nil)
	a.CreatedAt = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	b := lot(2, "10", nil, nil)
	b.CreatedAt = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	ordered := lots.Order([]lots.Lot{a, b}, lots.FIFO, now, 0)
	require.Equal(t, []int64{2, 1}, ids(ordered))
}

func TestOrderFEFONullsLast(t *testing.T) {
	noExpiry := lot(1, "10", date(2025, 1, 1), nil)
	late := lot(2, "10", date(2025, 1, 1), date(2026, 3, 1))
	early := lot(3, "10", date(2025, 1, 1), date(2025, 9, 1))

	ordered := lots.Order([]lots.Lot{noExpiry, late, early}, lots.FEFO, now, 0)
	require.Equal(t, []int64{3, 2, 1}, ids(ordered))
}

func TestOrderHybridNearExpiryFirstThenFIFO(t *testing.T) {
	// Inside the 30-day window, drained FEFO first.
	near := lot(1, "10", date(2025, 5, 1), date(2025, 7, 1))
	// Outside the window, ordered by age.
	oldNoExpiry := lot(2, "10", date(2025, 1, 1), nil)
	newLater := lot(3, "10", date(2025, 4, 1), date(2026, 1, 1))

	ordered := lots.Order([]lots.Lot{newLater, oldNoExpiry, near}, lots.Hybrid, now, 30)
	require.Equal(t, []int64{1, 2, 3}, ids(ordered))
}

func TestAllocateHybridDrainsNearExpiryFirst(t *testing.T) {
	// Expires in three days, inside the 7-day window but not yet expired.
	nearExpiry := lot(1, "40", date(2025, 2, 1), date(2025, 6, 18))
	// Older by receipt date, no expiry at all.
	open := lot(2, "60", date(2025, 1, 1), nil)

	allocs, err := lots.Allocate([]lots.Lot{open, nearExpiry}, qty("50"), lots.Hybrid, now, 7)
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	require.Equal(t, int64(1), allocs[0].Lot.ID)
	require.True(t, allocs[0].Qty.Equal(qty("40")))
	require.Equal(t, lots.StatusDepleted, allocs[0].Lot.Status)

	require.Equal(t, int64(2), allocs[1].Lot.ID)
	require.True(t, allocs[1].Qty.Equal(qty("10")))
}

func TestAllocateSpansLotsAndDepletes(t *testing.T) {
	a := lot(1, "100", date(2025, 1, 1), nil)
	b := lot(2, "50", date(2025, 3, 1), nil)

	allocs, err := lots.Allocate([]lots.Lot{b, a}, qty("120"), lots.FIFO, now, 0)
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	require.Equal(t, int64(1), allocs[0].Lot.ID)
	require.True(t, allocs[0].Qty.Equal(qty("100")))
	require.Equal(t, lots.StatusDepleted, allocs[0].Lot.Status)
	require.True(t, allocs[0].Lot.QtyRemaining.IsZero())

	require.Equal(t, int64(2), allocs[1].Lot.ID)
	require.True(t, allocs[1].Qty.Equal(qty("20")))
	require.True(t, allocs[1].Lot.QtyRemaining.Equal(qty("30")))
}

func TestAllocateInsufficientCountsOnlyEligible(t *testing.T) {
	active := lot(1, "40", date(2025, 1, 1), nil)
	quarantined := lot(2, "500", date(2025, 1, 1), nil)
	quarantined.Status = lots.StatusQuarantined

	_, err := lots.Allocate([]lots.Lot{active, quarantined}, qty("100"), lots.FIFO, now, 0)
	var ierr *inventory.InsufficientInventoryError
	require.ErrorAs(t, err, &ierr)
	require.True(t, ierr.Available.Equal(qty("40")))
	require.True(t, ierr.Requested.Equal(qty("100")))
}

func TestAllocateExactFit(t *testing.T) {
	a := lot(1, "60", date(2025, 1, 1), nil)

	allocs, err := lots.Allocate([]lots.Lot{a}, qty("60"), lots.FEFO, now, 0)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	require.Equal(t, lots.StatusDepleted, allocs[0].Lot.Status)
}

func TestAllocateRejectsNonPositiveRequest(t *testing.T) {
	_, err := lots.Allocate(nil, qty("0"), lots.FIFO, now, 0)
	var verr *inventory.ValidationError
	require.ErrorAs(t, err, &verr)
}

func ids(in []lots.Lot) []int64 {
	out := make([]int64, len(in))
	for i, l := range in {
		out[i] = l.ID
	}
	return out
}
