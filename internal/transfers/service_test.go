package transfers_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/lots"
	"github.com/meridian-erp/meridian-erp/internal/movements"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/transfers"
)

// fakeStore backs both the transfer repository and the movements
// transaction view, so ship/receive exercise the same atomicity contract
// as production.
type fakeStore struct {
	transfers     map[int64]transfers.Transfer
	lines         map[int64]transfers.Line
	allocations   map[int64][]transfers.Allocation
	discrepancies []transfers.Discrepancy

	movements map[int64]movements.Movement
	lots      map[int64]lots.Lot
	positions map[string]ledger.Position
	entries   []ledger.Entry
	closed    map[string]bool

	nextTransferID, nextLineID, nextAllocID int64
	nextMovementID, nextLotID, nextEntryID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		transfers:   map[int64]transfers.Transfer{},
		lines:       map[int64]transfers.Line{},
		allocations: map[int64][]transfers.Allocation{},
		movements:   map[int64]movements.Movement{},
		lots:        map[int64]lots.Lot{},
		positions:   map[string]ledger.Position{},
		closed:      map[string]bool{},
	}
}

func posKey(companyID, warehouseID, productID int64) string {
	return fmt.Sprintf("%d/%d/%d", companyID, warehouseID, productID)
}

// Transfer repository surface.

func (f *fakeStore) WithTx(ctx context.Context, fn func(context.Context, transfers.TxRepository) error) error {
	return fn(ctx, f)
}

func (f *fakeStore) GetTransfer(_ context.Context, companyID, id int64) (transfers.Transfer, error) {
	t, ok := f.transfers[id]
	if !ok || (t.CompanyID != companyID && t.DestCompanyID != companyID) {
		return transfers.Transfer{}, inventory.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) GetTransferForUpdate(_ context.Context, id int64) (transfers.Transfer, error) {
	t, ok := f.transfers[id]
	if !ok {
		return transfers.Transfer{}, inventory.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) InsertTransfer(_ context.Context, t transfers.Transfer) (int64, error) {
	f.nextTransferID++
	t.ID = f.nextTransferID
	f.transfers[t.ID] = t
	return t.ID, nil
}

func (f *fakeStore) UpdateTransfer(_ context.Context, t transfers.Transfer) error {
	f.transfers[t.ID] = t
	return nil
}

func (f *fakeStore) InsertLine(_ context.Context, line transfers.Line) (int64, error) {
	f.nextLineID++
	line.ID = f.nextLineID
	f.lines[line.ID] = line
	return line.ID, nil
}

func (f *fakeStore) UpdateLine(_ context.Context, line transfers.Line) error {
	f.lines[line.ID] = line
	return nil
}

func (f *fakeStore) ListLines(_ context.Context, transferID int64) ([]transfers.Line, error) {
	var out []transfers.Line
	for id := int64(1); id <= f.nextLineID; id++ {
		if l, ok := f.lines[id]; ok && l.TransferID == transferID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertAllocation(_ context.Context, alloc transfers.Allocation) (int64, error) {
	f.nextAllocID++
	alloc.ID = f.nextAllocID
	f.allocations[alloc.LineID] = append(f.allocations[alloc.LineID], alloc)
	return alloc.ID, nil
}

func (f *fakeStore) ListAllocations(_ context.Context, lineID int64) ([]transfers.Allocation, error) {
	return f.allocations[lineID], nil
}

func (f *fakeStore) InsertDiscrepancy(_ context.Context, disc transfers.Discrepancy) (int64, error) {
	disc.ID = int64(len(f.discrepancies) + 1)
	f.discrepancies = append(f.discrepancies, disc)
	return disc.ID, nil
}

func (f *fakeStore) ListDiscrepancies(_ context.Context, transferID int64) ([]transfers.Discrepancy, error) {
	var out []transfers.Discrepancy
	for _, d := range f.discrepancies {
		if line, ok := f.lines[d.LineID]; ok && line.TransferID == transferID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) Movements() movements.TxRepository { return f }

// Movements transaction surface, shared with the posting engine.

func (f *fakeStore) InsertMovement(_ context.Context, m movements.Movement) (int64, error) {
	f.nextMovementID++
	m.ID = f.nextMovementID
	f.movements[m.ID] = m
	return m.ID, nil
}

func (f *fakeStore) GetMovementForUpdate(_ context.Context, id int64) (movements.Movement, error) {
	m, ok := f.movements[id]
	if !ok {
		return movements.Movement{}, inventory.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) UpdateMovement(_ context.Context, m movements.Movement) error {
	f.movements[m.ID] = m
	return nil
}

func (f *fakeStore) GetPositionForUpdate(_ context.Context, companyID, warehouseID, productID int64) (ledger.Position, error) {
	pos, ok := f.positions[posKey(companyID, warehouseID, productID)]
	if !ok {
		return ledger.Position{CompanyID: companyID, WarehouseID: warehouseID, ProductID: productID,
			Qty: decimal.Zero, Reserved: decimal.Zero, AvgCost: decimal.Zero}, inventory.ErrNotFound
	}
	return pos, nil
}

func (f *fakeStore) UpsertPosition(_ context.Context, pos ledger.Position) error {
	f.positions[posKey(pos.CompanyID, pos.WarehouseID, pos.ProductID)] = pos
	return nil
}

func (f *fakeStore) ListActiveLotsForUpdate(_ context.Context, companyID, warehouseID, productID int64) ([]lots.Lot, error) {
	var out []lots.Lot
	for id := int64(1); id <= f.nextLotID; id++ {
		l, ok := f.lots[id]
		if ok && l.CompanyID == companyID && l.WarehouseID == warehouseID && l.ProductID == productID &&
			l.Status == lots.StatusActive && l.QtyRemaining.Sign() > 0 {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) GetLotForUpdate(_ context.Context, id int64) (lots.Lot, error) {
	l, ok := f.lots[id]
	if !ok {
		return lots.Lot{}, inventory.ErrNotFound
	}
	return l, nil
}

func (f *fakeStore) UpdateLot(_ context.Context, lot lots.Lot) error {
	f.lots[lot.ID] = lot
	return nil
}

func (f *fakeStore) InsertLot(_ context.Context, lot lots.Lot) (int64, error) {
	f.nextLotID++
	lot.ID = f.nextLotID
	f.lots[lot.ID] = lot
	return lot.ID, nil
}

func (f *fakeStore) AppendEntry(_ context.Context, entry ledger.Entry) (int64, error) {
	f.nextEntryID++
	entry.ID = f.nextEntryID
	f.entries = append(f.entries, entry)
	return entry.ID, nil
}

func (f *fakeStore) LatestEntryDate(_ context.Context, companyID, warehouseID, productID int64) (time.Time, error) {
	var latest time.Time
	for _, e := range f.entries {
		if e.CompanyID == companyID && e.WarehouseID == warehouseID && e.ProductID == productID && e.MovementDate.After(latest) {
			latest = e.MovementDate
		}
	}
	return latest, nil
}

func (f *fakeStore) IsPeriodClosed(_ context.Context, companyID, warehouseID int64, date time.Time) (bool, error) {
	return f.closed[fmt.Sprintf("%d/%d/%d/%d", companyID, warehouseID, date.Year(), int(date.Month()))], nil
}

// Movements repository surface, only what the posting engine touches in
// these tests.

func (f *fakeStore) MovWithTx(ctx context.Context, fn func(context.Context, movements.TxRepository) error) error {
	return fn(ctx, f)
}

type movRepoAdapter struct{ *fakeStore }

func (a movRepoAdapter) WithTx(ctx context.Context, fn func(context.Context, movements.TxRepository) error) error {
	return a.MovWithTx(ctx, fn)
}

func (a movRepoAdapter) GetMovement(_ context.Context, companyID, id int64) (movements.Movement, error) {
	m, ok := a.movements[id]
	if !ok || m.CompanyID != companyID {
		return movements.Movement{}, inventory.ErrNotFound
	}
	return m, nil
}

func (a movRepoAdapter) GetReason(context.Context, int64) (movements.Reason, error) {
	return movements.Reason{}, inventory.ErrNotFound
}

func (a movRepoAdapter) GetLot(ctx context.Context, id int64) (lots.Lot, error) {
	return a.GetLotForUpdate(ctx, id)
}

func (a movRepoAdapter) GetPosition(ctx context.Context, companyID, warehouseID, productID int64) (ledger.Position, error) {
	return a.GetPositionForUpdate(ctx, companyID, warehouseID, productID)
}

func (a movRepoAdapter) ListByStatus(context.Context, int64, movements.Status, int, int) ([]movements.Movement, error) {
	return nil, nil
}

func (a movRepoAdapter) ListPendingApprovalBefore(context.Context, time.Time) ([]movements.Movement, error) {
	return nil, nil
}

type allowAllAuthz struct{ crossCompany bool }

func (a allowAllAuthz) CanActOnWarehouse(context.Context, shared.Actor, int64) (bool, error) {
	return true, nil
}
func (a allowAllAuthz) CanApprove(context.Context, shared.Actor, int64) (bool, error) {
	return true, nil
}
func (a allowAllAuthz) CanTransferCrossCompany(context.Context, shared.Actor) (bool, error) {
	return a.crossCompany, nil
}

type recordingPublisher struct{ events []inventory.Event }

func (p *recordingPublisher) Publish(_ context.Context, evt inventory.Event) error {
	p.events = append(p.events, evt)
	return nil
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

var (
	requester = shared.Actor{ID: 21, CompanyID: 1}
	approver  = shared.Actor{ID: 22, CompanyID: 1}
)

func newService(store *fakeStore, authz allowAllAuthz) *transfers.Service {
	posting := movements.NewService(movRepoAdapter{store}, authz, nil, nil, nil, nil)
	posting.WithNow(func() time.Time { return time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC) })
	svc := transfers.NewService(store, posting, authz, nil, &recordingPublisher{}, 90, 91)
	svc.WithNow(func() time.Time { return time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC) })
	return svc
}

func seedSource(store *fakeStore) {
	mfgA := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mfgB := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store.nextLotID = 2
	store.lots[1] = lots.Lot{ID: 1, CompanyID: 1, ProductID: 7, WarehouseID: 3, LotNumber: "LOT-A",
		QtyProduced: d("100"), QtyRemaining: d("100"), UnitCost: d("10.00"), ManufacturedDate: &mfgA, Status: lots.StatusActive}
	store.lots[2] = lots.Lot{ID: 2, CompanyID: 1, ProductID: 7, WarehouseID: 3, LotNumber: "LOT-B",
		QtyProduced: d("50"), QtyRemaining: d("50"), UnitCost: d("12.00"), ManufacturedDate: &mfgB, Status: lots.StatusActive}
	store.positions[posKey(1, 3, 7)] = ledger.Position{CompanyID: 1, WarehouseID: 3, ProductID: 7,
		Qty: d("150"), Reserved: decimal.Zero, AvgCost: d("10.67")}
}

func createShipped(t *testing.T, svc *transfers.Service, store *fakeStore) transfers.Transfer {
	t.Helper()
	tr, err := svc.Create(context.Background(), requester, transfers.CreateInput{
		CompanyID: 1, SourceID: 3, DestID: 4, Strategy: lots.FIFO,
		Lines: []transfers.LineInput{{ProductID: 7, Qty: d("120")}},
	})
	require.NoError(t, err)
	tr, err = svc.Approve(context.Background(), approver, tr.ID)
	require.NoError(t, err)
	tr, err = svc.Ship(context.Background(), requester, tr.ID)
	require.NoError(t, err)
	return tr
}

func TestTransferLifecycleSameCompany(t *testing.T) {
	store := newFakeStore()
	seedSource(store)
	svc := newService(store, allowAllAuthz{})

	tr := createShipped(t, svc, store)
	require.Equal(t, transfers.StatusInTransit, tr.Status)

	// Source side drained FIFO across both lots.
	require.True(t, store.lots[1].QtyRemaining.Equal(d("0")))
	require.Equal(t, lots.StatusDepleted, store.lots[1].Status)
	require.True(t, store.lots[2].QtyRemaining.Equal(d("30")))
	require.True(t, store.positions[posKey(1, 3, 7)].Qty.Equal(d("30")))

	lines, err := store.ListLines(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.True(t, lines[0].ShippedValue.Equal(d("1240.00")), "got %s", lines[0].ShippedValue)

	allocs := store.allocations[lines[0].ID]
	require.Len(t, allocs, 2)
	require.Equal(t, "LOT-A", allocs[0].LotNumber)
	require.True(t, allocs[0].Qty.Equal(d("100")))
	require.Equal(t, "LOT-B", allocs[1].LotNumber)
	require.True(t, allocs[1].Qty.Equal(d("20")))

	tr, discs, err := svc.Receive(context.Background(), requester, tr.ID,
		[]transfers.ReceiptInput{{LineID: lines[0].ID, QtyReceived: d("120")}})
	require.NoError(t, err)
	require.Equal(t, transfers.StatusReceived, tr.Status)
	require.Empty(t, discs)

	tr, err = svc.Complete(context.Background(), approver, tr.ID)
	require.NoError(t, err)
	require.Equal(t, transfers.StatusCompleted, tr.Status)

	// Destination rebuilt the lot identities at shipped cost.
	dest := store.positions[posKey(1, 4, 7)]
	require.True(t, dest.Qty.Equal(d("120")))
	var destLots []lots.Lot
	for _, l := range store.lots {
		if l.WarehouseID == 4 {
			destLots = append(destLots, l)
		}
	}
	require.Len(t, destLots, 2)

	// Net stock change across warehouses is zero.
	sum := decimal.Zero
	for _, e := range store.entries {
		require.NotNil(t, e.TransferID)
		require.Equal(t, tr.WireID, *e.TransferID)
		sum = sum.Add(e.Qty)
	}
	require.True(t, sum.IsZero(), "net qty %s", sum)
}

func TestReceiveShortRecordsDiscrepancy(t *testing.T) {
	store := newFakeStore()
	seedSource(store)
	svc := newService(store, allowAllAuthz{})

	tr := createShipped(t, svc, store)
	lines, err := store.ListLines(context.Background(), tr.ID)
	require.NoError(t, err)

	tr, discs, err := svc.Receive(context.Background(), requester, tr.ID,
		[]transfers.ReceiptInput{{LineID: lines[0].ID, QtyReceived: d("110"), DiscrepancyReason: "damaged in transit"}})
	require.NoError(t, err)
	require.Equal(t, transfers.StatusReceived, tr.Status)
	require.Len(t, discs, 1)
	require.True(t, discs[0].Expected.Equal(d("120")))
	require.True(t, discs[0].Received.Equal(d("110")))
	require.Equal(t, "damaged in transit", discs[0].Reason)

	// Destination only received 110; the gap stays visible in the ledger.
	require.True(t, store.positions[posKey(1, 4, 7)].Qty.Equal(d("110")))
}

func TestReceiveOverShipmentRejected(t *testing.T) {
	store := newFakeStore()
	seedSource(store)
	svc := newService(store, allowAllAuthz{})

	tr := createShipped(t, svc, store)
	lines, err := store.ListLines(context.Background(), tr.ID)
	require.NoError(t, err)

	_, _, err = svc.Receive(context.Background(), requester, tr.ID,
		[]transfers.ReceiptInput{{LineID: lines[0].ID, QtyReceived: d("130")}})
	var verr *inventory.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "qty_received", verr.Field)
}

func TestShipInsufficientStockFailsWhole(t *testing.T) {
	store := newFakeStore()
	seedSource(store)
	svc := newService(store, allowAllAuthz{})

	tr, err := svc.Create(context.Background(), requester, transfers.CreateInput{
		CompanyID: 1, SourceID: 3, DestID: 4,
		Lines: []transfers.LineInput{{ProductID: 7, Qty: d("200")}},
	})
	require.NoError(t, err)
	tr, err = svc.Approve(context.Background(), approver, tr.ID)
	require.NoError(t, err)

	_, err = svc.Ship(context.Background(), requester, tr.ID)
	var ierr *inventory.InsufficientInventoryError
	require.ErrorAs(t, err, &ierr)
}

func TestCancelOnlyBeforeShip(t *testing.T) {
	store := newFakeStore()
	seedSource(store)
	svc := newService(store, allowAllAuthz{})

	tr := createShipped(t, svc, store)
	_, err := svc.Cancel(context.Background(), requester, tr.ID)
	require.ErrorIs(t, err, inventory.ErrInvalidState)
}

func TestSelfApprovalForbidden(t *testing.T) {
	store := newFakeStore()
	seedSource(store)
	svc := newService(store, allowAllAuthz{})

	tr, err := svc.Create(context.Background(), requester, transfers.CreateInput{
		CompanyID: 1, SourceID: 3, DestID: 4,
		Lines: []transfers.LineInput{{ProductID: 7, Qty: d("10")}},
	})
	require.NoError(t, err)

	_, err = svc.Approve(context.Background(), requester, tr.ID)
	var serr *inventory.SelfApprovalForbiddenError
	require.ErrorAs(t, err, &serr)
}

func TestCrossCompanyNeedsGrant(t *testing.T) {
	store := newFakeStore()
	seedSource(store)
	svc := newService(store, allowAllAuthz{crossCompany: false})

	_, err := svc.Create(context.Background(), requester, transfers.CreateInput{
		CompanyID: 1, DestCompanyID: 2, SourceID: 3, DestID: 4,
		Lines: []transfers.LineInput{{ProductID: 7, Qty: d("10")}},
	})
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestCrossCompanyReceiveByDestination(t *testing.T) {
	store := newFakeStore()
	seedSource(store)
	svc := newService(store, allowAllAuthz{crossCompany: true})

	tr, err := svc.Create(context.Background(), requester, transfers.CreateInput{
		CompanyID: 1, DestCompanyID: 2, SourceID: 3, DestID: 4,
		Lines: []transfers.LineInput{{ProductID: 7, Qty: d("50")}},
	})
	require.NoError(t, err)
	tr, err = svc.Approve(context.Background(), approver, tr.ID)
	require.NoError(t, err)
	tr, err = svc.Ship(context.Background(), requester, tr.ID)
	require.NoError(t, err)

	// The source company cannot book goods into the destination company.
	lines, err := store.ListLines(context.Background(), tr.ID)
	require.NoError(t, err)
	_, _, err = svc.Receive(context.Background(), requester, tr.ID,
		[]transfers.ReceiptInput{{LineID: lines[0].ID, QtyReceived: d("50")}})
	var terr *inventory.CrossTenantAccessError
	require.ErrorAs(t, err, &terr)

	destActor := shared.Actor{ID: 31, CompanyID: 2}
	tr, _, err = svc.Receive(context.Background(), destActor, tr.ID,
		[]transfers.ReceiptInput{{LineID: lines[0].ID, QtyReceived: d("50")}})
	require.NoError(t, err)
	require.Equal(t, transfers.StatusReceived, tr.Status)
	require.True(t, store.positions[posKey(2, 4, 7)].Qty.Equal(d("50")))

	// The destination side signs off the reconciliation.
	tr, err = svc.Complete(context.Background(), destActor, tr.ID)
	require.NoError(t, err)
	require.Equal(t, transfers.StatusCompleted, tr.Status)
}

func TestCompleteRequiresReceivedState(t *testing.T) {
	store := newFakeStore()
	seedSource(store)
	svc := newService(store, allowAllAuthz{})

	tr := createShipped(t, svc, store)

	// In-transit goods cannot be signed off.
	_, err := svc.Complete(context.Background(), approver, tr.ID)
	require.ErrorIs(t, err, inventory.ErrInvalidState)

	lines, err := store.ListLines(context.Background(), tr.ID)
	require.NoError(t, err)
	tr, _, err = svc.Receive(context.Background(), requester, tr.ID,
		[]transfers.ReceiptInput{{LineID: lines[0].ID, QtyReceived: d("120")}})
	require.NoError(t, err)

	outsider := shared.Actor{ID: 77, CompanyID: 9}
	_, err = svc.Complete(context.Background(), outsider, tr.ID)
	var terr *inventory.CrossTenantAccessError
	require.ErrorAs(t, err, &terr)

	tr, err = svc.Complete(context.Background(), approver, tr.ID)
	require.NoError(t, err)
	require.Equal(t, transfers.StatusCompleted, tr.Status)

	// Completing twice is invalid.
	_, err = svc.Complete(context.Background(), approver, tr.ID)
	require.ErrorIs(t, err, inventory.ErrInvalidState)
}
