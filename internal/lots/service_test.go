package lots_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/lots"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type fakeRepo struct {
	lots   map[int64]lots.Lot
	nextID int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{lots: map[int64]lots.Lot{}}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, lots.TxRepository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) GetLot(_ context.Context, id int64) (lots.Lot, error) {
	l, ok := f.lots[id]
	if !ok {
		return lots.Lot{}, inventory.ErrNotFound
	}
	return l, nil
}

func (f *fakeRepo) ListByPosition(_ context.Context, companyID, warehouseID, productID int64) ([]lots.Lot, error) {
	var out []lots.Lot
	for id := int64(1); id <= f.nextID; id++ {
		l, ok := f.lots[id]
		if ok && l.CompanyID == companyID && l.WarehouseID == warehouseID && l.ProductID == productID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListExpiringWithin(_ context.Context, companyID int64, at time.Time, days int) ([]lots.Lot, error) {
	var out []lots.Lot
	for _, l := range f.lots {
		if l.CompanyID == companyID && l.Status == lots.StatusActive && l.ExpiresWithin(at, days) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeRepo) InsertLot(_ context.Context, l lots.Lot) (int64, error) {
	for _, existing := range f.lots {
		if existing.CompanyID == l.CompanyID && existing.ProductID == l.ProductID &&
			existing.WarehouseID == l.WarehouseID && existing.LotNumber == l.LotNumber {
			return 0, inventory.Validation("lot_number", "lot number already exists for product")
		}
	}
	f.nextID++
	l.ID = f.nextID
	f.lots[l.ID] = l
	return l.ID, nil
}

func (f *fakeRepo) GetLotForUpdate(ctx context.Context, id int64) (lots.Lot, error) {
	return f.GetLot(ctx, id)
}

func (f *fakeRepo) UpdateLot(_ context.Context, l lots.Lot) error {
	if _, ok := f.lots[l.ID]; !ok {
		return inventory.ErrNotFound
	}
	f.lots[l.ID] = l
	return nil
}

func (f *fakeRepo) ListExpiredActive(_ context.Context, companyID int64, at time.Time) ([]lots.Lot, error) {
	var out []lots.Lot
	for id := int64(1); id <= f.nextID; id++ {
		l, ok := f.lots[id]
		if ok && l.CompanyID == companyID && l.Status == lots.StatusActive && l.Expired(at) {
			out = append(out, l)
		}
	}
	return out, nil
}

type recordingPublisher struct{ events []inventory.Event }

func (p *recordingPublisher) Publish(_ context.Context, evt inventory.Event) error {
	p.events = append(p.events, evt)
	return nil
}

var owner = shared.Actor{ID: 51, CompanyID: 1}

func newService(repo *fakeRepo) (*lots.Service, *recordingPublisher) {
	pub := &recordingPublisher{}
	svc := lots.NewService(repo, nil, pub)
	svc.WithNow(func() time.Time { return now })
	return svc, pub
}

func createLot(t *testing.T, svc *lots.Service, number, quantity, cost string, exp *time.Time) lots.Lot {
	t.Helper()
	l, err := svc.Create(context.Background(), owner, lots.CreateInput{
		CompanyID: 1, ProductID: 7, WarehouseID: 3, LotNumber: number,
		QtyProduced: qty(quantity), UnitCost: qty(cost),
		ManufacturedDate: date(2025, 1, 1), ExpirationDate: exp,
	})
	require.NoError(t, err)
	return l
}

func TestCreateLot(t *testing.T) {
	repo := newFakeRepo()
	svc, pub := newService(repo)

	l := createLot(t, svc, "LOT-A", "100", "10.00", nil)
	require.Equal(t, lots.StatusActive, l.Status)
	require.True(t, l.QtyRemaining.Equal(qty("100")))
	require.Len(t, pub.events, 1)
	require.Equal(t, "lot.created", pub.events[0].Kind())
}

func TestCreateDuplicateLotNumberRejected(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newService(repo)

	createLot(t, svc, "LOT-A", "100", "10.00", nil)
	_, err := svc.Create(context.Background(), owner, lots.CreateInput{
		CompanyID: 1, ProductID: 7, WarehouseID: 3, LotNumber: "LOT-A",
		QtyProduced: qty("5"), UnitCost: qty("1.00"),
	})
	var verr *inventory.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "lot_number", verr.Field)
}

func TestCreateExpiryBeforeManufactureRejected(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newService(repo)

	_, err := svc.Create(context.Background(), owner, lots.CreateInput{
		CompanyID: 1, ProductID: 7, WarehouseID: 3, LotNumber: "LOT-X",
		QtyProduced: qty("5"), UnitCost: qty("1.00"),
		ManufacturedDate: date(2025, 3, 1), ExpirationDate: date(2025, 2, 1),
	})
	var verr *inventory.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "expiration_date", verr.Field)
}

func TestQuarantineAndRelease(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newService(repo)

	l := createLot(t, svc, "LOT-A", "100", "10.00", nil)

	q, err := svc.Quarantine(context.Background(), owner, l.ID, "damaged packaging")
	require.NoError(t, err)
	require.Equal(t, lots.StatusQuarantined, q.Status)

	// Quarantining twice is invalid.
	_, err = svc.Quarantine(context.Background(), owner, l.ID, "")
	require.ErrorIs(t, err, inventory.ErrInvalidState)

	r, err := svc.Release(context.Background(), owner, l.ID)
	require.NoError(t, err)
	require.Equal(t, lots.StatusActive, r.Status)
}

func TestQuarantineCrossTenantBlocked(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newService(repo)

	l := createLot(t, svc, "LOT-A", "100", "10.00", nil)
	outsider := shared.Actor{ID: 9, CompanyID: 2}
	_, err := svc.Quarantine(context.Background(), outsider, l.ID, "")
	var terr *inventory.CrossTenantAccessError
	require.ErrorAs(t, err, &terr)
}

func TestSplitPreservesQuantityAndCost(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newService(repo)

	parent := createLot(t, svc, "LOT-A", "100", "10.00", date(2026, 1, 1))

	children, err := svc.Split(context.Background(), owner, parent.ID, []decimal.Decimal{qty("60"), qty("40")})
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, "LOT-A-S1", children[0].LotNumber)
	require.Equal(t, "LOT-A-S2", children[1].LotNumber)
	for _, c := range children {
		require.True(t, c.UnitCost.Equal(qty("10.00")))
		require.Equal(t, parent.ID, *c.ParentLotID)
		require.Equal(t, lots.StatusActive, c.Status)
	}
	require.True(t, children[0].QtyRemaining.Add(children[1].QtyRemaining).Equal(qty("100")))

	got, err := svc.Get(context.Background(), owner, parent.ID)
	require.NoError(t, err)
	require.Equal(t, lots.StatusDepleted, got.Status)
	require.True(t, got.QtyRemaining.IsZero())
}

func TestSplitPartsMustSumToRemaining(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newService(repo)

	parent := createLot(t, svc, "LOT-A", "100", "10.00", nil)
	_, err := svc.Split(context.Background(), owner, parent.ID, []decimal.Decimal{qty("60"), qty("60")})
	var verr *inventory.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestConsolidateMergesValueWeighted(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newService(repo)

	a := createLot(t, svc, "LOT-A", "100", "10.00", nil)
	b := createLot(t, svc, "LOT-B", "50", "13.00", nil)

	merged, err := svc.Consolidate(context.Background(), owner, []int64{a.ID, b.ID}, "LOT-M")
	require.NoError(t, err)
	require.True(t, merged.QtyRemaining.Equal(qty("150")))
	// (100×10 + 50×13) / 150 = 11.00
	require.True(t, merged.UnitCost.Equal(qty("11.00")), "got %s", merged.UnitCost)

	gotA, err := svc.Get(context.Background(), owner, a.ID)
	require.NoError(t, err)
	require.Equal(t, lots.StatusConsolidated, gotA.Status)
	require.True(t, gotA.QtyRemaining.IsZero())
}

func TestConsolidateRequiresSameExpirationContext(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newService(repo)

	a := createLot(t, svc, "LOT-A", "100", "10.00", date(2026, 1, 1))
	b := createLot(t, svc, "LOT-B", "50", "13.00", date(2026, 6, 1))

	_, err := svc.Consolidate(context.Background(), owner, []int64{a.ID, b.ID}, "LOT-M")
	var verr *inventory.ValidationError
	require.ErrorAs(t, err, &verr)
}

// txTrackingRepo flags the window in which a transaction callback runs,
// so tests can assert what happens inside it versus after commit.
type txTrackingRepo struct {
	*fakeRepo
	inTx bool
}

func (r *txTrackingRepo) WithTx(ctx context.Context, fn func(context.Context, lots.TxRepository) error) error {
	r.inTx = true
	defer func() { r.inTx = false }()
	return fn(ctx, r.fakeRepo)
}

type commitAwarePublisher struct {
	repo        *txTrackingRepo
	events      []inventory.Event
	publishedIn int
}

func (p *commitAwarePublisher) Publish(_ context.Context, evt inventory.Event) error {
	if p.repo.inTx {
		p.publishedIn++
	}
	p.events = append(p.events, evt)
	return nil
}

func TestMarkExpiredAlertsAfterCommit(t *testing.T) {
	repo := &txTrackingRepo{fakeRepo: newFakeRepo()}
	pub := &commitAwarePublisher{repo: repo}
	svc := lots.NewService(repo, nil, pub)
	svc.WithNow(func() time.Time { return now })

	createLot(t, svc, "LOT-A", "100", "10.00", date(2025, 5, 1))
	createLot(t, svc, "LOT-B", "50", "13.00", date(2025, 4, 1))

	count, err := svc.MarkExpired(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	var alerts int
	for _, evt := range pub.events {
		if evt.Kind() == "lot.expiring" {
			alerts++
		}
	}
	require.Equal(t, 2, alerts)
	// No alert left the service while the rows were still locked.
	require.Zero(t, pub.publishedIn)
}

func TestMarkExpiredIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	svc, pub := newService(repo)

	createLot(t, svc, "LOT-A", "100", "10.00", date(2025, 5, 1))
	createLot(t, svc, "LOT-B", "50", "13.00", date(2026, 1, 1))

	count, err := svc.MarkExpired(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = svc.MarkExpired(context.Background(), 1)
	require.NoError(t, err)
	require.Zero(t, count)

	var alerts int
	for _, evt := range pub.events {
		if evt.Kind() == "lot.expiring" {
			alerts++
		}
	}
	require.Equal(t, 1, alerts)
}
