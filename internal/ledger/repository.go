package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
)

// Repository persists ledger entries and positions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetKardex lists ledger entries ordered by (movement_date, id).
func (r *Repository) GetKardex(ctx context.Context, filter KardexFilter) ([]Entry, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, company_id, warehouse_id, product_id, lot_id, movement_id, movement_type,
qty, qty_in, qty_out, balance_qty, unit_cost, total_cost, transfer_id, batch_id, movement_date, created_by, note, created_at
FROM ledger_entries
WHERE company_id=$1 AND warehouse_id=$2 AND product_id=$3
  AND movement_date BETWEEN COALESCE($4, '-infinity') AND COALESCE($5, 'infinity')
ORDER BY movement_date ASC, id ASC
LIMIT $6`, filter.CompanyID, filter.WarehouseID, filter.ProductID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var typ string
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.WarehouseID, &e.ProductID, &e.LotID, &e.MovementID, &typ,
			&e.Qty, &e.QtyIn, &e.QtyOut, &e.BalanceQty, &e.UnitCost, &e.TotalCost, &e.TransferID, &e.BatchID,
			&e.MovementDate, &e.CreatedBy, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = MovementType(typ)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetPosition reads the current position without locking.
func (r *Repository) GetPosition(ctx context.Context, companyID, warehouseID, productID int64) (Position, error) {
	var p Position
	err := r.pool.QueryRow(ctx, `SELECT company_id, warehouse_id, product_id, qty, reserved_qty, avg_cost, updated_at
FROM ledger_positions WHERE company_id=$1 AND warehouse_id=$2 AND product_id=$3`,
		companyID, warehouseID, productID).
		Scan(&p.CompanyID, &p.WarehouseID, &p.ProductID, &p.Qty, &p.Reserved, &p.AvgCost, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{CompanyID: companyID, WarehouseID: warehouseID, ProductID: productID,
				Qty: decimal.Zero, Reserved: decimal.Zero, AvgCost: decimal.Zero}, inventory.ErrNotFound
		}
		return Position{}, err
	}
	return p, nil
}

// ListPositionsBelowMinimum returns positions whose available quantity is
// under the product's configured minimum stock. Product min/max is
// read-only master data.
func (r *Repository) ListPositionsBelowMinimum(ctx context.Context, companyID int64) ([]LowPosition, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.company_id, p.warehouse_id, p.product_id, p.qty - p.reserved_qty, pr.min_stock
FROM ledger_positions p
JOIN products pr ON pr.id = p.product_id
WHERE p.company_id=$1 AND pr.min_stock > 0 AND p.qty - p.reserved_qty < pr.min_stock`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LowPosition
	for rows.Next() {
		var lp LowPosition
		if err := rows.Scan(&lp.CompanyID, &lp.WarehouseID, &lp.ProductID, &lp.Available, &lp.Minimum); err != nil {
			return nil, err
		}
		out = append(out, lp)
	}
	return out, rows.Err()
}

// SumPeriod aggregates in/out quantity and value per product for a
// warehouse over [from, to], used by period closing.
func (r *Repository) SumPeriod(ctx context.Context, companyID, warehouseID int64, from, to time.Time) ([]PeriodTotals, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id,
COALESCE(SUM(qty_in), 0), COALESCE(SUM(qty_out), 0),
COALESCE(SUM(CASE WHEN qty > 0 THEN total_cost ELSE 0 END), 0),
COALESCE(SUM(CASE WHEN qty < 0 THEN total_cost ELSE 0 END), 0)
FROM ledger_entries
WHERE company_id=$1 AND warehouse_id=$2 AND movement_date >= $3 AND movement_date <= $4
GROUP BY product_id
ORDER BY product_id`, companyID, warehouseID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var totals []PeriodTotals
	for rows.Next() {
		var t PeriodTotals
		if err := rows.Scan(&t.ProductID, &t.QtyIn, &t.QtyOut, &t.ValueIn, &t.ValueOut); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// LowPosition pairs a position's availability with its configured minimum.
type LowPosition struct {
	CompanyID   int64
	WarehouseID int64
	ProductID   int64
	Available   decimal.Decimal
	Minimum     decimal.Decimal
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
