package lots

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
)

// Repository persists lots in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertLot(ctx context.Context, lot Lot) (int64, error)
	GetLotForUpdate(ctx context.Context, id int64) (Lot, error)
	UpdateLot(ctx context.Context, lot Lot) error
	ListExpiredActive(ctx context.Context, companyID int64, now time.Time) ([]Lot, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("lots repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return translatePgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translatePgError(err)
	}
	return nil
}

// GetLot loads a lot by id.
func (r *Repository) GetLot(ctx context.Context, id int64) (Lot, error) {
	return scanLot(r.pool.QueryRow(ctx, lotSelect+` WHERE id=$1`, id))
}

// ListByPosition lists lots of a product in a warehouse, newest last.
func (r *Repository) ListByPosition(ctx context.Context, companyID, warehouseID, productID int64) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, lotSelect+` WHERE company_id=$1 AND warehouse_id=$2 AND product_id=$3 ORDER BY created_at ASC, id ASC`,
		companyID, warehouseID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLots(rows)
}

// ListExpiringWithin lists active lots expiring inside the warning window.
func (r *Repository) ListExpiringWithin(ctx context.Context, companyID int64, now time.Time, days int) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, lotSelect+` WHERE company_id=$1 AND status=$2 AND expiration_date IS NOT NULL AND expiration_date <= $3 ORDER BY expiration_date ASC, id ASC`,
		companyID, string(StatusActive), now.AddDate(0, 0, days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLots(rows)
}

const lotSelect = `SELECT id, company_id, product_id, warehouse_id, lot_number, qty_produced, qty_remaining, unit_cost,
manufactured_date, expiration_date, status, parent_lot_id, archived_at, created_at, updated_at
FROM product_lots`

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO product_lots (company_id, product_id, warehouse_id, lot_number, qty_produced, qty_remaining,
unit_cost, manufactured_date, expiration_date, status, parent_lot_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW()) RETURNING id`,
		lot.CompanyID, lot.ProductID, lot.WarehouseID, lot.LotNumber, lot.QtyProduced, lot.QtyRemaining,
		lot.UnitCost, lot.ManufacturedDate, lot.ExpirationDate, string(lot.Status), lot.ParentLotID).Scan(&id)
	if err != nil {
		return 0, translatePgError(err)
	}
	return id, nil
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, id int64) (Lot, error) {
	return scanLot(r.tx.QueryRow(ctx, lotSelect+` WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateLot(ctx context.Context, lot Lot) error {
	_, err := r.tx.Exec(ctx, `UPDATE product_lots SET qty_remaining=$2, status=$3, archived_at=$4, updated_at=NOW() WHERE id=$1`,
		lot.ID, lot.QtyRemaining, string(lot.Status), lot.ArchivedAt)
	return err
}

func (r *txRepository) ListExpiredActive(ctx context.Context, companyID int64, now time.Time) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, lotSelect+` WHERE company_id=$1 AND status=$2 AND expiration_date IS NOT NULL AND expiration_date < $3 FOR UPDATE`,
		companyID, string(StatusActive), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLots(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLot(row rowScanner) (Lot, error) {
	var lot Lot
	var status string
	err := row.Scan(&lot.ID, &lot.CompanyID, &lot.ProductID, &lot.WarehouseID, &lot.LotNumber,
		&lot.QtyProduced, &lot.QtyRemaining, &lot.UnitCost, &lot.ManufacturedDate, &lot.ExpirationDate,
		&status, &lot.ParentLotID, &lot.ArchivedAt, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, inventory.ErrNotFound
		}
		return Lot{}, err
	}
	lot.Status = Status(status)
	return lot, nil
}

func collectLots(rows pgx.Rows) ([]Lot, error) {
	var out []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lot)
	}
	return out, rows.Err()
}

// translatePgError maps PostgreSQL failure codes onto the domain taxonomy:
// unique violations become validation errors, serialization failures and
// lock timeouts become retryable concurrency conflicts.
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return inventory.Validation("lot_number", "lot number already exists for product")
		case "40001", "55P03":
			return &inventory.ConcurrencyConflictError{Resource: "product_lots"}
		}
	}
	return err
}
