package closing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetClosure(ctx context.Context, period Period) (Closure, error)
	GetClosureByID(ctx context.Context, companyID, id int64) (Closure, error)
	ListDetails(ctx context.Context, closureID int64) ([]Detail, error)
	ListClosures(ctx context.Context, companyID, warehouseID int64, limit int) ([]Closure, error)
}

// TxRepository exposes the transactional closing operations.
type TxRepository interface {
	InsertClosure(ctx context.Context, c Closure) (int64, error)
	GetClosureForUpdate(ctx context.Context, id int64) (Closure, error)
	GetClosureForUpdateByPeriod(ctx context.Context, period Period) (Closure, error)
	UpdateClosure(ctx context.Context, c Closure) error
	InsertDetail(ctx context.Context, d Detail) (int64, error)
	DeleteDetails(ctx context.Context, closureID int64) error
	ListDetails(ctx context.Context, closureID int64) ([]Detail, error)
}

// Repository persists closures in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("closing repository not initialised")
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

const closureSelect = `SELECT id, company_id, warehouse_id, year, month, status, note,
closed_by, closed_at, reopened_by, reopened_at
FROM inventory_closures`

// GetClosure loads the closure of a warehouse month.
func (r *Repository) GetClosure(ctx context.Context, period Period) (Closure, error) {
	return scanClosure(r.pool.QueryRow(ctx, closureSelect+` WHERE company_id=$1 AND warehouse_id=$2 AND year=$3 AND month=$4`,
		period.CompanyID, period.WarehouseID, period.Year, int(period.Month)))
}

// GetClosureByID loads a closure scoped to a company.
func (r *Repository) GetClosureByID(ctx context.Context, companyID, id int64) (Closure, error) {
	return scanClosure(r.pool.QueryRow(ctx, closureSelect+` WHERE company_id=$1 AND id=$2`, companyID, id))
}

// ListDetails lists the frozen per-product balances of a closure.
func (r *Repository) ListDetails(ctx context.Context, closureID int64) ([]Detail, error) {
	return listDetails(ctx, r.pool, closureID)
}

// ListClosures lists recent closures of a warehouse, newest first.
func (r *Repository) ListClosures(ctx context.Context, companyID, warehouseID int64, limit int) ([]Closure, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := r.pool.Query(ctx, closureSelect+` WHERE company_id=$1 AND warehouse_id=$2 ORDER BY year DESC, month DESC LIMIT $3`,
		companyID, warehouseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Closure
	for rows.Next() {
		c, err := scanClosure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *txRepository) InsertClosure(ctx context.Context, c Closure) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_closures (company_id, warehouse_id, year, month, status, note, closed_by, closed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		c.CompanyID, c.WarehouseID, c.Year, int(c.Month), string(c.Status), c.Note, c.ClosedBy, c.ClosedAt).Scan(&id)
	if err != nil {
		return 0, translatePgError(err)
	}
	return id, nil
}

func (r *txRepository) GetClosureForUpdate(ctx context.Context, id int64) (Closure, error) {
	return scanClosure(r.tx.QueryRow(ctx, closureSelect+` WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) GetClosureForUpdateByPeriod(ctx context.Context, period Period) (Closure, error) {
	return scanClosure(r.tx.QueryRow(ctx, closureSelect+` WHERE company_id=$1 AND warehouse_id=$2 AND year=$3 AND month=$4 FOR UPDATE`,
		period.CompanyID, period.WarehouseID, period.Year, int(period.Month)))
}

func (r *txRepository) UpdateClosure(ctx context.Context, c Closure) error {
	_, err := r.tx.Exec(ctx, `UPDATE inventory_closures SET status=$2, note=$3, closed_by=$4, closed_at=$5, reopened_by=$6, reopened_at=$7 WHERE id=$1`,
		c.ID, string(c.Status), c.Note, c.ClosedBy, c.ClosedAt, c.ReopenedBy, c.ReopenedAt)
	return err
}

func (r *txRepository) InsertDetail(ctx context.Context, d Detail) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO closure_details (closure_id, product_id, opening_qty, opening_value,
qty_in, value_in, qty_out, value_out, closing_qty, closing_value,
physical_qty, discrepancy_qty, has_discrepancy, adjusted_closing_qty)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`,
		d.ClosureID, d.ProductID, d.OpeningQty, d.OpeningValue,
		d.QtyIn, d.ValueIn, d.QtyOut, d.ValueOut, d.ClosingQty, d.ClosingValue,
		d.PhysicalQty, d.DiscrepancyQty, d.HasDiscrepancy, d.AdjustedClosingQty).Scan(&id)
	if err != nil {
		return 0, translatePgError(err)
	}
	return id, nil
}

func (r *txRepository) DeleteDetails(ctx context.Context, closureID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM closure_details WHERE closure_id=$1`, closureID)
	return err
}

func (r *txRepository) ListDetails(ctx context.Context, closureID int64) ([]Detail, error) {
	return listDetails(ctx, r.tx, closureID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listDetails(ctx context.Context, q querier, closureID int64) ([]Detail, error) {
	rows, err := q.Query(ctx, `SELECT id, closure_id, product_id, opening_qty, opening_value,
qty_in, value_in, qty_out, value_out, closing_qty, closing_value,
physical_qty, discrepancy_qty, has_discrepancy, adjusted_closing_qty
FROM closure_details WHERE closure_id=$1 ORDER BY product_id ASC`, closureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Detail
	for rows.Next() {
		var d Detail
		if err := rows.Scan(&d.ID, &d.ClosureID, &d.ProductID, &d.OpeningQty, &d.OpeningValue,
			&d.QtyIn, &d.ValueIn, &d.QtyOut, &d.ValueOut, &d.ClosingQty, &d.ClosingValue,
			&d.PhysicalQty, &d.DiscrepancyQty, &d.HasDiscrepancy, &d.AdjustedClosingQty); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanClosure(row pgx.Row) (Closure, error) {
	var c Closure
	var status string
	var month int
	err := row.Scan(&c.ID, &c.CompanyID, &c.WarehouseID, &c.Year, &month, &status, &c.Note,
		&c.ClosedBy, &c.ClosedAt, &c.ReopenedBy, &c.ReopenedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Closure{}, inventory.ErrNotFound
		}
		return Closure{}, err
	}
	c.Status = Status(status)
	c.Month = time.Month(month)
	return c, nil
}

func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return inventory.Validation("period", "period already closed")
		case "40001", "55P03":
			return &inventory.ConcurrencyConflictError{Resource: "inventory_closures"}
		}
	}
	return err
}
