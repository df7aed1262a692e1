package transfers

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/lots"
	"github.com/meridian-erp/meridian-erp/internal/movements"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransfer(ctx context.Context, companyID, id int64) (Transfer, error)
	ListLines(ctx context.Context, transferID int64) ([]Line, error)
	ListAllocations(ctx context.Context, lineID int64) ([]Allocation, error)
	ListDiscrepancies(ctx context.Context, transferID int64) ([]Discrepancy, error)
}

// TxRepository covers the transfer header, lines, allocations and
// discrepancies, plus a movements view over the same transaction so ship
// and receive post their ledger legs atomically with the header update.
type TxRepository interface {
	InsertTransfer(ctx context.Context, t Transfer) (int64, error)
	GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error)
	UpdateTransfer(ctx context.Context, t Transfer) error
	InsertLine(ctx context.Context, line Line) (int64, error)
	UpdateLine(ctx context.Context, line Line) error
	ListLines(ctx context.Context, transferID int64) ([]Line, error)
	InsertAllocation(ctx context.Context, alloc Allocation) (int64, error)
	ListAllocations(ctx context.Context, lineID int64) ([]Allocation, error)
	InsertDiscrepancy(ctx context.Context, disc Discrepancy) (int64, error)
	Movements() movements.TxRepository
}

// Repository persists transfers in PostgreSQL.
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
		return errors.New("transfers repository not initialised")
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

const transferSelect = `SELECT id, wire_id, company_id, dest_company_id, source_warehouse_id, dest_warehouse_id, status, strategy, note,
created_by, approved_by, approved_at, shipped_by, shipped_at, received_by, received_at, created_at, updated_at
FROM inventory_transfers`

// GetTransfer loads a header scoped to a company. Either side of a
// cross-company transfer may read it.
func (r *Repository) GetTransfer(ctx context.Context, companyID, id int64) (Transfer, error) {
	return scanTransfer(r.pool.QueryRow(ctx, transferSelect+` WHERE id=$1 AND (company_id=$2 OR dest_company_id=$2)`, id, companyID))
}

// ListLines lists the lines of a transfer.
func (r *Repository) ListLines(ctx context.Context, transferID int64) ([]Line, error) {
	return listLines(ctx, r.pool, transferID)
}

// ListAllocations lists the shipment allocations of a line.
func (r *Repository) ListAllocations(ctx context.Context, lineID int64) ([]Allocation, error) {
	return listAllocations(ctx, r.pool, lineID)
}

// ListDiscrepancies lists receive discrepancies for a transfer.
func (r *Repository) ListDiscrepancies(ctx context.Context, transferID int64) ([]Discrepancy, error) {
	rows, err := r.pool.Query(ctx, `SELECT d.id, d.line_id, d.expected, d.received, d.reason, d.value
FROM transfer_discrepancies d JOIN transfer_lines l ON l.id = d.line_id
WHERE l.transfer_id=$1 ORDER BY d.id ASC`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Discrepancy
	for rows.Next() {
		var d Discrepancy
		if err := rows.Scan(&d.ID, &d.LineID, &d.Expected, &d.Received, &d.Reason, &d.Value); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *txRepository) Movements() movements.TxRepository {
	return movements.NewTxRepository(r.tx)
}

func (r *txRepository) InsertTransfer(ctx context.Context, t Transfer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_transfers (wire_id, company_id, dest_company_id, source_warehouse_id, dest_warehouse_id,
status, strategy, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW()) RETURNING id`,
		t.WireID, t.CompanyID, t.DestCompanyID, t.SourceID, t.DestID,
		string(t.Status), string(t.Strategy), t.Note, t.CreatedBy).Scan(&id)
	if err != nil {
		return 0, translatePgError(err)
	}
	return id, nil
}

func (r *txRepository) GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error) {
	return scanTransfer(r.tx.QueryRow(ctx, transferSelect+` WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateTransfer(ctx context.Context, t Transfer) error {
	_, err := r.tx.Exec(ctx, `UPDATE inventory_transfers SET status=$2, approved_by=$3, approved_at=$4,
shipped_by=$5, shipped_at=$6, received_by=$7, received_at=$8, updated_at=NOW() WHERE id=$1`,
		t.ID, string(t.Status), t.ApprovedBy, t.ApprovedAt, t.ShippedBy, t.ShippedAt, t.ReceivedBy, t.ReceivedAt)
	return err
}

func (r *txRepository) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO transfer_lines (transfer_id, product_id, qty_requested, qty_shipped, qty_received, unit_cost, shipped_value)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		line.TransferID, line.ProductID, line.QtyRequested, line.QtyShipped, line.QtyReceived, line.UnitCost, line.ShippedValue).Scan(&id)
	if err != nil {
		return 0, translatePgError(err)
	}
	return id, nil
}

func (r *txRepository) UpdateLine(ctx context.Context, line Line) error {
	_, err := r.tx.Exec(ctx, `UPDATE transfer_lines SET qty_shipped=$2, qty_received=$3, unit_cost=$4, shipped_value=$5 WHERE id=$1`,
		line.ID, line.QtyShipped, line.QtyReceived, line.UnitCost, line.ShippedValue)
	return err
}

func (r *txRepository) ListLines(ctx context.Context, transferID int64) ([]Line, error) {
	return listLines(ctx, r.tx, transferID)
}

func (r *txRepository) InsertAllocation(ctx context.Context, alloc Allocation) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO transfer_allocations (line_id, source_lot_id, lot_number, qty, unit_cost, manufactured_date, expiration_date)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		alloc.LineID, alloc.SourceLotID, alloc.LotNumber, alloc.Qty, alloc.UnitCost, alloc.ManufacturedDate, alloc.ExpirationDate).Scan(&id)
	if err != nil {
		return 0, translatePgError(err)
	}
	return id, nil
}

func (r *txRepository) ListAllocations(ctx context.Context, lineID int64) ([]Allocation, error) {
	return listAllocations(ctx, r.tx, lineID)
}

func (r *txRepository) InsertDiscrepancy(ctx context.Context, disc Discrepancy) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO transfer_discrepancies (line_id, expected, received, reason, value)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		disc.LineID, disc.Expected, disc.Received, disc.Reason, disc.Value).Scan(&id)
	if err != nil {
		return 0, translatePgError(err)
	}
	return id, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listLines(ctx context.Context, q querier, transferID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, transfer_id, product_id, qty_requested, qty_shipped, qty_received, unit_cost, shipped_value
FROM transfer_lines WHERE transfer_id=$1 ORDER BY id ASC`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.TransferID, &l.ProductID, &l.QtyRequested, &l.QtyShipped, &l.QtyReceived, &l.UnitCost, &l.ShippedValue); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func listAllocations(ctx context.Context, q querier, lineID int64) ([]Allocation, error) {
	rows, err := q.Query(ctx, `SELECT id, line_id, source_lot_id, lot_number, qty, unit_cost, manufactured_date, expiration_date
FROM transfer_allocations WHERE line_id=$1 ORDER BY id ASC`, lineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.LineID, &a.SourceLotID, &a.LotNumber, &a.Qty, &a.UnitCost, &a.ManufacturedDate, &a.ExpirationDate); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanTransfer(row pgx.Row) (Transfer, error) {
	var t Transfer
	var status, strategy string
	err := row.Scan(&t.ID, &t.WireID, &t.CompanyID, &t.DestCompanyID, &t.SourceID, &t.DestID, &status, &strategy, &t.Note,
		&t.CreatedBy, &t.ApprovedBy, &t.ApprovedAt, &t.ShippedBy, &t.ShippedAt, &t.ReceivedBy, &t.ReceivedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, inventory.ErrNotFound
		}
		return Transfer{}, err
	}
	t.Status = Status(status)
	t.Strategy = lots.Strategy(strategy)
	return t, nil
}

func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return inventory.Validation("transfer", "duplicate transfer record")
		case "40001", "55P03":
			return &inventory.ConcurrencyConflictError{Resource: "inventory_transfers"}
		}
	}
	return err
}
