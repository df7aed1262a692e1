package movements

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/lots"
)

// Repository persists movements and, within a transaction, the ledger and
// lot rows the execution path mutates.
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

// NewTxRepository wraps an open transaction. The transfer protocol uses
// this to post movement legs inside its own transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("movements repository not initialised")
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

const movementSelect = `SELECT id, company_id, code, warehouse_id, product_id, lot_id, movement_type, qty, unit_cost, total_cost,
reason_id, status, requires_approval, strategy, safety_window_days, allow_expired,
lot_number, manufactured_date, expiration_date, transfer_id, batch_id, movement_date, note,
created_by, approved_by, approved_at, approval_note, failure_reason, executed_at, created_at, updated_at
FROM inventory_movements`

// GetMovement loads a movement scoped to a company.
func (r *Repository) GetMovement(ctx context.Context, companyID, id int64) (Movement, error) {
	return scanMovement(r.pool.QueryRow(ctx, movementSelect+` WHERE company_id=$1 AND id=$2`, companyID, id))
}

// GetReason loads a movement reason.
func (r *Repository) GetReason(ctx context.Context, id int64) (Reason, error) {
	var reason Reason
	err := r.pool.QueryRow(ctx, `SELECT id, code, category, direction, requires_approval, approval_threshold, affects_cost
FROM movement_reasons WHERE id=$1`, id).Scan(&reason.ID, &reason.Code, &reason.Category, &reason.Direction,
		&reason.RequiresApproval, &reason.ApprovalThreshold, &reason.AffectsCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reason{}, inventory.ErrNotFound
		}
		return Reason{}, err
	}
	return reason, nil
}

// GetLot loads a lot without locking it. Execution re-reads lots under
// FOR UPDATE; this read only serves the pre-flight guards.
func (r *Repository) GetLot(ctx context.Context, id int64) (lots.Lot, error) {
	repo := lots.NewRepository(r.pool)
	return repo.GetLot(ctx, id)
}

// GetPosition loads the product/warehouse position.
func (r *Repository) GetPosition(ctx context.Context, companyID, warehouseID, productID int64) (ledger.Position, error) {
	return scanPosition(r.pool.QueryRow(ctx, positionSelect+` WHERE company_id=$1 AND warehouse_id=$2 AND product_id=$3`,
		companyID, warehouseID, productID), companyID, warehouseID, productID)
}

// IsPeriodClosed reports whether the movement date falls in a closed period.
func (r *Repository) IsPeriodClosed(ctx context.Context, companyID, warehouseID int64, date time.Time) (bool, error) {
	return periodClosed(ctx, r.pool, companyID, warehouseID, date)
}

// ListByStatus lists company movements in a workflow state, newest first.
func (r *Repository) ListByStatus(ctx context.Context, companyID int64, status Status, limit, offset int) ([]Movement, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, movementSelect+` WHERE company_id=$1 AND status=$2 ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		companyID, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMovements(rows)
}

// ListPendingApprovalBefore lists stale approval requests across companies.
func (r *Repository) ListPendingApprovalBefore(ctx context.Context, cutoff time.Time) ([]Movement, error) {
	rows, err := r.pool.Query(ctx, movementSelect+` WHERE status=$1 AND created_at < $2 ORDER BY created_at ASC LIMIT 500`,
		string(StatusPendingApproval), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMovements(rows)
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_movements (company_id, code, warehouse_id, product_id, lot_id, movement_type,
qty, unit_cost, total_cost, reason_id, status, requires_approval, strategy, safety_window_days, allow_expired,
lot_number, manufactured_date, expiration_date, transfer_id, batch_id, movement_date, note,
created_by, approved_by, approved_at, approval_note, failure_reason, executed_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,NOW(),NOW())
RETURNING id`,
		m.CompanyID, m.Code, m.WarehouseID, m.ProductID, m.LotID, string(m.Type),
		m.Qty, m.UnitCost, m.TotalCost, m.ReasonID, string(m.Status), m.RequiresApproval,
		string(m.Strategy), m.SafetyWindowDays, m.AllowExpired,
		m.LotNumber, m.ManufacturedDate, m.ExpirationDate, m.TransferID, m.BatchID, m.MovementDate, m.Note,
		m.CreatedBy, m.ApprovedBy, m.ApprovedAt, m.ApprovalNote, m.FailureReason, m.ExecutedAt).Scan(&id)
	if err != nil {
		return 0, translatePgError(err)
	}
	return id, nil
}

func (r *txRepository) GetMovementForUpdate(ctx context.Context, id int64) (Movement, error) {
	return scanMovement(r.tx.QueryRow(ctx, movementSelect+` WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateMovement(ctx context.Context, m Movement) error {
	_, err := r.tx.Exec(ctx, `UPDATE inventory_movements SET lot_id=$2, unit_cost=$3, total_cost=$4, status=$5,
approved_by=$6, approved_at=$7, approval_note=$8, failure_reason=$9, executed_at=$10, updated_at=NOW() WHERE id=$1`,
		m.ID, m.LotID, m.UnitCost, m.TotalCost, string(m.Status),
		m.ApprovedBy, m.ApprovedAt, m.ApprovalNote, m.FailureReason, m.ExecutedAt)
	return err
}

func (r *txRepository) GetPositionForUpdate(ctx context.Context, companyID, warehouseID, productID int64) (ledger.Position, error) {
	return scanPosition(r.tx.QueryRow(ctx, positionSelect+` WHERE company_id=$1 AND warehouse_id=$2 AND product_id=$3 FOR UPDATE`,
		companyID, warehouseID, productID), companyID, warehouseID, productID)
}

func (r *txRepository) UpsertPosition(ctx context.Context, pos ledger.Position) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ledger_positions (company_id, warehouse_id, product_id, qty, reserved_qty, avg_cost, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (company_id, warehouse_id, product_id)
DO UPDATE SET qty=EXCLUDED.qty, reserved_qty=EXCLUDED.reserved_qty, avg_cost=EXCLUDED.avg_cost, updated_at=NOW()`,
		pos.CompanyID, pos.WarehouseID, pos.ProductID, pos.Qty, pos.Reserved, pos.AvgCost)
	return err
}

// ListActiveLotsForUpdate locks every live lot of the position in a stable
// order so concurrent issues against the same product serialize instead of
// deadlocking.
func (r *txRepository) ListActiveLotsForUpdate(ctx context.Context, companyID, warehouseID, productID int64) ([]lots.Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, company_id, product_id, warehouse_id, lot_number, qty_produced, qty_remaining, unit_cost,
manufactured_date, expiration_date, status, parent_lot_id, archived_at, created_at, updated_at
FROM product_lots
WHERE company_id=$1 AND warehouse_id=$2 AND product_id=$3 AND status=$4 AND qty_remaining > 0
ORDER BY id ASC FOR UPDATE`, companyID, warehouseID, productID, string(lots.StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []lots.Lot
	for rows.Next() {
		var lot lots.Lot
		var status string
		if err := rows.Scan(&lot.ID, &lot.CompanyID, &lot.ProductID, &lot.WarehouseID, &lot.LotNumber,
			&lot.QtyProduced, &lot.QtyRemaining, &lot.UnitCost, &lot.ManufacturedDate, &lot.ExpirationDate,
			&status, &lot.ParentLotID, &lot.ArchivedAt, &lot.CreatedAt, &lot.UpdatedAt); err != nil {
			return nil, err
		}
		lot.Status = lots.Status(status)
		out = append(out, lot)
	}
	return out, rows.Err()
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, id int64) (lots.Lot, error) {
	var lot lots.Lot
	var status string
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, product_id, warehouse_id, lot_number, qty_produced, qty_remaining, unit_cost,
manufactured_date, expiration_date, status, parent_lot_id, archived_at, created_at, updated_at
FROM product_lots WHERE id=$1 FOR UPDATE`, id).Scan(&lot.ID, &lot.CompanyID, &lot.ProductID, &lot.WarehouseID,
		&lot.LotNumber, &lot.QtyProduced, &lot.QtyRemaining, &lot.UnitCost, &lot.ManufacturedDate, &lot.ExpirationDate,
		&status, &lot.ParentLotID, &lot.ArchivedAt, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lots.Lot{}, inventory.ErrNotFound
		}
		return lots.Lot{}, err
	}
	lot.Status = lots.Status(status)
	return lot, nil
}

func (r *txRepository) UpdateLot(ctx context.Context, lot lots.Lot) error {
	_, err := r.tx.Exec(ctx, `UPDATE product_lots SET qty_remaining=$2, status=$3, archived_at=$4, updated_at=NOW() WHERE id=$1`,
		lot.ID, lot.QtyRemaining, string(lot.Status), lot.ArchivedAt)
	return err
}

func (r *txRepository) InsertLot(ctx context.Context, lot lots.Lot) (int64, error) {
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

func (r *txRepository) AppendEntry(ctx context.Context, entry ledger.Entry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO ledger_entries (company_id, warehouse_id, product_id, lot_id, movement_id, movement_type,
qty, qty_in, qty_out, balance_qty, unit_cost, total_cost, transfer_id, batch_id, movement_date, created_by, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NOW()) RETURNING id`,
		entry.CompanyID, entry.WarehouseID, entry.ProductID, entry.LotID, entry.MovementID, string(entry.Type),
		entry.Qty, entry.QtyIn, entry.QtyOut, entry.BalanceQty, entry.UnitCost, entry.TotalCost,
		entry.TransferID, entry.BatchID, entry.MovementDate, entry.CreatedBy, entry.Note).Scan(&id)
	if err != nil {
		return 0, translatePgError(err)
	}
	return id, nil
}

// LatestEntryDate returns the movement date of the newest ledger entry of
// a position, or the zero time when the position has no entries yet.
func (r *txRepository) LatestEntryDate(ctx context.Context, companyID, warehouseID, productID int64) (time.Time, error) {
	var latest *time.Time
	err := r.tx.QueryRow(ctx, `SELECT MAX(movement_date) FROM ledger_entries
WHERE company_id=$1 AND warehouse_id=$2 AND product_id=$3`, companyID, warehouseID, productID).Scan(&latest)
	if err != nil {
		return time.Time{}, err
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

func (r *txRepository) IsPeriodClosed(ctx context.Context, companyID, warehouseID int64, date time.Time) (bool, error) {
	return periodClosed(ctx, r.tx, companyID, warehouseID, date)
}

const positionSelect = `SELECT company_id, warehouse_id, product_id, qty, reserved_qty, avg_cost FROM ledger_positions`

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func periodClosed(ctx context.Context, q queryRower, companyID, warehouseID int64, date time.Time) (bool, error) {
	var closed bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_closures
WHERE company_id=$1 AND warehouse_id=$2 AND year=$3 AND month=$4 AND status='CLOSED')`,
		companyID, warehouseID, date.Year(), int(date.Month())).Scan(&closed)
	return closed, err
}

func scanPosition(row pgx.Row, companyID, warehouseID, productID int64) (ledger.Position, error) {
	var pos ledger.Position
	err := row.Scan(&pos.CompanyID, &pos.WarehouseID, &pos.ProductID, &pos.Qty, &pos.Reserved, &pos.AvgCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Position{
				CompanyID: companyID, WarehouseID: warehouseID, ProductID: productID,
				Qty: decimal.Zero, Reserved: decimal.Zero, AvgCost: decimal.Zero,
			}, inventory.ErrNotFound
		}
		return ledger.Position{}, err
	}
	return pos, nil
}

func scanMovement(row pgx.Row) (Movement, error) {
	var m Movement
	var mtype, status, strategy string
	err := row.Scan(&m.ID, &m.CompanyID, &m.Code, &m.WarehouseID, &m.ProductID, &m.LotID, &mtype, &m.Qty, &m.UnitCost, &m.TotalCost,
		&m.ReasonID, &status, &m.RequiresApproval, &strategy, &m.SafetyWindowDays, &m.AllowExpired,
		&m.LotNumber, &m.ManufacturedDate, &m.ExpirationDate, &m.TransferID, &m.BatchID, &m.MovementDate, &m.Note,
		&m.CreatedBy, &m.ApprovedBy, &m.ApprovedAt, &m.ApprovalNote, &m.FailureReason, &m.ExecutedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, inventory.ErrNotFound
		}
		return Movement{}, err
	}
	m.Type = ledger.MovementType(mtype)
	m.Status = Status(status)
	m.Strategy = lots.Strategy(strategy)
	return m, nil
}

func collectMovements(rows pgx.Rows) ([]Movement, error) {
	var out []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return inventory.Validation("code", "movement code already exists")
		case "40001", "55P03":
			return &inventory.ConcurrencyConflictError{Resource: "inventory_movements"}
		}
	}
	return err
}
