package movements

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/lots"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetMovement(ctx context.Context, companyID, id int64) (Movement, error)
	GetReason(ctx context.Context, id int64) (Reason, error)
	GetLot(ctx context.Context, id int64) (lots.Lot, error)
	GetPosition(ctx context.Context, companyID, warehouseID, productID int64) (ledger.Position, error)
	IsPeriodClosed(ctx context.Context, companyID, warehouseID int64, date time.Time) (bool, error)
	ListByStatus(ctx context.Context, companyID int64, status Status, limit, offset int) ([]Movement, error)
	ListPendingApprovalBefore(ctx context.Context, cutoff time.Time) ([]Movement, error)
}

// TxRepository exposes the transactional operations of the execution path.
// Everything a movement mutates (movement row, position, lots, ledger)
// happens through one TxRepository instance, hence one transaction.
type TxRepository interface {
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	GetMovementForUpdate(ctx context.Context, id int64) (Movement, error)
	UpdateMovement(ctx context.Context, m Movement) error
	GetPositionForUpdate(ctx context.Context, companyID, warehouseID, productID int64) (ledger.Position, error)
	UpsertPosition(ctx context.Context, pos ledger.Position) error
	ListActiveLotsForUpdate(ctx context.Context, companyID, warehouseID, productID int64) ([]lots.Lot, error)
	GetLotForUpdate(ctx context.Context, id int64) (lots.Lot, error)
	UpdateLot(ctx context.Context, lot lots.Lot) error
	InsertLot(ctx context.Context, lot lots.Lot) (int64, error)
	AppendEntry(ctx context.Context, entry ledger.Entry) (int64, error)
	LatestEntryDate(ctx context.Context, companyID, warehouseID, productID int64) (time.Time, error)
	IsPeriodClosed(ctx context.Context, companyID, warehouseID int64, date time.Time) (bool, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort records approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// Service coordinates the movement workflow.
type Service struct {
	repo        RepositoryPort
	authz       shared.Authorizer
	audit       AuditPort
	approvals   ApprovalPort
	idempotency *shared.IdempotencyStore
	events      inventory.Publisher
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, authz shared.Authorizer, audit AuditPort, approvals ApprovalPort, idem *shared.IdempotencyStore, events inventory.Publisher) *Service {
	return &Service{repo: repo, authz: authz, audit: audit, approvals: approvals, idempotency: idem, events: events, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

const approvalModule = "MOVEMENT"

// Create validates a movement request and records it. Movements under the
// reason's approval threshold are auto-approved; the rest wait in
// PENDING_APPROVAL. No stock moves here.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (Movement, error) {
	if !actor.Valid() {
		return Movement{}, inventory.Validation("actor", "actor and company required")
	}
	if input.CompanyID != actor.CompanyID {
		return Movement{}, &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: input.CompanyID}
	}
	if s.authz != nil {
		ok, err := s.authz.CanActOnWarehouse(ctx, actor, input.WarehouseID)
		if err != nil {
			return Movement{}, err
		}
		if !ok {
			return Movement{}, shared.ErrForbidden
		}
	}

	now := s.now().UTC()
	m := Movement{
		CompanyID:        input.CompanyID,
		Code:             input.Code,
		WarehouseID:      input.WarehouseID,
		ProductID:        input.ProductID,
		LotID:            input.LotID,
		Type:             input.Type,
		Qty:              input.Qty,
		UnitCost:         input.UnitCost,
		ReasonID:         input.ReasonID,
		Strategy:         input.Strategy,
		SafetyWindowDays: input.SafetyWindowDays,
		AllowExpired:     input.AllowExpired,
		LotNumber:        input.LotNumber,
		ManufacturedDate: input.ManufacturedDate,
		ExpirationDate:   input.ExpirationDate,
		TransferID:       input.TransferID,
		BatchID:          uuid.New(),
		MovementDate:     input.MovementDate,
		Note:             input.Note,
		CreatedBy:        actor.ID,
		Status:           StatusPending,
	}
	if m.Code == "" {
		m.Code = fmt.Sprintf("MV-%d", now.UnixNano())
	}
	if m.MovementDate.IsZero() {
		m.MovementDate = now
	}
	if m.Strategy == "" {
		m.Strategy = lots.FIFO
	}

	reason, err := s.repo.GetReason(ctx, input.ReasonID)
	if err != nil {
		return Movement{}, err
	}

	// Guard chain: every check runs before any mutation and raises a typed
	// error on violation.
	guards := []func(context.Context) error{
		func(context.Context) error { return guardShape(m) },
		func(context.Context) error { return guardReason(m, reason) },
		func(ctx context.Context) error { return s.guardLot(ctx, m) },
		func(ctx context.Context) error { return s.guardAvailability(ctx, &m) },
		func(ctx context.Context) error { return s.guardOpenPeriod(ctx, m.CompanyID, m.WarehouseID, m.MovementDate) },
	}
	for _, guard := range guards {
		if err := guard(ctx); err != nil {
			return Movement{}, err
		}
	}

	m.RequiresApproval = needsApproval(m, reason)
	if m.RequiresApproval {
		m.Status = StatusPendingApproval
	} else {
		m.Status = StatusApproved
	}

	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, m.Code, "movements"); err != nil {
			return Movement{}, err
		}
		insertedKey = true
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertMovement(ctx, m)
		if err != nil {
			return err
		}
		m.ID = id
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, m.Code)
		}
		return Movement{}, err
	}

	if m.RequiresApproval && s.approvals != nil {
		_ = s.approvals.Record(ctx, shared.ApprovalLog{Module: approvalModule, RefID: m.ID, ActorID: actor.ID, Action: shared.ApprovalSubmit, Note: m.Note})
	}
	s.recordAudit(ctx, actor, "MOVEMENT_CREATE", m.ID, map[string]any{"code": m.Code, "type": string(m.Type), "qty": m.Qty.String()})
	if s.events != nil {
		_ = s.events.Publish(ctx, inventory.MovementRequested{
			MovementID: m.ID, CompanyID: m.CompanyID, WarehouseID: m.WarehouseID,
			ProductID: m.ProductID, Quantity: m.Qty, RequiresApproval: m.RequiresApproval,
		})
	}
	return m, nil
}

// Approve moves a movement from PENDING_APPROVAL to APPROVED. The creator
// can never approve their own movement.
func (s *Service) Approve(ctx context.Context, actor shared.Actor, movementID int64, note string) (Movement, error) {
	var m Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		m, err = tx.GetMovementForUpdate(ctx, movementID)
		if err != nil {
			return err
		}
		if m.CompanyID != actor.CompanyID {
			return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: m.CompanyID}
		}
		if m.Status != StatusPendingApproval {
			return inventory.ErrInvalidState
		}
		if m.CreatedBy == actor.ID {
			return &inventory.SelfApprovalForbiddenError{MovementID: m.ID, ActorID: actor.ID}
		}
		if s.authz != nil {
			ok, err := s.authz.CanApprove(ctx, actor, m.WarehouseID)
			if err != nil {
				return err
			}
			if !ok {
				return shared.ErrForbidden
			}
		}
		now := s.now().UTC()
		m.Status = StatusApproved
		m.ApprovedBy = &actor.ID
		m.ApprovedAt = &now
		m.ApprovalNote = note
		return tx.UpdateMovement(ctx, m)
	})
	if err != nil {
		return Movement{}, err
	}
	if s.approvals != nil {
		_ = s.approvals.Record(ctx, shared.ApprovalLog{Module: approvalModule, RefID: m.ID, ActorID: actor.ID, Action: shared.ApprovalApprove, Note: note})
	}
	s.recordAudit(ctx, actor, "MOVEMENT_APPROVE", m.ID, nil)
	return m, nil
}

// Reject terminates a PENDING_APPROVAL movement. No stock has moved.
func (s *Service) Reject(ctx context.Context, actor shared.Actor, movementID int64, reason string) (Movement, error) {
	var m Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		m, err = tx.GetMovementForUpdate(ctx, movementID)
		if err != nil {
			return err
		}
		if m.CompanyID != actor.CompanyID {
			return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: m.CompanyID}
		}
		if m.Status != StatusPendingApproval {
			return inventory.ErrInvalidState
		}
		m.Status = StatusRejected
		m.FailureReason = reason
		return tx.UpdateMovement(ctx, m)
	})
	if err != nil {
		return Movement{}, err
	}
	if s.approvals != nil {
		_ = s.approvals.Record(ctx, shared.ApprovalLog{Module: approvalModule, RefID: m.ID, ActorID: actor.ID, Action: shared.ApprovalReject, Note: reason})
	}
	s.recordAudit(ctx, actor, "MOVEMENT_REJECT", m.ID, map[string]any{"reason": reason})
	return m, nil
}

// Cancel aborts a movement that has not started executing.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, movementID int64) (Movement, error) {
	var m Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		m, err = tx.GetMovementForUpdate(ctx, movementID)
		if err != nil {
			return err
		}
		if m.CompanyID != actor.CompanyID {
			return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: m.CompanyID}
		}
		if m.Status.Terminal() {
			return inventory.ErrInvalidState
		}
		m.Status = StatusCancelled
		return tx.UpdateMovement(ctx, m)
	})
	if err != nil {
		return Movement{}, err
	}
	if s.approvals != nil {
		_ = s.approvals.Record(ctx, shared.ApprovalLog{Module: approvalModule, RefID: m.ID, ActorID: actor.ID, Action: shared.ApprovalCancel})
	}
	s.recordAudit(ctx, actor, "MOVEMENT_CANCEL", m.ID, nil)
	return m, nil
}

// CancelStale auto-cancels approvals pending longer than the TTL.
// The timeout is policy, configured per deployment.
func (s *Service) CancelStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-ttl)
	stale, err := s.repo.ListPendingApprovalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var cancelled int
	for _, m := range stale {
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			current, err := tx.GetMovementForUpdate(ctx, m.ID)
			if err != nil {
				return err
			}
			if current.Status != StatusPendingApproval {
				return nil
			}
			current.Status = StatusCancelled
			current.FailureReason = "approval window elapsed"
			return tx.UpdateMovement(ctx, current)
		})
		if err != nil {
			return cancelled, err
		}
		cancelled++
		s.recordAudit(ctx, shared.Actor{ID: m.CreatedBy, CompanyID: m.CompanyID}, "MOVEMENT_AUTO_CANCEL", m.ID, nil)
	}
	return cancelled, nil
}

// Execute posts an APPROVED movement: availability is re-validated at
// commit time, ledger entries are appended, lots decremented, and the
// position updated — all inside one transaction. A completed or failed
// movement is never executed again.
func (s *Service) Execute(ctx context.Context, actor shared.Actor, movementID int64) (Movement, []ledger.Entry, error) {
	var (
		m       Movement
		entries []ledger.Entry
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		m, err = tx.GetMovementForUpdate(ctx, movementID)
		if err != nil {
			return err
		}
		if m.CompanyID != actor.CompanyID {
			return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: m.CompanyID}
		}
		if m.Status == StatusPendingApproval {
			threshold := decimal.Zero
			if reason, rerr := s.repo.GetReason(ctx, m.ReasonID); rerr == nil {
				threshold = reason.ApprovalThreshold
			}
			return &inventory.ApprovalRequiredError{MovementID: m.ID, Value: m.Value(), Threshold: threshold}
		}
		if m.Status != StatusApproved {
			return inventory.ErrInvalidState
		}
		entries, err = s.PostWithinTx(ctx, tx, &m)
		return err
	})
	if err != nil {
		s.handleExecutionFailure(ctx, actor, movementID, err)
		return Movement{}, nil, err
	}
	s.recordAudit(ctx, actor, "MOVEMENT_EXECUTE", m.ID, map[string]any{"entries": len(entries), "total_cost": m.TotalCost.String()})
	if s.events != nil {
		_ = s.events.Publish(ctx, inventory.MovementCompleted{MovementID: m.ID, CompanyID: m.CompanyID, TotalCost: m.TotalCost, ExecutedAt: *m.ExecutedAt})
	}
	return m, entries, nil
}

// PostWithinTx runs the posting core for a movement inside the caller's
// transaction. The transfer protocol uses this to post several legs
// atomically. The movement must already be locked by the caller.
func (s *Service) PostWithinTx(ctx context.Context, tx TxRepository, m *Movement) ([]ledger.Entry, error) {
	closed, err := tx.IsPeriodClosed(ctx, m.CompanyID, m.WarehouseID, m.MovementDate)
	if err != nil {
		return nil, err
	}
	if closed {
		return nil, &inventory.ClosurePeriodLockedError{WarehouseID: m.WarehouseID, Year: m.MovementDate.Year(), Month: m.MovementDate.Month()}
	}

	// The running balance is only meaningful in (movement_date, id) order;
	// a movement dated before the position's newest entry never posts.
	latest, err := tx.LatestEntryDate(ctx, m.CompanyID, m.WarehouseID, m.ProductID)
	if err != nil {
		return nil, err
	}
	if m.MovementDate.Before(latest) {
		return nil, inventory.Validation("movement_date", "must not precede the latest ledger entry for the position")
	}

	var entries []ledger.Entry
	if m.Type.Inbound() {
		entries, err = s.postInbound(ctx, tx, m)
	} else {
		entries, err = s.postOutbound(ctx, tx, m)
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m.Status = StatusCompleted
	m.ExecutedAt = &now
	total := decimal.Zero
	qty := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.TotalCost)
		qty = qty.Add(e.Qty.Abs())
	}
	m.TotalCost = total
	if qty.Sign() > 0 {
		m.UnitCost = total.Div(qty).Round(costing.CostScale)
	}
	if err := tx.UpdateMovement(ctx, *m); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) postInbound(ctx context.Context, tx TxRepository, m *Movement) ([]ledger.Entry, error) {
	qty := m.Qty // positive by guard
	pos, err := tx.GetPositionForUpdate(ctx, m.CompanyID, m.WarehouseID, m.ProductID)
	if err != nil && !errors.Is(err, inventory.ErrNotFound) {
		return nil, err
	}

	lotID := m.LotID
	if m.LotNumber != "" && lotID == nil {
		id, err := tx.InsertLot(ctx, lots.Lot{
			CompanyID:        m.CompanyID,
			ProductID:        m.ProductID,
			WarehouseID:      m.WarehouseID,
			LotNumber:        m.LotNumber,
			QtyProduced:      qty,
			QtyRemaining:     qty,
			UnitCost:         m.UnitCost,
			ManufacturedDate: m.ManufacturedDate,
			ExpirationDate:   m.ExpirationDate,
			Status:           lots.StatusActive,
		})
		if err != nil {
			return nil, err
		}
		lotID = &id
		m.LotID = &id
	} else if lotID != nil {
		lot, err := tx.GetLotForUpdate(ctx, *lotID)
		if err != nil {
			return nil, err
		}
		lot.QtyRemaining = lot.QtyRemaining.Add(qty)
		if lot.Status == lots.StatusDepleted {
			lot.Status = lots.StatusActive
		}
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return nil, err
		}
	}

	pos.AvgCost = costing.WeightedAverage(pos.Qty, pos.AvgCost, qty, m.UnitCost)
	pos.Qty = pos.Qty.Add(qty)
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}
	entry := s.buildEntry(*m, lotID, qty, m.UnitCost, pos.Qty)
	id, err := tx.AppendEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	entry.ID = id
	return []ledger.Entry{entry}, nil
}

func (s *Service) postOutbound(ctx context.Context, tx TxRepository, m *Movement) ([]ledger.Entry, error) {
	request := m.Qty.Abs()
	pos, err := tx.GetPositionForUpdate(ctx, m.CompanyID, m.WarehouseID, m.ProductID)
	if err != nil && !errors.Is(err, inventory.ErrNotFound) {
		return nil, err
	}

	var allocations []lots.Allocation
	if m.LotID != nil {
		// Explicit lot target: disposal and expiry movements come in here.
		lot, err := tx.GetLotForUpdate(ctx, *m.LotID)
		if err != nil {
			return nil, err
		}
		if err := guardTargetLot(lot, m.AllowExpired, s.now().UTC()); err != nil {
			return nil, err
		}
		if lot.QtyRemaining.LessThan(request) {
			return nil, &inventory.InsufficientInventoryError{ProductID: m.ProductID, WarehouseID: m.WarehouseID, Available: lot.QtyRemaining, Requested: request}
		}
		lot.QtyRemaining = lot.QtyRemaining.Sub(request)
		if lot.QtyRemaining.Sign() == 0 {
			lot.Status = lots.StatusDepleted
		}
		allocations = []lots.Allocation{{Lot: lot, Qty: request}}
	} else {
		candidates, err := tx.ListActiveLotsForUpdate(ctx, m.CompanyID, m.WarehouseID, m.ProductID)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			// Product without lot tracking issues straight off the position
			// at the weighted-average cost.
			if pos.Available().LessThan(request) {
				return nil, &inventory.InsufficientInventoryError{ProductID: m.ProductID, WarehouseID: m.WarehouseID, Available: pos.Available(), Requested: request}
			}
		} else {
			allocations, err = lots.Allocate(candidates, request, m.Strategy, s.now().UTC(), m.SafetyWindowDays)
			if err != nil {
				return nil, err
			}
		}
	}

	var entries []ledger.Entry
	if len(allocations) == 0 {
		unitCost := costing.IssueBasis(nil, pos.AvgCost)
		if unitCost.Sign() == 0 {
			unitCost = m.UnitCost
		}
		pos.Qty = pos.Qty.Sub(request)
		if pos.Qty.Sign() <= 0 {
			pos.AvgCost = decimal.Zero
		}
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return nil, err
		}
		entry := s.buildEntry(*m, nil, request.Neg(), unitCost, pos.Qty)
		id, err := tx.AppendEntry(ctx, entry)
		if err != nil {
			return nil, err
		}
		entry.ID = id
		return []ledger.Entry{entry}, nil
	}

	for _, alloc := range allocations {
		if err := tx.UpdateLot(ctx, alloc.Lot); err != nil {
			return nil, err
		}
		pos.Qty = pos.Qty.Sub(alloc.Qty)
		if pos.Qty.Sign() <= 0 {
			pos.AvgCost = decimal.Zero
		}
		lotCost := alloc.Lot.UnitCost
		lotID := alloc.Lot.ID
		entry := s.buildEntry(*m, &lotID, alloc.Qty.Neg(), costing.IssueBasis(&lotCost, pos.AvgCost), pos.Qty)
		id, err := tx.AppendEntry(ctx, entry)
		if err != nil {
			return nil, err
		}
		entry.ID = id
		entries = append(entries, entry)
	}
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) buildEntry(m Movement, lotID *int64, signedQty, unitCost, balance decimal.Decimal) ledger.Entry {
	entry := ledger.Entry{
		CompanyID:    m.CompanyID,
		WarehouseID:  m.WarehouseID,
		ProductID:    m.ProductID,
		LotID:        lotID,
		MovementID:   m.ID,
		Type:         m.Type,
		Qty:          signedQty,
		BalanceQty:   balance,
		UnitCost:     unitCost,
		TotalCost:    costing.TotalCost(signedQty.Abs(), unitCost),
		TransferID:   m.TransferID,
		BatchID:      m.BatchID,
		MovementDate: m.MovementDate,
		CreatedBy:    m.CreatedBy,
		Note:         m.Note,
	}
	if signedQty.Sign() > 0 {
		entry.QtyIn = signedQty
		entry.QtyOut = decimal.Zero
	} else {
		entry.QtyIn = decimal.Zero
		entry.QtyOut = signedQty.Abs()
	}
	return entry
}

// handleExecutionFailure marks a movement FAILED when execution hit a
// stock-level error. State guards and retryable conflicts leave the
// movement untouched.
func (s *Service) handleExecutionFailure(ctx context.Context, actor shared.Actor, movementID int64, cause error) {
	var (
		insufficient *inventory.InsufficientInventoryError
		expired      *inventory.ExpiredLotError
		quarantined  *inventory.QuarantinedLotError
	)
	if !errors.As(cause, &insufficient) && !errors.As(cause, &expired) && !errors.As(cause, &quarantined) {
		return
	}
	var m Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		m, err = tx.GetMovementForUpdate(ctx, movementID)
		if err != nil {
			return err
		}
		if m.Status != StatusApproved {
			return nil
		}
		m.Status = StatusFailed
		m.FailureReason = cause.Error()
		return tx.UpdateMovement(ctx, m)
	})
	if err != nil {
		return
	}
	if s.events != nil {
		_ = s.events.Publish(ctx, inventory.MovementFailed{MovementID: movementID, CompanyID: m.CompanyID, Reason: cause.Error()})
	}
}

// Get loads a movement scoped to the actor's company.
func (s *Service) Get(ctx context.Context, actor shared.Actor, movementID int64) (Movement, error) {
	return s.repo.GetMovement(ctx, actor.CompanyID, movementID)
}

// ListByStatus lists movements in a workflow state.
func (s *Service) ListByStatus(ctx context.Context, actor shared.Actor, status Status, limit, offset int) ([]Movement, error) {
	return s.repo.ListByStatus(ctx, actor.CompanyID, status, limit, offset)
}

func guardShape(m Movement) error {
	if m.WarehouseID == 0 || m.ProductID == 0 {
		return inventory.Validation("warehouse_id", "warehouse and product required")
	}
	if !m.Strategy.Valid() {
		return inventory.Validation("strategy", "unknown rotation strategy")
	}
	dir := m.Type.Direction()
	if dir == 0 {
		return inventory.Validation("movement_type", "unknown movement type")
	}
	if m.Qty.Sign() == 0 {
		return inventory.Validation("quantity", "must be non zero")
	}
	if m.Qty.Sign() != dir {
		return inventory.Validation("quantity", "sign does not match movement direction")
	}
	if dir > 0 && m.UnitCost.Sign() < 0 {
		return inventory.Validation("unit_cost", "must be >= 0")
	}
	return nil
}

func guardReason(m Movement, reason Reason) error {
	if reason.Direction != 0 && reason.Direction != m.Type.Direction() {
		return inventory.Validation("reason_id", "reason direction does not match movement type")
	}
	return nil
}

func (s *Service) guardLot(ctx context.Context, m Movement) error {
	if m.LotID == nil {
		return nil
	}
	lot, err := s.repo.GetLot(ctx, *m.LotID)
	if err != nil {
		return err
	}
	if lot.CompanyID != m.CompanyID {
		return &inventory.CrossTenantAccessError{ActorCompanyID: m.CompanyID, TargetCompanyID: lot.CompanyID}
	}
	if m.Type.Inbound() {
		return nil
	}
	return guardTargetLot(lot, m.AllowExpired, s.now().UTC())
}

func guardTargetLot(lot lots.Lot, allowExpired bool, now time.Time) error {
	if lot.Status == lots.StatusQuarantined {
		return &inventory.QuarantinedLotError{LotID: lot.ID}
	}
	if !allowExpired {
		if lot.Status == lots.StatusExpired {
			return &inventory.ExpiredLotError{LotID: lot.ID, ExpiredAt: expiry(lot)}
		}
		if lot.Expired(now) {
			return &inventory.ExpiredLotError{LotID: lot.ID, ExpiredAt: expiry(lot)}
		}
	} else if lot.Status != lots.StatusActive && lot.Status != lots.StatusExpired {
		return inventory.ErrInvalidState
	}
	return nil
}

func (s *Service) guardAvailability(ctx context.Context, m *Movement) error {
	if m.Type.Inbound() {
		return nil
	}
	request := m.Qty.Abs()
	if m.LotID != nil {
		lot, err := s.repo.GetLot(ctx, *m.LotID)
		if err != nil {
			return err
		}
		if lot.QtyRemaining.LessThan(request) {
			return &inventory.InsufficientInventoryError{ProductID: m.ProductID, WarehouseID: m.WarehouseID, Available: lot.QtyRemaining, Requested: request}
		}
		if m.UnitCost.Sign() == 0 {
			m.UnitCost = lot.UnitCost
		}
		return nil
	}
	pos, err := s.repo.GetPosition(ctx, m.CompanyID, m.WarehouseID, m.ProductID)
	if err != nil && !errors.Is(err, inventory.ErrNotFound) {
		return err
	}
	if pos.Available().LessThan(request) {
		return &inventory.InsufficientInventoryError{ProductID: m.ProductID, WarehouseID: m.WarehouseID, Available: pos.Available(), Requested: request}
	}
	if m.UnitCost.Sign() == 0 {
		m.UnitCost = pos.AvgCost
	}
	return nil
}

func (s *Service) guardOpenPeriod(ctx context.Context, companyID, warehouseID int64, date time.Time) error {
	closed, err := s.repo.IsPeriodClosed(ctx, companyID, warehouseID, date)
	if err != nil {
		return err
	}
	if closed {
		return &inventory.ClosurePeriodLockedError{WarehouseID: warehouseID, Year: date.Year(), Month: date.Month()}
	}
	return nil
}

func needsApproval(m Movement, reason Reason) bool {
	if !reason.RequiresApproval {
		return false
	}
	if reason.ApprovalThreshold.Sign() <= 0 {
		return true
	}
	return m.Value().GreaterThanOrEqual(reason.ApprovalThreshold)
}

func expiry(lot lots.Lot) time.Time {
	if lot.ExpirationDate != nil {
		return *lot.ExpirationDate
	}
	return time.Time{}
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, movementID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "movement",
		EntityID: strconv.FormatInt(movementID, 10),
		Meta:     meta,
	})
}
