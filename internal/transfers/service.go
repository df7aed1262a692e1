package transfers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/lots"
	"github.com/meridian-erp/meridian-erp/internal/movements"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates the transfer protocol. Movement legs are posted
// through the movements engine inside the transfer's own transaction, so
// a failed leg rolls back the whole ship or receive.
type Service struct {
	repo        RepositoryPort
	posting     *movements.Service
	authz       shared.Authorizer
	audit       AuditPort
	events      inventory.Publisher
	outReasonID int64
	inReasonID  int64
	now         func() time.Time
}

// NewService builds Service. The reason ids classify the generated
// transfer legs and come from master data.
func NewService(repo RepositoryPort, posting *movements.Service, authz shared.Authorizer, audit AuditPort, events inventory.Publisher, outReasonID, inReasonID int64) *Service {
	return &Service{repo: repo, posting: posting, authz: authz, audit: audit, events: events,
		outReasonID: outReasonID, inReasonID: inReasonID, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create registers a transfer request. Nothing moves until ship.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (Transfer, error) {
	if !actor.Valid() {
		return Transfer{}, inventory.Validation("actor", "actor and company required")
	}
	if input.CompanyID != actor.CompanyID {
		return Transfer{}, &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: input.CompanyID}
	}
	if input.SourceID == 0 || input.DestID == 0 || input.SourceID == input.DestID {
		return Transfer{}, inventory.Validation("dest_warehouse_id", "source and destination must differ")
	}
	if len(input.Lines) == 0 {
		return Transfer{}, inventory.Validation("lines", "at least one line required")
	}
	for _, line := range input.Lines {
		if line.ProductID == 0 || line.Qty.Sign() <= 0 {
			return Transfer{}, inventory.Validation("lines", "line quantity must be positive")
		}
	}
	t := Transfer{
		WireID:        uuid.New(),
		CompanyID:     input.CompanyID,
		DestCompanyID: input.DestCompanyID,
		SourceID:      input.SourceID,
		DestID:        input.DestID,
		Status:        StatusPending,
		Strategy:      input.Strategy,
		Note:          input.Note,
		CreatedBy:     actor.ID,
	}
	if t.DestCompanyID == 0 {
		t.DestCompanyID = t.CompanyID
	}
	if t.Strategy == "" {
		t.Strategy = lots.FIFO
	}
	if !t.Strategy.Valid() {
		return Transfer{}, inventory.Validation("strategy", "unknown rotation strategy")
	}
	if s.authz != nil {
		ok, err := s.authz.CanActOnWarehouse(ctx, actor, t.SourceID)
		if err != nil {
			return Transfer{}, err
		}
		if !ok {
			return Transfer{}, shared.ErrForbidden
		}
		if t.CrossCompany() {
			ok, err := s.authz.CanTransferCrossCompany(ctx, actor)
			if err != nil {
				return Transfer{}, err
			}
			if !ok {
				return Transfer{}, shared.ErrForbidden
			}
		}
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertTransfer(ctx, t)
		if err != nil {
			return err
		}
		t.ID = id
		for _, line := range input.Lines {
			_, err := tx.InsertLine(ctx, Line{
				TransferID:   id,
				ProductID:    line.ProductID,
				QtyRequested: line.Qty,
				QtyShipped:   decimal.Zero,
				QtyReceived:  decimal.Zero,
				UnitCost:     decimal.Zero,
				ShippedValue: decimal.Zero,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, actor, "TRANSFER_CREATE", t.ID, map[string]any{"source": t.SourceID, "dest": t.DestID, "lines": len(input.Lines)})
	return t, nil
}

// Approve releases a pending transfer for shipping. The creator can never
// approve their own transfer.
func (s *Service) Approve(ctx context.Context, actor shared.Actor, transferID int64) (Transfer, error) {
	var t Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		t, err = tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if t.CompanyID != actor.CompanyID {
			return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: t.CompanyID}
		}
		if t.Status != StatusPending {
			return inventory.ErrInvalidState
		}
		if t.CreatedBy == actor.ID {
			return &inventory.SelfApprovalForbiddenError{MovementID: t.ID, ActorID: actor.ID}
		}
		if s.authz != nil {
			ok, err := s.authz.CanApprove(ctx, actor, t.SourceID)
			if err != nil {
				return err
			}
			if !ok {
				return shared.ErrForbidden
			}
		}
		now := s.now().UTC()
		t.Status = StatusApproved
		t.ApprovedBy = &actor.ID
		t.ApprovedAt = &now
		return tx.UpdateTransfer(ctx, t)
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, actor, "TRANSFER_APPROVE", t.ID, nil)
	return t, nil
}

// Cancel aborts a transfer that has not shipped. Once goods are in
// transit the protocol must run to completion.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, transferID int64) (Transfer, error) {
	var t Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		t, err = tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if t.CompanyID != actor.CompanyID {
			return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: t.CompanyID}
		}
		if t.Status != StatusPending && t.Status != StatusApproved {
			return inventory.ErrInvalidState
		}
		t.Status = StatusCancelled
		return tx.UpdateTransfer(ctx, t)
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, actor, "TRANSFER_CANCEL", t.ID, nil)
	return t, nil
}

// Ship posts one outbound leg per line at the source warehouse and
// captures the lot allocations for the receive side. All legs succeed or
// none do.
func (s *Service) Ship(ctx context.Context, actor shared.Actor, transferID int64) (Transfer, error) {
	if !actor.Valid() {
		return Transfer{}, inventory.Validation("actor", "actor and company required")
	}
	var t Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		t, err = tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if t.CompanyID != actor.CompanyID {
			return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: t.CompanyID}
		}
		if t.Status != StatusApproved {
			return inventory.ErrInvalidState
		}
		lines, err := tx.ListLines(ctx, t.ID)
		if err != nil {
			return err
		}
		mv := tx.Movements()
		now := s.now().UTC()
		for i := range lines {
			line := &lines[i]
			m := movements.Movement{
				CompanyID:    t.CompanyID,
				Code:         fmt.Sprintf("TRF-%d-L%d-OUT", t.ID, line.ID),
				WarehouseID:  t.SourceID,
				ProductID:    line.ProductID,
				Type:         ledger.MovementTransferOut,
				Qty:          line.QtyRequested.Neg(),
				ReasonID:     s.outReasonID,
				Status:       movements.StatusApproved,
				Strategy:     t.Strategy,
				TransferID:   &t.WireID,
				BatchID:      uuid.New(),
				MovementDate: now,
				CreatedBy:    actor.ID,
				Note:         t.Note,
			}
			id, err := mv.InsertMovement(ctx, m)
			if err != nil {
				return err
			}
			m.ID = id
			entries, err := s.posting.PostWithinTx(ctx, mv, &m)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				alloc := Allocation{LineID: line.ID, Qty: entry.Qty.Abs(), UnitCost: entry.UnitCost}
				if entry.LotID != nil {
					lot, err := mv.GetLotForUpdate(ctx, *entry.LotID)
					if err != nil {
						return err
					}
					alloc.SourceLotID = entry.LotID
					alloc.LotNumber = lot.LotNumber
					alloc.ManufacturedDate = lot.ManufacturedDate
					alloc.ExpirationDate = lot.ExpirationDate
				}
				if _, err := tx.InsertAllocation(ctx, alloc); err != nil {
					return err
				}
			}
			line.QtyShipped = line.QtyRequested
			line.UnitCost = m.UnitCost
			line.ShippedValue = m.TotalCost
			if err := tx.UpdateLine(ctx, *line); err != nil {
				return err
			}
		}
		t.Status = StatusInTransit
		t.ShippedBy = &actor.ID
		t.ShippedAt = &now
		return tx.UpdateTransfer(ctx, t)
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, actor, "TRANSFER_SHIP", t.ID, nil)
	if s.events != nil {
		_ = s.events.Publish(ctx, inventory.TransferShipped{
			TransferID: t.ID, CompanyID: t.CompanyID, SourceID: t.SourceID, DestID: t.DestID, ShippedAt: *t.ShippedAt,
		})
	}
	return t, nil
}

// Receive books the goods into the destination warehouse. Destination
// lots are rebuilt from the shipment allocations so lot identity and cost
// survive the transfer. Short receipts produce discrepancy records; the
// missing value stays written off against transit. The transfer lands in
// RECEIVED and waits for reconciliation sign-off via Complete.
func (s *Service) Receive(ctx context.Context, actor shared.Actor, transferID int64, receipts []ReceiptInput) (Transfer, []Discrepancy, error) {
	if !actor.Valid() {
		return Transfer{}, nil, inventory.Validation("actor", "actor and company required")
	}
	byLine := make(map[int64]ReceiptInput, len(receipts))
	for _, rc := range receipts {
		byLine[rc.LineID] = rc
	}
	var (
		t     Transfer
		discs []Discrepancy
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		t, err = tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if actor.CompanyID != t.DestCompanyID {
			return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: t.DestCompanyID}
		}
		if t.Status != StatusInTransit {
			return inventory.ErrInvalidState
		}
		if s.authz != nil {
			ok, err := s.authz.CanActOnWarehouse(ctx, actor, t.DestID)
			if err != nil {
				return err
			}
			if !ok {
				return shared.ErrForbidden
			}
		}
		lines, err := tx.ListLines(ctx, t.ID)
		if err != nil {
			return err
		}
		mv := tx.Movements()
		now := s.now().UTC()
		for i := range lines {
			line := &lines[i]
			rc, ok := byLine[line.ID]
			if !ok {
				return inventory.Validation("receipts", "every line must report a received quantity")
			}
			if rc.QtyReceived.Sign() < 0 || rc.QtyReceived.GreaterThan(line.QtyShipped) {
				return inventory.Validation("qty_received", "must be between zero and the shipped quantity")
			}
			allocs, err := tx.ListAllocations(ctx, line.ID)
			if err != nil {
				return err
			}
			if err := s.postInbound(ctx, mv, t, *line, allocs, rc.QtyReceived, actor.ID, now); err != nil {
				return err
			}
			line.QtyReceived = rc.QtyReceived
			if err := tx.UpdateLine(ctx, *line); err != nil {
				return err
			}
			if shortfall := line.QtyShipped.Sub(rc.QtyReceived); shortfall.Sign() > 0 {
				disc := Discrepancy{
					LineID:   line.ID,
					Expected: line.QtyShipped,
					Received: rc.QtyReceived,
					Reason:   rc.DiscrepancyReason,
					Value:    costing.TotalCost(shortfall, line.UnitCost),
				}
				if _, err := tx.InsertDiscrepancy(ctx, disc); err != nil {
					return err
				}
				discs = append(discs, disc)
			}
		}
		t.Status = StatusReceived
		t.ReceivedBy = &actor.ID
		t.ReceivedAt = &now
		return tx.UpdateTransfer(ctx, t)
	})
	if err != nil {
		return Transfer{}, nil, err
	}
	s.recordAudit(ctx, actor, "TRANSFER_RECEIVE", t.ID, map[string]any{"discrepancies": len(discs)})
	if s.events != nil {
		_ = s.events.Publish(ctx, inventory.TransferReceived{TransferID: t.ID, CompanyID: t.DestCompanyID, Discrepancies: len(discs)})
	}
	return t, discs, nil
}

// Complete closes a received transfer after reconciliation sign-off.
// Either company on the wire may sign off; any discrepancy records stay
// on file for manual follow-up.
func (s *Service) Complete(ctx context.Context, actor shared.Actor, transferID int64) (Transfer, error) {
	var t Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		t, err = tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if actor.CompanyID != t.CompanyID && actor.CompanyID != t.DestCompanyID {
			return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: t.CompanyID}
		}
		if t.Status != StatusReceived {
			return inventory.ErrInvalidState
		}
		t.Status = StatusCompleted
		return tx.UpdateTransfer(ctx, t)
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, actor, "TRANSFER_COMPLETE", t.ID, nil)
	return t, nil
}

// postInbound writes the transfer_in legs for one received line,
// consuming the shipment allocations in order.
func (s *Service) postInbound(ctx context.Context, mv movements.TxRepository, t Transfer, line Line, allocs []Allocation, received decimal.Decimal, actorID int64, now time.Time) error {
	post := func(seq int, qty, unitCost decimal.Decimal, alloc *Allocation) error {
		if qty.Sign() == 0 {
			return nil
		}
		m := movements.Movement{
			CompanyID:    t.DestCompanyID,
			Code:         fmt.Sprintf("TRF-%d-L%d-IN-%d", t.ID, line.ID, seq),
			WarehouseID:  t.DestID,
			ProductID:    line.ProductID,
			Type:         ledger.MovementTransferIn,
			Qty:          qty,
			UnitCost:     unitCost,
			ReasonID:     s.inReasonID,
			Status:       movements.StatusApproved,
			Strategy:     t.Strategy,
			TransferID:   &t.WireID,
			BatchID:      uuid.New(),
			MovementDate: now,
			CreatedBy:    actorID,
			Note:         t.Note,
		}
		if alloc != nil {
			m.LotNumber = alloc.LotNumber
			m.ManufacturedDate = alloc.ManufacturedDate
			m.ExpirationDate = alloc.ExpirationDate
		}
		id, err := mv.InsertMovement(ctx, m)
		if err != nil {
			return err
		}
		m.ID = id
		_, err = s.posting.PostWithinTx(ctx, mv, &m)
		return err
	}

	if len(allocs) == 0 {
		return post(0, received, line.UnitCost, nil)
	}
	remaining := received
	for i := range allocs {
		if remaining.Sign() <= 0 {
			break
		}
		alloc := allocs[i]
		take := decimal.Min(alloc.Qty, remaining)
		if err := post(i, take, alloc.UnitCost, &alloc); err != nil {
			return err
		}
		remaining = remaining.Sub(take)
	}
	return nil
}

// Get loads a transfer header visible to the actor's company.
func (s *Service) Get(ctx context.Context, actor shared.Actor, transferID int64) (Transfer, []Line, error) {
	t, err := s.repo.GetTransfer(ctx, actor.CompanyID, transferID)
	if err != nil {
		return Transfer{}, nil, err
	}
	lines, err := s.repo.ListLines(ctx, t.ID)
	if err != nil {
		return Transfer{}, nil, err
	}
	return t, lines, nil
}

// Discrepancies lists the receive discrepancies of a transfer.
func (s *Service) Discrepancies(ctx context.Context, actor shared.Actor, transferID int64) ([]Discrepancy, error) {
	if _, err := s.repo.GetTransfer(ctx, actor.CompanyID, transferID); err != nil {
		return nil, err
	}
	return s.repo.ListDiscrepancies(ctx, transferID)
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, transferID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "transfer",
		EntityID: strconv.FormatInt(transferID, 10),
		Meta:     meta,
	})
}
