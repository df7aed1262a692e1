package closing

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// LedgerPort reads period aggregates from the movement ledger.
type LedgerPort interface {
	SumPeriod(ctx context.Context, companyID, warehouseID int64, from, to time.Time) ([]ledger.PeriodTotals, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs monthly period closings.
type Service struct {
	repo   RepositoryPort
	ledger LedgerPort
	authz  shared.Authorizer
	audit  AuditPort
	now    func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledgerPort LedgerPort, authz shared.Authorizer, audit AuditPort) *Service {
	return &Service{repo: repo, ledger: ledgerPort, authz: authz, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Preview computes the closing balances of a period without persisting
// anything.
func (s *Service) Preview(ctx context.Context, actor shared.Actor, period Period) ([]Detail, error) {
	if period.CompanyID != actor.CompanyID {
		return nil, &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: period.CompanyID}
	}
	return s.compute(ctx, period, nil)
}

// Close freezes a completed month. Opening balances come from the prior
// closure, movement totals from the ledger, and the conservation identity
// closing = opening + in − out holds per product. Once closed, the period
// rejects new movements.
func (s *Service) Close(ctx context.Context, actor shared.Actor, input CloseInput) (Closure, []Detail, error) {
	if !actor.Valid() {
		return Closure{}, nil, inventory.Validation("actor", "actor and company required")
	}
	if input.CompanyID != actor.CompanyID {
		return Closure{}, nil, &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: input.CompanyID}
	}
	if input.Month < time.January || input.Month > time.December {
		return Closure{}, nil, inventory.Validation("month", "must be 1..12")
	}
	now := s.now().UTC()
	_, end := input.Bounds()
	if end.After(now) {
		return Closure{}, nil, inventory.Validation("period", "month has not ended yet")
	}
	if s.authz != nil {
		ok, err := s.authz.CanApprove(ctx, actor, input.WarehouseID)
		if err != nil {
			return Closure{}, nil, err
		}
		if !ok {
			return Closure{}, nil, shared.ErrForbidden
		}
	}

	details, err := s.compute(ctx, input.Period, input.PhysicalCounts)
	if err != nil {
		return Closure{}, nil, err
	}

	closure := Closure{
		CompanyID:   input.CompanyID,
		WarehouseID: input.WarehouseID,
		Year:        input.Year,
		Month:       input.Month,
		Status:      StatusClosed,
		Note:        input.Note,
		ClosedBy:    actor.ID,
		ClosedAt:    now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetClosureForUpdateByPeriod(ctx, input.Period)
		switch {
		case err == nil:
			if existing.Status == StatusClosed {
				return inventory.Validation("period", "period already closed")
			}
			// Re-closing a reopened period replaces its frozen balances.
			closure.ID = existing.ID
			closure.ReopenedBy = existing.ReopenedBy
			closure.ReopenedAt = existing.ReopenedAt
			if err := tx.DeleteDetails(ctx, existing.ID); err != nil {
				return err
			}
			if err := tx.UpdateClosure(ctx, closure); err != nil {
				return err
			}
		case errors.Is(err, inventory.ErrNotFound):
			id, err := tx.InsertClosure(ctx, closure)
			if err != nil {
				return err
			}
			closure.ID = id
		default:
			return err
		}
		for i := range details {
			details[i].ClosureID = closure.ID
			id, err := tx.InsertDetail(ctx, details[i])
			if err != nil {
				return err
			}
			details[i].ID = id
		}
		return nil
	})
	if err != nil {
		return Closure{}, nil, err
	}
	s.recordAudit(ctx, actor, "PERIOD_CLOSE", closure.ID, map[string]any{
		"warehouse_id": closure.WarehouseID, "year": closure.Year, "month": int(closure.Month), "products": len(details),
	})
	return closure, details, nil
}

// Reopen unlocks a closed period for corrections. The reopen is audited;
// the frozen balances stay until the period is closed again.
func (s *Service) Reopen(ctx context.Context, actor shared.Actor, closureID int64) (Closure, error) {
	var c Closure
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		c, err = tx.GetClosureForUpdate(ctx, closureID)
		if err != nil {
			return err
		}
		if c.CompanyID != actor.CompanyID {
			return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: c.CompanyID}
		}
		if c.Status != StatusClosed {
			return inventory.ErrInvalidState
		}
		if s.authz != nil {
			ok, err := s.authz.CanApprove(ctx, actor, c.WarehouseID)
			if err != nil {
				return err
			}
			if !ok {
				return shared.ErrForbidden
			}
		}
		now := s.now().UTC()
		c.Status = StatusReopened
		c.ReopenedBy = &actor.ID
		c.ReopenedAt = &now
		return tx.UpdateClosure(ctx, c)
	})
	if err != nil {
		return Closure{}, err
	}
	s.recordAudit(ctx, actor, "PERIOD_REOPEN", c.ID, nil)
	return c, nil
}

// Get loads a closure with its details.
func (s *Service) Get(ctx context.Context, actor shared.Actor, closureID int64) (Closure, []Detail, error) {
	c, err := s.repo.GetClosureByID(ctx, actor.CompanyID, closureID)
	if err != nil {
		return Closure{}, nil, err
	}
	details, err := s.repo.ListDetails(ctx, c.ID)
	if err != nil {
		return Closure{}, nil, err
	}
	return c, details, nil
}

// List lists recent closures of a warehouse.
func (s *Service) List(ctx context.Context, actor shared.Actor, warehouseID int64, limit int) ([]Closure, error) {
	return s.repo.ListClosures(ctx, actor.CompanyID, warehouseID, limit)
}

// compute builds the per-product details for a period: opening from the
// prior closure, in/out from the ledger, closing by conservation.
func (s *Service) compute(ctx context.Context, period Period, physical map[int64]decimal.Decimal) ([]Detail, error) {
	type opening struct {
		qty   decimal.Decimal
		value decimal.Decimal
	}
	openings := map[int64]opening{}
	prior, err := s.repo.GetClosure(ctx, period.Previous())
	switch {
	case err == nil:
		priorDetails, err := s.repo.ListDetails(ctx, prior.ID)
		if err != nil {
			return nil, err
		}
		for _, d := range priorDetails {
			openings[d.ProductID] = opening{qty: d.ClosingQty, value: d.ClosingValue}
		}
	case errors.Is(err, inventory.ErrNotFound):
		// First closing of this warehouse: opening balances are zero and
		// the whole history shows up as period movement.
	default:
		return nil, err
	}

	from, end := period.Bounds()
	totals, err := s.ledger.SumPeriod(ctx, period.CompanyID, period.WarehouseID, from, end.Add(-time.Nanosecond))
	if err != nil {
		return nil, err
	}
	totalsByProduct := make(map[int64]ledger.PeriodTotals, len(totals))
	productIDs := make([]int64, 0, len(totals)+len(openings))
	for _, t := range totals {
		totalsByProduct[t.ProductID] = t
		productIDs = append(productIDs, t.ProductID)
	}
	for id := range openings {
		if _, ok := totalsByProduct[id]; !ok {
			productIDs = append(productIDs, id)
		}
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	details := make([]Detail, 0, len(productIDs))
	for _, productID := range productIDs {
		open, ok := openings[productID]
		if !ok {
			open = opening{qty: decimal.Zero, value: decimal.Zero}
		}
		t, ok := totalsByProduct[productID]
		if !ok {
			t = ledger.PeriodTotals{ProductID: productID,
				QtyIn: decimal.Zero, QtyOut: decimal.Zero, ValueIn: decimal.Zero, ValueOut: decimal.Zero}
		}
		d := Detail{
			ProductID:    productID,
			OpeningQty:   open.qty,
			OpeningValue: open.value,
			QtyIn:        t.QtyIn,
			ValueIn:      t.ValueIn,
			QtyOut:       t.QtyOut,
			ValueOut:     t.ValueOut,
		}
		d.ClosingQty = d.OpeningQty.Add(d.QtyIn).Sub(d.QtyOut)
		d.ClosingValue = d.OpeningValue.Add(d.ValueIn).Sub(d.ValueOut)
		d.DiscrepancyQty = decimal.Zero
		d.AdjustedClosingQty = d.ClosingQty
		if physical != nil {
			if counted, ok := physical[productID]; ok {
				c := counted
				d.PhysicalQty = &c
				d.DiscrepancyQty = counted.Sub(d.ClosingQty)
				d.HasDiscrepancy = !d.DiscrepancyQty.IsZero()
				d.AdjustedClosingQty = counted
			}
		}
		details = append(details, d)
	}
	return details, nil
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, closureID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "closure",
		EntityID: strconv.FormatInt(closureID, 10),
		Meta:     meta,
	})
}
