package lots

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLot(ctx context.Context, id int64) (Lot, error)
	ListByPosition(ctx context.Context, companyID, warehouseID, productID int64) ([]Lot, error)
	ListExpiringWithin(ctx context.Context, companyID int64, now time.Time, days int) ([]Lot, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates lot lifecycle operations.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	events inventory.Publisher
	now    func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, events inventory.Publisher) *Service {
	return &Service{repo: repo, audit: audit, events: events, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create registers a new lot with its full quantity remaining.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (Lot, error) {
	if actor.CompanyID != input.CompanyID {
		return Lot{}, &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: input.CompanyID}
	}
	if strings.TrimSpace(input.LotNumber) == "" {
		return Lot{}, inventory.Validation("lot_number", "required")
	}
	if input.ProductID == 0 || input.WarehouseID == 0 {
		return Lot{}, inventory.Validation("product_id", "product and warehouse required")
	}
	if input.QtyProduced.Sign() <= 0 {
		return Lot{}, inventory.Validation("qty_produced", "must be positive")
	}
	if input.UnitCost.Sign() < 0 {
		return Lot{}, inventory.Validation("unit_cost", "must be >= 0")
	}
	if input.ManufacturedDate != nil && input.ExpirationDate != nil && !input.ExpirationDate.After(*input.ManufacturedDate) {
		return Lot{}, inventory.Validation("expiration_date", "must be after manufactured date")
	}
	lot := Lot{
		CompanyID:        input.CompanyID,
		ProductID:        input.ProductID,
		WarehouseID:      input.WarehouseID,
		LotNumber:        strings.TrimSpace(input.LotNumber),
		QtyProduced:      input.QtyProduced,
		QtyRemaining:     input.QtyProduced,
		UnitCost:         input.UnitCost,
		ManufacturedDate: input.ManufacturedDate,
		ExpirationDate:   input.ExpirationDate,
		Status:           StatusActive,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		lot.ID = id
		return nil
	})
	if err != nil {
		return Lot{}, err
	}
	s.recordAudit(ctx, actor, "LOT_CREATE", lot.ID, map[string]any{"lot_number": lot.LotNumber, "qty": lot.QtyProduced.String()})
	if s.events != nil {
		_ = s.events.Publish(ctx, inventory.LotCreated{
			LotID: lot.ID, CompanyID: lot.CompanyID, ProductID: lot.ProductID,
			WarehouseID: lot.WarehouseID, LotNumber: lot.LotNumber, Quantity: lot.QtyProduced,
		})
	}
	return lot, nil
}

// Quarantine moves an active lot out of circulation.
func (s *Service) Quarantine(ctx context.Context, actor shared.Actor, lotID int64, reason string) (Lot, error) {
	return s.toggleStatus(ctx, actor, lotID, StatusActive, StatusQuarantined, "LOT_QUARANTINE", reason)
}

// Release returns a quarantined lot to active circulation.
func (s *Service) Release(ctx context.Context, actor shared.Actor, lotID int64) (Lot, error) {
	return s.toggleStatus(ctx, actor, lotID, StatusQuarantined, StatusActive, "LOT_RELEASE", "")
}

func (s *Service) toggleStatus(ctx context.Context, actor shared.Actor, lotID int64, from, to Status, action, reason string) (Lot, error) {
	var lot Lot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = tx.GetLotForUpdate(ctx, lotID)
		if err != nil {
			return err
		}
		if lot.CompanyID != actor.CompanyID {
			return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: lot.CompanyID}
		}
		if lot.Status != from {
			return inventory.ErrInvalidState
		}
		lot.Status = to
		return tx.UpdateLot(ctx, lot)
	})
	if err != nil {
		return Lot{}, err
	}
	s.recordAudit(ctx, actor, action, lot.ID, map[string]any{"reason": reason})
	return lot, nil
}

// Split depletes a lot into N child lots whose quantities must sum to the
// remaining quantity. Children inherit cost and dates and reference the parent.
func (s *Service) Split(ctx context.Context, actor shared.Actor, lotID int64, quantities []decimal.Decimal) ([]Lot, error) {
	if len(quantities) < 2 {
		return nil, inventory.Validation("quantities", "split requires at least two parts")
	}
	sum := decimal.Zero
	for _, q := range quantities {
		if q.Sign() <= 0 {
			return nil, inventory.Validation("quantities", "split parts must be positive")
		}
		sum = sum.Add(q)
	}
	var children []Lot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		parent, err := tx.GetLotForUpdate(ctx, lotID)
		if err != nil {
			return err
		}
		if parent.CompanyID != actor.CompanyID {
			return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: parent.CompanyID}
		}
		if parent.Status != StatusActive {
			return inventory.ErrInvalidState
		}
		if !sum.Equal(parent.QtyRemaining) {
			return inventory.Validation("quantities", "split parts must sum to remaining quantity")
		}
		parentID := parent.ID
		children = children[:0]
		for i, q := range quantities {
			child := Lot{
				CompanyID:        parent.CompanyID,
				ProductID:        parent.ProductID,
				WarehouseID:      parent.WarehouseID,
				LotNumber:        splitNumber(parent.LotNumber, i+1),
				QtyProduced:      q,
				QtyRemaining:     q,
				UnitCost:         parent.UnitCost,
				ManufacturedDate: parent.ManufacturedDate,
				ExpirationDate:   parent.ExpirationDate,
				Status:           StatusActive,
				ParentLotID:      &parentID,
			}
			id, err := tx.InsertLot(ctx, child)
			if err != nil {
				return err
			}
			child.ID = id
			children = append(children, child)
		}
		parent.QtyRemaining = decimal.Zero
		parent.Status = StatusDepleted
		return tx.UpdateLot(ctx, parent)
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor, "LOT_SPLIT", lotID, map[string]any{"parts": len(quantities)})
	return children, nil
}

// Consolidate merges lots of one product and expiry context into a new lot.
func (s *Service) Consolidate(ctx context.Context, actor shared.Actor, lotIDs []int64, newLotNumber string) (Lot, error) {
	if len(lotIDs) < 2 {
		return Lot{}, inventory.Validation("lot_ids", "consolidation requires at least two lots")
	}
	if strings.TrimSpace(newLotNumber) == "" {
		return Lot{}, inventory.Validation("lot_number", "required")
	}
	var merged Lot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sources := make([]Lot, 0, len(lotIDs))
		for _, id := range lotIDs {
			lot, err := tx.GetLotForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if lot.CompanyID != actor.CompanyID {
				return &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: lot.CompanyID}
			}
			if lot.Status != StatusActive {
				return inventory.ErrInvalidState
			}
			sources = append(sources, lot)
		}
		first := sources[0]
		total := decimal.Zero
		value := decimal.Zero
		for _, lot := range sources {
			if lot.ProductID != first.ProductID || lot.WarehouseID != first.WarehouseID {
				return inventory.Validation("lot_ids", "lots must share product and warehouse")
			}
			if !sameDate(lot.ExpirationDate, first.ExpirationDate) {
				return inventory.Validation("lot_ids", "lots must share expiration context")
			}
			total = total.Add(lot.QtyRemaining)
			value = value.Add(lot.QtyRemaining.Mul(lot.UnitCost))
		}
		if total.Sign() <= 0 {
			return inventory.Validation("lot_ids", "nothing to consolidate")
		}
		merged = Lot{
			CompanyID:        first.CompanyID,
			ProductID:        first.ProductID,
			WarehouseID:      first.WarehouseID,
			LotNumber:        strings.TrimSpace(newLotNumber),
			QtyProduced:      total,
			QtyRemaining:     total,
			UnitCost:         value.Div(total).Round(2),
			ManufacturedDate: first.ManufacturedDate,
			ExpirationDate:   first.ExpirationDate,
			Status:           StatusActive,
		}
		id, err := tx.InsertLot(ctx, merged)
		if err != nil {
			return err
		}
		merged.ID = id
		for _, lot := range sources {
			lot.QtyRemaining = decimal.Zero
			lot.Status = StatusConsolidated
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Lot{}, err
	}
	s.recordAudit(ctx, actor, "LOT_CONSOLIDATE", merged.ID, map[string]any{"sources": lotIDs})
	return merged, nil
}

// MarkExpired flags active lots whose expiration date has passed.
// Idempotent: already-expired lots are not revisited.
func (s *Service) MarkExpired(ctx context.Context, companyID int64) (int, error) {
	now := s.now().UTC()
	var flagged []Lot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		expired, err := tx.ListExpiredActive(ctx, companyID, now)
		if err != nil {
			return err
		}
		flagged = flagged[:0]
		for _, lot := range expired {
			lot.Status = StatusExpired
			archivedAt := now
			lot.ArchivedAt = &archivedAt
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
			flagged = append(flagged, lot)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	// Alerts go out only after the transaction commits and the row locks
	// are released.
	if s.events != nil {
		for _, lot := range flagged {
			_ = s.events.Publish(ctx, inventory.ExpirationAlert{
				CompanyID: lot.CompanyID, LotID: lot.ID, ProductID: lot.ProductID, ExpiresAt: *lot.ExpirationDate,
			})
		}
	}
	return len(flagged), nil
}

// Get loads a single lot scoped to the actor's company.
func (s *Service) Get(ctx context.Context, actor shared.Actor, lotID int64) (Lot, error) {
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return Lot{}, err
	}
	if lot.CompanyID != actor.CompanyID {
		return Lot{}, &inventory.CrossTenantAccessError{ActorCompanyID: actor.CompanyID, TargetCompanyID: lot.CompanyID}
	}
	return lot, nil
}

// ListByPosition lists lots of a product/warehouse position.
func (s *Service) ListByPosition(ctx context.Context, actor shared.Actor, warehouseID, productID int64) ([]Lot, error) {
	return s.repo.ListByPosition(ctx, actor.CompanyID, warehouseID, productID)
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, lotID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "product_lot",
		EntityID: entityID(lotID),
		Meta:     meta,
	})
}

func splitNumber(base string, part int) string {
	return fmt.Sprintf("%s-S%d", base, part)
}

func entityID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func sameDate(a, b *time.Time) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return a.Equal(*b)
	}
}
