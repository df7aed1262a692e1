// Package lots owns lot lifecycle (create, quarantine, split, consolidate,
// expiry) and the rotation engine that picks which lots satisfy an
// outbound quantity.
package lots

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates lot lifecycle states.
type Status string

const (
	StatusActive       Status = "ACTIVE"
	StatusQuarantined  Status = "QUARANTINED"
	StatusDepleted     Status = "DEPLETED"
	StatusExpired      Status = "EXPIRED"
	StatusConsolidated Status = "CONSOLIDATED"
	StatusArchived     Status = "ARCHIVED"
)

// Terminal reports whether the status admits no further consumption.
func (s Status) Terminal() bool {
	switch s {
	case StatusDepleted, StatusExpired, StatusConsolidated, StatusArchived:
		return true
	default:
		return false
	}
}

// Lot is a traceable batch of a product held in one warehouse.
// LotNumber is unique per (company, product, warehouse).
type Lot struct {
	ID               int64
	CompanyID        int64
	ProductID        int64
	WarehouseID      int64
	LotNumber        string
	QtyProduced      decimal.Decimal
	QtyRemaining     decimal.Decimal
	UnitCost         decimal.Decimal
	ManufacturedDate *time.Time
	ExpirationDate   *time.Time
	Status           Status
	ParentLotID      *int64
	ArchivedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expired reports whether the lot's expiration date has passed.
func (l Lot) Expired(now time.Time) bool {
	return l.ExpirationDate != nil && l.ExpirationDate.Before(now)
}

// ExpiresWithin reports whether the lot expires inside the safety window.
func (l Lot) ExpiresWithin(now time.Time, days int) bool {
	if l.ExpirationDate == nil {
		return false
	}
	return !l.ExpirationDate.After(now.AddDate(0, 0, days))
}

// Strategy selects the rotation rule for outbound allocation.
type Strategy string

const (
	// FIFO consumes by receipt order.
	FIFO Strategy = "FIFO"
	// FEFO consumes by expiration order.
	FEFO Strategy = "FEFO"
	// Hybrid consumes near-expiry lots FEFO first, the rest FIFO.
	Hybrid Strategy = "HYBRID"
)

// Valid reports whether the strategy is known.
func (s Strategy) Valid() bool {
	switch s {
	case FIFO, FEFO, Hybrid:
		return true
	default:
		return false
	}
}

// Allocation pairs a lot with the quantity taken from it.
type Allocation struct {
	Lot Lot
	Qty decimal.Decimal
}

// CreateInput captures a new lot registration.
type CreateInput struct {
	CompanyID        int64
	ProductID        int64
	WarehouseID      int64
	LotNumber        string
	QtyProduced      decimal.Decimal
	UnitCost         decimal.Decimal
	ManufacturedDate *time.Time
	ExpirationDate   *time.Time
	ActorID          int64
}
