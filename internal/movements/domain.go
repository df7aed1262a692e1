// Package movements drives the approval/execution state machine for a
// single stock movement. Validation runs as a guard chain before any
// mutation; execution is all-or-nothing inside one transaction scoped to
// the product/warehouse position and the lots it touches.
package movements

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/lots"
)

// Status enumerates movement workflow states.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Movement is the workflow record behind a stock event. Ledger entries are
// only written when a movement executes; until then nothing has moved.
type Movement struct {
	ID               int64
	CompanyID        int64
	Code             string
	WarehouseID      int64
	ProductID        int64
	LotID            *int64
	Type             ledger.MovementType
	Qty              decimal.Decimal // signed, sign matches Type.Direction
	UnitCost         decimal.Decimal // estimate at request, final at execution
	TotalCost        decimal.Decimal
	ReasonID         int64
	Status           Status
	RequiresApproval bool
	Strategy         lots.Strategy
	SafetyWindowDays int
	AllowExpired     bool // disposal/expiry movements may target expired lots by id

	// Receipt movements may register a new lot on execution.
	LotNumber        string
	ManufacturedDate *time.Time
	ExpirationDate   *time.Time

	TransferID   *uuid.UUID
	BatchID      uuid.UUID
	MovementDate time.Time
	Note         string

	CreatedBy     int64
	ApprovedBy    *int64
	ApprovedAt    *time.Time
	ApprovalNote  string
	FailureReason string
	ExecutedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Value is the absolute monetary value used against approval thresholds.
func (m Movement) Value() decimal.Decimal {
	return m.Qty.Abs().Mul(m.UnitCost)
}

// Reason is static reference data classifying a movement and controlling
// its approval and cost policy. Owned by master data; read-only here.
// The reason is the single source of truth for the approval threshold.
type Reason struct {
	ID                int64
	Code              string
	Category          string
	Direction         int // +1 inbound, -1 outbound, 0 either
	RequiresApproval  bool
	ApprovalThreshold decimal.Decimal
	AffectsCost       bool
}

// CreateInput describes a movement request.
type CreateInput struct {
	CompanyID        int64
	Code             string
	WarehouseID      int64
	ProductID        int64
	LotID            *int64
	Type             ledger.MovementType
	Qty              decimal.Decimal
	UnitCost         decimal.Decimal
	ReasonID         int64
	Strategy         lots.Strategy
	SafetyWindowDays int
	AllowExpired     bool
	LotNumber        string
	ManufacturedDate *time.Time
	ExpirationDate   *time.Time
	TransferID       *uuid.UUID
	MovementDate     time.Time
	Note             string
}
