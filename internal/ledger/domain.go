// Package ledger is the system of record for stock events: an append-only
// movement ledger with a running balance per company/warehouse/product
// (the Kardex) and the incrementally maintained costing position.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MovementType enumerates stock-affecting event types.
type MovementType string

const (
	MovementReceipt     MovementType = "RECEIPT"
	MovementIssue       MovementType = "ISSUE"
	MovementTransferIn  MovementType = "TRANSFER_IN"
	MovementTransferOut MovementType = "TRANSFER_OUT"
	MovementAdjustIn    MovementType = "ADJUST_IN"
	MovementAdjustOut   MovementType = "ADJUST_OUT"
	MovementDisposal    MovementType = "DISPOSAL"
)

// Direction returns +1 for inbound types and -1 for outbound types.
func (t MovementType) Direction() int {
	switch t {
	case MovementReceipt, MovementTransferIn, MovementAdjustIn:
		return 1
	case MovementIssue, MovementTransferOut, MovementAdjustOut, MovementDisposal:
		return -1
	default:
		return 0
	}
}

// Inbound reports whether the type increases stock.
func (t MovementType) Inbound() bool { return t.Direction() > 0 }

// Entry is one immutable ledger record. Entries are written once at
// execution time and never mutated; corrections are new entries.
type Entry struct {
	ID           int64
	CompanyID    int64
	WarehouseID  int64
	ProductID    int64
	LotID        *int64
	MovementID   int64
	Type         MovementType
	Qty          decimal.Decimal // signed, matches Type.Direction
	QtyIn        decimal.Decimal
	QtyOut       decimal.Decimal
	BalanceQty   decimal.Decimal
	UnitCost     decimal.Decimal
	TotalCost    decimal.Decimal
	TransferID   *uuid.UUID
	BatchID      uuid.UUID
	MovementDate time.Time
	CreatedBy    int64
	Note         string
	CreatedAt    time.Time
}

// Position is the current quantity and weighted-average cost of a
// company/warehouse/product, updated in the same transaction as the
// ledger append so reads stay O(1).
type Position struct {
	CompanyID   int64
	WarehouseID int64
	ProductID   int64
	Qty         decimal.Decimal
	Reserved    decimal.Decimal
	AvgCost     decimal.Decimal
	UpdatedAt   time.Time
}

// Available is the quantity not held by reservations.
func (p Position) Available() decimal.Decimal {
	return p.Qty.Sub(p.Reserved)
}

// KardexFilter selects ledger entries for the stock card report.
type KardexFilter struct {
	CompanyID   int64
	WarehouseID int64
	ProductID   int64
	From        time.Time
	To          time.Time
	Limit       int
}

// PeriodTotals aggregates in/out quantity and value for a date range,
// consumed by the period closing engine.
type PeriodTotals struct {
	ProductID int64
	QtyIn     decimal.Decimal
	QtyOut    decimal.Decimal
	ValueIn   decimal.Decimal
	ValueOut  decimal.Decimal
}
