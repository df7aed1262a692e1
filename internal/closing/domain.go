// Package closing freezes monthly balances per warehouse. A closed period
// locks the ledger for its date range; movements dated inside it are
// rejected until the period is reopened.
package closing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates closure states.
type Status string

const (
	StatusClosed   Status = "CLOSED"
	StatusReopened Status = "REOPENED"
)

// Closure is the monthly closing header, unique per
// company/warehouse/year/month.
type Closure struct {
	ID          int64
	CompanyID   int64
	WarehouseID int64
	Year        int
	Month       time.Month
	Status      Status
	Note        string

	ClosedBy   int64
	ClosedAt   time.Time
	ReopenedBy *int64
	ReopenedAt *time.Time
}

// Detail is one product's frozen balance for the period. The conservation
// identity closing = opening + in − out holds for every detail; a physical
// count that disagrees is recorded as a discrepancy and surfaces through
// the adjusted closing, the book closing itself is never rewritten.
type Detail struct {
	ID           int64
	ClosureID    int64
	ProductID    int64
	OpeningQty   decimal.Decimal
	OpeningValue decimal.Decimal
	QtyIn        decimal.Decimal
	ValueIn      decimal.Decimal
	QtyOut       decimal.Decimal
	ValueOut     decimal.Decimal
	ClosingQty   decimal.Decimal
	ClosingValue decimal.Decimal

	// Manual reconciliation: the counted quantity, its deviation from the
	// book balance (physical − calculated), and the closing after the
	// count is applied. Without a count the adjusted closing equals the
	// calculated one.
	PhysicalQty        *decimal.Decimal
	DiscrepancyQty     decimal.Decimal
	HasDiscrepancy     bool
	AdjustedClosingQty decimal.Decimal
}

// Period is a warehouse month.
type Period struct {
	CompanyID   int64
	WarehouseID int64
	Year        int
	Month       time.Month
}

// Bounds returns the first instant of the month and the first instant of
// the next month.
func (p Period) Bounds() (time.Time, time.Time) {
	from := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

// Previous returns the preceding month.
func (p Period) Previous() Period {
	from, _ := p.Bounds()
	prev := from.AddDate(0, -1, 0)
	return Period{CompanyID: p.CompanyID, WarehouseID: p.WarehouseID, Year: prev.Year(), Month: prev.Month()}
}

// CloseInput carries an optional physical count per product.
type CloseInput struct {
	Period
	Note           string
	PhysicalCounts map[int64]decimal.Decimal
}
