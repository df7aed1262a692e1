// Package transfers implements the two-phase inter-warehouse transfer
// protocol: goods leave the source at ship time, travel as in-transit
// value, and are booked into the destination at receive time. Shipment
// allocations are captured per lot so the destination reconstructs the
// same lot identities and costs.
package transfers

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/lots"
)

// Status enumerates transfer workflow states.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusInTransit Status = "IN_TRANSIT"
	StatusReceived  Status = "RECEIVED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Transfer is the protocol header. Source and destination postings share
// WireID, which ties both sides of the ledger together.
type Transfer struct {
	ID            int64
	WireID        uuid.UUID
	CompanyID     int64
	DestCompanyID int64
	SourceID      int64
	DestID        int64
	Status        Status
	Strategy      lots.Strategy
	Note          string

	CreatedBy  int64
	ApprovedBy *int64
	ApprovedAt *time.Time
	ShippedBy  *int64
	ShippedAt  *time.Time
	ReceivedBy *int64
	ReceivedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CrossCompany reports whether the transfer leaves the owning company.
func (t Transfer) CrossCompany() bool {
	return t.DestCompanyID != 0 && t.DestCompanyID != t.CompanyID
}

// Line is one product on a transfer.
type Line struct {
	ID           int64
	TransferID   int64
	ProductID    int64
	QtyRequested decimal.Decimal
	QtyShipped   decimal.Decimal
	QtyReceived  decimal.Decimal
	UnitCost     decimal.Decimal // average cost of the shipped allocations
	ShippedValue decimal.Decimal
}

// Allocation records which source lot a shipped quantity came from, with
// everything the destination needs to rebuild the lot.
type Allocation struct {
	ID               int64
	LineID           int64
	SourceLotID      *int64
	LotNumber        string
	Qty              decimal.Decimal
	UnitCost         decimal.Decimal
	ManufacturedDate *time.Time
	ExpirationDate   *time.Time
}

// Discrepancy records a ship/receive quantity mismatch. The value writes
// off against the in-transit balance; resolution is a manual follow-up.
type Discrepancy struct {
	ID       int64
	LineID   int64
	Expected decimal.Decimal
	Received decimal.Decimal
	Reason   string
	Value    decimal.Decimal
}

// CreateInput describes a new transfer request.
type CreateInput struct {
	CompanyID     int64
	DestCompanyID int64
	SourceID      int64
	DestID        int64
	Strategy      lots.Strategy
	Note          string
	Lines         []LineInput
}

// LineInput is one requested product quantity.
type LineInput struct {
	ProductID int64
	Qty       decimal.Decimal
}

// ReceiptInput reports the received quantity for one line.
type ReceiptInput struct {
	LineID            int64
	QtyReceived       decimal.Decimal
	DiscrepancyReason string
}
