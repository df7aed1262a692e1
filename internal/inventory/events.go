package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Event is a domain event handed to the notification collaborator.
// Delivery and formatting are entirely external.
type Event interface {
	Kind() string
}

// Publisher hands events to the outbound channel. Implementations must not
// be called while holding database locks.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// LotCreated fires when a new lot enters the registry.
type LotCreated struct {
	LotID       int64           `json:"lot_id"`
	CompanyID   int64           `json:"company_id"`
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	LotNumber   string          `json:"lot_number"`
	Quantity    decimal.Decimal `json:"quantity"`
}

func (LotCreated) Kind() string { return "lot.created" }

// MovementRequested fires on movement creation.
type MovementRequested struct {
	MovementID       int64           `json:"movement_id"`
	CompanyID        int64           `json:"company_id"`
	WarehouseID      int64           `json:"warehouse_id"`
	ProductID        int64           `json:"product_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	RequiresApproval bool            `json:"requires_approval"`
}

func (MovementRequested) Kind() string { return "movement.requested" }

// MovementCompleted fires after a successful execution.
type MovementCompleted struct {
	MovementID int64           `json:"movement_id"`
	CompanyID  int64           `json:"company_id"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	ExecutedAt time.Time       `json:"executed_at"`
}

func (MovementCompleted) Kind() string { return "movement.completed" }

// MovementFailed fires when execution rolls back.
type MovementFailed struct {
	MovementID int64  `json:"movement_id"`
	CompanyID  int64  `json:"company_id"`
	Reason     string `json:"reason"`
}

func (MovementFailed) Kind() string { return "movement.failed" }

// TransferShipped fires when all legs of a transfer leave the source.
type TransferShipped struct {
	TransferID int64     `json:"transfer_id"`
	CompanyID  int64     `json:"company_id"`
	SourceID   int64     `json:"source_warehouse_id"`
	DestID     int64     `json:"dest_warehouse_id"`
	ShippedAt  time.Time `json:"shipped_at"`
}

func (TransferShipped) Kind() string { return "transfer.shipped" }

// TransferReceived fires when the destination books the goods in.
type TransferReceived struct {
	TransferID    int64 `json:"transfer_id"`
	CompanyID     int64 `json:"company_id"`
	Discrepancies int   `json:"discrepancies"`
}

func (TransferReceived) Kind() string { return "transfer.received" }

// LowStockAlert fires when available quantity drops below the product minimum.
type LowStockAlert struct {
	CompanyID   int64           `json:"company_id"`
	WarehouseID int64           `json:"warehouse_id"`
	ProductID   int64           `json:"product_id"`
	Available   decimal.Decimal `json:"available"`
	Minimum     decimal.Decimal `json:"minimum"`
}

func (LowStockAlert) Kind() string { return "stock.low" }

// ExpirationAlert fires for lots inside the expiry warning window.
type ExpirationAlert struct {
	CompanyID int64     `json:"company_id"`
	LotID     int64     `json:"lot_id"`
	ProductID int64     `json:"product_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (ExpirationAlert) Kind() string { return "lot.expiring" }
