// Package inventory holds the domain contracts shared by the stock
// subsystem: the error taxonomy raised by guard chains and the events
// emitted towards the notification collaborator.
package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound indicates a referenced record is missing.
var ErrNotFound = errors.New("inventory: not found")

// ErrInvalidState occurs when an action violates the status workflow.
var ErrInvalidState = errors.New("inventory: invalid state transition")

// ValidationError reports an input that failed a pre-mutation check.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("inventory: validation failed on %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientInventoryError is raised when a request exceeds available stock.
type InsufficientInventoryError struct {
	ProductID   int64
	WarehouseID int64
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for product %d in warehouse %d: available %s, requested %s",
		e.ProductID, e.WarehouseID, e.Available.String(), e.Requested.String())
}

// ExpiredLotError is raised when an expired lot is targeted without disposal authority.
type ExpiredLotError struct {
	LotID     int64
	ExpiredAt time.Time
}

func (e *ExpiredLotError) Error() string {
	return fmt.Sprintf("inventory: lot %d expired at %s", e.LotID, e.ExpiredAt.Format("2006-01-02"))
}

// QuarantinedLotError is raised when a quarantined lot is targeted by an outbound movement.
type QuarantinedLotError struct {
	LotID int64
}

func (e *QuarantinedLotError) Error() string {
	return fmt.Sprintf("inventory: lot %d is quarantined", e.LotID)
}

// ApprovalRequiredError signals that a movement must pass through approval first.
type ApprovalRequiredError struct {
	MovementID int64
	Value      decimal.Decimal
	Threshold  decimal.Decimal
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("inventory: movement %d requires approval: value %s exceeds threshold %s",
		e.MovementID, e.Value.String(), e.Threshold.String())
}

// SelfApprovalForbiddenError signals an actor approving their own movement.
type SelfApprovalForbiddenError struct {
	MovementID int64
	ActorID    int64
}

func (e *SelfApprovalForbiddenError) Error() string {
	return fmt.Sprintf("inventory: actor %d cannot approve own movement %d", e.ActorID, e.MovementID)
}

// CrossTenantAccessError signals an operation crossing company boundaries
// without elevated authorization.
type CrossTenantAccessError struct {
	ActorCompanyID  int64
	TargetCompanyID int64
}

func (e *CrossTenantAccessError) Error() string {
	return fmt.Sprintf("inventory: actor company %d may not act on company %d", e.ActorCompanyID, e.TargetCompanyID)
}

// ConcurrencyConflictError indicates a serialization failure or lock budget
// exhaustion. Safe to retry from the caller.
type ConcurrencyConflictError struct {
	Resource string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("inventory: concurrent modification on %s, retry", e.Resource)
}

// ClosurePeriodLockedError indicates the movement date falls inside a closed period.
type ClosurePeriodLockedError struct {
	WarehouseID int64
	Year        int
	Month       time.Month
}

func (e *ClosurePeriodLockedError) Error() string {
	return fmt.Sprintf("inventory: period %04d-%02d is closed for warehouse %d", e.Year, e.Month, e.WarehouseID)
}
