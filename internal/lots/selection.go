package lots

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
)

// Eligible filters candidates for outbound allocation: active lots with
// remaining stock whose expiration, if any, leaves enough shelf life.
// Under FIFO and FEFO the whole safety window is fenced off; under HYBRID
// near-window lots stay eligible so the strategy can drain them first.
// Expired lots can only be hit by disposal/expiry movements addressing
// them directly by id.
func Eligible(candidates []Lot, strategy Strategy, now time.Time, safetyWindowDays int) []Lot {
	window := safetyWindowDays
	if strategy == Hybrid {
		window = 0
	}
	out := make([]Lot, 0, len(candidates))
	for _, lot := range candidates {
		if lot.Status != StatusActive {
			continue
		}
		if lot.QtyRemaining.Sign() <= 0 {
			continue
		}
		if lot.ExpiresWithin(now, window) {
			continue
		}
		out = append(out, lot)
	}
	return out
}

// Order sorts eligible lots according to the rotation strategy.
func Order(eligible []Lot, strategy Strategy, now time.Time, safetyWindowDays int) []Lot {
	ordered := make([]Lot, len(eligible))
	copy(ordered, eligible)
	switch strategy {
	case FEFO:
		sort.SliceStable(ordered, func(i, j int) bool { return fefoLess(ordered[i], ordered[j]) })
	case Hybrid:
		near := make([]Lot, 0, len(ordered))
		rest := make([]Lot, 0, len(ordered))
		for _, lot := range ordered {
			if lot.ExpiresWithin(now, safetyWindowDays) {
				near = append(near, lot)
			} else {
				rest = append(rest, lot)
			}
		}
		sort.SliceStable(near, func(i, j int) bool { return fefoLess(near[i], near[j]) })
		sort.SliceStable(rest, func(i, j int) bool { return fifoLess(rest[i], rest[j]) })
		ordered = append(near, rest...)
	default: // FIFO
		sort.SliceStable(ordered, func(i, j int) bool { return fifoLess(ordered[i], ordered[j]) })
	}
	return ordered
}

// Allocate satisfies the requested quantity from candidate lots under the
// given strategy. The returned allocations carry the lots with their
// remaining quantities already decremented. Fails as a whole with
// InsufficientInventoryError when candidates cannot cover the request.
func Allocate(candidates []Lot, requested decimal.Decimal, strategy Strategy, now time.Time, safetyWindowDays int) ([]Allocation, error) {
	if requested.Sign() <= 0 {
		return nil, inventory.Validation("quantity", "requested quantity must be positive")
	}
	eligible := Eligible(candidates, strategy, now, safetyWindowDays)
	ordered := Order(eligible, strategy, now, safetyWindowDays)

	remaining := requested
	allocations := make([]Allocation, 0, len(ordered))
	for _, lot := range ordered {
		if remaining.Sign() == 0 {
			break
		}
		take := decimal.Min(remaining, lot.QtyRemaining)
		lot.QtyRemaining = lot.QtyRemaining.Sub(take)
		if lot.QtyRemaining.Sign() == 0 {
			lot.Status = StatusDepleted
		}
		allocations = append(allocations, Allocation{Lot: lot, Qty: take})
		remaining = remaining.Sub(take)
	}
	if remaining.Sign() > 0 {
		available := decimal.Zero
		for _, lot := range eligible {
			available = available.Add(lot.QtyRemaining)
		}
		var productID, warehouseID int64
		if len(candidates) > 0 {
			productID = candidates[0].ProductID
			warehouseID = candidates[0].WarehouseID
		}
		return nil, &inventory.InsufficientInventoryError{
			ProductID:   productID,
			WarehouseID: warehouseID,
			Available:   available,
			Requested:   requested,
		}
	}
	return allocations, nil
}

func fifoLess(a, b Lot) bool {
	at, bt := receiptTime(a), receiptTime(b)
	if at.Equal(bt) {
		return a.ID < b.ID
	}
	return at.Before(bt)
}

func fefoLess(a, b Lot) bool {
	// nulls last
	switch {
	case a.ExpirationDate == nil && b.ExpirationDate == nil:
		return a.ID < b.ID
	case a.ExpirationDate == nil:
		return false
	case b.ExpirationDate == nil:
		return true
	case a.ExpirationDate.Equal(*b.ExpirationDate):
		return a.ID < b.ID
	default:
		return a.ExpirationDate.Before(*b.ExpirationDate)
	}
}

func receiptTime(l Lot) time.Time {
	if l.ManufacturedDate != nil {
		return *l.ManufacturedDate
	}
	return l.CreatedAt
}
