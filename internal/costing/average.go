// Package costing implements the valuation maths of the stock subsystem:
// moving weighted-average cost on receipts and cost-basis resolution on
// issues. All arithmetic is decimal to keep value conservation exact.
package costing

import "github.com/shopspring/decimal"

// CostScale is the number of decimal places kept on unit costs.
const CostScale = 2

// WeightedAverage returns the new average unit cost after receiving inQty
// units at inCost into a position holding qty units at avgCost.
// When the resulting quantity is zero or negative the incoming cost wins.
// Result is rounded half-up to CostScale.
func WeightedAverage(qty, avgCost, inQty, inCost decimal.Decimal) decimal.Decimal {
	total := qty.Add(inQty)
	if total.Sign() <= 0 {
		return inCost.Round(CostScale)
	}
	value := qty.Mul(avgCost).Add(inQty.Mul(inCost))
	return value.Div(total).Round(CostScale)
}

// TotalCost values a quantity at a unit cost, rounded to CostScale.
func TotalCost(qty, unitCost decimal.Decimal) decimal.Decimal {
	return qty.Mul(unitCost).Round(CostScale)
}

// IssueBasis resolves the unit cost charged on an outbound movement.
// Lot-tracked stock is issued at the consumed lot's own cost; untracked
// stock falls back to the position's weighted average.
func IssueBasis(lotCost *decimal.Decimal, positionAvg decimal.Decimal) decimal.Decimal {
	if lotCost != nil {
		return *lotCost
	}
	return positionAvg
}
