package costing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestWeightedAverageReceipt(t *testing.T) {
	// 100 units @ 10.00, receive 50 @ 12.00 -> (1000+600)/150 = 10.666... -> 10.67
	avg := WeightedAverage(d("100"), d("10.00"), d("50"), d("12.00"))
	require.True(t, avg.Equal(d("10.67")), "got %s", avg)
}

func TestWeightedAverageEmptyPosition(t *testing.T) {
	avg := WeightedAverage(decimal.Zero, decimal.Zero, d("10"), d("7.555"))
	require.True(t, avg.Equal(d("7.56")), "got %s", avg)
}

func TestWeightedAverageZeroResultingQty(t *testing.T) {
	// Position drained to zero: incoming cost becomes the new basis.
	avg := WeightedAverage(d("-5"), d("4.00"), d("5"), d("6.00"))
	require.True(t, avg.Equal(d("6.00")), "got %s", avg)
}

func TestTotalCost(t *testing.T) {
	require.True(t, TotalCost(d("3"), d("10.67")).Equal(d("32.01")))
}

func TestIssueBasisPrefersLotCost(t *testing.T) {
	lot := d("9.50")
	require.True(t, IssueBasis(&lot, d("10.67")).Equal(d("9.50")))
	require.True(t, IssueBasis(nil, d("10.67")).Equal(d("10.67")))
}
