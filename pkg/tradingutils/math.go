// Package tradingutils provides price and quantity arithmetic against
// exchange filters.
package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundToIncrement floors a value to the nearest multiple of increment.
// A zero increment returns the value unchanged.
func RoundToIncrement(value, increment decimal.Decimal) decimal.Decimal {
	if increment.IsZero() {
		return value
	}
	steps := value.Div(increment).Floor()
	return steps.Mul(increment)
}

// RoundPrice floors a price to the symbol's tick size.
func RoundPrice(price, tickSize decimal.Decimal) decimal.Decimal {
	return RoundToIncrement(price, tickSize)
}

// RoundQuantity floors a quantity to the symbol's step size.
func RoundQuantity(qty, stepSize decimal.Decimal) decimal.Decimal {
	return RoundToIncrement(qty, stepSize)
}

// Notional returns qty * price.
func Notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price)
}

// PnLPct returns the percentage move of current against entry.
// Returns zero when entry is zero.
func PnLPct(entry, current decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	return current.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
}

// BpsFactor converts basis points to a multiplicative factor offset,
// e.g. 20 bps -> 0.002.
func BpsFactor(bps int) decimal.Decimal {
	return decimal.NewFromInt(int64(bps)).Div(decimal.NewFromInt(10000))
}

// LadderPrices returns bid minus k*tick for each k in schedule, floored to
// the tick. Used for limit-IOC sell ladders.
func LadderPrices(bid, tickSize decimal.Decimal, schedule []int) []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, len(schedule))
	for _, k := range schedule {
		px := bid.Sub(tickSize.Mul(decimal.NewFromInt(int64(k))))
		prices = append(prices, RoundPrice(px, tickSize))
	}
	return prices
}
