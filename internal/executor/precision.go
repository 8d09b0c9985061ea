package executor

import (
	"github.com/shopspring/decimal"

	"perpgrid/pkg/types"
)

// truncateToStep truncates (never rounds) a value down to a multiple of step.
// Exchanges reject orders whose price or quantity is off-grid, and rounding
// up can overspend the allocated capital.
func truncateToStep(value, step float64) float64 {
	if step <= 0 || value <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	out, _ := v.Div(s).Floor().Mul(s).Float64()
	return out
}

// truncatePrice truncates a price to the instrument's tick size.
func truncatePrice(price float64, f types.SymbolFilter) float64 {
	return truncateToStep(price, f.TickSize)
}

// truncateQuantity truncates a quantity to the instrument's lot step.
func truncateQuantity(qty float64, f types.SymbolFilter) float64 {
	return truncateToStep(qty, f.StepSize)
}

// meetsMinNotional reports whether price × qty clears the instrument's
// minimum notional. Orders below it are rejected before submission.
func meetsMinNotional(price, qty float64, f types.SymbolFilter) bool {
	if f.MinNotional <= 0 {
		return qty > 0
	}
	return price*qty >= f.MinNotional
}
