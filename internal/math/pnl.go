package math

import (
	"github.com/shopspring/decimal"
)

// Precision for stored money and price values.
const (
	MoneyPlaces = 8
	PricePlaces = 8
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// Round applies mode at the given number of decimal places.
func Round(d decimal.Decimal, places int32, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundDown:
		return d.RoundFloor(places)
	case RoundUp:
		return d.RoundCeil(places)
	default:
		return d.RoundBank(places)
	}
}

// Money rounds a quote-currency amount to storage precision.
func Money(d decimal.Decimal) decimal.Decimal {
	return Round(d, MoneyPlaces, RoundHalfEven)
}

// ComputeNotional returns quantity * price.
func ComputeNotional(quantity, price decimal.Decimal) decimal.Decimal {
	return Money(quantity.Mul(price))
}

// ComputeAvgEntryPrice calculates the weighted average entry price after adding
// fillQty at fillPrice to a position of oldSize (absolute sizes).
func ComputeAvgEntryPrice(oldSize, oldAvgEntry, fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	if oldSize.IsZero() {
		return fillPrice
	}
	total := oldSize.Add(fillQty)
	if total.IsZero() {
		return decimal.Zero
	}
	numerator := oldSize.Mul(oldAvgEntry).Add(fillQty.Mul(fillPrice))
	return Round(numerator.Div(total), PricePlaces, RoundHalfEven)
}

// ComputeRealizedPnL calculates PnL for closing closeQty of a position.
// sideSign is +1 for long, -1 for short.
func ComputeRealizedPnL(sideSign int64, fillPrice, avgEntryPrice, closeQty decimal.Decimal) decimal.Decimal {
	diff := fillPrice.Sub(avgEntryPrice)
	return Money(diff.Mul(closeQty).Mul(decimal.NewFromInt(sideSign)))
}

// ComputeUnrealizedPnL marks an open position to markPrice.
func ComputeUnrealizedPnL(sideSign int64, markPrice, avgEntryPrice, positionSize decimal.Decimal) decimal.Decimal {
	return ComputeRealizedPnL(sideSign, markPrice, avgEntryPrice, positionSize)
}
