package exchange

import (
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotex/internal/models"
)

// DefaultFeeRate is charged to the seller on every fill.
var DefaultFeeRate = decimal.RequireFromString("0.015")

// FeeSchedule supplies the seller fee rate for a symbol.
type FeeSchedule interface {
	FeeRate(symbol models.Symbol) decimal.Decimal
}

// SymbolFees applies Default unless the symbol has an override.
type SymbolFees struct {
	Default   decimal.Decimal
	PerSymbol map[models.Symbol]decimal.Decimal
}

func (f SymbolFees) FeeRate(symbol models.Symbol) decimal.Decimal {
	if rate, ok := f.PerSymbol[symbol]; ok {
		return rate
	}
	return f.Default
}

// FlatFee charges the same rate on every symbol.
func FlatFee(rate decimal.Decimal) FeeSchedule {
	return SymbolFees{Default: rate}
}
