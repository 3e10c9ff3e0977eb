package models

import "github.com/shopspring/decimal"

const (
	USDScale   = 2
	AssetScale = 18
)

// QuantizeUSD truncates toward zero at the USD scale. Every USD product
// (order lock, trade volume, fee) goes through here so placement and
// settlement agree to the cent.
func QuantizeUSD(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(USDScale)
}

// QuantizeAsset truncates toward zero at the asset scale.
func QuantizeAsset(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(AssetScale)
}

// FitsScale reports whether d has no more than places fractional digits.
func FitsScale(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}
