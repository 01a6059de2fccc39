package model

import "github.com/shopspring/decimal"

// Round2 rounds a currency amount to 2 decimal places.
func Round2(f float64) float64 {
	v, _ := decimal.NewFromFloat(f).Round(2).Float64()
	return v
}
