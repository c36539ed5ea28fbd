package core

import "github.com/shopspring/decimal"

// Quantize rounds price to the nearest multiple of unit, then to precision
// decimal places. Ties round half to even.
func Quantize(price, unit decimal.Decimal, precision int32) decimal.Decimal {
	if unit.Sign() > 0 {
		price = price.Div(unit).RoundBank(0).Mul(unit)
	}
	return price.RoundBank(precision)
}

// WithinBook reports whether price neither crosses above the best ask nor
// below the best bid. Both bounds are inclusive.
func (q Quote) WithinBook(price decimal.Decimal) bool {
	return price.Cmp(q.Ask) <= 0 && price.Cmp(q.Bid) >= 0
}
