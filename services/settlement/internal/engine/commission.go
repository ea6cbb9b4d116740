package engine

import "github.com/shopspring/decimal"

// DefaultCommissionRate is the flat platform rate for fiat deposits.
var DefaultCommissionRate = decimal.NewFromFloat(0.10)

// Commission returns the platform fee for a fiat deposit. A stored non-zero
// fee is authoritative; otherwise the deposited amount is treated as already
// net of commission and the fee is back-computed from the flat rate:
// gross = amount / (1 - rate), commission = gross * rate.
//
// Pure; called both at transition time (to persist the fee) and at read time
// (analytics), and the two must agree.
func Commission(amount, rate decimal.Decimal, stored *decimal.Decimal) decimal.Decimal {
	if stored != nil && !stored.IsZero() {
		return *stored
	}
	if rate.GreaterThanOrEqual(decimal.NewFromInt(1)) || rate.IsNegative() {
		return decimal.Zero
	}
	gross := amount.Div(decimal.NewFromInt(1).Sub(rate))
	return gross.Mul(rate)
}
