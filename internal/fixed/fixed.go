// Package fixed provides the truncating decimal arithmetic the venue uses
// for all money, price, and share math. Division and multiplication always
// round toward zero at an explicit scale so two replays of the same batch
// produce bit-identical state — never use decimal.Div directly in a money
// path.
//
// All monetary values use shopspring/decimal — never float64 for money.
package fixed

import "github.com/shopspring/decimal"

// Scales mirror the fixed-point layout of the reference accounting:
// prices at 10 decimals, contract amounts at 20, margin/collateral at 18,
// and the compounding borrow index at 27.
const (
	PriceScale  int32 = 10
	AmountScale int32 = 20
	MarginScale int32 = 18
	RateScale   int32 = 27
)

// One is the identity value for rates and indexes.
var One = decimal.NewFromInt(1)

// Div divides a by b truncating toward zero at scale. Division by zero
// returns zero; callers guard the cases where zero is a bug.
func Div(a, b decimal.Decimal, scale int32) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	// Two guard digits before the truncation keep the quotient exact at
	// the requested scale.
	return a.DivRound(b, scale+2).Truncate(scale)
}

// Mul multiplies a by b truncating toward zero at scale.
func Mul(a, b decimal.Decimal, scale int32) decimal.Decimal {
	return a.Mul(b).Truncate(scale)
}

// PowInt raises base to a non-negative integer exponent by squaring,
// truncating to scale after every multiplication. Used for compounding the
// borrow index over elapsed seconds without unbounded digit growth.
func PowInt(base decimal.Decimal, exp int64, scale int32) decimal.Decimal {
	if exp <= 0 {
		return One
	}
	result := One
	acc := base.Truncate(scale)
	for exp > 0 {
		if exp&1 == 1 {
			result = result.Mul(acc).Truncate(scale)
		}
		exp >>= 1
		if exp > 0 {
			acc = acc.Mul(acc).Truncate(scale)
		}
	}
	return result
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
