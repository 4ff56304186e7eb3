// Package money holds the rounding policy shared by every stage: amounts are
// integer currency units and are always rounded down, never to nearest.
package money

import (
	"github.com/shopspring/decimal"
)

// Unit is the truncation granularity for tax amounts.
const Unit = 10

// RateScale is the number of decimal places kept on percentage rates.
const RateScale = 4

var (
	hundred = decimal.NewFromInt(100)
	year    = decimal.NewFromInt(365)
)

// Truncate rounds an amount down to the 10-unit granularity.
func Truncate(amount int64) int64 {
	return (amount / Unit) * Unit
}

// TruncateDecimal drops fractional units and rounds down to 10 units.
func TruncateDecimal(d decimal.Decimal) int64 {
	return Truncate(d.Truncate(0).IntPart())
}

// TruncateUnit drops fractional units only. Interest keeps 1-unit precision.
func TruncateUnit(d decimal.Decimal) int64 {
	return d.Truncate(0).IntPart()
}

// Rate truncates a percentage rate to RateScale decimal places.
func Rate(pct decimal.Decimal) decimal.Decimal {
	return pct.Truncate(RateScale)
}

// Percent returns base × pct / 100 unrounded, so callers can sum partial
// products and round once.
func Percent(base int64, pct decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(base).Mul(Rate(pct)).Div(hundred)
}

// Fraction returns base × fraction with fractional units dropped.
func Fraction(base int64, fraction decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(base).Mul(fraction).Truncate(0)
}

// Scale returns amount × num / den rounded down, or zero when den is not positive.
func Scale(amount, num, den int64) int64 {
	if den <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(decimal.NewFromInt(num)).Div(decimal.NewFromInt(den)).Truncate(0).IntPart()
}

// DailyInterest returns amount × annualRate × days / 365 without truncation.
func DailyInterest(amount int64, annualRate decimal.Decimal, days int64) decimal.Decimal {
	if amount <= 0 || days <= 0 || annualRate.IsNegative() {
		return decimal.Zero
	}
	return decimal.NewFromInt(amount).Mul(annualRate).Mul(decimal.NewFromInt(days)).Div(year)
}

// Min returns the smaller of two amounts.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// NonNegative clamps an amount at zero.
func NonNegative(a int64) int64 {
	if a < 0 {
		return 0
	}
	return a
}
