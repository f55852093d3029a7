// Package money holds the single-currency amount type used by the engine.
package money

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Currency is the ISO 4217 code of the only currency the service tracks.
const Currency = "XOF"

// Amount is a monetary amount in whole FCFA units. FCFA has no minor unit.
type Amount int64

// Zero is the zero amount
const Zero Amount = 0

// Int64 returns the raw value
func (a Amount) Int64() int64 {
	return int64(a)
}

// IsZero returns true if the amount is zero
func (a Amount) IsZero() bool {
	return a == 0
}

// IsPositive returns true if the amount is positive
func (a Amount) IsPositive() bool {
	return a > 0
}

// IsNegative returns true if the amount is negative
func (a Amount) IsNegative() bool {
	return a < 0
}

// Abs returns the absolute value
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// Multiply multiplies by an integer factor
func (a Amount) Multiply(factor int64) Amount {
	return a * Amount(factor)
}

// Percent returns pct percent of the amount, rounded half away from zero.
// pct is expressed in percent (5 means 5%), fractional rates are allowed.
func (a Amount) Percent(pct float64) Amount {
	v := decimal.NewFromInt(int64(a)).Mul(decimal.NewFromFloat(pct)).Div(hundred)
	return Amount(v.Round(0).IntPart())
}

// ReduceByPercent returns the amount minus pct percent of it.
func (a Amount) ReduceByPercent(pct float64) Amount {
	return a - a.Percent(pct)
}

// IsMultipleOf reports whether the amount is an exact multiple of unit.
// A zero unit never divides anything.
func (a Amount) IsMultipleOf(unit Amount) bool {
	if unit == 0 {
		return false
	}
	return a%unit == 0
}

// Units returns how many whole units fit in the amount.
func (a Amount) Units(unit Amount) int64 {
	if unit == 0 {
		panic("division by zero")
	}
	return int64(a / unit)
}

// String formats the amount with thin grouping, e.g. "30 000 FCFA"
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	digits := strconv.FormatInt(v, 10)

	var b strings.Builder
	pre := len(digits) % 3
	if pre > 0 {
		b.WriteString(digits[:pre])
	}
	for i := pre; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(digits[i : i+3])
	}
	return fmt.Sprintf("%s%s FCFA", sign, b.String())
}

// Sum adds up multiple amounts
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total += a
	}
	return total
}
