// Package core provides money parsing and handling utilities.
//
// Amounts are kept as signed integer cents so that sums are exact. The sign
// carries the meaning: positive values are income, negative values expenses.
package core

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

type Money struct {
	Cents int64
}

var ErrInvalidAmount = errors.New("invalid amount")

// maxCents bounds parsed amounts well inside int64 so that summing a user's
// history cannot overflow.
var maxCents = decimal.New(1, 15)

const (
	// maxAmountLength caps the literal before it reaches the decimal parser.
	maxAmountLength = 32
	// Exponents outside this range are rejected before any rescaling;
	// rescaling allocates 10^|exponent|.
	minExponent = -10
	maxExponent = 15
)

// ParseAmount converts a decimal string to signed cents.
//
// Both dot (12.34) and comma (12,34) decimal separators are accepted, as are a
// leading sign and exponent notation. Extra fractional digits are rounded half
// away from zero.
//
// Examples:
//
//	ParseAmount("120.50") -> 12050
//	ParseAmount("-200")   -> -20000
//	ParseAmount("0.005")  -> 1
func ParseAmount(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	if len(s) > maxAmountLength {
		return Money{}, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")

	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, ErrInvalidAmount
	}
	if exp := d.Exponent(); exp < minExponent || exp > maxExponent {
		return Money{}, ErrInvalidAmount
	}
	cents := d.Shift(2).Round(0)
	if cents.Abs().GreaterThanOrEqual(maxCents) {
		return Money{}, ErrInvalidAmount
	}
	return Money{Cents: cents.IntPart()}, nil
}

// Float64 returns the amount in currency units for JSON responses.
func (m Money) Float64() float64 {
	f, _ := decimal.New(m.Cents, -2).Float64()
	return f
}

// String formats the amount with two decimals, e.g. "-12.30".
func (m Money) String() string {
	return decimal.New(m.Cents, -2).StringFixed(2)
}

func (m Money) IsIncome() bool  { return m.Cents > 0 }
func (m Money) IsExpense() bool { return m.Cents < 0 }

// Abs returns the magnitude of m.
func (m Money) Abs() Money {
	if m.Cents < 0 {
		return Money{Cents: -m.Cents}
	}
	return m
}
