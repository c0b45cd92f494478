/*
money.go - Fixed-point monetary amounts

PURPOSE:
  All balance arithmetic in cash-wire is done with Money, a fixed-point
  decimal with exactly two fractional digits (pence). Binary floating
  point is never used for balances: float64 cannot represent 0.10, and
  summing it drifts. Money wraps decimal.Decimal and normalises every
  value to scale 2 at construction.

ROUNDING:
  Half-up, applied once at construction. The core never divides in a way
  that produces sub-pence results (progress percentages are display-only),
  so rounding is defensive rather than load-bearing.

STORAGE:
  Stores persist Money as integer pence (Pence/FromPence). That keeps
  database CHECK constraints on balance bounds exact.

USAGE:
  amount, err := core.ParseMoney("25.00")
  balance := core.FromPence(-25000)          // MIN_BALANCE
  next := balance.Add(amount)

SEE ALSO:
  - limits.go: MIN_BALANCE / MAX_BALANCE as Money values
  - store/sqlite: pence persistence
*/
package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency is the single system-wide currency. Amounts are bare decimals;
// there is no conversion anywhere in the core.
const Currency = "GBP"

// Money is a fixed-point decimal amount with scale 2.
// The zero value is £0.00.
type Money struct {
	d decimal.Decimal
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// ParseMoney parses a decimal string ("12.34", "-0.01") into Money.
// The value is rounded half-up to two fractional digits.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Money{d: d.Round(2)}, nil
}

// MustMoney parses a decimal string and panics on failure.
// For constants and tests only.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromPence builds Money from integer pence.
func FromPence(p int64) Money {
	return Money{d: decimal.New(p, -2)}
}

// ZeroMoney returns £0.00.
func ZeroMoney() Money {
	return Money{}
}

// =============================================================================
// ARITHMETIC & COMPARISON
// =============================================================================

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Neg() Money        { return Money{d: m.d.Neg()} }

func (m Money) IsZero() bool     { return m.d.IsZero() }
func (m Money) IsNegative() bool { return m.d.IsNegative() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }

func (m Money) Equal(o Money) bool       { return m.d.Equal(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) LessThan(o Money) bool    { return m.d.LessThan(o.d) }

// Pence returns the amount as integer pence. Exact: scale is fixed at 2.
func (m Money) Pence() int64 {
	return m.d.Round(2).Shift(2).IntPart()
}

// Decimal exposes the underlying decimal for display-only derivations
// (progress percentages). Never feed the result back into a balance.
func (m Money) Decimal() decimal.Decimal { return m.d }

// String renders with exactly two fractional digits: "-250.00".
func (m Money) String() string { return m.d.StringFixed(2) }

// MarshalJSON renders Money as a JSON string to keep clients away from
// float parsing.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts both "12.34" and a bare number.
func (m *Money) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
