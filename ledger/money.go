package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point amount with two fractional digits
// =============================================================================

// Money is a monetary amount with cent precision.
// Every constructor and arithmetic result is rounded to 2 places
// (round half away from zero), so values never drift.
type Money struct {
	d decimal.Decimal
}

// Scale is the number of fractional digits carried by Money.
const Scale = 2

var Zero = Money{d: decimal.Zero}

func NewMoney(d decimal.Decimal) Money   { return Money{d: d.Round(Scale)} }
func NewMoneyFromCents(cents int64) Money { return Money{d: decimal.New(cents, -Scale)} }
func NewMoneyFromInt(units int64) Money   { return Money{d: decimal.NewFromInt(units)} }

// ParseMoney parses a decimal string such as "12.34".
// Inputs with more than two fractional digits are rejected rather than rounded.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Exponent() < -Scale && !d.Equal(d.Round(Scale)) {
		return Zero, fmt.Errorf("invalid amount %q: more than %d decimal places", s, Scale)
	}
	return NewMoney(d), nil
}

// MustParseMoney is ParseMoney for literals in tests and fixtures.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(o Money) Money        { return NewMoney(m.d.Add(o.d)) }
func (m Money) Sub(o Money) Money        { return NewMoney(m.d.Sub(o.d)) }
func (m Money) IsZero() bool             { return m.d.IsZero() }
func (m Money) IsPositive() bool         { return m.d.IsPositive() }
func (m Money) IsNegative() bool         { return m.d.IsNegative() }
func (m Money) Equal(o Money) bool       { return m.d.Equal(o.d) }
func (m Money) LessThan(o Money) bool    { return m.d.LessThan(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) Decimal() decimal.Decimal { return m.d }
func (m Money) Cents() int64             { return m.d.Shift(Scale).IntPart() }
func (m Money) String() string           { return m.d.StringFixed(Scale) }

// Min returns the smaller of m and o.
func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

// Sum adds amounts.
func Sum(amounts ...Money) Money {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// MarshalJSON encodes Money as a fixed two-decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts both "12.34" and 12.34.
func (m *Money) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid amount: %s", string(b))
		}
		s = n.String()
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Value stores Money as TEXT.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan reads Money from TEXT, REAL or INTEGER columns.
func (m *Money) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scan money: %w", err)
	}
	*m = NewMoney(d)
	return nil
}
