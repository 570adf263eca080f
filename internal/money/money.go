package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places kept for all monetary values.
const Precision = 2

// Money is a fixed-precision decimal amount. All arithmetic rounds to
// Precision places; native floats are never used for balances.
type Money struct {
	dec decimal.Decimal
}

var zero = Money{}

// Zero returns a zero amount.
func Zero() Money {
	return zero
}

// New builds a Money from units and an exponent, e.g. New(12050, -2) == 120.50.
func New(value int64, exp int32) Money {
	return Money{dec: decimal.New(value, exp).Round(Precision)}
}

// FromDecimal wraps a decimal, rounding to currency precision.
func FromDecimal(d decimal.Decimal) Money {
	return Money{dec: d.Round(Precision)}
}

// FromString parses a decimal string such as "120.50".
func FromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Money{dec: d.Round(Precision)}, nil
}

// MustFromString parses a decimal string and panics on failure. Test helper.
func MustFromString(s string) Money {
	m, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(other Money) Money {
	return Money{dec: m.dec.Add(other.dec).Round(Precision)}
}

func (m Money) Sub(other Money) Money {
	return Money{dec: m.dec.Sub(other.dec).Round(Precision)}
}

func (m Money) Mul(other Money) Money {
	return Money{dec: m.dec.Mul(other.dec).Round(Precision)}
}

func (m Money) Neg() Money {
	return Money{dec: m.dec.Neg()}
}

// Cmp returns -1, 0 or 1 comparing m against other.
func (m Money) Cmp(other Money) int {
	return m.dec.Cmp(other.dec)
}

func (m Money) Equal(other Money) bool {
	return m.dec.Equal(other.dec)
}

func (m Money) LessThan(other Money) bool {
	return m.dec.LessThan(other.dec)
}

func (m Money) IsZero() bool {
	return m.dec.IsZero()
}

func (m Money) IsNegative() bool {
	return m.dec.IsNegative()
}

func (m Money) IsPositive() bool {
	return m.dec.IsPositive()
}

// String renders with exactly Precision decimal places, e.g. "120.50".
func (m Money) String() string {
	return m.dec.StringFixed(Precision)
}

func (m Money) Decimal() decimal.Decimal {
	return m.dec
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	m.dec = d.Round(Precision)
	return nil
}

// Value implements driver.Valuer so amounts map to NUMERIC columns.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan implements sql.Scanner.
func (m *Money) Scan(value interface{}) error {
	var d decimal.Decimal
	if err := d.Scan(value); err != nil {
		return err
	}
	m.dec = d.Round(Precision)
	return nil
}
