// Package decimal provides exact decimal arithmetic for monetary amounts.
package decimal

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimal is an arbitrary-precision decimal number stored as an
// integer value in minor units plus a scale.
type Decimal struct {
	value *big.Int
	scale int
}

var Zero = &Decimal{value: big.NewInt(0), scale: 0}

func New(s string) (*Decimal, error) {
	if s == "" {
		return Zero, nil
	}

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	intPart := parts[0]
	fracPart := ""
	if len(parts) > 1 {
		fracPart = parts[1]
	}

	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}

	combined := intPart + fracPart
	value := new(big.Int)
	_, ok := value.SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal: %s", s)
	}

	if negative {
		value.Neg(value)
	}

	return &Decimal{
		value: value,
		scale: len(fracPart),
	}, nil
}

func MustNew(s string) *Decimal {
	d, err := New(s)
	if err != nil {
		panic(err)
	}
	return d
}

func FromInt(v int64) *Decimal {
	return &Decimal{
		value: big.NewInt(v),
		scale: 0,
	}
}

// FromIntWithScale builds a decimal from a minor-unit integer,
// e.g. FromIntWithScale(1050, 2) == 10.50.
func FromIntWithScale(v int64, scale int) *Decimal {
	return &Decimal{
		value: big.NewInt(v),
		scale: scale,
	}
}

func (d *Decimal) String() string {
	if d == nil || d.value == nil {
		return "0"
	}

	s := d.value.String()
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}

	if d.scale == 0 {
		if negative {
			return "-" + s
		}
		return s
	}

	for len(s) <= d.scale {
		s = "0" + s
	}

	pos := len(s) - d.scale
	result := s[:pos] + "." + s[pos:]

	result = strings.TrimRight(result, "0")
	result = strings.TrimRight(result, ".")

	if negative {
		return "-" + result
	}
	return result
}

// Cmp returns -1 (d < other), 0 (d == other), 1 (d > other).
func (d *Decimal) Cmp(other *Decimal) int {
	d1, d2 := d.alignScale(other)
	return d1.value.Cmp(d2.value)
}

func (d *Decimal) Add(other *Decimal) *Decimal {
	d1, d2 := d.alignScale(other)
	result := new(big.Int).Add(d1.value, d2.value)
	return &Decimal{value: result, scale: d1.scale}
}

func (d *Decimal) Sub(other *Decimal) *Decimal {
	d1, d2 := d.alignScale(other)
	result := new(big.Int).Sub(d1.value, d2.value)
	return &Decimal{value: result, scale: d1.scale}
}

func (d *Decimal) Mul(other *Decimal) *Decimal {
	result := new(big.Int).Mul(d.value, other.value)
	return &Decimal{value: result, scale: d.scale + other.scale}
}

// Div divides to the given scale, truncating toward zero.
// Division by zero returns zero at the requested scale.
func (d *Decimal) Div(other *Decimal, scale int) *Decimal {
	if other.value.Sign() == 0 {
		return &Decimal{value: big.NewInt(0), scale: scale}
	}

	targetScale := scale + other.scale
	scaleDiff := targetScale - d.scale

	dividend := new(big.Int).Set(d.value)
	if scaleDiff > 0 {
		multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scaleDiff)), nil)
		dividend.Mul(dividend, multiplier)
	} else if scaleDiff < 0 {
		divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-scaleDiff)), nil)
		dividend.Div(dividend, divisor)
	}

	result := new(big.Int).Div(dividend, other.value)
	return &Decimal{value: result, scale: scale}
}

func (d *Decimal) Neg() *Decimal {
	result := new(big.Int).Neg(d.value)
	return &Decimal{value: result, scale: d.scale}
}

func (d *Decimal) Abs() *Decimal {
	result := new(big.Int).Abs(d.value)
	return &Decimal{value: result, scale: d.scale}
}

func (d *Decimal) IsZero() bool {
	return d.value.Sign() == 0
}

func (d *Decimal) IsPositive() bool {
	return d.value.Sign() > 0
}

func (d *Decimal) IsNegative() bool {
	return d.value.Sign() < 0
}

// Truncate drops digits beyond the given scale.
func (d *Decimal) Truncate(scale int) *Decimal {
	if scale >= d.scale {
		return d
	}

	diff := d.scale - scale
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(diff)), nil)
	result := new(big.Int).Div(d.value, divisor)
	return &Decimal{value: result, scale: scale}
}

// ToInt converts to a minor-unit integer at the given scale.
func (d *Decimal) ToInt(scale int) int64 {
	aligned := d.setScale(scale)
	return aligned.value.Int64()
}

func (d *Decimal) alignScale(other *Decimal) (*Decimal, *Decimal) {
	if d.scale == other.scale {
		return d, other
	}
	if d.scale > other.scale {
		return d, other.setScale(d.scale)
	}
	return d.setScale(other.scale), other
}

func (d *Decimal) setScale(scale int) *Decimal {
	if scale == d.scale {
		return d
	}

	diff := scale - d.scale
	result := new(big.Int).Set(d.value)

	if diff > 0 {
		multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(diff)), nil)
		result.Mul(result, multiplier)
	} else {
		divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-diff)), nil)
		result.Div(result, divisor)
	}

	return &Decimal{value: result, scale: scale}
}

func Min(a, b *Decimal) *Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func Max(a, b *Decimal) *Decimal {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
