package economy

import (
	"fmt"
	"math"
	"math/big"
)

// Amount is an arbitrary-precision integer quantity of community credits.
// It serializes as a decimal string so values survive JSON round-trips
// without floating-point loss.
type Amount struct {
	value big.Int
}

// NewAmount builds an Amount from an int64.
func NewAmount(v int64) Amount {
	var a Amount
	a.value.SetInt64(v)
	return a
}

// ParseAmount parses a base-10 string into an Amount.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if _, ok := a.value.SetString(s, 10); !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	return a, nil
}

// MustAmount is ParseAmount for literals in tests and fixtures.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) String() string { return a.value.String() }

// Cmp compares a and b, returning -1, 0, or +1.
func (a Amount) Cmp(b Amount) int { return a.value.Cmp(&b.value) }

// Sign returns -1, 0, or +1 according to the sign of a.
func (a Amount) Sign() int { return a.value.Sign() }

// IsZero reports whether a is exactly zero.
func (a Amount) IsZero() bool { return a.value.Sign() == 0 }

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	var out Amount
	out.value.Add(&a.value, &b.value)
	return out
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	var out Amount
	out.value.Sub(&a.value, &b.value)
	return out
}

// Float64 converts to float64, saturating at ±MaxFloat64 rather than
// returning infinities. Used only for reputation weight heuristics where
// exactness is not required.
func (a Amount) Float64() float64 {
	f, _ := new(big.Float).SetInt(&a.value).Float64()
	if math.IsInf(f, 1) {
		return math.MaxFloat64
	}
	if math.IsInf(f, -1) {
		return -math.MaxFloat64
	}
	return f
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.value.String() + `"`), nil
}

// UnmarshalJSON accepts a decimal string or a bare integer literal.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if _, ok := a.value.SetString(s, 10); !ok {
		return fmt.Errorf("invalid amount %q", string(data))
	}
	return nil
}
