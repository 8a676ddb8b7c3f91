// Package math holds the integer money helpers used by settlement.
// Amounts are whole token units; rates are decimals applied with an
// explicit rounding mode so every instance computes identical results.
package math

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyChecked returns a * b, failing instead of wrapping on overflow.
func MultiplyChecked(a, b int64) (int64, error) {
	x := getInt128()
	defer putInt128(x)
	x.Mul(big.NewInt(a), big.NewInt(b))
	if !x.IsInt64() {
		return 0, fmt.Errorf("overflow: %d * %d", a, b)
	}
	return x.Int64(), nil
}

// ParseRate parses a rate in [0, 1].
func ParseRate(s string) (decimal.Decimal, error) {
	r, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse rate %q: %w", s, err)
	}
	if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("rate %s out of range [0,1]", s)
	}
	return r, nil
}

// MustRate is ParseRate for constants.
func MustRate(s string) decimal.Decimal {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

// ApplyRate returns amount * rate rounded to whole units.
func ApplyRate(amount int64, rate decimal.Decimal, mode RoundingMode) int64 {
	return round(decimal.NewFromInt(amount).Mul(rate), mode)
}

// Split divides amount into n equal shares. The remainder is not
// distributed.
func Split(amount, n int64, mode RoundingMode) int64 {
	if n <= 0 {
		return 0
	}
	return round(decimal.NewFromInt(amount).Div(decimal.NewFromInt(n)), mode)
}

func round(d decimal.Decimal, mode RoundingMode) int64 {
	switch mode {
	case RoundDown:
		return d.Floor().IntPart()
	case RoundUp:
		return d.Ceil().IntPart()
	default:
		return d.RoundBank(0).IntPart()
	}
}
