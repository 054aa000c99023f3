// Package fixedpoint implements the integer-scaled decimal arithmetic the
// lending core is built on. Rates, prices and exchange factors are scaled by
// 1e18; cumulative reward indices use the wider 1e36 scale to bound
// compounding error over long market lifetimes.
//
// Every operation truncates toward zero and width-checks its result against
// 256 bits; overflow surfaces as ErrIndexOverflow rather than wrapping.
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	ErrIndexOverflow  = errors.New("fixedpoint: value exceeds 256-bit bound")
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrNegative       = errors.New("fixedpoint: negative value")
)

var (
	// ExpScale is the 1e18 mantissa applied to rates, prices and factors.
	ExpScale = mustBigInt("1000000000000000000")
	// DoubleScale is the 1e36 mantissa applied to cumulative reward indices.
	DoubleScale = mustBigInt("1000000000000000000000000000000000000")
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("fixedpoint: invalid big integer constant")
	}
	return v
}

// One returns a fresh copy of the 1e18 unit value.
func One() *big.Int { return new(big.Int).Set(ExpScale) }

// checkWidth rejects results that no longer fit the 256-bit storage bound.
// uint256 performs the width test; negative intermediates are rejected
// outright because ledger quantities are unsigned by construction.
func checkWidth(v *big.Int) (*big.Int, error) {
	if v.Sign() < 0 {
		return nil, ErrNegative
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return nil, ErrIndexOverflow
	}
	return v, nil
}

// MulTrunc multiplies two 1e18-scaled values, truncating toward zero:
// trunc(a × b / 1e18).
func MulTrunc(a, b *big.Int) (*big.Int, error) {
	product := new(big.Int).Mul(a, b)
	return checkWidth(product.Quo(product, ExpScale))
}

// MulScalarTrunc scales an integer quantity by a 1e18 factor:
// trunc(factor × scalar / 1e18).
func MulScalarTrunc(factor, scalar *big.Int) (*big.Int, error) {
	product := new(big.Int).Mul(factor, scalar)
	return checkWidth(product.Quo(product, ExpScale))
}

// MulScalarTruncAdd computes trunc(factor × scalar / 1e18) + addend.
func MulScalarTruncAdd(factor, scalar, addend *big.Int) (*big.Int, error) {
	truncated, err := MulScalarTrunc(factor, scalar)
	if err != nil {
		return nil, err
	}
	return checkWidth(truncated.Add(truncated, addend))
}

// Div divides two 1e18-scaled values, keeping the 1e18 scale:
// trunc(a × 1e18 / b).
func Div(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	numerator := new(big.Int).Mul(a, ExpScale)
	return checkWidth(numerator.Quo(numerator, b))
}

// Fraction expresses num/denom as a 1e36-scaled value for cumulative index
// arithmetic.
func Fraction(num, denom *big.Int) (*big.Int, error) {
	if denom.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	scaled := new(big.Int).Mul(num, DoubleScale)
	return checkWidth(scaled.Quo(scaled, denom))
}

// MulDoubleTrunc scales an integer quantity by a 1e36 factor:
// trunc(index × scalar / 1e36). Used when settling reward indices against
// account weights.
func MulDoubleTrunc(index, scalar *big.Int) (*big.Int, error) {
	product := new(big.Int).Mul(index, scalar)
	return checkWidth(product.Quo(product, DoubleScale))
}

// MulDiv computes trunc(a × b / c) in one step so the intermediate product
// keeps full precision. Seize sizing depends on this to avoid double
// truncation.
func MulDiv(a, b, c *big.Int) (*big.Int, error) {
	if c.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	product := new(big.Int).Mul(a, b)
	return checkWidth(product.Quo(product, c))
}
