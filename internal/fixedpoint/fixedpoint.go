// Package fixedpoint provides overflow-checked integer arithmetic for every
// monetary, share and probability computation in the engine.
//
// Nothing here wraps or saturates: a result that does not fit in 64 bits is
// reported as fault.ErrArithmetic and a zero denominator as
// fault.ErrDivisionByZero. Products that may exceed 64 bits are computed in a
// 256-bit intermediate (holiman/uint256) and narrowed only at the end.
package fixedpoint

import (
	"math/bits"

	"github.com/holiman/uint256"

	"github.com/atmx/marketd/internal/fault"
)

// Add returns a + b.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fault.ErrArithmetic
	}
	return sum, nil
}

// Sub returns a - b, failing on underflow.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, fault.ErrArithmetic
	}
	return diff, nil
}

// Mul returns a * b.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, fault.ErrArithmetic
	}
	return lo, nil
}

// Div returns a / b. A zero divisor is an invalid-state fault, never zero.
func Div(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, fault.ErrDivisionByZero
	}
	return a / b, nil
}

// MulDiv returns floor(a * b / d) using a widened intermediate.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, fault.ErrDivisionByZero
	}
	var prod uint256.Int
	prod.Mul(uint256.NewInt(a), uint256.NewInt(b))
	prod.Div(&prod, uint256.NewInt(d))
	if !prod.IsUint64() {
		return 0, fault.ErrArithmetic
	}
	return prod.Uint64(), nil
}
