// Package fixedpoint implements the integer approximations used to turn real
// requantization factors into mantissa/shift pairs the accelerator can apply with
// an integer multiply followed by an arithmetic right shift.
//
// Every rounding rule in this package is part of the binary contract with the
// hardware. Changing one changes the bits that ship and therefore the numerics.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
)

// Mantissa budgets for the doubling search.
const (
	// MaxInt16Mantissa bounds mantissas on 16-bit coefficient paths.
	MaxInt16Mantissa int64 = 32767
	// MaxInt32Mantissa bounds mantissas on 24/32-bit coefficient paths.
	MaxInt32Mantissa int64 = 8388607
)

// ErrDegenerateScale reports a real factor that has no usable shifted-integer form
// (zero, negative, NaN, infinite, or larger than the mantissa budget).
var ErrDegenerateScale = errors.New("fixedpoint: degenerate scale")

// RoundHalfEven rounds to the nearest integer, ties to even.
func RoundHalfEven(x float64) float64 {
	return math.RoundToEven(x)
}

// ClosestShiftedInt finds (mant, shift) minimising |v - mant/2^shift| / v with
// mant <= maxi. The search doubles v until it no longer fits the budget and keeps
// the first candidate with the strictly smallest relative error.
func ClosestShiftedInt(v float64, maxi int64) (int64, int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrDegenerateScale, v)
	}
	if maxi <= 0 {
		return 0, 0, fmt.Errorf("fixedpoint: invalid mantissa budget %d", maxi)
	}

	limit := float64(maxi)
	bestErr := math.Inf(1)
	var (
		bestMant  int64
		bestShift int
		found     bool
	)

	cur := v
	for shift := 0; cur <= limit; shift++ {
		m := RoundHalfEven(cur)
		relErr := math.Abs(v-m/math.Ldexp(1, shift)) / v
		if relErr < bestErr {
			bestErr = relErr
			bestMant = int64(m)
			bestShift = shift
			found = true
		}
		cur *= 2
	}

	if !found {
		return 0, 0, fmt.Errorf("%w: %v exceeds mantissa budget %d", ErrDegenerateScale, v, maxi)
	}
	if bestMant == 0 {
		return 0, 0, fmt.Errorf("%w: %v rounds to zero", ErrDegenerateScale, v)
	}
	return bestMant, bestShift, nil
}

// RelativeError returns |v - mant/2^shift| / v.
func RelativeError(v float64, mant int64, shift int) float64 {
	return math.Abs(v-float64(mant)/math.Ldexp(1, shift)) / v
}

// OverflowShift returns the right shift that brings x into the signed 32-bit range.
func OverflowShift(x int64) int {
	ax := uint64(x)
	if x < 0 {
		ax = -ax
	}
	if ax <= math.MaxInt32 {
		return 0
	}
	s := int(math.Ceil(math.Log2(float64(ax)))) - 31
	// exact powers of two (and float rounding near 2^53) land one short
	for v := x >> uint(s); v > math.MaxInt32 || v < math.MinInt32; v = x >> uint(s) {
		s++
	}
	return s
}

// ShiftRoundHalfEven is the shift-round-saturate step without the saturation:
// x / 2^s rounded to nearest, ties to even.
func ShiftRoundHalfEven(x int64, s int) int64 {
	if s <= 0 {
		return x << uint(-s)
	}
	q := x >> uint(s)
	rem := x - q<<uint(s)
	half := int64(1) << uint(s-1)
	switch {
	case rem > half:
		q++
	case rem == half && q&1 != 0:
		q++
	}
	return q
}

// Saturate clamps x into [lo, hi].
func Saturate(x, lo, hi int64) int64 {
	return max(lo, min(hi, x))
}
