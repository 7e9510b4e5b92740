package fixedpoint

import (
	"fmt"
	"math"
)

// Float32Shift decomposes v into an integer coefficient and shift using the IEEE-754
// fields directly, so coeff / 2^shift == v exactly. The value carries whatever
// rounding the float32 arithmetic that produced it applied.
//
// When the exponent would require a negative shift, the coefficient is scaled up and
// the shift pinned at zero.
func Float32Shift(v float32) (int32, int, error) {
	bits := math.Float32bits(v)
	biased := int((bits >> 23) & 0xFF)
	frac := int64(bits & 0x7FFFFF)
	neg := bits>>31 != 0

	if biased == 0xFF {
		return 0, 0, fmt.Errorf("%w: %v", ErrDegenerateScale, v)
	}
	if biased == 0 && frac == 0 {
		return 0, 0, nil
	}

	mant := frac
	exp := biased
	if biased == 0 {
		exp = 1 // subnormal
	} else {
		mant |= 1 << 23
	}

	shift := 150 - exp
	if shift < 0 {
		if mant<<uint(-shift) > math.MaxInt32 {
			return 0, 0, fmt.Errorf("fixedpoint: %v overflows int32 coefficient", v)
		}
		mant <<= uint(-shift)
		shift = 0
	}
	if neg {
		mant = -mant
	}
	return int32(mant), shift, nil
}
