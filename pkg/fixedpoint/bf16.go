package fixedpoint

import (
	"math"

	"github.com/d4l3k/go-bfloat16"
)

// BF16FromFloat32 rounds f to bfloat16, nearest-even, using the 0x7FFF + lsb bias.
// NaN stays a quiet NaN with its sign.
func BF16FromFloat32(f float32) bfloat16.BF16 {
	bits := math.Float32bits(f)
	if bits&0x7FFFFFFF > 0x7F800000 {
		return bfloat16.BF16((bits >> 16) | 0x0040)
	}
	rnd := uint32(0x7FFF) + ((bits >> 16) & 1)
	return bfloat16.BF16((bits + rnd) >> 16)
}

// BF16FromFloat64 narrows to float32 first, then rounds to bfloat16.
func BF16FromFloat64(f float64) bfloat16.BF16 {
	return BF16FromFloat32(float32(f))
}

// BF16ToFloat32 widens a bfloat16 value.
func BF16ToFloat32(b bfloat16.BF16) float32 {
	return bfloat16.ToFloat32(b)
}
