// Package requant derives the integer-only coefficients that let the accelerator
// emulate dequantize -> op -> quantize chains with multiply, add and shift.
//
// Generators are pure functions of the operand quantization parameters and, where
// the operator has constant weights, the raw weight values. They never pad or lay
// out tensors; see package layout.
package requant

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/samcharles93/qdqpack/pkg/fixedpoint"
)

// ErrInternal reports a coefficient set that violates its own invariants.
var ErrInternal = errors.New("requant: internal invariant violated")

// QuantParams is the affine quantization of one operand: r = (q - ZeroPoint) * Scale.
type QuantParams struct {
	Scale     float64 `json:"scale" yaml:"scale"`
	ZeroPoint int64   `json:"zero_point" yaml:"zero_point"`
}

// Kind identifies the operator a coefficient set was derived for.
type Kind uint32

const (
	KindMatMul Kind = iota + 1
	KindMatMulBias
	KindConv
	KindAdd
	KindMul
	KindBatchedMatMul
	KindLayerNorm
	KindSoftmax
)

var kindNames = map[Kind]string{
	KindMatMul:        "matmul",
	KindMatMulBias:    "matmul_bias",
	KindConv:          "conv",
	KindAdd:           "add",
	KindMul:           "mul",
	KindBatchedMatMul: "bmm",
	KindLayerNorm:     "layernorm",
	KindSoftmax:       "softmax",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// ParseKind maps a plan operator name to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("requant: unknown operator kind %q", s)
}

// matmulShiftParams returns (base bits, max shift) for the accumulate-time shift.
func matmulShiftParams(weightBits int) (int, int, error) {
	switch weightBits {
	case 8:
		return 25, 7, nil
	case 16:
		return 33, 15, nil
	default:
		return 0, 0, fmt.Errorf("requant: unsupported weight width %d", weightBits)
	}
}

// mantissaBudget is the doubling-search budget for the C2 mantissa.
func mantissaBudget(weightBits int) int64 {
	if weightBits == 16 {
		return fixedpoint.MaxInt16Mantissa
	}
	return fixedpoint.MaxInt32Mantissa
}

func ceilLog2(k int) int {
	if k <= 1 {
		return 0
	}
	return bits.Len(uint(k - 1))
}

// MatMulShift is the shift the tensor engine applies to the raw accumulator before
// the C2 multiply: clamp(base + ceil(log2 K) - 32, 0, max).
func MatMulShift(k, weightBits int) (int, error) {
	base, maxShift, err := matmulShiftParams(weightBits)
	if err != nil {
		return 0, err
	}
	return min(max(base+ceilLog2(k)-32, 0), maxShift), nil
}

func checkInt32(name string, v int64) (int32, error) {
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, fmt.Errorf("%w: %s=%d overflows int32", ErrInternal, name, v)
	}
	return int32(v), nil
}

// alignShift re-expresses mant (at shift from) at shift to, rounding half to
// even when precision is dropped.
func alignShift(mant int64, from, to int) int64 {
	switch {
	case to > from:
		return mant << uint(to-from)
	case to < from:
		if from-to >= 62 {
			return 0
		}
		return fixedpoint.ShiftRoundHalfEven(mant, from-to)
	default:
		return mant
	}
}
