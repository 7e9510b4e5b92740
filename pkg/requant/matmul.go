package requant

import (
	"fmt"

	"github.com/samcharles93/qdqpack/pkg/fixedpoint"
	"github.com/samcharles93/qdqpack/pkg/layout"
)

// MatMulCoeffs is the coefficient set of a weight-stationary matmul or conv.
//
// The engine computes, per output element,
//
//	srs(((Σ a·w) >> MatMulShift)·C2 + (Σ a)·C1·2^C1Shift + C0[n], ShiftFinal)
type MatMulCoeffs struct {
	C0          []int64 `json:"c0"`
	C1          int32   `json:"c1"`
	C2          int32   `json:"c2"`
	MatMulShift int     `json:"matmul_shift"`
	ShiftFinal  int     `json:"shift_final"`
	C1Shift     int     `json:"c1_shift"`

	K int `json:"k"`
	N int `json:"n"`
}

// MatMulRequest carries everything a matmul (optionally with bias) needs.
type MatMulRequest struct {
	IFM    QuantParams
	Weight QuantParams
	OFM    QuantParams
	Bias   *QuantParams

	// Weights is the K x N matrix in row-major order, already padded if needed.
	Weights []int64
	// BiasData holds N raw bias values when Bias is set.
	BiasData []int64

	K          int
	N          int
	WeightBits int
}

// MatMul derives the coefficients for y = a @ W (+ b).
func MatMul(req MatMulRequest) (*MatMulCoeffs, error) {
	if req.K <= 0 || req.N <= 0 {
		return nil, fmt.Errorf("%w: matmul %dx%d", layout.ErrShapeMismatch, req.K, req.N)
	}
	if len(req.Weights) != req.K*req.N {
		return nil, fmt.Errorf("%w: have %d weights, want %d", layout.ErrShapeMismatch, len(req.Weights), req.K*req.N)
	}
	sums := make([]int64, req.N)
	for k := range req.K {
		row := req.Weights[k*req.N : (k+1)*req.N]
		for n, w := range row {
			sums[n] += w
		}
	}
	return affine(affineInput{
		ifm: req.IFM, weight: req.Weight, ofm: req.OFM, bias: req.Bias,
		biasData: req.BiasData, sums: sums, k: req.K, weightBits: req.WeightBits,
	})
}

// ConvRequest carries a quantized convolution kernel and its operands.
type ConvRequest struct {
	IFM    QuantParams
	Weight QuantParams
	OFM    QuantParams
	Bias   *QuantParams

	// Weights is the unpadded (OC, IC, KH, KW) kernel.
	Weights  []int64
	BiasData []int64

	Geometry   layout.ConvGeometry
	WeightBits int
}

// Conv derives per-output-channel coefficients. The reduction length is the
// channel-aligned kernel size; padded channels hold zero weights and so do not
// change the per-channel sums.
func Conv(req ConvRequest) (*MatMulCoeffs, error) {
	g := req.Geometry
	if err := g.Validate(); err != nil {
		return nil, err
	}
	per := g.IC * g.KH * g.KW
	if len(req.Weights) != g.OC*per {
		return nil, fmt.Errorf("%w: have %d conv weights, want %d", layout.ErrShapeMismatch, len(req.Weights), g.OC*per)
	}
	sums := make([]int64, g.OC)
	for oc := range g.OC {
		for _, w := range req.Weights[oc*per : (oc+1)*per] {
			sums[oc] += w
		}
	}
	return affine(affineInput{
		ifm: req.IFM, weight: req.Weight, ofm: req.OFM, bias: req.Bias,
		biasData: req.BiasData, sums: sums, k: g.KernelSize(), weightBits: req.WeightBits,
	})
}

type affineInput struct {
	ifm, weight, ofm QuantParams
	bias             *QuantParams
	biasData         []int64
	sums             []int64
	k                int
	weightBits       int
}

func affine(in affineInput) (*MatMulCoeffs, error) {
	n := len(in.sums)
	mmShift, err := MatMulShift(in.k, in.weightBits)
	if err != nil {
		return nil, err
	}

	c2, s2, err := fixedpoint.ClosestShiftedInt(in.ifm.Scale*in.weight.Scale/in.ofm.Scale, mantissaBudget(in.weightBits))
	if err != nil {
		return nil, fmt.Errorf("requant: c2: %w", err)
	}

	var c4 int64
	if in.bias != nil {
		if len(in.biasData) != n {
			return nil, fmt.Errorf("%w: have %d bias values, want %d", layout.ErrShapeMismatch, len(in.biasData), n)
		}
		m4, s4, err := fixedpoint.ClosestShiftedInt(in.bias.Scale/in.ofm.Scale, fixedpoint.MaxInt32Mantissa)
		if err != nil {
			return nil, fmt.Errorf("requant: c4: %w", err)
		}
		c4 = alignShift(m4, s4, s2)
	}

	za, zw, zo := in.ifm.ZeroPoint, in.weight.ZeroPoint, in.ofm.ZeroPoint
	c3 := -c2 * zw
	cross := c2 * int64(in.k) * za * zw

	c0 := make([]int64, n)
	for i, sum := range in.sums {
		v := -za*c2*sum + zo<<uint(s2) + cross
		if in.bias != nil {
			v += (in.biasData[i] - in.bias.ZeroPoint) * c4
		}
		c0[i] = v
	}

	c1Shift := fixedpoint.OverflowShift(c3)
	c1, err := checkInt32("C1", c3>>uint(c1Shift))
	if err != nil {
		return nil, err
	}
	c2Packed, err := checkInt32("C2", c2<<uint(mmShift))
	if err != nil {
		return nil, err
	}

	return &MatMulCoeffs{
		C0:          c0,
		C1:          c1,
		C2:          c2Packed,
		MatMulShift: mmShift,
		ShiftFinal:  s2,
		C1Shift:     c1Shift,
		K:           in.k,
		N:           n,
	}, nil
}

// BatchedMatMulCoeffs covers activation x activation matmuls (eg. Q·Kᵀ) where both
// operands vary and only scalar coefficients exist.
type BatchedMatMulCoeffs struct {
	C0          int64 `json:"c0"`
	C1          int32 `json:"c1"` // multiplies Σ a
	C2          int32 `json:"c2"`
	C3          int32 `json:"c3"` // multiplies Σ b
	MatMulShift int   `json:"matmul_shift"`
	ShiftFinal  int   `json:"shift_final"`
	C1Shift     int   `json:"c1_shift"`
	C3Shift     int   `json:"c3_shift"`
	K           int   `json:"k"`
}

// BatchedMatMulRequest describes a batched activation matmul.
type BatchedMatMulRequest struct {
	A   QuantParams
	B   QuantParams
	OFM QuantParams
	// K is the padded reduction length; pads must hold the operand zero points.
	K    int
	Bits int
}

// BatchedMatMul derives the scalar coefficients for a @ b.
func BatchedMatMul(req BatchedMatMulRequest) (*BatchedMatMulCoeffs, error) {
	if req.K <= 0 {
		return nil, fmt.Errorf("%w: bmm K=%d", layout.ErrShapeMismatch, req.K)
	}
	mmShift, err := MatMulShift(req.K, req.Bits)
	if err != nil {
		return nil, err
	}
	c2, s2, err := fixedpoint.ClosestShiftedInt(req.A.Scale*req.B.Scale/req.OFM.Scale, mantissaBudget(req.Bits))
	if err != nil {
		return nil, fmt.Errorf("requant: bmm c2: %w", err)
	}

	za, zb, zo := req.A.ZeroPoint, req.B.ZeroPoint, req.OFM.ZeroPoint
	c1Full := -c2 * zb
	c3Full := -c2 * za
	c1Shift := fixedpoint.OverflowShift(c1Full)
	c3Shift := fixedpoint.OverflowShift(c3Full)

	c1, err := checkInt32("C1", c1Full>>uint(c1Shift))
	if err != nil {
		return nil, err
	}
	c3, err := checkInt32("C3", c3Full>>uint(c3Shift))
	if err != nil {
		return nil, err
	}
	c2Packed, err := checkInt32("C2", c2<<uint(mmShift))
	if err != nil {
		return nil, err
	}

	return &BatchedMatMulCoeffs{
		C0:          c2*int64(req.K)*za*zb + zo<<uint(s2),
		C1:          c1,
		C2:          c2Packed,
		C3:          c3,
		MatMulShift: mmShift,
		ShiftFinal:  s2,
		C1Shift:     c1Shift,
		C3Shift:     c3Shift,
		K:           req.K,
	}, nil
}
