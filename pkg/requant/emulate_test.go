package requant

import (
	"fmt"
	"math"

	"github.com/samcharles93/qdqpack/pkg/fixedpoint"
	"github.com/samcharles93/qdqpack/pkg/layout"
)

// emulateMatMul runs the integer datapath over a (m x K) and w (K x N) and
// saturates into [lo, hi].
func emulateMatMul(a, w []int64, m int, c *MatMulCoeffs, lo, hi int64) ([]int64, error) {
	k, n := c.K, c.N
	if len(a) != m*k || len(w) != k*n {
		return nil, fmt.Errorf("%w: emulate %dx%d @ %dx%d with %d/%d values",
			layout.ErrShapeMismatch, m, k, k, n, len(a), len(w))
	}
	out := make([]int64, m*n)
	for i := range m {
		row := a[i*k : (i+1)*k]
		var sa int64
		for _, v := range row {
			sa += v
		}
		for j := range n {
			var acc int64
			for kk, v := range row {
				acc += v * w[kk*n+j]
			}
			x := (acc>>uint(c.MatMulShift))*int64(c.C2) + sa*(int64(c.C1)<<uint(c.C1Shift)) + c.C0[j]
			out[i*n+j] = fixedpoint.Saturate(fixedpoint.ShiftRoundHalfEven(x, c.ShiftFinal), lo, hi)
		}
	}
	return out, nil
}

// emulateAdd runs the add datapath on one element pair.
func emulateAdd(q1, q2 int64, c *AddCoeffs, lo, hi int64) int64 {
	x := (q1*int64(c.IFM1Coeff))<<uint(c.IFM1Shift) +
		(q2*int64(c.IFM2Coeff))<<uint(c.IFM2Shift) +
		int64(c.ZeroPointCoeff)<<uint(c.ZeroPointShift)
	return fixedpoint.Saturate(fixedpoint.ShiftRoundHalfEven(x, c.OFMShift), lo, hi)
}

// referenceMatMul computes the real-valued quantized output of
// quantize(dequantize(a) @ dequantize(w) + dequantize(bias)) before rounding.
func referenceMatMul(a, w []int64, m int, req MatMulRequest) []float64 {
	k, n := req.K, req.N
	out := make([]float64, m*n)
	for i := range m {
		for j := range n {
			var acc float64
			for kk := range k {
				ra := float64(a[i*k+kk]-req.IFM.ZeroPoint) * req.IFM.Scale
				rw := float64(w[kk*n+j]-req.Weight.ZeroPoint) * req.Weight.Scale
				acc += ra * rw
			}
			if req.Bias != nil {
				acc += float64(req.BiasData[j]-req.Bias.ZeroPoint) * req.Bias.Scale
			}
			out[i*n+j] = acc/req.OFM.Scale + float64(req.OFM.ZeroPoint)
		}
	}
	return out
}

// referenceAdd is the real-valued quantized result of an add before rounding.
func referenceAdd(q1, q2 int64, req AddRequest) float64 {
	r := float64(q1-req.IFM1.ZeroPoint)*req.IFM1.Scale + float64(q2-req.IFM2.ZeroPoint)*req.IFM2.Scale
	return r/req.OFM.Scale + float64(req.OFM.ZeroPoint)
}

// roundClamp rounds a reference value the way a float implementation would.
func roundClamp(v float64, lo, hi int64) int64 {
	return fixedpoint.Saturate(int64(math.RoundToEven(v)), lo, hi)
}
