package compiler

import (
	"fmt"

	"github.com/samcharles93/qdqpack/pkg/blob"
	"github.com/samcharles93/qdqpack/pkg/layout"
	"github.com/samcharles93/qdqpack/pkg/requant"
	"github.com/samcharles93/qdqpack/pkg/wtsfile"
)

// Source resolves the constants and quantization parameters a plan names.
type Source interface {
	Operand(name string) (*wtsfile.Operand, error)
	QuantParams(name string) (requant.QuantParams, error)
}

// MatMulSummary is the scalar part of a matmul or conv coefficient set.
type MatMulSummary struct {
	C1          int32 `json:"c1"`
	C2          int32 `json:"c2"`
	MatMulShift int   `json:"matmul_shift"`
	ShiftFinal  int   `json:"shift_final"`
	C1Shift     int   `json:"c1_shift"`
	K           int   `json:"k"`
	N           int   `json:"n"`
}

func summarize(c *requant.MatMulCoeffs) MatMulSummary {
	return MatMulSummary{C1: c.C1, C2: c.C2, MatMulShift: c.MatMulShift, ShiftFinal: c.ShiftFinal, C1Shift: c.C1Shift, K: c.K, N: c.N}
}

type artifact struct {
	blob   []byte
	coeffs any
}

func generate(op *OpSpec, src Source, ver layout.Version) (artifact, error) {
	ifm, err := src.QuantParams(op.IFM)
	if err != nil {
		return artifact{}, err
	}
	ofm, err := src.QuantParams(op.OFM)
	if err != nil {
		return artifact{}, err
	}

	switch op.kind {
	case requant.KindMatMul, requant.KindMatMulBias:
		return generateMatMul(op, src, ifm, ofm)

	case requant.KindConv:
		return generateConv(op, src, ifm, ofm, ver)

	case requant.KindBatchedMatMul:
		b, err := src.QuantParams(op.IFM2)
		if err != nil {
			return artifact{}, err
		}
		c, err := requant.BatchedMatMul(requant.BatchedMatMulRequest{A: ifm, B: b, OFM: ofm, K: op.K, Bits: bitsOr(op.WeightBits, 8)})
		if err != nil {
			return artifact{}, err
		}
		return artifact{blob: blob.BatchedMatMul(c, op.Layer), coeffs: c}, nil

	case requant.KindAdd:
		b, err := src.QuantParams(op.IFM2)
		if err != nil {
			return artifact{}, err
		}
		c, err := requant.Add(requant.AddRequest{IFM1: ifm, IFM2: b, OFM: ofm})
		if err != nil {
			return artifact{}, err
		}
		return artifact{blob: blob.Add(c, op.Elems, op.Layer), coeffs: c}, nil

	case requant.KindMul:
		k, err := src.Operand(op.Weight)
		if err != nil {
			return artifact{}, err
		}
		c, err := requant.Mul(requant.MulRequest{
			IFM1: ifm, IFM2: k.Quant, OFM: ofm,
			ConstElems: k.Elems(), PhysicalElems: op.PhysicalElems,
		})
		if err != nil {
			return artifact{}, err
		}
		b, err := blob.Mul(blob.MulInput{
			Layer: op.Layer, Coeffs: c, Const: k.Data, ElemSize: k.DType.Size(), IFM1: ifm, IFM2: k.Quant,
		})
		if err != nil {
			return artifact{}, err
		}
		return artifact{blob: b, coeffs: c}, nil

	case requant.KindLayerNorm:
		gamma, err := src.Operand(op.Weight)
		if err != nil {
			return artifact{}, err
		}
		beta, err := src.Operand(op.Bias)
		if err != nil {
			return artifact{}, err
		}
		gv, err := gamma.Ints()
		if err != nil {
			return artifact{}, err
		}
		bv, err := beta.Ints()
		if err != nil {
			return artifact{}, err
		}
		p, err := requant.LayerNorm(requant.LayerNormRequest{
			IFM: ifm, OFM: ofm, Gamma: gamma.Quant, Beta: beta.Quant,
			GammaData: gv, BetaData: bv, Dim: len(gv),
		})
		if err != nil {
			return artifact{}, err
		}
		return artifact{blob: blob.LayerNorm(p), coeffs: p.RTP}, nil

	case requant.KindSoftmax:
		p, err := requant.Softmax(requant.SoftmaxRequest{IFM: ifm, OFM: ofm, M: op.M, K: op.K})
		if err != nil {
			return artifact{}, err
		}
		return artifact{blob: blob.Softmax(p), coeffs: p.RTP}, nil
	}
	return artifact{}, fmt.Errorf("%w: %s: unhandled kind %s", ErrInvalidPlan, op.Name, op.kind)
}

func bitsOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func weightBits(op *OpSpec, w *wtsfile.Operand) int {
	if op.WeightBits != 0 {
		return op.WeightBits
	}
	return w.DType.Bits()
}

func biasOperand(src Source, name string, n int) (*requant.QuantParams, []int64, error) {
	if name == "" {
		return nil, nil, nil
	}
	b, err := src.Operand(name)
	if err != nil {
		return nil, nil, err
	}
	vals, err := b.Ints()
	if err != nil {
		return nil, nil, err
	}
	if len(vals) > n {
		return nil, nil, fmt.Errorf("%w: bias %s has %d values for %d channels", layout.ErrShapeMismatch, name, len(vals), n)
	}
	q := b.Quant
	for len(vals) < n {
		vals = append(vals, q.ZeroPoint)
	}
	return &q, vals, nil
}

// matmulDims returns (K, N) from the plan or the weight shape.
func matmulDims(op *OpSpec, w *wtsfile.Operand) (int, int, error) {
	k, n := op.K, op.N
	if k == 0 || n == 0 {
		if len(w.Shape) != 2 {
			return 0, 0, fmt.Errorf("%w: %s: weight shape %v is not 2-D", layout.ErrShapeMismatch, op.Name, w.Shape)
		}
		k, n = w.Shape[0], w.Shape[1]
	}
	if k*n != w.Elems() {
		return 0, 0, fmt.Errorf("%w: %s: %dx%d does not match %d weights", layout.ErrShapeMismatch, op.Name, k, n, w.Elems())
	}
	return k, n, nil
}

func generateMatMul(op *OpSpec, src Source, ifm, ofm requant.QuantParams) (artifact, error) {
	w, err := src.Operand(op.Weight)
	if err != nil {
		return artifact{}, err
	}
	k, n, err := matmulDims(op, w)
	if err != nil {
		return artifact{}, err
	}

	// Pad to the sub-volume grid with the weight zero point; padded rows meet
	// activations padded with the input zero point and contribute nothing.
	k2 := layout.AlignUp(k, op.SV.K)
	n2 := layout.AlignUp(n, op.SV.N*layout.NumRows)
	elem := w.DType.Size()
	raw, err := layout.PadMatrix(w.Data, elem, k, n, k2, n2, blob.EncodeElem(w.Quant.ZeroPoint, elem))
	if err != nil {
		return artifact{}, err
	}
	vals, err := w.DType.Ints(raw)
	if err != nil {
		return artifact{}, err
	}

	req := requant.MatMulRequest{
		IFM: ifm, Weight: w.Quant, OFM: ofm,
		Weights: vals, K: k2, N: n2, WeightBits: weightBits(op, w),
	}
	if op.kind == requant.KindMatMulBias {
		req.Bias, req.BiasData, err = biasOperand(src, op.Bias, n2)
		if err != nil {
			return artifact{}, err
		}
	}
	c, err := requant.MatMul(req)
	if err != nil {
		return artifact{}, err
	}
	b, err := blob.MatMul(blob.MatMulInput{
		Kind: op.kind, Layer: op.Layer,
		Weights: raw, ElemSize: elem, SV: op.SV, Coeffs: c,
		IFM: ifm, Weight: w.Quant, OFM: ofm,
	})
	if err != nil {
		return artifact{}, err
	}
	return artifact{blob: b, coeffs: summarize(c)}, nil
}

func generateConv(op *OpSpec, src Source, ifm, ofm requant.QuantParams, ver layout.Version) (artifact, error) {
	w, err := src.Operand(op.Weight)
	if err != nil {
		return artifact{}, err
	}
	vals, err := w.Ints()
	if err != nil {
		return artifact{}, err
	}
	g := *op.Conv
	bias, biasData, err := biasOperand(src, op.Bias, g.OC)
	if err != nil {
		return artifact{}, err
	}
	c, err := requant.Conv(requant.ConvRequest{
		IFM: ifm, Weight: w.Quant, OFM: ofm, Bias: bias,
		Weights: vals, BiasData: biasData, Geometry: g, WeightBits: weightBits(op, w),
	})
	if err != nil {
		return artifact{}, err
	}
	b, err := blob.Conv(blob.ConvInput{
		Layer: op.Layer, Weights: w.Data, ElemSize: w.DType.Size(), Geometry: g, Version: ver,
		Coeffs: c, IFM: ifm, Weight: w.Quant, OFM: ofm,
	})
	if err != nil {
		return artifact{}, err
	}
	return artifact{blob: b, coeffs: summarize(c)}, nil
}
