package blob

import (
	"encoding/binary"
	"fmt"

	"github.com/samcharles93/qdqpack/pkg/layout"
	"github.com/samcharles93/qdqpack/pkg/requant"
)

// MatMulTailSize is the coefficient tail size of one matmul sub-volume.
func MatMulTailSize(svN int) int { return 8*svN + 8 }

// MatMulTail emits, for output tile idxN, the sv.N int64 C0 words of that tile
// followed by C1 and C2.
func MatMulTail(c *requant.MatMulCoeffs, svN int) layout.TailFunc {
	return func(idxN int) []byte {
		cur := NewCursor(MatMulTailSize(svN))
		for _, v := range c.C0[idxN*svN : (idxN+1)*svN] {
			cur.PutI64(v)
		}
		cur.PutI32(c.C1)
		cur.PutI32(c.C2)
		return cur.Bytes()
	}
}

// DecodeMatMulTail is the inverse of one MatMulTail call.
func DecodeMatMulTail(b []byte, svN int) ([]int64, int32, int32, error) {
	if len(b) != MatMulTailSize(svN) {
		return nil, 0, 0, fmt.Errorf("%w: tail is %d bytes, want %d", ErrOutOfBounds, len(b), MatMulTailSize(svN))
	}
	c0 := make([]int64, svN)
	for i := range c0 {
		c0[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
	}
	c1 := int32(binary.LittleEndian.Uint32(b[svN*8:]))
	c2 := int32(binary.LittleEndian.Uint32(b[svN*8+4:]))
	return c0, c1, c2, nil
}

// MatMulInput is a weight-stationary matmul ready for layout.
type MatMulInput struct {
	Kind  requant.Kind
	Layer int

	// Weights is the row-major K x N matrix, already padded to the sub-volume grid.
	Weights  []byte
	ElemSize int
	SV       layout.SubVolume
	Coeffs   *requant.MatMulCoeffs

	IFM    requant.QuantParams
	Weight requant.QuantParams
	OFM    requant.QuantParams
}

// MatMulHeader lays out the matmul RTP header.
func MatMulHeader(in MatMulInput) RTPHeader {
	c := in.Coeffs
	return RTPHeader{
		uint32(in.Kind),
		uint32(in.SV.M), uint32(in.SV.K), uint32(in.SV.N),
		uint32(c.K), uint32(c.N),
		uint32(c.MatMulShift), uint32(c.ShiftFinal), uint32(c.C1Shift),
		uint32(int32(in.IFM.ZeroPoint)), uint32(int32(in.Weight.ZeroPoint)), uint32(int32(in.OFM.ZeroPoint)),
		uint32(in.Layer),
	}
}

// MatMul builds header + tiled weights with a coefficient tail per sub-volume.
func MatMul(in MatMulInput) ([]byte, error) {
	c := in.Coeffs
	if c == nil {
		return nil, fmt.Errorf("blob: matmul without coefficients")
	}
	if len(c.C0) != c.N {
		return nil, fmt.Errorf("%w: have %d C0 words, want %d", layout.ErrShapeMismatch, len(c.C0), c.N)
	}
	tiled, err := layout.Tile(in.Weights, in.ElemSize, c.K, c.N, in.SV, MatMulTail(c, in.SV.N))
	if err != nil {
		return nil, fmt.Errorf("blob: matmul: %w", err)
	}
	return Assemble(MatMulHeader(in), tiled), nil
}

// ConvInput is a convolution kernel ready for layout.
type ConvInput struct {
	Layer int

	// Weights is the unpadded (OC, IC, KH, KW) kernel.
	Weights  []byte
	ElemSize int
	Geometry layout.ConvGeometry
	Version  layout.Version
	Coeffs   *requant.MatMulCoeffs

	IFM    requant.QuantParams
	Weight requant.QuantParams
	OFM    requant.QuantParams
}

// Conv pads the input channels, transposes the kernel and emits the
// per-iteration body behind a conv RTP header.
func Conv(in ConvInput) ([]byte, error) {
	g := in.Geometry
	if in.Coeffs == nil {
		return nil, fmt.Errorf("blob: conv without coefficients")
	}
	padded, err := layout.PadChannels(in.Weights, in.ElemSize, g.OC, g.IC, g.KH, g.KW)
	if err != nil {
		return nil, fmt.Errorf("blob: conv: %w", err)
	}
	transposed, err := layout.TransposeConv(padded, in.ElemSize, g)
	if err != nil {
		return nil, fmt.Errorf("blob: conv: %w", err)
	}
	c := in.Coeffs
	body, err := layout.ConvBlob(transposed, in.ElemSize, g, c.C0, layout.ConvScalars{
		C1:          c.C1,
		C2:          c.C2,
		MatMulShift: c.MatMulShift,
		ShiftFinal:  c.ShiftFinal,
		C1Shift:     c.C1Shift,
	}, in.Version, in.Layer)
	if err != nil {
		return nil, fmt.Errorf("blob: conv: %w", err)
	}
	h := RTPHeader{
		uint32(requant.KindConv),
		uint32(g.OC), uint32(g.ICPadded()), uint32(g.KH), uint32(g.KW),
		uint32(g.DepthOC()), uint32(g.DepthIC()), uint32(in.Version), uint32(len(body)),
		uint32(int32(in.IFM.ZeroPoint)), uint32(int32(in.Weight.ZeroPoint)), uint32(int32(in.OFM.ZeroPoint)),
		uint32(in.Layer),
	}
	return Assemble(h, body), nil
}

// BatchedMatMul emits the header-only blob of an activation x activation matmul.
func BatchedMatMul(c *requant.BatchedMatMulCoeffs, layer int) []byte {
	h := RTPHeader{
		uint32(requant.KindBatchedMatMul),
		uint32(c.K),
		uint32(uint64(c.C0)), uint32(uint64(c.C0) >> 32),
		uint32(c.C1), uint32(c.C2), uint32(c.C3),
		uint32(c.MatMulShift), uint32(c.ShiftFinal), uint32(c.C1Shift), uint32(c.C3Shift),
		0,
		uint32(layer),
	}
	return h.Bytes()
}

// Add emits the header-only blob of an elementwise add over elems elements.
func Add(c *requant.AddCoeffs, elems, layer int) []byte {
	h := RTPHeader{
		uint32(requant.KindAdd),
		uint32(c.IFM1Coeff), uint32(c.IFM2Coeff), uint32(c.ZeroPointCoeff),
		uint32(c.OFMShift), uint32(c.IFM1Shift), uint32(c.IFM2Shift), uint32(c.ZeroPointShift),
		uint32(elems),
		0, 0, 0,
		uint32(layer),
	}
	return h.Bytes()
}

// MulInput is an elementwise mul whose second operand is constant.
type MulInput struct {
	Layer    int
	Coeffs   *requant.MulCoeffs
	Const    []byte
	ElemSize int
	IFM1     requant.QuantParams
	IFM2     requant.QuantParams
}

// Mul emits the mul header and the constant operand padded to its physical size.
// A broadcast scalar is replicated across every lane; other operands are padded
// with their zero point.
func Mul(in MulInput) ([]byte, error) {
	c := in.Coeffs
	l := c.Layout
	if len(in.Const) != l.LogicalElems*in.ElemSize {
		return nil, fmt.Errorf("%w: mul constant is %d bytes, want %dx%d",
			layout.ErrShapeMismatch, len(in.Const), l.LogicalElems, in.ElemSize)
	}
	fill := in.Const
	if !l.Broadcast {
		var err error
		fill, err = layout.PadVector(in.Const, in.ElemSize, l.PhysicalElems, EncodeElem(in.IFM2.ZeroPoint, in.ElemSize))
		if err != nil {
			return nil, fmt.Errorf("blob: mul: %w", err)
		}
	}

	var broadcast uint32
	if l.Broadcast {
		broadcast = 1
	}
	h := RTPHeader{
		uint32(requant.KindMul),
		uint32(c.Coeff0), uint32(c.Shift0), uint32(c.Coeff1), uint32(c.Shift1),
		uint32(l.LogicalElems), uint32(l.PhysicalElems), broadcast,
		uint32(int32(in.IFM1.ZeroPoint)), uint32(int32(in.IFM2.ZeroPoint)),
		uint32(in.ElemSize),
		0,
		uint32(in.Layer),
	}
	cur := NewCursor(layout.RTPHeaderSize + l.PhysicalElems*in.ElemSize)
	cur.Write(h.Bytes())
	if l.Broadcast {
		for range l.PhysicalElems {
			cur.Write(fill)
		}
	} else {
		cur.Write(fill)
	}
	return cur.Bytes(), nil
}

// LayerNorm emits the layer-norm RTP words followed by bf16 gamma then beta.
func LayerNorm(p *requant.LayerNormParams) []byte {
	cur := NewCursor(layout.RTPHeaderSize + 2*(len(p.Gamma)+len(p.Beta)))
	cur.Write(RTPHeader(p.RTP).Bytes())
	cur.PutBF16s(p.Gamma)
	cur.PutBF16s(p.Beta)
	return cur.Bytes()
}

// Softmax emits the softmax RTP words followed by the LSB then MSB exp tables.
func Softmax(p *requant.SoftmaxParams) []byte {
	cur := NewCursor(layout.RTPHeaderSize + requant.SoftmaxLUTSize)
	cur.Write(RTPHeader(p.RTP).Bytes())
	cur.PutBF16s(p.LSB[:])
	cur.PutBF16s(p.MSB[:])
	return cur.Bytes()
}

// EncodeElem encodes v as a size-byte little-endian integer.
func EncodeElem(v int64, size int) []byte {
	out := make([]byte, size)
	u := uint64(v)
	for i := range size {
		out[i] = byte(u >> (8 * i))
	}
	return out
}
