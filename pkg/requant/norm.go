package requant

import (
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"

	"github.com/samcharles93/qdqpack/pkg/fixedpoint"
	"github.com/samcharles93/qdqpack/pkg/layout"
)

// RTPWords is the word view of a 64-byte runtime-parameter header.
type RTPWords [16]uint32

// LayerNormParams carries the bf16 affine parameters and the kernel RTP words.
type LayerNormParams struct {
	Gamma []bfloat16.BF16
	Beta  []bfloat16.BF16
	RTP   RTPWords
}

// LayerNormRequest describes a layer norm over the innermost Dim elements.
type LayerNormRequest struct {
	IFM   QuantParams
	OFM   QuantParams
	Gamma QuantParams
	Beta  QuantParams

	GammaData []int64
	BetaData  []int64
	Dim       int
}

func dequantBF16(raw []int64, q QuantParams) []bfloat16.BF16 {
	scale := float32(q.Scale)
	out := make([]bfloat16.BF16, len(raw))
	for i, v := range raw {
		out[i] = fixedpoint.BF16FromFloat32(float32(float32(v-q.ZeroPoint) * scale))
	}
	return out
}

// LayerNorm dequantizes gamma and beta to bf16 and builds the RTP words.
func LayerNorm(req LayerNormRequest) (*LayerNormParams, error) {
	if req.Dim <= 0 || req.Dim%layout.ChannelAlign != 0 {
		return nil, fmt.Errorf("%w: layernorm dim %d", layout.ErrShapeMismatch, req.Dim)
	}
	if len(req.GammaData) != req.Dim || len(req.BetaData) != req.Dim {
		return nil, fmt.Errorf("%w: layernorm gamma/beta %d/%d, dim %d",
			layout.ErrShapeMismatch, len(req.GammaData), len(req.BetaData), req.Dim)
	}
	if req.OFM.Scale == 0 {
		return nil, fmt.Errorf("%w: layernorm ofm scale 0", fixedpoint.ErrDegenerateScale)
	}

	p := &LayerNormParams{
		Gamma: dequantBF16(req.GammaData, req.Gamma),
		Beta:  dequantBF16(req.BetaData, req.Beta),
	}
	p.RTP[0] = uint32(req.Dim)
	p.RTP[1] = uint32(req.Dim / layout.ChannelAlign)
	p.RTP[2] = uint32(int32(req.IFM.ZeroPoint))
	p.RTP[3] = uint32(fixedpoint.BF16FromFloat64(req.IFM.Scale))
	p.RTP[4] = uint32(int32(req.OFM.ZeroPoint))
	p.RTP[5] = uint32(fixedpoint.BF16FromFloat64(1 / req.OFM.Scale))
	p.RTP[6] = uint32(fixedpoint.BF16FromFloat64(1 / float64(req.Dim)))
	return p, nil
}

// SoftmaxLUTSize is the byte size of the two exp lookup tables.
const SoftmaxLUTSize = 1024

// SoftmaxParams holds the split exp tables: for a signed 16-bit input
// x = msb*256 + lsb, exp(x*s) = MSB[msb] * LSB[lsb].
type SoftmaxParams struct {
	LSB [256]bfloat16.BF16
	MSB [256]bfloat16.BF16
	RTP RTPWords
}

// SoftmaxRequest describes a row softmax over K elements for M rows.
type SoftmaxRequest struct {
	IFM QuantParams
	OFM QuantParams
	M   int
	K   int
}

// Softmax builds the exp lookup tables and RTP words.
func Softmax(req SoftmaxRequest) (*SoftmaxParams, error) {
	if req.K <= 0 || req.M <= 0 {
		return nil, fmt.Errorf("%w: softmax %dx%d", layout.ErrShapeMismatch, req.M, req.K)
	}
	if req.IFM.Scale <= 0 || req.OFM.Scale <= 0 {
		return nil, fmt.Errorf("%w: softmax scales %v/%v", fixedpoint.ErrDegenerateScale, req.IFM.Scale, req.OFM.Scale)
	}

	p := &SoftmaxParams{}
	s := req.IFM.Scale
	for i := range 256 {
		p.LSB[i] = fixedpoint.BF16FromFloat64(math.Exp(float64(i) * s))
		p.MSB[i] = fixedpoint.BF16FromFloat64(math.Exp(float64(int8(uint8(i))) * 256 * s))
	}

	loops := (req.K + layout.SoftmaxTile - 1) / layout.SoftmaxTile
	p.RTP[0] = uint32(req.K - layout.SoftmaxTile*(loops-1))
	p.RTP[1] = uint32(req.M)
	p.RTP[2] = uint32(loops)
	p.RTP[3] = SoftmaxLUTSize
	p.RTP[4] = math.Float32bits(float32(1 / req.OFM.Scale))
	p.RTP[5] = uint32(int32(req.OFM.ZeroPoint))
	return p, nil
}
