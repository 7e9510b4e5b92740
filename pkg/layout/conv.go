package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/pdevine/tensor"
)

// convAxes maps (dOC, OCG, OCTile, dIC, ICG, ICTile, KH, KW) to
// (dOC, dIC, OCG, ICG, KH, KW, ICTile, OCTile).
var convAxes = []int{0, 3, 1, 4, 6, 7, 5, 2}

// ConvGeometry describes how a convolution kernel is split over the tensor engine.
type ConvGeometry struct {
	OC int `yaml:"oc" json:"oc"`
	IC int `yaml:"ic" json:"ic"`
	KH int `yaml:"kh" json:"kh"`
	KW int `yaml:"kw" json:"kw"`

	OCTile int `yaml:"oc_tile" json:"oc_tile"`
	ICTile int `yaml:"ic_tile" json:"ic_tile"`
	OCG    int `yaml:"ocg" json:"ocg"`
	ICG    int `yaml:"icg" json:"icg"`
}

// ICPadded is the input-channel count after alignment.
func (g ConvGeometry) ICPadded() int { return AlignedChannels(g.IC) }

// DepthOC is the number of output-channel depth iterations.
func (g ConvGeometry) DepthOC() int { return g.OC / (g.OCG * g.OCTile) }

// DepthIC is the number of input-channel depth iterations.
func (g ConvGeometry) DepthIC() int { return g.ICPadded() / (g.ICG * g.ICTile) }

// KernelSize is the reduction length of one output channel.
func (g ConvGeometry) KernelSize() int { return g.ICPadded() * g.KH * g.KW }

// Validate checks that the tiles divide the kernel exactly.
func (g ConvGeometry) Validate() error {
	if g.OC <= 0 || g.IC <= 0 || g.KH <= 0 || g.KW <= 0 {
		return fmt.Errorf("%w: invalid conv kernel %dx%dx%dx%d", ErrShapeMismatch, g.OC, g.IC, g.KH, g.KW)
	}
	if g.OCTile <= 0 || g.ICTile <= 0 || g.OCG <= 0 || g.ICG <= 0 {
		return fmt.Errorf("%w: invalid conv tiling %+v", ErrShapeMismatch, g)
	}
	if g.OC%(g.OCG*g.OCTile) != 0 {
		return fmt.Errorf("%w: OC=%d not a multiple of ocg*oc_tile=%d", ErrShapeMismatch, g.OC, g.OCG*g.OCTile)
	}
	if icp := g.ICPadded(); icp%(g.ICG*g.ICTile) != 0 {
		return fmt.Errorf("%w: padded IC=%d not a multiple of icg*ic_tile=%d", ErrShapeMismatch, icp, g.ICG*g.ICTile)
	}
	return nil
}

// PadChannels appends zero input-channel slabs so every output channel holds
// AlignedChannels(ic) channels. Existing data keeps its (oc, ic, kh, kw) order.
func PadChannels(w []byte, elemSize, oc, ic, kh, kw int) ([]byte, error) {
	if len(w) != oc*ic*kh*kw*elemSize {
		return nil, fmt.Errorf("%w: have %d bytes, want %dx%dx%dx%dx%d", ErrShapeMismatch, len(w), oc, ic, kh, kw, elemSize)
	}
	icp := AlignedChannels(ic)
	if icp == ic {
		return w, nil
	}
	slab := kh * kw * elemSize
	out := make([]byte, oc*icp*slab)
	for o := range oc {
		copy(out[o*icp*slab:], w[o*ic*slab:(o+1)*ic*slab])
	}
	return out, nil
}

// TransposeConv reorders channel-padded (OC, ICpad, KH, KW) weights into
// (dOC, dIC, OCG, ICG, KH, KW, ICTile, OCTile) order.
func TransposeConv(w []byte, elemSize int, g ConvGeometry) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if want := g.OC * g.KernelSize() * elemSize; len(w) != want {
		return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrShapeMismatch, len(w), want)
	}
	dims := []int{g.DepthOC(), g.OCG, g.OCTile, g.DepthIC(), g.ICG, g.ICTile, g.KH, g.KW}

	switch elemSize {
	case 1:
		data := make([]uint8, len(w))
		copy(data, w)
		out, err := transpose8(data, dims)
		if err != nil {
			return nil, err
		}
		return out, nil
	case 2:
		data := make([]uint16, len(w)/2)
		for i := range data {
			data[i] = binary.LittleEndian.Uint16(w[i*2:])
		}
		t, err := transpose8(data, dims)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, len(w))
		for _, v := range t {
			out = binary.LittleEndian.AppendUint16(out, v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("layout: unsupported conv element size %d", elemSize)
	}
}

func transpose8[T uint8 | uint16](data []T, dims []int) ([]T, error) {
	var t tensor.Tensor = tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data))
	tt, err := tensor.Transpose(t, convAxes...)
	if err != nil {
		return nil, fmt.Errorf("layout: conv transpose: %w", err)
	}
	out, ok := tt.Data().([]T)
	if !ok {
		return nil, fmt.Errorf("layout: conv transpose returned %T", tt.Data())
	}
	return out, nil
}

// ConvScalars are the per-layer values every layer-parameter block repeats.
type ConvScalars struct {
	C1          int32
	C2          int32
	MatMulShift int
	ShiftFinal  int
	C1Shift     int
}

// ConvBlobSize returns the size of the body ConvBlob emits.
func ConvBlobSize(g ConvGeometry, elemSize int, ver Version) int {
	sub := g.OCG * g.ICG * g.KH * g.KW * g.ICTile * g.OCTile * elemSize
	pair := RTPHeaderSize + g.OCG*g.OCTile*8 + sub
	size := g.DepthOC() * g.DepthIC() * pair
	if ver == LayoutV2 {
		size += g.DepthOC() * RTPHeaderSize
	}
	return size
}

// ConvBlob emits, for every (dOC, dIC) pair, a layer-parameter block, the int64 C0
// words of the dOC output channels, and the transposed weight sub-block.
// transposed must come from TransposeConv.
func ConvBlob(transposed []byte, elemSize int, g ConvGeometry, c0 []int64, sc ConvScalars, ver Version, layer int) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if !ver.Valid() {
		return nil, fmt.Errorf("layout: unknown layout version %d", ver)
	}
	if len(c0) != g.OC {
		return nil, fmt.Errorf("%w: have %d C0 words, want %d", ErrShapeMismatch, len(c0), g.OC)
	}
	sub := g.OCG * g.ICG * g.KH * g.KW * g.ICTile * g.OCTile * elemSize
	if len(transposed) != g.DepthOC()*g.DepthIC()*sub {
		return nil, fmt.Errorf("%w: have %d weight bytes, want %d", ErrShapeMismatch, len(transposed), g.DepthOC()*g.DepthIC()*sub)
	}

	ocPerIter := g.OCG * g.OCTile
	pair := RTPHeaderSize + ocPerIter*8 + sub
	out := make([]byte, 0, ConvBlobSize(g, elemSize, ver))
	for doc := range g.DepthOC() {
		if ver == LayoutV2 {
			var pre [RTPHeaderSize / 4]uint32
			pre[0] = uint32(doc)
			pre[1] = uint32(g.DepthIC())
			pre[2] = uint32(g.DepthIC() * pair)
			pre[3] = uint32(layer)
			out = appendWords(out, pre[:])
		}
		for dic := range g.DepthIC() {
			out = appendWords(out, g.layerParams(dic, sc))
			for _, c := range c0[doc*ocPerIter : (doc+1)*ocPerIter] {
				out = binary.LittleEndian.AppendUint64(out, uint64(c))
			}
			off := (doc*g.DepthIC() + dic) * sub
			out = append(out, transposed[off:off+sub]...)
		}
	}
	return out, nil
}

func (g ConvGeometry) layerParams(dic int, sc ConvScalars) []uint32 {
	var first, last uint32
	if dic == 0 {
		first = 1
	}
	if dic == g.DepthIC()-1 {
		last = 1
	}
	return []uint32{
		uint32(g.ICPadded()), uint32(g.OC), uint32(g.KH), uint32(g.KW),
		uint32(g.OCG), uint32(g.ICG), uint32(g.OCTile), uint32(g.ICTile),
		uint32(dic), first, last, uint32(sc.C1),
		uint32(sc.C2), uint32(sc.MatMulShift), uint32(sc.ShiftFinal), uint32(sc.C1Shift),
	}
}

func appendWords(out []byte, words []uint32) []byte {
	for _, w := range words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}
