// Package layout re-lays quantized weight tensors into the order the accelerator's
// tensor engine consumes them: matmul weights as sub-volume tiles across the 4x4
// compute array, and convolution weights as channel-tiled 8-D transposes.
package layout

import "errors"

// Physical properties of the accelerator. These are not tunables.
const (
	// RTPHeaderSize is the size of every runtime-parameter header and per-iteration
	// layer-parameter block.
	RTPHeaderSize = 64

	// NumRows and NumCols describe the compute array the matmul tiler targets.
	NumRows = 4
	NumCols = 4

	// ChannelAlign is the minimum input-channel granularity of the conv engine.
	ChannelAlign = 8

	// N8Burst is the number of N-dimension elements read per weight burst.
	N8Burst = 8

	// SoftmaxTile is the vector width the softmax kernel walks a row with.
	SoftmaxTile = 16

	// MulBroadcastLanes is the physical size of a broadcast scalar operand.
	MulBroadcastLanes = 64
	// MulPadGranule is the granule elementwise operands are padded to.
	MulPadGranule = 64
)

// ErrShapeMismatch reports tensor dimensions that the requested layout cannot tile.
var ErrShapeMismatch = errors.New("layout: shape mismatch")

// SubVolume is the tile the tensor engine consumes per instruction step.
type SubVolume struct {
	M int `yaml:"m" json:"m"`
	K int `yaml:"k" json:"k"`
	N int `yaml:"n" json:"n"`
}

// Version selects the on-device blob layout generation.
type Version int

const (
	// LayoutV1 emits per-iteration blocks back to back.
	LayoutV1 Version = 1
	// LayoutV2 prefixes every output-channel depth iteration with a dynamic-dispatch block.
	LayoutV2 Version = 2
)

// Valid reports whether v is a known layout version.
func (v Version) Valid() bool {
	return v == LayoutV1 || v == LayoutV2
}

// AlignUp rounds n up to a multiple of a.
func AlignUp(n, a int) int {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}

// AlignedChannels returns the input-channel count after alignment padding.
func AlignedChannels(ic int) int {
	return AlignUp(max(ic, ChannelAlign), ChannelAlign)
}
