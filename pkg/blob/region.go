package blob

import (
	"errors"
	"fmt"
	"sort"

	"github.com/samcharles93/qdqpack/pkg/layout"
)

var (
	ErrOverlap     = errors.New("blob: overlapping write")
	ErrOutOfBounds = errors.New("blob: write out of bounds")
)

// Extent is one written byte range of a region.
type Extent struct {
	Offset int    `json:"offset"`
	Size   int    `json:"size"`
	Label  string `json:"label,omitempty"`
}

func (e Extent) end() int { return e.Offset + e.Size }

// Region is a pre-sized destination buffer. Writes must not overlap.
type Region struct {
	name    string
	buf     []byte
	extents []Extent
}

func NewRegion(name string, size int) *Region {
	return &Region{name: name, buf: make([]byte, size)}
}

func (r *Region) Name() string { return r.name }

func (r *Region) Size() int { return len(r.buf) }

func (r *Region) Bytes() []byte { return r.buf }

// Used is the end of the furthest write.
func (r *Region) Used() int {
	var end int
	for _, e := range r.extents {
		end = max(end, e.end())
	}
	return end
}

// Extents returns the written ranges ordered by offset.
func (r *Region) Extents() []Extent {
	out := append([]Extent(nil), r.extents...)
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// WriteAt copies p to off and records the extent under label.
func (r *Region) WriteAt(p []byte, off int, label string) error {
	if off < 0 || off+len(p) > len(r.buf) {
		return fmt.Errorf("%w: %s [%d, %d) in %d bytes", ErrOutOfBounds, r.name, off, off+len(p), len(r.buf))
	}
	if len(p) == 0 {
		return nil
	}
	next := Extent{Offset: off, Size: len(p), Label: label}
	for _, e := range r.extents {
		if next.Offset < e.end() && e.Offset < next.end() {
			return fmt.Errorf("%w: %s %q [%d, %d) overlaps %q [%d, %d)",
				ErrOverlap, r.name, label, next.Offset, next.end(), e.Label, e.Offset, e.end())
		}
	}
	copy(r.buf[off:], p)
	r.extents = append(r.extents, next)
	return nil
}

// Placement records where a blob landed.
type Placement struct {
	WeightOffset int `json:"weight_offset"`
	WeightSize   int `json:"weight_size"`
	RTPOffset    int `json:"rtp_offset"`
	RTPSize      int `json:"rtp_size"`
}

// Place writes blob into weights at wOff. When rtp is non-nil the header goes to
// rtp at rOff and only the body is written to weights.
func Place(b []byte, label string, weights *Region, wOff int, rtp *Region, rOff int) (Placement, error) {
	if len(b) < layout.RTPHeaderSize {
		return Placement{}, fmt.Errorf("blob: %s is %d bytes, shorter than its header", label, len(b))
	}
	if rtp == nil {
		if err := weights.WriteAt(b, wOff, label); err != nil {
			return Placement{}, err
		}
		return Placement{WeightOffset: wOff, WeightSize: len(b), RTPOffset: -1}, nil
	}
	if err := rtp.WriteAt(b[:layout.RTPHeaderSize], rOff, label); err != nil {
		return Placement{}, err
	}
	body := b[layout.RTPHeaderSize:]
	if err := weights.WriteAt(body, wOff, label); err != nil {
		return Placement{}, err
	}
	return Placement{WeightOffset: wOff, WeightSize: len(body), RTPOffset: rOff, RTPSize: layout.RTPHeaderSize}, nil
}

// SwapHeaders exchanges n bytes at offA and offB in place. It corrects the header
// order of operator pairs (eg. q and k projections) the runtime expects swapped.
func SwapHeaders(r *Region, offA, offB, n int) error {
	for _, off := range []int{offA, offB} {
		if off < 0 || off+n > len(r.buf) {
			return fmt.Errorf("%w: %s swap [%d, %d) in %d bytes", ErrOutOfBounds, r.name, off, off+n, len(r.buf))
		}
	}
	if offA < offB+n && offB < offA+n {
		return fmt.Errorf("%w: %s swap ranges at %d and %d", ErrOverlap, r.name, offA, offB)
	}
	a := r.buf[offA : offA+n]
	b := r.buf[offB : offB+n]
	for i := range n {
		a[i], b[i] = b[i], a[i]
	}
	return nil
}
