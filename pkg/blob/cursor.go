// Package blob assembles the byte images the accelerator runtime loads: a 64-byte
// runtime-parameter (RTP) header followed by laid-out weights and coefficient tails.
// Blobs are placed into caller-sized regions at explicit offsets.
package blob

import (
	"encoding/binary"
	"fmt"

	"github.com/d4l3k/go-bfloat16"

	"github.com/samcharles93/qdqpack/pkg/layout"
)

// Cursor is an append-only little-endian writer. Every Put returns the number of
// bytes it consumed so callers can account for layout sizes.
type Cursor struct {
	buf []byte
}

// NewCursor returns a cursor with capacity preallocated.
func NewCursor(capacity int) *Cursor {
	return &Cursor{buf: make([]byte, 0, capacity)}
}

func (c *Cursor) Write(p []byte) int {
	c.buf = append(c.buf, p...)
	return len(p)
}

func (c *Cursor) PutU16(v uint16) int {
	c.buf = binary.LittleEndian.AppendUint16(c.buf, v)
	return 2
}

func (c *Cursor) PutU32(v uint32) int {
	c.buf = binary.LittleEndian.AppendUint32(c.buf, v)
	return 4
}

func (c *Cursor) PutI32(v int32) int {
	return c.PutU32(uint32(v))
}

func (c *Cursor) PutI64(v int64) int {
	c.buf = binary.LittleEndian.AppendUint64(c.buf, uint64(v))
	return 8
}

// PutBF16s writes bf16 values as little-endian 16-bit words.
func (c *Cursor) PutBF16s(vs []bfloat16.BF16) int {
	for _, v := range vs {
		c.PutU16(uint16(v))
	}
	return 2 * len(vs)
}

// Zero appends n zero bytes.
func (c *Cursor) Zero(n int) int {
	for range n {
		c.buf = append(c.buf, 0)
	}
	return n
}

func (c *Cursor) Len() int { return len(c.buf) }

func (c *Cursor) Bytes() []byte { return c.buf }

// RTPHeader is the word view of the 64-byte runtime-parameter header.
type RTPHeader [layout.RTPHeaderSize / 4]uint32

// Bytes encodes the header; the result is always RTPHeaderSize bytes.
func (h RTPHeader) Bytes() []byte {
	out := make([]byte, 0, layout.RTPHeaderSize)
	for _, w := range h {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}

// ParseRTPHeader decodes the first RTPHeaderSize bytes of b.
func ParseRTPHeader(b []byte) (RTPHeader, error) {
	var h RTPHeader
	if len(b) < layout.RTPHeaderSize {
		return h, fmt.Errorf("%w: rtp header needs %d bytes, have %d", ErrOutOfBounds, layout.RTPHeaderSize, len(b))
	}
	for i := range h {
		h[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return h, nil
}

// Assemble concatenates a header and a body.
func Assemble(rtp RTPHeader, body []byte) []byte {
	c := NewCursor(layout.RTPHeaderSize + len(body))
	c.Write(rtp.Bytes())
	c.Write(body)
	return c.Bytes()
}
