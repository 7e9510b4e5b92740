package wtsfile

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Builder accumulates constants and writes a binary plus metadata pair.
type Builder struct {
	data []byte
	meta Metadata
}

func NewBuilder() *Builder {
	return &Builder{meta: Metadata{}}
}

// Add appends raw bytes under name.
func (b *Builder) Add(name string, dt DType, shape []int, raw []byte) error {
	if _, ok := b.meta[name]; ok {
		return fmt.Errorf("%w: duplicate constant %q", ErrConfiguration, name)
	}
	n, err := numElements(shape)
	if err != nil || n*dt.Size() != len(raw) {
		return fmt.Errorf("%w: %q: shape %v of %s does not match %d bytes", ErrConfiguration, name, shape, dt, len(raw))
	}
	b.meta[name] = Entry{Offset: int64(len(b.data)), Size: int64(len(raw)), Shape: shape, DType: dt}
	b.data = append(b.data, raw...)
	return nil
}

// AddInts encodes vs as dt and appends them.
func (b *Builder) AddInts(name string, dt DType, shape []int, vs []int64) error {
	raw := make([]byte, 0, len(vs)*dt.Size())
	for _, v := range vs {
		raw = append(raw, dt.Encode(float64(v))...)
	}
	return b.Add(name, dt, shape, raw)
}

// AddQuant stores the scale and zero point constants of operand name.
func (b *Builder) AddQuant(name string, scale float64, zeroPoint int64) error {
	if err := b.Add(name+scaleSuffix, Float32, []int{}, Float32.Encode(scale)); err != nil {
		return err
	}
	return b.Add(name+zeroPointSuffix, Int32, []int{}, Int32.Encode(float64(zeroPoint)))
}

// File returns an in-memory view of the constants added so far.
func (b *Builder) File() *File {
	return FromBytes(b.data, b.meta)
}

// Write stores the binary at bin and the metadata at MetadataPath(bin).
func (b *Builder) Write(bin string) error {
	meta, err := json.MarshalIndent(b.meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(bin, b.data, 0o644); err != nil {
		return err
	}
	return os.WriteFile(MetadataPath(bin), meta, 0o644)
}
