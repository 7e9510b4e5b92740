package wtsfile

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType names the element type of a constant.
type DType string

const (
	Int8     DType = "int8"
	Uint8    DType = "uint8"
	Int16    DType = "int16"
	Uint16   DType = "uint16"
	Int32    DType = "int32"
	Int64    DType = "int64"
	Float32  DType = "float32"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
)

var dtypeSizes = map[DType]int{
	Int8: 1, Uint8: 1,
	Int16: 2, Uint16: 2, Float16: 2, BFloat16: 2,
	Int32: 4, Float32: 4,
	Int64: 8,
}

func (d DType) Valid() bool {
	_, ok := dtypeSizes[d]
	return ok
}

// Size is the element width in bytes.
func (d DType) Size() int { return dtypeSizes[d] }

func (d DType) IsFloat() bool {
	return d == Float32 || d == Float16 || d == BFloat16
}

// Bits is the element width in bits.
func (d DType) Bits() int { return 8 * d.Size() }

// Ints decodes little-endian integer elements.
func (d DType) Ints(raw []byte) ([]int64, error) {
	if d.IsFloat() || !d.Valid() {
		return nil, fmt.Errorf("%w: %s is not an integer type", ErrConfiguration, d)
	}
	sz := d.Size()
	if len(raw)%sz != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %s", ErrConfiguration, len(raw), d)
	}
	out := make([]int64, len(raw)/sz)
	for i := range out {
		b := raw[i*sz:]
		switch d {
		case Int8:
			out[i] = int64(int8(b[0]))
		case Uint8:
			out[i] = int64(b[0])
		case Int16:
			out[i] = int64(int16(binary.LittleEndian.Uint16(b)))
		case Uint16:
			out[i] = int64(binary.LittleEndian.Uint16(b))
		case Int32:
			out[i] = int64(int32(binary.LittleEndian.Uint32(b)))
		case Int64:
			out[i] = int64(binary.LittleEndian.Uint64(b))
		}
	}
	return out, nil
}

// Floats decodes elements of any dtype as float64.
func (d DType) Floats(raw []byte) ([]float64, error) {
	if !d.IsFloat() {
		ints, err := d.Ints(raw)
		if err != nil {
			return nil, err
		}
		out := make([]float64, len(ints))
		for i, v := range ints {
			out[i] = float64(v)
		}
		return out, nil
	}
	sz := d.Size()
	if len(raw)%sz != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %s", ErrConfiguration, len(raw), d)
	}
	out := make([]float64, len(raw)/sz)
	for i := range out {
		b := raw[i*sz:]
		switch d {
		case Float32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case Float16:
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
		case BFloat16:
			out[i] = float64(bfloat16.ToFloat32(bfloat16.BF16(binary.LittleEndian.Uint16(b))))
		}
	}
	return out, nil
}

// Encode writes v as one little-endian element of d.
func (d DType) Encode(v float64) []byte {
	out := make([]byte, d.Size())
	switch d {
	case Float32:
		binary.LittleEndian.PutUint32(out, math.Float32bits(float32(v)))
	case Float16:
		binary.LittleEndian.PutUint16(out, float16.Fromfloat32(float32(v)).Bits())
	case BFloat16:
		binary.LittleEndian.PutUint16(out, uint16(bfloat16.FromFloat32(float32(v))))
	default:
		u := uint64(int64(v))
		for i := range out {
			out[i] = byte(u >> (8 * i))
		}
	}
	return out
}
