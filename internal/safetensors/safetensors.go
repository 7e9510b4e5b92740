// Package safetensors exposes .safetensors checkpoints as weight sources. The
// tensor directory is translated into wtsfile metadata so the compiler reads
// both formats the same way.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/qdqpack/pkg/wtsfile"
)

// Ext is the file extension recognised by IsSafetensors.
const Ext = ".safetensors"

// maxHeaderLen caps the JSON directory; real checkpoints stay far below it.
const maxHeaderLen = 100 << 20

var dtypes = map[string]wtsfile.DType{
	"I8":   wtsfile.Int8,
	"U8":   wtsfile.Uint8,
	"I16":  wtsfile.Int16,
	"U16":  wtsfile.Uint16,
	"I32":  wtsfile.Int32,
	"I64":  wtsfile.Int64,
	"F32":  wtsfile.Float32,
	"F16":  wtsfile.Float16,
	"BF16": wtsfile.BFloat16,
}

// TensorInfo is one directory entry. Start and End are relative to DataStart.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Header is the parsed directory of a checkpoint.
type Header struct {
	DataStart int64
	Tensors   map[string]TensorInfo
	// Meta is the free-form __metadata__ block.
	Meta map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// IsSafetensors reports whether path names a safetensors checkpoint.
func IsSafetensors(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Ext)
}

func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return parseHeader(f)
}

func parseHeader(r io.Reader) (*Header, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: safetensors: header length: %v", wtsfile.ErrConfiguration, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderLen {
		return nil, fmt.Errorf("%w: safetensors: header of %d bytes", wtsfile.ErrConfiguration, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: safetensors: header: %v", wtsfile.ErrConfiguration, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: safetensors: %v", wtsfile.ErrConfiguration, err)
	}
	h := &Header{
		DataStart: int64(8 + headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
	}
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &h.Meta); err != nil {
			return nil, fmt.Errorf("%w: safetensors: __metadata__: %v", wtsfile.ErrConfiguration, err)
		}
		delete(raw, "__metadata__")
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: safetensors: tensor %s: %v", wtsfile.ErrConfiguration, name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[0] < 0 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fmt.Errorf("%w: safetensors: tensor %s: invalid data_offsets %v",
				wtsfile.ErrConfiguration, name, th.DataOffsets)
		}
		h.Tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return h, nil
}

// Metadata translates the directory into absolute wtsfile entries.
func (h *Header) Metadata() (wtsfile.Metadata, error) {
	md := make(wtsfile.Metadata, len(h.Tensors))
	for name, t := range h.Tensors {
		dt, ok := dtypes[t.DType]
		if !ok {
			return nil, fmt.Errorf("%w: safetensors: tensor %s: unsupported dtype %s",
				wtsfile.ErrConfiguration, name, t.DType)
		}
		md[name] = wtsfile.Entry{
			Offset: h.DataStart + t.Start,
			Size:   t.End - t.Start,
			Shape:  t.Shape,
			DType:  dt,
		}
	}
	return md, nil
}

// Open maps a checkpoint as a wtsfile.File.
func Open(path string) (*wtsfile.File, *Header, error) {
	h, err := ReadHeader(path)
	if err != nil {
		return nil, nil, err
	}
	md, err := h.Metadata()
	if err != nil {
		return nil, nil, err
	}
	f, err := wtsfile.OpenWithMetadata(path, md)
	if err != nil {
		return nil, nil, err
	}
	return f, h, nil
}

// Tensor is an input to Write.
type Tensor struct {
	Name  string
	DType wtsfile.DType
	Shape []int
	Data  []byte
}

// Write stores tensors in name order, densely packed, with an optional
// __metadata__ block.
func Write(path string, tensors []Tensor, meta map[string]string) error {
	names := make(map[wtsfile.DType]string, len(dtypes))
	for k, v := range dtypes {
		names[v] = k
	}
	sorted := append([]Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(meta) > 0 {
		header["__metadata__"] = meta
	}
	var off int64
	for _, t := range sorted {
		st, ok := names[t.DType]
		if !ok {
			return fmt.Errorf("safetensors: tensor %s: unsupported dtype %s", t.Name, t.DType)
		}
		end := off + int64(len(t.Data))
		header[t.Name] = tensorHeader{DType: st, Shape: t.Shape, DataOffsets: []int64{off, end}}
		off = end
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// pad the directory with spaces so the data section starts 8-byte aligned
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, []byte(strings.Repeat(" ", 8-pad))...)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		_ = f.Close()
		return err
	}
	for _, t := range sorted {
		if _, err := f.Write(t.Data); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}
