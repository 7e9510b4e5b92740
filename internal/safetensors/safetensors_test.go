package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/qdqpack/pkg/wtsfile"
)

func encode(dt wtsfile.DType, vs ...float64) []byte {
	var out []byte
	for _, v := range vs {
		out = append(out, dt.Encode(v)...)
	}
	return out
}

func writeRaw(t *testing.T, header string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.safetensors")
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(header)))
	buf.Write(lenBuf[:])
	buf.WriteString(header)
	buf.Write(data)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestIsSafetensors(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"model.safetensors":      true,
		"dir/MODEL.SafeTensors":  true,
		"model.wts":              false,
		"safetensors":            false,
		"model.safetensors.json": false,
	}
	for path, want := range cases {
		if got := IsSafetensors(path); got != want {
			t.Fatalf("IsSafetensors(%q): expected %v, got %v", path, want, got)
		}
	}
}

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "layer.safetensors")
	tensors := []Tensor{
		{Name: "q.w", DType: wtsfile.Int8, Shape: []int{2, 3}, Data: encode(wtsfile.Int8, 1, -2, 3, -4, 5, -6)},
		{Name: "q.w_scale", DType: wtsfile.Float32, Shape: []int{}, Data: encode(wtsfile.Float32, 0.5)},
		{Name: "q.w_zero_point", DType: wtsfile.Int32, Shape: []int{}, Data: encode(wtsfile.Int32, 3)},
		{Name: "ln.gamma", DType: wtsfile.BFloat16, Shape: []int{2}, Data: encode(wtsfile.BFloat16, 1, -0.5)},
	}
	if err := Write(path, tensors, map[string]string{"model_version": "v2"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, h, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if h.DataStart%8 != 0 {
		t.Fatalf("expected 8-byte aligned data start, got %d", h.DataStart)
	}
	if h.Meta["model_version"] != "v2" {
		t.Fatalf("expected model_version v2, got %q", h.Meta["model_version"])
	}
	if diff := cmp.Diff([]string{"ln.gamma", "q.w", "q.w_scale", "q.w_zero_point"}, f.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}

	op, err := f.Operand("q.w")
	if err != nil {
		t.Fatalf("Operand: %v", err)
	}
	vs, err := op.Ints()
	if err != nil {
		t.Fatalf("Ints: %v", err)
	}
	if diff := cmp.Diff([]int64{1, -2, 3, -4, 5, -6}, vs); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	if op.Quant.Scale != 0.5 || op.Quant.ZeroPoint != 3 {
		t.Fatalf("expected quant {0.5 3}, got %+v", op.Quant)
	}

	raw, e, err := f.Read("ln.gamma")
	if err != nil {
		t.Fatalf("Read gamma: %v", err)
	}
	gamma, err := e.DType.Floats(raw)
	if err != nil {
		t.Fatalf("Floats: %v", err)
	}
	if diff := cmp.Diff([]float64{1, -0.5}, gamma); diff != "" {
		t.Fatalf("gamma mismatch (-want +got):\n%s", diff)
	}
}

func TestMetadataOffsetsAreAbsolute(t *testing.T) {
	t.Parallel()
	header := `{"a":{"dtype":"I8","shape":[2],"data_offsets":[0,2]},"b":{"dtype":"I16","shape":[1],"data_offsets":[2,4]}}`
	path := writeRaw(t, header, []byte{1, 2, 3, 0})

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	md, err := h.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	start := int64(8 + len(header))
	want := wtsfile.Metadata{
		"a": {Offset: start, Size: 2, Shape: []int{2}, DType: wtsfile.Int8},
		"b": {Offset: start + 2, Size: 2, Shape: []int{1}, DType: wtsfile.Int16},
	}
	if diff := cmp.Diff(want, md); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		header string
		data   []byte
	}{
		{name: "bad json", header: `{"a":`},
		{name: "missing offsets", header: `{"a":{"dtype":"I8","shape":[1]}}`, data: []byte{0}},
		{name: "reversed offsets", header: `{"a":{"dtype":"I8","shape":[1],"data_offsets":[4,2]}}`, data: make([]byte, 4)},
		{name: "unsupported dtype", header: `{"a":{"dtype":"F64","shape":[1],"data_offsets":[0,8]}}`, data: make([]byte, 8)},
		{name: "bad metadata", header: `{"__metadata__":{"k":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeRaw(t, tt.header, tt.data)
			if _, _, err := Open(path); !errors.Is(err, wtsfile.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestOpenTruncatedTensor(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, `{"a":{"dtype":"I32","shape":[4],"data_offsets":[0,16]}}`, make([]byte, 8))
	f, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, _, err := f.Read("a"); !errors.Is(err, wtsfile.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration reading past end, got %v", err)
	}
}

func TestReadHeaderShortFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "short.safetensors")
	if err := os.WriteFile(path, []byte{1, 2}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadHeader(path); !errors.Is(err, wtsfile.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
