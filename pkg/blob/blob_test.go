package blob

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/qdqpack/pkg/layout"
	"github.com/samcharles93/qdqpack/pkg/requant"
)

func goldenInput(t *testing.T) MatMulInput {
	t.Helper()
	const k, n = 64, 64
	raw := make([]byte, k*n)
	vals := make([]int64, k*n)
	for kk := range k {
		for j := range n {
			v := (31*kk + 17*j) % 256
			raw[kk*n+j] = byte(v)
			vals[kk*n+j] = int64(v)
		}
	}
	ifm := requant.QuantParams{Scale: 0.1, ZeroPoint: 5}
	wq := requant.QuantParams{Scale: 0.05, ZeroPoint: 2}
	ofm := requant.QuantParams{Scale: 0.2, ZeroPoint: 10}
	c, err := requant.MatMul(requant.MatMulRequest{
		IFM: ifm, Weight: wq, OFM: ofm, Weights: vals, K: k, N: n, WeightBits: 8,
	})
	if err != nil {
		t.Fatalf("requant.MatMul: %v", err)
	}
	return MatMulInput{
		Kind:     requant.KindMatMul,
		Weights:  raw,
		ElemSize: 1,
		SV:       layout.SubVolume{M: 32, K: 64, N: 16},
		Coeffs:   c,
		IFM:      ifm,
		Weight:   wq,
		OFM:      ofm,
	}
}

func TestMatMulGolden(t *testing.T) {
	t.Parallel()

	got, err := MatMul(goldenInput(t))
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	want, err := os.ReadFile(filepath.Join("testdata", "matmul_k64_n64.golden"))
	if err != nil {
		t.Fatalf("read golden: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d bytes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("first difference at byte %d: expected %#02x, got %#02x", i, want[i], got[i])
		}
	}
}

func TestMatMulBlobDecodes(t *testing.T) {
	t.Parallel()

	in := goldenInput(t)
	b, err := MatMul(in)
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	h, err := ParseRTPHeader(b)
	if err != nil {
		t.Fatalf("ParseRTPHeader: %v", err)
	}
	if h[0] != uint32(requant.KindMatMul) || h[3] != 16 || h[7] != 27 || h[9] != 5 {
		t.Fatalf("unexpected header %v", h)
	}

	w, tails, err := layout.Untile(b[layout.RTPHeaderSize:], 1, 64, 64, in.SV, MatMulTailSize(in.SV.N))
	if err != nil {
		t.Fatalf("Untile: %v", err)
	}
	if !bytes.Equal(w, in.Weights) {
		t.Fatalf("untiled weights differ from input")
	}
	var c0 []int64
	for i, tail := range tails {
		part, c1, c2, err := DecodeMatMulTail(tail, in.SV.N)
		if err != nil {
			t.Fatalf("tail %d: %v", i, err)
		}
		if c1 != in.Coeffs.C1 || c2 != in.Coeffs.C2 {
			t.Fatalf("tail %d: expected C1=%d C2=%d, got %d %d", i, in.Coeffs.C1, in.Coeffs.C2, c1, c2)
		}
		c0 = append(c0, part...)
	}
	if diff := cmp.Diff(in.Coeffs.C0, c0); diff != "" {
		t.Fatalf("C0 mismatch (-want +got):\n%s", diff)
	}
}

func TestMatMulTailLayout(t *testing.T) {
	t.Parallel()

	c := &requant.MatMulCoeffs{C0: []int64{-1, 1 << 40}, C1: -7, C2: 9, N: 2}
	got := MatMulTail(c, 2)(0)
	if len(got) != MatMulTailSize(2) {
		t.Fatalf("expected %d bytes, got %d", MatMulTailSize(2), len(got))
	}
	if lo, hi := binary.LittleEndian.Uint32(got[8:]), binary.LittleEndian.Uint32(got[12:]); lo != 0 || hi != 1<<8 {
		t.Fatalf("expected low word 0 then high word 256, got %d %d", lo, hi)
	}
	if c1 := int32(binary.LittleEndian.Uint32(got[16:])); c1 != -7 {
		t.Fatalf("expected C1 -7, got %d", c1)
	}
}

func TestCursorCounts(t *testing.T) {
	t.Parallel()

	c := NewCursor(0)
	n := c.PutU16(1) + c.PutU32(2) + c.PutI32(-3) + c.PutI64(4) + c.Zero(3) + c.Write([]byte{9, 9})
	if n != 23 || c.Len() != 23 {
		t.Fatalf("expected 23 bytes, got sum %d len %d", n, c.Len())
	}
	if got := c.Bytes()[2:6]; !bytes.Equal(got, []byte{2, 0, 0, 0}) {
		t.Fatalf("expected little-endian 2, got %v", got)
	}
}

func TestRTPHeaderIsFixedSize(t *testing.T) {
	t.Parallel()

	h := RTPHeader{1, 2, 3}
	b := h.Bytes()
	if len(b) != layout.RTPHeaderSize {
		t.Fatalf("expected %d bytes, got %d", layout.RTPHeaderSize, len(b))
	}
	back, err := ParseRTPHeader(b)
	if err != nil || back != h {
		t.Fatalf("expected %v, got %v (%v)", h, back, err)
	}
	if _, err := ParseRTPHeader(b[:10]); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestRegionRejectsOverlap(t *testing.T) {
	t.Parallel()

	r := NewRegion("weights", 32)
	if err := r.WriteAt(make([]byte, 8), 0, "a"); err != nil {
		t.Fatalf("WriteAt a: %v", err)
	}
	if err := r.WriteAt(make([]byte, 8), 8, "b"); err != nil {
		t.Fatalf("adjacent write: %v", err)
	}
	if err := r.WriteAt(make([]byte, 4), 6, "c"); !errors.Is(err, ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
	if err := r.WriteAt(make([]byte, 8), 28, "d"); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
	if r.Used() != 16 || len(r.Extents()) != 2 {
		t.Fatalf("expected 16 used bytes in 2 extents, got %d in %d", r.Used(), len(r.Extents()))
	}
}

func TestPlaceSplitsHeader(t *testing.T) {
	t.Parallel()

	b := Assemble(RTPHeader{7}, []byte{1, 2, 3, 4})
	weights := NewRegion("weights", 16)
	rtp := NewRegion("rtp", 128)
	p, err := Place(b, "op", weights, 4, rtp, 64)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if p != (Placement{WeightOffset: 4, WeightSize: 4, RTPOffset: 64, RTPSize: 64}) {
		t.Fatalf("unexpected placement %+v", p)
	}
	if !bytes.Equal(weights.Bytes()[4:8], []byte{1, 2, 3, 4}) {
		t.Fatalf("body not written at offset 4: %v", weights.Bytes())
	}
	if rtp.Bytes()[64] != 7 {
		t.Fatalf("header not written at rtp offset 64")
	}

	whole := NewRegion("weights", 68)
	p, err = Place(b, "op", whole, 0, nil, 0)
	if err != nil {
		t.Fatalf("Place whole: %v", err)
	}
	if p.WeightSize != 68 || p.RTPOffset != -1 {
		t.Fatalf("unexpected placement %+v", p)
	}
}

func TestSwapHeaders(t *testing.T) {
	t.Parallel()

	r := NewRegion("rtp", 128)
	if err := r.WriteAt(RTPHeader{1}.Bytes(), 0, "q"); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := r.WriteAt(RTPHeader{2}.Bytes(), 64, "k"); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := SwapHeaders(r, 0, 64, layout.RTPHeaderSize); err != nil {
		t.Fatalf("SwapHeaders: %v", err)
	}
	if r.Bytes()[0] != 2 || r.Bytes()[64] != 1 {
		t.Fatalf("expected swapped headers, got %d and %d", r.Bytes()[0], r.Bytes()[64])
	}
	if err := SwapHeaders(r, 0, 32, layout.RTPHeaderSize); !errors.Is(err, ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
	if err := SwapHeaders(r, 0, 100, layout.RTPHeaderSize); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestMulBlob(t *testing.T) {
	t.Parallel()

	ifm1 := requant.QuantParams{Scale: 0.02, ZeroPoint: 3}
	ifm2 := requant.QuantParams{Scale: 0.03, ZeroPoint: 5}
	ofm := requant.QuantParams{Scale: 0.05, ZeroPoint: 7}

	c, err := requant.Mul(requant.MulRequest{IFM1: ifm1, IFM2: ifm2, OFM: ofm, ConstElems: 3})
	if err != nil {
		t.Fatalf("requant.Mul: %v", err)
	}
	b, err := Mul(MulInput{Coeffs: c, Const: []byte{10, 11, 12}, ElemSize: 1, IFM1: ifm1, IFM2: ifm2})
	if err != nil {
		t.Fatalf("Mul: %v", err)
	}
	body := b[layout.RTPHeaderSize:]
	if len(body) != 64 || body[2] != 12 || body[3] != 5 || body[63] != 5 {
		t.Fatalf("expected constant padded with zero point 5 to 64 bytes, got %v", body)
	}

	c, err = requant.Mul(requant.MulRequest{IFM1: ifm1, IFM2: ifm2, OFM: ofm, ConstElems: 1})
	if err != nil {
		t.Fatalf("requant.Mul: %v", err)
	}
	b, err = Mul(MulInput{Coeffs: c, Const: []byte{0x34, 0x12}, ElemSize: 2, IFM1: ifm1, IFM2: ifm2})
	if err != nil {
		t.Fatalf("Mul broadcast: %v", err)
	}
	body = b[layout.RTPHeaderSize:]
	if len(body) != 128 || binary.LittleEndian.Uint16(body[126:]) != 0x1234 {
		t.Fatalf("expected scalar replicated over 64 lanes, got %d bytes", len(body))
	}
	if _, err := Mul(MulInput{Coeffs: c, Const: []byte{1}, ElemSize: 2}); !errors.Is(err, layout.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestHeaderOnlyBlobs(t *testing.T) {
	t.Parallel()

	add := Add(&requant.AddCoeffs{IFM1Coeff: 5, OFMShift: 31}, 1024, 3)
	h, _ := ParseRTPHeader(add)
	if len(add) != layout.RTPHeaderSize || h[0] != uint32(requant.KindAdd) || h[4] != 31 || h[8] != 1024 || h[12] != 3 {
		t.Fatalf("unexpected add header %v", h)
	}

	bmm := BatchedMatMul(&requant.BatchedMatMulCoeffs{C0: -2, K: 64}, 1)
	h, _ = ParseRTPHeader(bmm)
	if h[2] != 0xFFFFFFFE || h[3] != 0xFFFFFFFF || h[12] != 1 {
		t.Fatalf("unexpected bmm header %v", h)
	}
}

func TestNormBlobs(t *testing.T) {
	t.Parallel()

	gamma := make([]int64, 8)
	beta := make([]int64, 8)
	ln, err := requant.LayerNorm(requant.LayerNormRequest{
		IFM: requant.QuantParams{Scale: 0.5}, OFM: requant.QuantParams{Scale: 0.25},
		Gamma: requant.QuantParams{Scale: 1}, Beta: requant.QuantParams{Scale: 1},
		GammaData: gamma, BetaData: beta, Dim: 8,
	})
	if err != nil {
		t.Fatalf("requant.LayerNorm: %v", err)
	}
	if b := LayerNorm(ln); len(b) != layout.RTPHeaderSize+32 {
		t.Fatalf("expected %d layernorm bytes, got %d", layout.RTPHeaderSize+32, len(b))
	}

	sm, err := requant.Softmax(requant.SoftmaxRequest{
		IFM: requant.QuantParams{Scale: 0.01}, OFM: requant.QuantParams{Scale: 0.01}, M: 4, K: 64,
	})
	if err != nil {
		t.Fatalf("requant.Softmax: %v", err)
	}
	b := Softmax(sm)
	if len(b) != layout.RTPHeaderSize+requant.SoftmaxLUTSize {
		t.Fatalf("expected %d softmax bytes, got %d", layout.RTPHeaderSize+requant.SoftmaxLUTSize, len(b))
	}
	if binary.LittleEndian.Uint16(b[layout.RTPHeaderSize:]) != 0x3F80 {
		t.Fatalf("expected LSB[0] == bf16(1.0)")
	}
}

func TestConvBlob(t *testing.T) {
	t.Parallel()

	g := layout.ConvGeometry{OC: 8, IC: 3, KH: 2, KW: 2, OCTile: 4, ICTile: 4, OCG: 1, ICG: 1}
	w := make([]byte, g.OC*g.IC*g.KH*g.KW)
	vals := make([]int64, len(w))
	for i := range w {
		w[i] = byte(i)
		vals[i] = int64(i)
	}
	ifm := requant.QuantParams{Scale: 0.02, ZeroPoint: 1}
	wq := requant.QuantParams{Scale: 0.01}
	ofm := requant.QuantParams{Scale: 0.05}
	c, err := requant.Conv(requant.ConvRequest{IFM: ifm, Weight: wq, OFM: ofm, Weights: vals, Geometry: g, WeightBits: 8})
	if err != nil {
		t.Fatalf("requant.Conv: %v", err)
	}
	for _, ver := range []layout.Version{layout.LayoutV1, layout.LayoutV2} {
		b, err := Conv(ConvInput{Weights: w, ElemSize: 1, Geometry: g, Version: ver, Coeffs: c, IFM: ifm, Weight: wq, OFM: ofm})
		if err != nil {
			t.Fatalf("Conv v%d: %v", ver, err)
		}
		if want := layout.RTPHeaderSize + layout.ConvBlobSize(g, 1, ver); len(b) != want {
			t.Fatalf("v%d: expected %d bytes, got %d", ver, want, len(b))
		}
		h, _ := ParseRTPHeader(b)
		if h[2] != 8 || h[7] != uint32(ver) {
			t.Fatalf("v%d: unexpected header %v", ver, h)
		}
	}
}
