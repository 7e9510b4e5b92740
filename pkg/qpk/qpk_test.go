package qpk

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.qpk")
	weights := []byte{1, 2, 3, 4, 5}
	rtp := bytes.Repeat([]byte{9}, 64)
	manifest := []byte(`{"ops":[]}`)
	err := WriteFile(path, FlagRTPSplit, map[SectionType][]byte{
		SectionManifest: manifest,
		SectionWeights:  weights,
		SectionRTP:      rtp,
	})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			t.Fatalf("Close: %v", cerr)
		}
	}()

	if f.Header.Flags&FlagRTPSplit == 0 {
		t.Fatalf("expected rtp split flag")
	}
	if len(f.Sections) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(f.Sections))
	}
	for i, s := range f.Sections {
		if s.Offset%align != 0 {
			t.Fatalf("section %d not aligned: %d", i, s.Offset)
		}
		if i > 0 && f.Sections[i-1].Type >= s.Type {
			t.Fatalf("sections not ordered by type")
		}
	}
	if !bytes.Equal(f.SectionData(SectionWeights), weights) {
		t.Fatalf("weights mismatch: %v", f.SectionData(SectionWeights))
	}
	if !bytes.Equal(f.SectionData(SectionRTP), rtp) {
		t.Fatalf("rtp mismatch")
	}
	if !bytes.Equal(f.SectionData(SectionManifest), manifest) {
		t.Fatalf("manifest mismatch: %q", f.SectionData(SectionManifest))
	}
}

func TestOpenReaderAtMatchesOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.qpk")
	if err := WriteFile(path, 0, map[SectionType][]byte{SectionWeights: {7, 7, 7}}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	f, err := OpenReaderAt(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("OpenReaderAt: %v", err)
	}
	if f.mmapped {
		t.Fatalf("OpenReaderAt should not mmap")
	}
	if got := f.SectionData(SectionWeights); !bytes.Equal(got, []byte{7, 7, 7}) {
		t.Fatalf("expected [7 7 7], got %v", got)
	}
	if f.Section(SectionRTP) != nil {
		t.Fatalf("expected no rtp section")
	}
}

func TestParseRejectsCorruption(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.qpk")
	if err := WriteFile(path, 0, map[SectionType][]byte{SectionWeights: {1}}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	badMagic := append([]byte(nil), raw...)
	badMagic[0] = 'X'
	if _, err := parse(badMagic, false); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}

	badMajor := append([]byte(nil), raw...)
	badMajor[4] = 9
	if _, err := parse(badMajor, false); !errors.Is(err, ErrUnsupportedMajor) {
		t.Fatalf("expected ErrUnsupportedMajor, got %v", err)
	}

	if _, err := parse(raw[:len(raw)-1], false); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile for truncated file, got %v", err)
	}

	h, _ := decodeHeader(raw)
	badSection := append([]byte(nil), raw...)
	// push the first section past the end of the file
	encodeSection(badSection[h.SectionDirOffset:], Section{Type: uint32(SectionWeights), Version: 1, Offset: 1 << 20, Size: 1})
	if _, err := parse(badSection, false); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile for out-of-bounds section, got %v", err)
	}
}

func TestParseRejectsInconsistentLayout(t *testing.T) {
	t.Parallel()

	write := func(t *testing.T, flags uint64, sections map[SectionType][]byte) []byte {
		t.Helper()
		path := filepath.Join(t.TempDir(), "out.qpk")
		if err := WriteFile(path, flags, sections); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		return raw
	}
	// rewrites directory entry i
	patch := func(raw []byte, i int, edit func(*Section)) []byte {
		out := append([]byte(nil), raw...)
		h, _ := decodeHeader(out)
		entry := out[h.SectionDirOffset+uint64(i)*sectionSize:]
		s, _ := decodeSection(entry)
		edit(&s)
		encodeSection(entry, s)
		return out
	}

	full := write(t, FlagRTPSplit, map[SectionType][]byte{
		SectionWeights:  bytes.Repeat([]byte{1}, 16),
		SectionRTP:      bytes.Repeat([]byte{2}, 16),
		SectionManifest: []byte(`{}`),
	})
	tests := []struct {
		name string
		raw  []byte
	}{
		{
			name: "duplicate type",
			raw:  patch(full, 1, func(s *Section) { s.Type = uint32(SectionWeights) }),
		},
		{
			name: "overlapping sections",
			raw:  patch(full, 1, func(s *Section) { s.Offset -= 8 }),
		},
		{
			name: "rtp without split flag",
			raw:  write(t, 0, map[SectionType][]byte{SectionWeights: {1}, SectionRTP: {2}}),
		},
		{
			name: "split flag without rtp",
			raw:  write(t, FlagRTPSplit, map[SectionType][]byte{SectionWeights: {1}}),
		},
		{
			name: "no weights",
			raw:  write(t, 0, map[SectionType][]byte{SectionManifest: []byte(`{}`)}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := parse(tt.raw, false); !errors.Is(err, ErrCorruptFile) {
				t.Fatalf("expected ErrCorruptFile, got %v", err)
			}
		})
	}

	if _, err := parse(full, false); err != nil {
		t.Fatalf("expected the unpatched file to parse, got %v", err)
	}
}
