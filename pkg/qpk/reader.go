package qpk

import (
	"fmt"
	"io"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// File is an opened container. Section payloads alias Data.
type File struct {
	Data     []byte
	Header   *Header
	Sections []Section
	mmapped  bool
}

// Open maps path read-only, or reads it whole when mmap fails, and validates
// the container.
func Open(path string) (*File, error) {
	data, mmapped, err := load(path)
	if err != nil {
		return nil, err
	}
	f, err := parse(data, mmapped)
	if err != nil && mmapped {
		_ = unix.Munmap(data)
	}
	return f, err
}

// OpenReaderAt reads size bytes from r and validates them.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < headerSize || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %d-byte container", ErrCorruptFile, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, size), data); err != nil {
		return nil, fmt.Errorf("qpk: read: %w", err)
	}
	return parse(data, false)
}

func load(path string) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	size := stat.Size()
	if size < headerSize || size > int64(int(^uint(0)>>1)) {
		return nil, false, fmt.Errorf("%w: %s is %d bytes", ErrCorruptFile, path, size)
	}
	if data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED); err == nil {
		return data, true, nil
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, size), data); err != nil {
		return nil, false, fmt.Errorf("qpk: read %s: %w", path, err)
	}
	return data, false, nil
}

func parse(data []byte, mmapped bool) (*File, error) {
	hdr, err := checkHeader(data)
	if err != nil {
		return nil, err
	}
	sections, err := readDirectory(data, hdr)
	if err != nil {
		return nil, err
	}
	if err := checkLayout(hdr, sections); err != nil {
		return nil, err
	}
	return &File{Data: data, Header: hdr, Sections: sections, mmapped: mmapped}, nil
}

func checkHeader(data []byte) (*Header, error) {
	hdr, ok := decodeHeader(data)
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: short header", ErrCorruptFile)
	case string(hdr.Magic[:]) != Magic:
		return nil, ErrInvalidMagic
	case !hdr.Compatible():
		return nil, fmt.Errorf("%w: %d.%d", ErrUnsupportedMajor, hdr.Major, hdr.Minor)
	case !hdr.Valid():
		return nil, fmt.Errorf("%w: header size %d, %d sections", ErrCorruptFile, hdr.HeaderSize, hdr.SectionCount)
	case hdr.FileSize != uint64(len(data)):
		return nil, fmt.Errorf("%w: header records %d bytes, file has %d", ErrCorruptFile, hdr.FileSize, len(data))
	}
	return &hdr, nil
}

// readDirectory decodes every section entry and bounds-checks it against the
// file, the header and the directory itself.
func readDirectory(data []byte, hdr *Header) ([]Section, error) {
	dirStart := hdr.SectionDirOffset
	dirEnd := dirStart + uint64(hdr.SectionCount)*sectionSize
	if dirStart < uint64(hdr.HeaderSize) || dirEnd < dirStart || dirEnd > uint64(len(data)) {
		return nil, fmt.Errorf("%w: section directory [%d, %d) outside the file", ErrCorruptFile, dirStart, dirEnd)
	}

	sections := make([]Section, hdr.SectionCount)
	for i := range sections {
		entry := data[dirStart+uint64(i)*sectionSize:]
		s, _ := decodeSection(entry)
		end := s.End()
		switch {
		case end < s.Offset || end > dirStart:
			return nil, fmt.Errorf("%w: %s section [%d, %d) does not end before the directory",
				ErrCorruptFile, SectionType(s.Type), s.Offset, end)
		case s.Offset < uint64(hdr.HeaderSize):
			return nil, fmt.Errorf("%w: %s section overlaps the header", ErrCorruptFile, SectionType(s.Type))
		case s.Offset%align != 0:
			return nil, fmt.Errorf("%w: %s section at %d is not %d-byte aligned",
				ErrCorruptFile, SectionType(s.Type), s.Offset, align)
		}
		sections[i] = s
	}
	return sections, nil
}

// checkLayout enforces what a compile always produces: one weights section,
// each type at most once, disjoint payloads, and an rtp section exactly when
// FlagRTPSplit is set.
func checkLayout(hdr *Header, sections []Section) error {
	byOffset := append([]Section(nil), sections...)
	sort.Slice(byOffset, func(i, j int) bool { return byOffset[i].Offset < byOffset[j].Offset })
	seen := make(map[SectionType]bool, len(sections))
	for i, s := range byOffset {
		t := SectionType(s.Type)
		if seen[t] {
			return fmt.Errorf("%w: duplicate %s section", ErrCorruptFile, t)
		}
		seen[t] = true
		if i > 0 && rangesOverlap(byOffset[i-1].Offset, byOffset[i-1].End(), s.Offset, s.End()) {
			return fmt.Errorf("%w: %s section overlaps %s", ErrCorruptFile, t, SectionType(byOffset[i-1].Type))
		}
	}
	if !seen[SectionWeights] {
		return fmt.Errorf("%w: no weights section", ErrCorruptFile)
	}
	if split := hdr.Flags&FlagRTPSplit != 0; split != seen[SectionRTP] {
		return fmt.Errorf("%w: rtp split flag %v with rtp section present %v", ErrCorruptFile, split, seen[SectionRTP])
	}
	return nil
}

// Close releases the mapping, if any.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	*f = File{}
	return err
}

// Section returns the section of type t, or nil.
func (f *File) Section(t SectionType) *Section {
	for i := range f.Sections {
		if SectionType(f.Sections[i].Type) == t {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns the payload of type t without copying. It must not be
// retained after Close.
func (f *File) SectionData(t SectionType) []byte {
	s := f.Section(t)
	if s == nil || f.Data == nil {
		return nil
	}
	return f.Data[s.Offset:s.End()]
}
