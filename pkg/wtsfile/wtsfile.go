// Package wtsfile reads the quantized constants of a model: a flat binary file and
// a JSON metadata map {name: {offset, size, shape, dtype}}.
package wtsfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

// ErrConfiguration reports a constant that is missing or malformed.
var ErrConfiguration = errors.New("wtsfile: configuration error")

// Entry locates one constant inside the binary.
type Entry struct {
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
	Shape  []int `json:"shape"`
	DType  DType `json:"dtype"`
}

// Metadata maps constant names to their entries.
type Metadata map[string]Entry

// File is an opened weight file. Data slices returned by Read alias the mapping
// and must not be used after Close.
type File struct {
	Path     string
	Meta     Metadata
	Defaults DefaultTable

	data    []byte
	mmapped bool
}

// MetadataPath is the default metadata location for a binary.
func MetadataPath(bin string) string { return bin + ".json" }

// Open maps bin read-only and parses the metadata at meta (MetadataPath(bin) when
// empty).
func Open(bin, meta string) (*File, error) {
	if meta == "" {
		meta = MetadataPath(bin)
	}
	raw, err := os.ReadFile(meta)
	if err != nil {
		return nil, fmt.Errorf("wtsfile: read metadata: %w", err)
	}
	md, err := ParseMetadata(raw)
	if err != nil {
		return nil, err
	}
	return OpenWithMetadata(bin, md)
}

// OpenWithMetadata maps bin read-only using an already decoded metadata map.
func OpenWithMetadata(bin string, md Metadata) (*File, error) {
	f, err := os.Open(bin)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s too large to map", ErrConfiguration, bin)
	}
	size := int(size64)

	wf := &File{Path: bin, Meta: md}
	if size == 0 {
		wf.data = []byte{}
		return wf, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		wf.data = data
		wf.mmapped = true
		return wf, nil
	}

	// mmap unsupported (eg. some network filesystems)
	data = make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, size64), data); err != nil {
		return nil, fmt.Errorf("wtsfile: read %s: %w", bin, err)
	}
	wf.data = data
	return wf, nil
}

// FromBytes wraps an in-memory binary.
func FromBytes(data []byte, md Metadata) *File {
	return &File{Path: "<memory>", Meta: md, data: data}
}

// ParseMetadata decodes and validates a metadata document.
func ParseMetadata(raw []byte) (Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrConfiguration, err)
	}
	for name, e := range md {
		if e.Offset < 0 || e.Size < 0 {
			return nil, fmt.Errorf("%w: %s: negative offset or size", ErrConfiguration, name)
		}
		if !e.DType.Valid() {
			return nil, fmt.Errorf("%w: %s: unknown dtype %q", ErrConfiguration, name, e.DType)
		}
	}
	return md, nil
}

// Close releases the mapping.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.mmapped = false
	return err
}

// Names lists every constant, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Meta))
	for n := range f.Meta {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is present.
func (f *File) Has(name string) bool {
	_, ok := f.Meta[name]
	return ok
}

// Read returns the raw bytes of name.
func (f *File) Read(name string) ([]byte, Entry, error) {
	e, ok := f.Meta[name]
	if !ok {
		return nil, Entry{}, fmt.Errorf("%w: constant %q not found", ErrConfiguration, name)
	}
	end := e.Offset + e.Size
	if end < e.Offset || end > int64(len(f.data)) {
		return nil, Entry{}, fmt.Errorf("%w: constant %q [%d, %d) exceeds %d-byte file",
			ErrConfiguration, name, e.Offset, end, len(f.data))
	}
	if n, err := numElements(e.Shape); err != nil || int64(n*e.DType.Size()) != e.Size {
		return nil, Entry{}, fmt.Errorf("%w: constant %q: shape %v of %s does not match %d bytes",
			ErrConfiguration, name, e.Shape, e.DType, e.Size)
	}
	return f.data[e.Offset:end], e, nil
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d > 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
