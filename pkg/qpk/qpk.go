// Package qpk implements the packed-weights container a compile produces.
//
// A QPK file holds the weight region, the RTP region and a JSON manifest as
// 8-byte aligned sections behind a fixed little-endian header and a section
// directory. It is memory-mappable and describes bytes only.
package qpk

import (
	"encoding/binary"
	"errors"
)

// Format constants must never change.
const (
	// Magic is encoded as "QPK\0".
	Magic = "QPK\x00"

	CurrentMajor uint16 = 1
	CurrentMinor uint16 = 0

	// FlagRTPSplit is set when RTP headers live in their own region.
	FlagRTPSplit uint64 = 1 << 0
)

const (
	headerSize  = 40
	sectionSize = 24
	align       = 8
)

var (
	ErrInvalidMagic     = errors.New("qpk: invalid magic")
	ErrUnsupportedMajor = errors.New("qpk: unsupported major version")
	ErrCorruptFile      = errors.New("qpk: corrupt file")
)

type SectionType uint32

const (
	SectionWeights  SectionType = 0x0001
	SectionRTP      SectionType = 0x0002
	SectionManifest SectionType = 0x0003
)

func (t SectionType) String() string {
	switch t {
	case SectionWeights:
		return "weights"
	case SectionRTP:
		return "rtp"
	case SectionManifest:
		return "manifest"
	default:
		return "unknown"
	}
}

type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *Header) Valid() bool {
	return string(h.Magic[:]) == Magic && h.HeaderSize >= headerSize && h.SectionCount > 0
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}

type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *Section) End() uint64 { return s.Offset + s.Size }

func encodeHeader(dst []byte, h Header) bool {
	if len(dst) < headerSize {
		return false
	}
	copy(dst[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(dst[4:], h.Major)
	binary.LittleEndian.PutUint16(dst[6:], h.Minor)
	binary.LittleEndian.PutUint32(dst[8:], h.HeaderSize)
	binary.LittleEndian.PutUint32(dst[12:], h.SectionCount)
	binary.LittleEndian.PutUint64(dst[16:], h.SectionDirOffset)
	binary.LittleEndian.PutUint64(dst[24:], h.FileSize)
	binary.LittleEndian.PutUint64(dst[32:], h.Flags)
	return true
}

func decodeHeader(src []byte) (Header, bool) {
	var h Header
	if len(src) < headerSize {
		return h, false
	}
	copy(h.Magic[:], src[0:4])
	h.Major = binary.LittleEndian.Uint16(src[4:])
	h.Minor = binary.LittleEndian.Uint16(src[6:])
	h.HeaderSize = binary.LittleEndian.Uint32(src[8:])
	h.SectionCount = binary.LittleEndian.Uint32(src[12:])
	h.SectionDirOffset = binary.LittleEndian.Uint64(src[16:])
	h.FileSize = binary.LittleEndian.Uint64(src[24:])
	h.Flags = binary.LittleEndian.Uint64(src[32:])
	return h, true
}

func encodeSection(dst []byte, s Section) bool {
	if len(dst) < sectionSize {
		return false
	}
	binary.LittleEndian.PutUint32(dst[0:], s.Type)
	binary.LittleEndian.PutUint32(dst[4:], s.Version)
	binary.LittleEndian.PutUint64(dst[8:], s.Offset)
	binary.LittleEndian.PutUint64(dst[16:], s.Size)
	return true
}

func decodeSection(src []byte) (Section, bool) {
	if len(src) < sectionSize {
		return Section{}, false
	}
	return Section{
		Type:    binary.LittleEndian.Uint32(src[0:]),
		Version: binary.LittleEndian.Uint32(src[4:]),
		Offset:  binary.LittleEndian.Uint64(src[8:]),
		Size:    binary.LittleEndian.Uint64(src[16:]),
	}, true
}

func rangesOverlap(a0, a1, b0, b1 uint64) bool {
	// half-open ranges [a0,a1) and [b0,b1)
	return a0 < b1 && b0 < a1
}
