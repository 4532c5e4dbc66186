// Package persistence defines the on-disk index format and the
// low-level plumbing shared by the serializer and the loader: header
// codec, checksum helpers and atomic file replacement.
package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic identifies index files ("VECX").
	Magic = "VECX"

	// VersionMajor is the supported file format major version.
	// Loaders reject any other major.
	VersionMajor = 1
	// VersionMinor is the current minor version.
	VersionMinor = 0

	// HeaderSize is the fixed size of the file header in bytes.
	HeaderSize = 128

	// ArenaAlign is the byte alignment of every arena, sized for
	// 256-bit vector loads.
	ArenaAlign = 32

	// MaxVectorCount is the sanity cap on N at load time.
	MaxVectorCount = 1 << 31
	// MaxDimension is the sanity cap on D at load time.
	MaxDimension = 1 << 16
)

// Header flag bits.
const (
	// FlagObfuscated is set when the f32 arena is XOR-obfuscated with
	// the header key.
	FlagObfuscated = 1 << 0
	// FlagHugePages is set when the index requests transparent huge
	// pages on load.
	FlagHugePages = 1 << 1
)

var (
	// ErrInvalidMagic is returned when the magic bytes do not match.
	ErrInvalidMagic = errors.New("persistence: invalid magic bytes")
	// ErrInvalidVersion is returned for an unsupported major version.
	ErrInvalidVersion = errors.New("persistence: unsupported format version")
	// ErrFormat is returned when header fields are inconsistent with
	// each other or with the file size.
	ErrFormat = errors.New("persistence: malformed header")
	// ErrResourceLimit is returned when N or D exceeds the sanity caps.
	ErrResourceLimit = errors.New("persistence: header exceeds resource limits")
)

// Section locates one arena inside the file.
type Section struct {
	Offset uint32
	Size   uint32
}

// End returns the first byte past the section.
func (s Section) End() uint64 {
	return uint64(s.Offset) + uint64(s.Size)
}

// Header is the decoded form of the fixed 128-byte little-endian file
// header.
type Header struct {
	VersionMajor uint16
	VersionMinor uint16

	Dimension      uint32
	Count          uint32
	M              uint32
	M0             uint32
	EFConstruction uint32

	EntryPoint uint32
	MaxLevel   uint32
	Flags      uint32

	ObfuscationKey uint64
	Checksum       uint32

	QuantArena    Section
	Float32Arena  Section
	NodeTable     Section
	NeighborArena Section
}

// checksumFieldOffset is the byte offset of the Checksum field, used to
// patch the checksum after the body has been written.
const checksumFieldOffset = 48

// Encode writes the header into a HeaderSize-byte buffer.
func (h *Header) Encode(buf []byte) {
	_ = buf[HeaderSize-1]
	for i := range buf[:HeaderSize] {
		buf[i] = 0
	}

	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:], h.VersionMajor)
	binary.LittleEndian.PutUint16(buf[6:], h.VersionMinor)
	binary.LittleEndian.PutUint32(buf[8:], h.Dimension)
	binary.LittleEndian.PutUint32(buf[12:], h.Count)
	binary.LittleEndian.PutUint32(buf[16:], h.M)
	binary.LittleEndian.PutUint32(buf[20:], h.M0)
	binary.LittleEndian.PutUint32(buf[24:], h.EFConstruction)
	binary.LittleEndian.PutUint32(buf[28:], h.EntryPoint)
	binary.LittleEndian.PutUint32(buf[32:], h.MaxLevel)
	binary.LittleEndian.PutUint32(buf[36:], h.Flags)
	binary.LittleEndian.PutUint64(buf[40:], h.ObfuscationKey)
	binary.LittleEndian.PutUint32(buf[checksumFieldOffset:], h.Checksum)
	binary.LittleEndian.PutUint32(buf[52:], h.QuantArena.Offset)
	binary.LittleEndian.PutUint32(buf[56:], h.QuantArena.Size)
	binary.LittleEndian.PutUint32(buf[60:], h.Float32Arena.Offset)
	binary.LittleEndian.PutUint32(buf[64:], h.Float32Arena.Size)
	binary.LittleEndian.PutUint32(buf[68:], h.NodeTable.Offset)
	binary.LittleEndian.PutUint32(buf[72:], h.NodeTable.Size)
	binary.LittleEndian.PutUint32(buf[76:], h.NeighborArena.Offset)
	binary.LittleEndian.PutUint32(buf[80:], h.NeighborArena.Size)
	// buf[84:128] reserved, already zero.
}

// PatchChecksum writes the checksum into an already-encoded header
// buffer.
func PatchChecksum(buf []byte, checksum uint32) {
	binary.LittleEndian.PutUint32(buf[checksumFieldOffset:], checksum)
}

// DecodeHeader parses and validates the magic and version of a header
// buffer.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: file shorter than header", ErrFormat)
	}
	if string(buf[0:4]) != Magic {
		return nil, ErrInvalidMagic
	}

	h := &Header{
		VersionMajor:   binary.LittleEndian.Uint16(buf[4:]),
		VersionMinor:   binary.LittleEndian.Uint16(buf[6:]),
		Dimension:      binary.LittleEndian.Uint32(buf[8:]),
		Count:          binary.LittleEndian.Uint32(buf[12:]),
		M:              binary.LittleEndian.Uint32(buf[16:]),
		M0:             binary.LittleEndian.Uint32(buf[20:]),
		EFConstruction: binary.LittleEndian.Uint32(buf[24:]),
		EntryPoint:     binary.LittleEndian.Uint32(buf[28:]),
		MaxLevel:       binary.LittleEndian.Uint32(buf[32:]),
		Flags:          binary.LittleEndian.Uint32(buf[36:]),
		ObfuscationKey: binary.LittleEndian.Uint64(buf[40:]),
		Checksum:       binary.LittleEndian.Uint32(buf[checksumFieldOffset:]),
		QuantArena: Section{
			Offset: binary.LittleEndian.Uint32(buf[52:]),
			Size:   binary.LittleEndian.Uint32(buf[56:]),
		},
		Float32Arena: Section{
			Offset: binary.LittleEndian.Uint32(buf[60:]),
			Size:   binary.LittleEndian.Uint32(buf[64:]),
		},
		NodeTable: Section{
			Offset: binary.LittleEndian.Uint32(buf[68:]),
			Size:   binary.LittleEndian.Uint32(buf[72:]),
		},
		NeighborArena: Section{
			Offset: binary.LittleEndian.Uint32(buf[76:]),
			Size:   binary.LittleEndian.Uint32(buf[80:]),
		},
	}

	if h.VersionMajor != VersionMajor {
		return nil, fmt.Errorf("%w: major %d", ErrInvalidVersion, h.VersionMajor)
	}

	return h, nil
}

// Validate checks the header against the actual file length: sanity
// caps, arena bounds, mutual overlap and the expected section sizes.
func (h *Header) Validate(fileSize int64) error {
	if uint64(h.Count) > MaxVectorCount {
		return fmt.Errorf("%w: vector count %d", ErrResourceLimit, h.Count)
	}
	if uint64(h.Dimension) > MaxDimension {
		return fmt.Errorf("%w: dimension %d", ErrResourceLimit, h.Dimension)
	}
	if h.Count > 0 && h.Dimension == 0 {
		return fmt.Errorf("%w: zero dimension with %d vectors", ErrFormat, h.Count)
	}
	if h.Count > 0 && h.EntryPoint >= h.Count {
		return fmt.Errorf("%w: entry point %d out of range", ErrFormat, h.EntryPoint)
	}

	d := uint64(h.Dimension)
	n := uint64(h.Count)
	if got, want := uint64(h.QuantArena.Size), n*(d+8); got != want {
		return fmt.Errorf("%w: quantized arena size %d, want %d", ErrFormat, got, want)
	}
	if got, want := uint64(h.Float32Arena.Size), n*d*4; got != want {
		return fmt.Errorf("%w: f32 arena size %d, want %d", ErrFormat, got, want)
	}

	sections := []Section{h.QuantArena, h.Float32Arena, h.NodeTable, h.NeighborArena}
	prevEnd := uint64(HeaderSize)
	for _, s := range sections {
		if uint64(s.Offset) < prevEnd {
			return fmt.Errorf("%w: overlapping sections at offset %d", ErrFormat, s.Offset)
		}
		if s.Size > 0 && s.Offset%ArenaAlign != 0 {
			return fmt.Errorf("%w: section at %d not %d-byte aligned", ErrFormat, s.Offset, ArenaAlign)
		}
		if s.End() > uint64(fileSize) {
			return fmt.Errorf("%w: section [%d,%d) past end of file (%d)", ErrFormat, s.Offset, s.End(), fileSize)
		}
		prevEnd = s.End()
	}

	return nil
}

// Align rounds n up to the next ArenaAlign boundary.
func Align(n uint64) uint64 {
	return (n + ArenaAlign - 1) &^ (ArenaAlign - 1)
}
