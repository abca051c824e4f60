package section

import (
	"bytes"
	"fmt"

	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
)

// Header is the 64-byte preamble of a data or metadata stream.
type Header struct {
	// VersionTag is the printable identification text, at most 36 bytes.
	VersionTag string
	// Engine is the byte order of every multi-byte integer in the stream.
	Engine endian.EndianEngine
	// Version is the format version; it selects decode behavior.
	Version uint8
	// Active is true while a writer still appends to the stream.
	Active bool
}

// NewHeader creates an active header for the current format version.
func NewHeader(engine endian.EndianEngine) Header {
	return Header{
		VersionTag: format.VersionTag,
		Engine:     engine,
		Version:    format.Version,
		Active:     true,
	}
}

// Bytes serializes the header into a 64-byte slice.
func (h Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	putTag(b[:HeaderTagSize], h.VersionTag)
	b[HeaderEndianPos] = endian.Flag(h.Engine)
	b[HeaderVersionPos] = h.Version
	if h.Active {
		b[HeaderActivePos] = activeFlag
	} else {
		b[HeaderActivePos] = inactiveFlag
	}

	return b
}

// Parse parses the header from a byte slice.
//
// Parameters:
//   - data: Byte slice containing the header (at least 64 bytes)
//
// Returns:
//   - error: ErrTruncated if data is short, ErrInvalidHeader for an unknown
//     endianness or a version newer than this package understands
func (h *Header) Parse(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: header needs %d bytes, got %d", errs.ErrTruncated, HeaderSize, len(data))
	}

	engine, ok := endian.FromFlag(data[HeaderEndianPos])
	if !ok {
		return fmt.Errorf("%w: endianness flag %d", errs.ErrInvalidHeader, data[HeaderEndianPos])
	}

	version := data[HeaderVersionPos]
	if version == 0 || version > format.Version {
		return fmt.Errorf("%w: unsupported version %d", errs.ErrInvalidHeader, version)
	}

	h.VersionTag = trimTag(data[:HeaderTagSize])
	h.Engine = engine
	h.Version = version
	h.Active = data[HeaderActivePos] == activeFlag

	return nil
}

// ParseHeader parses a Header from the start of data.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if err := h.Parse(data); err != nil {
		return Header{}, err
	}

	return h, nil
}

// ActiveFlagOffset is the position of the active flag, for writers that clear
// it in place when closing a stream.
func ActiveFlagOffset() int64 {
	return HeaderActivePos
}

// InactiveFlag returns the single byte written over the active flag on close.
func InactiveFlag() []byte {
	return []byte{inactiveFlag}
}

func putTag(dst []byte, tag string) {
	n := copy(dst, tag)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

func trimTag(src []byte) string {
	return string(bytes.TrimRight(src, " \x00"))
}
