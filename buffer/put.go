package buffer

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/arloliu/bpstream/errs"
)

// Fixed is the set of fixed-width values the generic Put accepts.
type Fixed interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Put appends v in the buffer's byte order. Floats are written as their
// IEEE 754 bit patterns.
func Put[T Fixed](b *Buffer, v T) error {
	half := T(1)
	half /= 2
	isFloat := half != 0

	switch unsafe.Sizeof(v) {
	case 1:
		return b.PutUint8(uint8(v))
	case 2:
		return b.PutUint16(uint16(v))
	case 4:
		if isFloat {
			return b.PutUint32(math.Float32bits(float32(v)))
		}

		return b.PutUint32(uint32(v))
	default:
		if isFloat {
			return b.PutUint64(math.Float64bits(float64(v)))
		}

		return b.PutUint64(uint64(v))
	}
}

// PutUint8 appends a single byte.
func (b *Buffer) PutUint8(v uint8) error {
	if err := b.ensure(1); err != nil {
		return err
	}
	b.data[b.position] = v
	b.advance(1)

	return nil
}

// PutUint16 appends v in the buffer's byte order.
func (b *Buffer) PutUint16(v uint16) error {
	if err := b.ensure(2); err != nil {
		return err
	}
	b.engine.PutUint16(b.data[b.position:], v)
	b.advance(2)

	return nil
}

// PutUint32 appends v in the buffer's byte order.
func (b *Buffer) PutUint32(v uint32) error {
	if err := b.ensure(4); err != nil {
		return err
	}
	b.engine.PutUint32(b.data[b.position:], v)
	b.advance(4)

	return nil
}

// PutUint64 appends v in the buffer's byte order.
func (b *Buffer) PutUint64(v uint64) error {
	if err := b.ensure(8); err != nil {
		return err
	}
	b.engine.PutUint64(b.data[b.position:], v)
	b.advance(8)

	return nil
}

// PutBytes appends p verbatim.
func (b *Buffer) PutBytes(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := b.ensure(len(p)); err != nil {
		return err
	}
	copy(b.data[b.position:], p)
	b.advance(len(p))

	return nil
}

// PutString16 appends s with a uint16 length prefix.
func (b *Buffer) PutString16(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: string of %d bytes exceeds %d", errs.ErrProtocolMisuse, len(s), math.MaxUint16)
	}
	if err := b.ensure(2 + len(s)); err != nil {
		return err
	}
	b.engine.PutUint16(b.data[b.position:], uint16(len(s))) //nolint: gosec
	copy(b.data[b.position+2:], s)
	b.advance(2 + len(s))

	return nil
}

// PutTag appends a 4-byte record tag.
func (b *Buffer) PutTag(tag string) error {
	if len(tag) != 4 {
		return fmt.Errorf("%w: record tag %q must be 4 bytes", errs.ErrProtocolMisuse, tag)
	}

	return b.PutBytes([]byte(tag))
}

// PutUint32At overwrites 4 bytes at pos, which must lie below the cursor.
func (b *Buffer) PutUint32At(pos int, v uint32) error {
	if pos < 0 || pos+4 > b.position {
		return fmt.Errorf("%w: uint32 write at %d beyond position %d", errs.ErrProtocolMisuse, pos, b.position)
	}
	b.engine.PutUint32(b.data[pos:], v)

	return nil
}

// PutUint64At overwrites 8 bytes at pos, which must lie below the cursor.
func (b *Buffer) PutUint64At(pos int, v uint64) error {
	if pos < 0 || pos+8 > b.position {
		return fmt.Errorf("%w: uint64 write at %d beyond position %d", errs.ErrProtocolMisuse, pos, b.position)
	}
	b.engine.PutUint64(b.data[pos:], v)

	return nil
}

func (b *Buffer) advance(n int) {
	b.position += n
	b.absolutePosition += uint64(n) //nolint: gosec
}
