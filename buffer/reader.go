package buffer

import (
	"fmt"

	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
)

// Reader is a bounds-checked decode cursor over a byte slice.
//
// The first out-of-range read latches ErrTruncated into Err; later reads
// return zero values, so a decoder can read a whole structure and check Err once.
type Reader struct {
	data   []byte
	pos    int
	engine endian.EndianEngine
	err    error
}

// NewReader creates a Reader over data.
func NewReader(data []byte, engine endian.EndianEngine) *Reader {
	return &Reader{data: data, engine: engine}
}

// Err returns the first decode error.
func (r *Reader) Err() error {
	return r.err
}

// Pos returns the read cursor.
func (r *Reader) Pos() int {
	return r.pos
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.data) - r.pos
}

// Engine returns the byte order used for decoding.
func (r *Reader) Engine() endian.EndianEngine {
	return r.engine
}

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || n > len(r.data)-r.pos {
		r.err = fmt.Errorf("%w: need %d bytes at %d of %d", errs.ErrTruncated, n, r.pos, len(r.data))
		return false
	}

	return true
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++

	return v
}

// Uint16 reads a two-byte integer.
func (r *Reader) Uint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := r.engine.Uint16(r.data[r.pos:])
	r.pos += 2

	return v
}

// Uint32 reads a four-byte integer.
func (r *Reader) Uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := r.engine.Uint32(r.data[r.pos:])
	r.pos += 4

	return v
}

// Uint64 reads an eight-byte integer.
func (r *Reader) Uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := r.engine.Uint64(r.data[r.pos:])
	r.pos += 8

	return v
}

// String16 reads a uint16 length-prefixed string.
func (r *Reader) String16() string {
	n := int(r.Uint16())
	if !r.need(n) {
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n

	return s
}

// Bytes returns the next n bytes without copying.
func (r *Reader) Bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n

	return b
}

// Bytes64 reads a uint64 length and returns that many following bytes.
// Lengths beyond the unread data latch ErrTruncated before any conversion
// to int.
func (r *Reader) Bytes64() []byte {
	n := r.Uint64()
	if r.err == nil && n > uint64(r.Len()) { //nolint: gosec
		r.err = fmt.Errorf("%w: length %d at %d of %d", errs.ErrTruncated, n, r.pos, len(r.data))
	}
	if r.err != nil {
		return nil
	}

	return r.Bytes(int(n)) //nolint: gosec
}

// Skip advances over n bytes.
func (r *Reader) Skip(n int) {
	if r.need(n) {
		r.pos += n
	}
}
