package metadata

import (
	"errors"
	"fmt"
	"math"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
)

// index header: u32 length after this field, u32 member id, u16+name,
// u16+path, u8 type, u64 count
const (
	indexLengthSize = 4
	indexFixedSize  = 4 + 4 + 2 + 2 + 1 + 8
)

// ElementIndex is the serialized metadata of one named variable or attribute:
// a header written once followed by one record per write.
//
// The header's length and count fields are rewritten after every Append. The
// records of the current step start at stepStart; UpdateOffsets rewrites only
// those and may run once per step.
type ElementIndex struct {
	memberID uint32
	name     string
	path     string
	typ      format.DataType

	count uint64
	valid bool

	buf       *buffer.Buffer
	countPos  int
	headerEnd int
	stepStart int

	offsetsUpdated bool
}

// NewElementIndex creates an index and writes its header.
func NewElementIndex(memberID uint32, name, path string, typ format.DataType,
	engine endian.EndianEngine,
) (*ElementIndex, error) {
	if !typ.Valid() {
		return nil, &errs.TypeMismatchError{Tag: uint8(typ), Name: name}
	}
	if len(name) > math.MaxUint16 || len(path) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: element name too long", errs.ErrProtocolMisuse)
	}

	x := &ElementIndex{
		memberID: memberID,
		name:     name,
		path:     path,
		typ:      typ,
		buf:      buffer.NewUnbounded(engine, indexFixedSize+len(name)+len(path)+256),
	}

	_ = x.buf.PutUint32(0)
	_ = x.buf.PutUint32(memberID)
	_ = x.buf.PutString16(name)
	_ = x.buf.PutString16(path)
	_ = x.buf.PutUint8(uint8(typ))
	x.countPos = x.buf.Position()
	_ = x.buf.PutUint64(0)
	x.headerEnd = x.buf.Position()
	x.stepStart = x.headerEnd

	return x, x.patchHeader()
}

// MemberID returns the rank-local member id.
func (x *ElementIndex) MemberID() uint32 { return x.memberID }

// Name returns the element name.
func (x *ElementIndex) Name() string { return x.name }

// Path returns the element path.
func (x *ElementIndex) Path() string { return x.path }

// Type returns the element type tag.
func (x *ElementIndex) Type() format.DataType { return x.typ }

// Count returns the number of records in the body.
func (x *ElementIndex) Count() uint64 { return x.count }

// Valid reports whether the element was written in the current step.
func (x *ElementIndex) Valid() bool { return x.valid }

// Bytes returns the encoded index. The slice aliases the index buffer.
func (x *ElementIndex) Bytes() []byte { return x.buf.Bytes() }

// Len returns the encoded size.
func (x *ElementIndex) Len() int { return x.buf.Position() }

// Append adds one record, updates the header and marks the element valid.
// The returned layout is relative to Bytes.
func (x *ElementIndex) Append(r *Record) (RecordLayout, error) {
	layout, err := r.AppendTo(x.buf, x.typ)
	if err != nil {
		var tm *errs.TypeMismatchError
		if errors.As(err, &tm) {
			tm.Name = x.name
		}

		return RecordLayout{}, err
	}

	x.count++
	x.valid = true

	return layout, x.patchHeader()
}

// PatchOperatorOutputSize rewrites the operator output size of a record
// appended earlier.
func (x *ElementIndex) PatchOperatorOutputSize(layout RecordLayout, size uint64) error {
	if layout.OperatorOutputPos < 0 {
		return fmt.Errorf("%w: record of %q has no operator", errs.ErrProtocolMisuse, x.name)
	}

	return x.buf.PutUint64At(layout.OperatorOutputPos, size)
}

// BeginStep starts a new step: the element becomes invalid until written and
// offsets may be rewritten once more.
func (x *ElementIndex) BeginStep() {
	x.valid = false
	x.offsetsUpdated = false
	x.stepStart = x.buf.Position()
}

// Resume starts a new flush segment of the current step: the records from
// here on get their own offset rewrite. Validity is kept.
func (x *ElementIndex) Resume() {
	x.offsetsUpdated = false
	x.stepStart = x.buf.Position()
}

// UpdateOffsets adds base to the offsets of every record appended in the
// current step. The rewrite is additive, so a second call within the same
// step fails with ErrProtocolMisuse.
func (x *ElementIndex) UpdateOffsets(base uint64) error {
	if x.offsetsUpdated {
		return fmt.Errorf("%w: offsets of %q already rewritten this step", errs.ErrProtocolMisuse, x.name)
	}

	data := x.buf.Bytes()
	engine := x.buf.Engine()
	for pos := x.stepStart; pos < len(data); {
		if pos+4 > len(data) {
			return fmt.Errorf("%w: record header at %d", errs.ErrTruncated, pos)
		}
		end := pos + 4 + int(engine.Uint32(data[pos:]))
		if end > len(data) {
			return fmt.Errorf("%w: record at %d ends past %d", errs.ErrTruncated, pos, len(data))
		}
		if err := AddOffsetBase(data[pos:end], engine, base); err != nil {
			return err
		}
		pos = end
	}
	x.offsetsUpdated = true

	return nil
}

// OffsetsUpdated reports whether UpdateOffsets has run in the current step.
func (x *ElementIndex) OffsetsUpdated() bool { return x.offsetsUpdated }

// ResetBody drops every record and keeps the header and member id.
func (x *ElementIndex) ResetBody() error {
	if err := x.buf.Truncate(x.headerEnd); err != nil {
		return err
	}
	x.count = 0
	x.stepStart = x.headerEnd

	return x.patchHeader()
}

func (x *ElementIndex) patchHeader() error {
	if err := x.buf.PutUint32At(0, uint32(x.buf.Position()-indexLengthSize)); err != nil { //nolint: gosec
		return err
	}

	return x.buf.PutUint64At(x.countPos, x.count)
}
