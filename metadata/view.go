package metadata

import (
	"fmt"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
)

// IndexView is a parsed element index whose records stay encoded.
// Slices alias the parsed input.
type IndexView struct {
	MemberID uint32
	Name     string
	Path     string
	Type     format.DataType
	Count    uint64

	// Header holds the encoded header through the count field.
	Header []byte
	// Records holds each encoded record including its length prefix.
	Records [][]byte
}

// ParseIndex parses one element index from the start of data and returns the
// number of bytes consumed.
//
// Returns:
//   - error: ErrTruncated on short input, *errs.TypeMismatchError for an
//     unknown type tag, ErrInvalidHeader when the record count disagrees
func ParseIndex(data []byte, engine endian.EndianEngine) (IndexView, int, error) {
	rd := buffer.NewReader(data, engine)
	total := int(rd.Uint32()) + indexLengthSize
	if err := rd.Err(); err != nil {
		return IndexView{}, 0, err
	}
	if total > len(data) || total < indexFixedSize {
		return IndexView{}, 0, fmt.Errorf("%w: element index of %d bytes, %d available",
			errs.ErrTruncated, total, len(data))
	}

	rd = buffer.NewReader(data[:total], engine)
	rd.Skip(indexLengthSize)

	var v IndexView
	v.MemberID = rd.Uint32()
	v.Name = rd.String16()
	v.Path = rd.String16()
	v.Type = format.DataType(rd.Uint8())
	v.Count = rd.Uint64()
	if err := rd.Err(); err != nil {
		return IndexView{}, 0, err
	}
	if !v.Type.Valid() {
		return IndexView{}, 0, &errs.TypeMismatchError{Tag: uint8(v.Type), Name: v.Name}
	}
	v.Header = data[:rd.Pos()]

	v.Records = make([][]byte, 0, min(v.Count, uint64(rd.Len()/recordHeaderSize))) //nolint: gosec
	for rd.Len() > 0 {
		start := rd.Pos()
		n := int(rd.Uint32())
		rd.Skip(n)
		if err := rd.Err(); err != nil {
			return IndexView{}, 0, fmt.Errorf("record %d of %q: %w", len(v.Records), v.Name, err)
		}
		v.Records = append(v.Records, data[start:rd.Pos()])
	}

	if uint64(len(v.Records)) != v.Count {
		return IndexView{}, 0, fmt.Errorf("%w: %q declares %d records, has %d",
			errs.ErrInvalidHeader, v.Name, v.Count, len(v.Records))
	}

	return v, total, nil
}

// Decode decodes every record of the view.
func (v *IndexView) Decode(engine endian.EndianEngine) ([]Record, error) {
	out := make([]Record, 0, len(v.Records))
	for i, rec := range v.Records {
		r, err := DecodeRecord(rec, v.Type, engine)
		if err != nil {
			return nil, fmt.Errorf("record %d of %q: %w", i, v.Name, err)
		}
		out = append(out, r)
	}

	return out, nil
}

// BodyLen returns the total encoded size of the records.
func (v *IndexView) BodyLen() int {
	n := 0
	for _, rec := range v.Records {
		n += len(rec)
	}

	return n
}

// AppendHeader appends a copy of header to buf with its length and count
// fields set for a body of bodyLen bytes holding count records.
func AppendHeader(buf *buffer.Buffer, header []byte, bodyLen int, count uint64) error {
	if len(header) < indexFixedSize {
		return fmt.Errorf("%w: element index header of %d bytes", errs.ErrTruncated, len(header))
	}

	start := buf.Position()
	if err := buf.PutBytes(header); err != nil {
		return err
	}
	if err := buf.PutUint32At(start, uint32(len(header)-indexLengthSize+bodyLen)); err != nil { //nolint: gosec
		return err
	}

	return buf.PutUint64At(start+len(header)-8, count)
}
