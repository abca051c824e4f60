package section

import (
	"fmt"
	"math"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
)

// PGIndexEntry locates one rank's process group for one step.
type PGIndexEntry struct {
	Name        string
	ColumnMajor bool
	ProcessID   uint32
	StepName    string
	Step        uint32
	// Offset is the byte position of the group's opening tag: rank-local
	// until rewritten with the rank's global base.
	Offset uint64
}

// Size returns the encoded size including the length prefix.
func (e *PGIndexEntry) Size() int {
	return PGEntryMinSize + len(e.Name) + len(e.StepName)
}

// AppendTo appends the encoded entry to buf.
//
// Parameters:
//   - buf: Destination buffer
//
// Returns:
//   - error: ErrProtocolMisuse for names longer than 65535 bytes, or the
//     buffer's capacity errors
func (e *PGIndexEntry) AppendTo(buf *buffer.Buffer) error {
	if len(e.Name) > math.MaxUint16 || len(e.StepName) > math.MaxUint16 {
		return fmt.Errorf("%w: process group names too long", errs.ErrProtocolMisuse)
	}

	if _, err := buf.Available(e.Size()); err != nil {
		return err
	}

	_ = buf.PutUint16(uint16(e.Size() - 2)) //nolint: gosec
	_ = buf.PutString16(e.Name)
	_ = buf.PutUint8(ColumnMajorFlag(e.ColumnMajor))
	_ = buf.PutUint32(e.ProcessID)
	_ = buf.PutString16(e.StepName)
	_ = buf.PutUint32(e.Step)

	return buf.PutUint64(e.Offset)
}

// ColumnMajorFlag returns the byte stored for the array ordering.
func ColumnMajorFlag(columnMajor bool) uint8 {
	if columnMajor {
		return columnMajorY
	}

	return columnMajorN
}

// ParsePGIndexEntry decodes one entry from the start of data and returns the
// number of bytes consumed.
func ParsePGIndexEntry(data []byte, engine endian.EndianEngine) (PGIndexEntry, int, error) {
	if len(data) < 2 {
		return PGIndexEntry{}, 0, fmt.Errorf("%w: PG index entry length", errs.ErrTruncated)
	}

	total := int(engine.Uint16(data)) + 2
	if total < PGEntryMinSize || total > len(data) {
		return PGIndexEntry{}, 0, fmt.Errorf("%w: PG index entry of %d bytes, %d available",
			errs.ErrTruncated, total, len(data))
	}

	r := buffer.NewReader(data[2:total], engine)
	var e PGIndexEntry
	e.Name = r.String16()
	e.ColumnMajor = r.Uint8() == columnMajorY
	e.ProcessID = r.Uint32()
	e.StepName = r.String16()
	e.Step = r.Uint32()
	e.Offset = r.Uint64()

	if err := r.Err(); err != nil {
		return PGIndexEntry{}, 0, err
	}
	if r.Len() != 0 {
		return PGIndexEntry{}, 0, fmt.Errorf("%w: PG index entry has %d trailing bytes",
			errs.ErrInvalidHeader, r.Len())
	}

	return e, total, nil
}

// AddEntryOffset adds base to the offset field of the encoded entry in place.
func AddEntryOffset(entry []byte, engine endian.EndianEngine, base uint64) error {
	if len(entry) < PGEntryMinSize {
		return fmt.Errorf("%w: PG index entry of %d bytes", errs.ErrTruncated, len(entry))
	}

	pos := len(entry) - 8
	engine.PutUint64(entry[pos:], engine.Uint64(entry[pos:])+base)

	return nil
}
