package metadata

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/compress"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
)

// CharacteristicID identifies one field of a characteristic record.
type CharacteristicID uint8

const (
	CharValue CharacteristicID = iota
	CharMin
	CharMax
	CharOffset
	CharPayloadOffset
	CharTimeIndex
	CharFileIndex
	CharDimensions
	CharStatCount
	CharSum
	CharSumSquares
	CharOperator
	CharValues

	numCharacteristics
)

// record framing: u32 length, u8 characteristic count; each characteristic
// is u8 id, u16 length, payload
const (
	recordHeaderSize = 4 + 1
	charHeaderSize   = 1 + 2
	dimTripleSize    = 3 * 8
	maxDims          = math.MaxUint8
)

// CharSet is a bit set of the characteristics present in a Record.
type CharSet uint16

// Has reports whether id is in the set.
func (s CharSet) Has(id CharacteristicID) bool {
	return s&(1<<id) != 0
}

// With returns the set with id added.
func (s CharSet) With(id CharacteristicID) CharSet {
	return s | 1<<id
}

// Len returns the number of characteristics in the set.
func (s CharSet) Len() int {
	return bits.OnesCount16(uint16(s))
}

// Dimensions is the shape/start/count triple of a decomposed array write.
// All three slices have the same length; an empty Dimensions denotes a scalar.
type Dimensions struct {
	Shape []uint64
	Start []uint64
	Count []uint64
}

// Len returns the number of dimensions.
func (d Dimensions) Len() int {
	return len(d.Shape)
}

// Elements returns the number of elements covered by Count.
func (d Dimensions) Elements() uint64 {
	if len(d.Count) == 0 {
		return 1
	}

	n := uint64(1)
	for _, c := range d.Count {
		n *= c
	}

	return n
}

func (d Dimensions) validate() error {
	if len(d.Start) != len(d.Shape) || len(d.Count) != len(d.Shape) {
		return fmt.Errorf("%w: dimensions of unequal rank (%d, %d, %d)",
			errs.ErrProtocolMisuse, len(d.Shape), len(d.Start), len(d.Count))
	}
	if len(d.Shape) > maxDims {
		return fmt.Errorf("%w: %d dimensions", errs.ErrProtocolMisuse, len(d.Shape))
	}

	return nil
}

// Record is one characteristic set: the metadata of a single write.
type Record struct {
	// Fields lists the characteristics that are present.
	Fields CharSet

	Value Value
	Min   Value
	Max   Value

	// Offset is the position of the block's opening tag and PayloadOffset the
	// position of the payload; both are rank-local until rewritten with the
	// rank's global base.
	Offset        uint64
	PayloadOffset uint64

	Step      uint32
	FileIndex uint32
	Dims      Dimensions

	StatCount  uint64
	Sum        float64
	SumSquares float64

	Operator compress.OperatorInfo

	// Values holds raw elements of an array attribute.
	Values []byte
}

// SetStats copies s into the record.
func (r *Record) SetStats(s Stats) {
	r.Fields = r.Fields.With(CharStatCount)
	r.StatCount = s.Count
	if s.HasMinMax {
		r.Fields = r.Fields.With(CharMin).With(CharMax).With(CharSum).With(CharSumSquares)
		r.Min, r.Max = s.Min, s.Max
		r.Sum, r.SumSquares = s.Sum, s.SumSquares
	}
}

// RecordLayout reports where the patchable fields of an encoded record landed.
// Positions are absolute within the destination buffer; -1 means absent.
type RecordLayout struct {
	Start             int
	Size              int
	OperatorOutputPos int
}

func (r *Record) charSize(id CharacteristicID) int {
	switch id {
	case CharValue:
		return r.Value.Size()
	case CharMin:
		return r.Min.Size()
	case CharMax:
		return r.Max.Size()
	case CharOffset, CharPayloadOffset, CharStatCount, CharSum, CharSumSquares:
		return 8
	case CharTimeIndex, CharFileIndex:
		return 4
	case CharDimensions:
		return 1 + r.Dims.Len()*dimTripleSize
	case CharOperator:
		return compress.OperatorInfoSize
	case CharValues:
		return len(r.Values)
	default:
		return 0
	}
}

// Size returns the encoded size of the record including its length prefix.
func (r *Record) Size() int {
	size := recordHeaderSize
	for id := range numCharacteristics {
		if r.Fields.Has(id) {
			size += charHeaderSize + r.charSize(id)
		}
	}

	return size
}

func (r *Record) validate(typ format.DataType) error {
	for _, id := range []CharacteristicID{CharValue, CharMin, CharMax} {
		if !r.Fields.Has(id) {
			continue
		}
		v := r.valueOf(id)
		if v.Type != typ {
			return &errs.TypeMismatchError{Tag: uint8(v.Type)}
		}
		if v.Size() > math.MaxUint16 {
			return fmt.Errorf("%w: value of %d bytes", errs.ErrProtocolMisuse, v.Size())
		}
	}
	if r.Fields.Has(CharValues) && len(r.Values) > math.MaxUint16 {
		return fmt.Errorf("%w: attribute values of %d bytes", errs.ErrProtocolMisuse, len(r.Values))
	}
	if r.Fields.Has(CharDimensions) {
		return r.Dims.validate()
	}

	return nil
}

func (r *Record) valueOf(id CharacteristicID) Value {
	switch id {
	case CharMin:
		return r.Min
	case CharMax:
		return r.Max
	default:
		return r.Value
	}
}

// AppendTo encodes the record for an element of type typ at the cursor of buf.
func (r *Record) AppendTo(buf *buffer.Buffer, typ format.DataType) (RecordLayout, error) {
	if err := r.validate(typ); err != nil {
		return RecordLayout{}, err
	}

	size := r.Size()
	if _, err := buf.Available(size); err != nil {
		return RecordLayout{}, err
	}

	layout := RecordLayout{Start: buf.Position(), Size: size, OperatorOutputPos: -1}
	engine := buf.Engine()

	// capacity is reserved above, so the puts below cannot fail
	_ = buf.PutUint32(uint32(size - 4)) //nolint: gosec
	_ = buf.PutUint8(uint8(r.Fields.Len()))
	for id := range numCharacteristics {
		if !r.Fields.Has(id) {
			continue
		}
		_ = buf.PutUint8(uint8(id))
		_ = buf.PutUint16(uint16(r.charSize(id))) //nolint: gosec

		switch id {
		case CharValue, CharMin, CharMax:
			if err := r.valueOf(id).appendTo(buf); err != nil {
				return RecordLayout{}, err
			}
		case CharOffset:
			_ = buf.PutUint64(r.Offset)
		case CharPayloadOffset:
			_ = buf.PutUint64(r.PayloadOffset)
		case CharTimeIndex:
			_ = buf.PutUint32(r.Step)
		case CharFileIndex:
			_ = buf.PutUint32(r.FileIndex)
		case CharDimensions:
			_ = buf.PutUint8(uint8(r.Dims.Len()))
			for i := range r.Dims.Shape {
				_ = buf.PutUint64(r.Dims.Shape[i])
				_ = buf.PutUint64(r.Dims.Start[i])
				_ = buf.PutUint64(r.Dims.Count[i])
			}
		case CharStatCount:
			_ = buf.PutUint64(r.StatCount)
		case CharSum:
			_ = buffer.Put(buf, r.Sum)
		case CharSumSquares:
			_ = buffer.Put(buf, r.SumSquares)
		case CharOperator:
			region, _ := buf.Available(compress.OperatorInfoSize)
			r.Operator.Encode(region, engine)
			layout.OperatorOutputPos = buf.Position() + compress.OperatorOutputSizePos
			_ = buf.Advance(compress.OperatorInfoSize)
		case CharValues:
			_ = buf.PutBytes(r.Values)
		}
	}

	return layout, nil
}

// DecodeRecord decodes an encoded record, including its length prefix, for an
// element of type typ. Unknown characteristic ids are skipped.
func DecodeRecord(rec []byte, typ format.DataType, engine endian.EndianEngine) (Record, error) {
	var r Record
	err := forEachCharacteristic(rec, engine, func(id CharacteristicID, payload []byte, _ int) error {
		rd := buffer.NewReader(payload, engine)
		switch id {
		case CharValue, CharMin, CharMax:
			v, err := DecodeValue(typ, payload, engine)
			if err != nil {
				return err
			}
			switch id {
			case CharValue:
				r.Value = v
			case CharMin:
				r.Min = v
			default:
				r.Max = v
			}
		case CharOffset:
			r.Offset = rd.Uint64()
		case CharPayloadOffset:
			r.PayloadOffset = rd.Uint64()
		case CharTimeIndex:
			r.Step = rd.Uint32()
		case CharFileIndex:
			r.FileIndex = rd.Uint32()
		case CharDimensions:
			n := int(rd.Uint8())
			r.Dims = Dimensions{Shape: make([]uint64, n), Start: make([]uint64, n), Count: make([]uint64, n)}
			for i := range n {
				r.Dims.Shape[i] = rd.Uint64()
				r.Dims.Start[i] = rd.Uint64()
				r.Dims.Count[i] = rd.Uint64()
			}
		case CharStatCount:
			r.StatCount = rd.Uint64()
		case CharSum:
			r.Sum = math.Float64frombits(rd.Uint64())
		case CharSumSquares:
			r.SumSquares = math.Float64frombits(rd.Uint64())
		case CharOperator:
			info, err := compress.DecodeOperatorInfo(payload, engine)
			if err != nil {
				return err
			}
			r.Operator = info
		case CharValues:
			r.Values = append([]byte(nil), payload...)
		default:
			return nil
		}
		if err := rd.Err(); err != nil {
			return fmt.Errorf("characteristic %d: %w", id, err)
		}
		r.Fields = r.Fields.With(id)

		return nil
	})
	if err != nil {
		return Record{}, err
	}

	return r, nil
}

// forEachCharacteristic walks the characteristics of an encoded record.
// fn receives each payload and its position within rec.
func forEachCharacteristic(rec []byte, engine endian.EndianEngine,
	fn func(id CharacteristicID, payload []byte, pos int) error,
) error {
	rd := buffer.NewReader(rec, engine)
	length := int(rd.Uint32())
	count := int(rd.Uint8())
	if err := rd.Err(); err != nil {
		return err
	}
	if length+4 != len(rec) {
		return fmt.Errorf("%w: record declares %d bytes, has %d", errs.ErrTruncated, length+4, len(rec))
	}

	for range count {
		id := CharacteristicID(rd.Uint8())
		n := int(rd.Uint16())
		pos := rd.Pos()
		payload := rd.Bytes(n)
		if err := rd.Err(); err != nil {
			return err
		}
		if err := fn(id, payload, pos); err != nil {
			return err
		}
	}

	return nil
}

// RecordStep returns the time index of an encoded record.
func RecordStep(rec []byte, engine endian.EndianEngine) (uint32, error) {
	var (
		step  uint32
		found bool
	)
	err := forEachCharacteristic(rec, engine, func(id CharacteristicID, payload []byte, _ int) error {
		if id == CharTimeIndex && len(payload) == 4 {
			step = engine.Uint32(payload)
			found = true
		}

		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: record without time index", errs.ErrInvalidHeader)
	}

	return step, nil
}

// AddOffsetBase adds base to the offset and payload offset of an encoded
// record in place.
func AddOffsetBase(rec []byte, engine endian.EndianEngine, base uint64) error {
	return forEachCharacteristic(rec, engine, func(id CharacteristicID, payload []byte, _ int) error {
		if id != CharOffset && id != CharPayloadOffset {
			return nil
		}
		if len(payload) != 8 {
			return fmt.Errorf("%w: offset characteristic of %d bytes", errs.ErrTruncated, len(payload))
		}
		engine.PutUint64(payload, engine.Uint64(payload)+base)

		return nil
	})
}
