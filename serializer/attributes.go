package serializer

import (
	"bytes"
	"fmt"
	"math"

	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
	"github.com/arloliu/bpstream/metadata"
)

// DefineAttribute defines a scalar attribute. It is written with the next
// process group close and never again; redefining it with the same value is
// a no-op and with a different value is an error.
func (s *Serializer) DefineAttribute(name string, value metadata.Value) error {
	if !value.Type.Valid() {
		return &errs.TypeMismatchError{Tag: uint8(value.Type), Name: name}
	}

	rec := metadata.Record{Value: value}
	rec.Fields = rec.Fields.With(metadata.CharValue)

	return s.define(attribute{name: name, typ: value.Type, record: rec})
}

// DefineAttributeArray defines an array attribute.
func DefineAttributeArray[T metadata.Element](s *Serializer, name string, values []T) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: empty attribute array %q", errs.ErrProtocolMisuse, name)
	}

	n := uint64(len(values))
	rec := metadata.Record{
		Values: metadata.AppendElements(nil, s.engine, values),
		Dims:   metadata.Dimensions{Shape: []uint64{n}, Start: []uint64{0}, Count: []uint64{n}},
	}
	rec.Fields = rec.Fields.With(metadata.CharValues).With(metadata.CharDimensions)

	return s.define(attribute{name: name, typ: metadata.TypeOf[T](), record: rec})
}

func sameAttribute(a, b *attribute) bool {
	if a.typ != b.typ || a.record.Fields != b.record.Fields {
		return false
	}

	return a.record.Value == b.record.Value && bytes.Equal(a.record.Values, b.record.Values)
}

func (s *Serializer) define(attr attribute) error {
	if attr.name == "" {
		return fmt.Errorf("%w: empty attribute name", errs.ErrProtocolMisuse)
	}
	if len(attr.name) > math.MaxUint16 {
		return fmt.Errorf("%w: attribute name of %d bytes", errs.ErrProtocolMisuse, len(attr.name))
	}

	if prev, ok := s.definedAttrs[attr.name]; ok {
		if !sameAttribute(&prev, &attr) {
			return fmt.Errorf("%w: attribute %q redefined with a different value", errs.ErrProtocolMisuse, attr.name)
		}

		return nil
	}

	s.definedAttrs[attr.name] = attr
	s.pendingAttrs = append(s.pendingAttrs, attr)

	return nil
}

func (s *Serializer) attributeBlockSize(attr *attribute) int {
	// offset and time index are added when the block is written
	rec := attr.record
	rec.Fields = rec.Fields.With(metadata.CharOffset).With(metadata.CharTimeIndex)

	return format.TagSize + 4 + elementHeaderFixed + 2*len(attr.name) + rec.Size() + format.TagSize
}

// writeAttributes writes the attribute section of the open process group.
// Capacity was reserved by the caller.
func (s *Serializer) writeAttributes() error {
	countSlot, err := s.data.Reserve(4)
	if err != nil {
		return err
	}
	lengthSlot, err := s.data.Reserve(8)
	if err != nil {
		return err
	}
	start := s.data.Position()

	for i := range s.pendingAttrs {
		if err := s.writeAttribute(&s.pendingAttrs[i]); err != nil {
			return err
		}
	}

	if err := s.data.PatchUint32(countSlot, uint32(len(s.pendingAttrs))); err != nil { //nolint: gosec
		return err
	}
	if err := s.data.PatchUint64(lengthSlot, uint64(s.data.Position()-start)); err != nil { //nolint: gosec
		return err
	}
	s.pendingAttrs = s.pendingAttrs[:0]

	return nil
}

func (s *Serializer) writeAttribute(attr *attribute) error {
	id, _, err := s.attrIDs.Lookup(attr.name)
	if err != nil {
		return err
	}
	x, err := metadata.NewElementIndex(id, attr.name, elementPath(attr.name), attr.typ, s.engine)
	if err != nil {
		return err
	}

	rec := attr.record
	rec.Fields = rec.Fields.With(metadata.CharOffset).With(metadata.CharTimeIndex)
	rec.Offset = uint64(s.data.Position()) //nolint: gosec
	rec.Step = s.step

	blockStart := s.data.Position()
	if err := s.data.PutTag(format.TagAttrOpen); err != nil {
		return err
	}
	length, err := s.data.Reserve(4)
	if err != nil {
		return err
	}
	if err := s.putElementHeader(x); err != nil {
		return err
	}
	if _, err := rec.AppendTo(s.data, attr.typ); err != nil {
		return err
	}
	if err := s.data.PutTag(format.TagAttrClose); err != nil {
		return err
	}
	if err := s.data.PatchUint32(length, uint32(s.data.Position()-length.Pos()-4)); err != nil { //nolint: gosec
		return err
	}

	if _, err := x.Append(&rec); err != nil {
		return err
	}
	s.attrs[attr.name] = x
	s.metrics.Serialized("attribute", s.data.Position()-blockStart)

	return nil
}
