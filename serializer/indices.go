package serializer

import (
	"fmt"

	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/internal/pool"
	"github.com/arloliu/bpstream/metadata"
	"github.com/arloliu/bpstream/section"
)

// Entry kinds of a gather stream.
const (
	KindPG        uint8 = 1
	KindVariable  uint8 = 2
	KindAttribute uint8 = 3
)

// StreamEntryHeaderSize is the size of u8 kind, u32 source rank and u64 length.
const StreamEntryHeaderSize = 1 + 4 + 8

// UpdateOffsetsInMetadata adds base, the rank's global position, to every
// offset recorded in the current step: variable and attribute records and
// process group entries. It runs at most once per step.
func (s *Serializer) UpdateOffsetsInMetadata(base uint64) error {
	if s.offsetsUpdated {
		return fmt.Errorf("%w: offsets already rewritten in step %d", errs.ErrProtocolMisuse, s.step)
	}

	for _, name := range s.varIDs.Names() {
		if err := s.vars[name].UpdateOffsets(base); err != nil {
			return err
		}
	}
	for _, name := range s.attrIDs.Names() {
		if err := s.attrs[name].UpdateOffsets(base); err != nil {
			return err
		}
	}

	data := s.pgIndex.Bytes()
	engine := s.engine
	for pos := s.pgStepStart; pos < len(data); {
		if pos+2 > len(data) {
			return fmt.Errorf("%w: PG index entry at %d", errs.ErrTruncated, pos)
		}
		end := pos + 2 + int(engine.Uint16(data[pos:]))
		if end > len(data) {
			return fmt.Errorf("%w: PG index entry at %d ends past %d", errs.ErrTruncated, pos, len(data))
		}
		if err := section.AddEntryOffset(data[pos:end], engine, base); err != nil {
			return err
		}
		pos = end
	}

	s.offsetsUpdated = true

	return nil
}

// OffsetsUpdated reports whether the offsets of the current step were rewritten.
func (s *Serializer) OffsetsUpdated() bool { return s.offsetsUpdated }

func (s *Serializer) appendStreamEntry(bb *pool.ByteBuffer, kind uint8, entry []byte) {
	hdr := bb.Extend(StreamEntryHeaderSize)
	hdr[0] = kind
	s.engine.PutUint32(hdr[1:], s.rank)
	s.engine.PutUint64(hdr[5:], uint64(len(entry)))
	_, _ = bb.Write(entry)
}

// SerializeIndices flattens the rank's indices into a gather stream: every
// process group entry, the variable indices written in the current step (or
// all of them when all is set) and every attribute index. The caller returns
// the buffer with pool.PutStreamBuffer.
func (s *Serializer) SerializeIndices(all bool) (*pool.ByteBuffer, error) {
	bb := pool.GetStreamBuffer()

	data := s.pgIndex.Bytes()
	for pos := 0; pos < len(data); {
		_, n, err := section.ParsePGIndexEntry(data[pos:], s.engine)
		if err != nil {
			pool.PutStreamBuffer(bb)
			return nil, err
		}
		s.appendStreamEntry(bb, KindPG, data[pos:pos+n])
		pos += n
	}

	for _, name := range s.varIDs.Names() {
		x := s.vars[name]
		if !all && !x.Valid() {
			continue
		}
		s.appendStreamEntry(bb, KindVariable, x.Bytes())
	}
	for _, name := range s.attrIDs.Names() {
		s.appendStreamEntry(bb, KindAttribute, s.attrs[name].Bytes())
	}

	return bb, nil
}

// StreamEntry is one entry of a gather stream. Data aliases the stream.
type StreamEntry struct {
	Kind   uint8
	Source uint32
	Data   []byte
}

// WalkStream calls fn for every entry of a gather stream produced by
// SerializeIndices, or of several such streams concatenated.
func WalkStream(stream []byte, engine endian.EndianEngine, fn func(StreamEntry) error) error {
	for pos := 0; pos < len(stream); {
		if pos+StreamEntryHeaderSize > len(stream) {
			return fmt.Errorf("%w: gather stream entry header at %d", errs.ErrTruncated, pos)
		}
		kind := stream[pos]
		source := engine.Uint32(stream[pos+1:])
		n := engine.Uint64(stream[pos+5:])
		pos += StreamEntryHeaderSize
		if n > uint64(len(stream)-pos) {
			return fmt.Errorf("%w: gather stream entry of %d bytes at %d", errs.ErrTruncated, n, pos)
		}
		if kind < KindPG || kind > KindAttribute {
			return fmt.Errorf("%w: gather stream entry kind %d", errs.ErrInvalidTag, kind)
		}

		end := pos + int(n) //nolint: gosec
		if err := fn(StreamEntry{Kind: kind, Source: source, Data: stream[pos:end]}); err != nil {
			return err
		}
		pos = end
	}

	return nil
}

// ResetIndices drops the bodies of every variable index and the process group
// index after they were gathered; headers and member ids survive.
func (s *Serializer) ResetIndices() error {
	for _, name := range s.varIDs.Names() {
		if err := s.vars[name].ResetBody(); err != nil {
			return err
		}
	}
	if err := s.pgIndex.Truncate(0); err != nil {
		return err
	}
	s.pgStepStart = 0

	return nil
}

// ResetData empties the data buffer after its contents were handed to the
// aggregator, keeping the absolute position.
func (s *Serializer) ResetData() error {
	if s.pg != nil {
		return fmt.Errorf("%w: data reset with process group %q open", errs.ErrProtocolMisuse, s.pg.name)
	}
	s.data.Reset(false)

	return nil
}

// Indices returns the variable indices in first-write order.
func (s *Serializer) Indices() []*metadata.ElementIndex {
	out := make([]*metadata.ElementIndex, 0, len(s.vars))
	for _, name := range s.varIDs.Names() {
		out = append(out, s.vars[name])
	}

	return out
}
