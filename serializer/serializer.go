// Package serializer builds one rank's data buffer and metadata indices.
//
// A rank writes process groups into its data buffer, one per step:
//
//	[PGI  u64 length  name  'y'|'n'  u32 rank  step name  u32 step
//	      u32 var count  u64 vars length  [VMD ... VMD]*
//	      u32 attr count u64 attrs length [AMD ... AMD]*  PGI]
//
// Every variable write is split into PutVariableMetadata, which writes an
// inline copy of the record and appends it to the variable's ElementIndex, and
// PutVariablePayload, which writes the (optionally transformed) payload and
// back-patches the block length. Exactly one payload must follow each
// metadata call; any other order is rejected with errs.ErrProtocolMisuse.
//
// Offsets in records and PG index entries are rank-local positions in the
// data buffer until UpdateOffsetsInMetadata adds the rank's global base.
package serializer

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/compress"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
	"github.com/arloliu/bpstream/internal/options"
	"github.com/arloliu/bpstream/internal/pool"
	"github.com/arloliu/bpstream/internal/registry"
	"github.com/arloliu/bpstream/metadata"
	"github.com/arloliu/bpstream/metrics"
	"github.com/arloliu/bpstream/section"
)

// element header inside a data block: u32 member id, u16+name, u16+path, u8 type
const elementHeaderFixed = 4 + 2 + 2 + 1

// openPG tracks the back-patch slots of the open process group.
type openPG struct {
	start      int
	length     buffer.Slot
	varCount   buffer.Slot
	varsLength buffer.Slot
	varsStart  int
	vars       uint32
	name       string
	stepName   string
}

// pendingVar is a variable whose metadata is written and payload is not.
type pendingVar struct {
	name        string
	index       *metadata.ElementIndex
	blockStart  int
	length      buffer.Slot
	payloadSize int
	op          compress.Operator
	info        compress.OperatorInfo
	dataLayout  metadata.RecordLayout
	indexLayout metadata.RecordLayout
}

// attribute is a defined attribute waiting for the next process group close.
type attribute struct {
	name   string
	typ    format.DataType
	record metadata.Record
}

// Serializer is the per-rank write state machine. It is owned by a single
// goroutine and is NOT safe for concurrent use.
type Serializer struct {
	rank        uint32
	subStream   uint32
	columnMajor bool
	engine      endian.EndianEngine

	data    *buffer.Buffer
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	varIDs  *registry.Registry
	attrIDs *registry.Registry
	vars    map[string]*metadata.ElementIndex
	attrs   map[string]*metadata.ElementIndex

	pgIndex     *buffer.Buffer
	pgStepStart int

	pg      *openPG
	pending *pendingVar
	pgCount uint64

	pendingAttrs []attribute
	definedAttrs map[string]attribute

	step           uint32
	offsetsUpdated bool
}

// New creates a Serializer for rank with a data buffer sized by cfg.
func New(rank int, cfg buffer.Config, opts ...Option) (*Serializer, error) {
	if rank < 0 {
		return nil, fmt.Errorf("%w: negative rank %d", errs.ErrConfig, rank)
	}

	data, err := buffer.New(cfg)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := &Serializer{
		rank:         uint32(rank), //nolint: gosec
		engine:       cfg.Engine,
		data:         data,
		logger:       logger,
		varIDs:       registry.New(),
		attrIDs:      registry.New(),
		vars:         make(map[string]*metadata.ElementIndex),
		attrs:        make(map[string]*metadata.ElementIndex),
		pgIndex:      buffer.NewUnbounded(cfg.Engine, 256),
		definedAttrs: make(map[string]attribute),
	}

	if err := options.Apply(s, opts...); err != nil {
		return nil, err
	}
	s.logger = s.logger.WithField("rank", rank)

	return s, nil
}

// Rank returns the rank the serializer writes for.
func (s *Serializer) Rank() int { return int(s.rank) }

// Engine returns the stream byte order.
func (s *Serializer) Engine() endian.EndianEngine { return s.engine }

// Data returns the rank's data buffer.
func (s *Serializer) Data() *buffer.Buffer { return s.data }

// Step returns the current step.
func (s *Serializer) Step() uint32 { return s.step }

// PGCount returns the number of process groups opened so far.
func (s *Serializer) PGCount() uint64 { return s.pgCount }

// IsPGOpen reports whether a process group is open.
func (s *Serializer) IsPGOpen() bool { return s.pg != nil }

// VariableIndex returns the index of a variable written by this rank.
func (s *Serializer) VariableIndex(name string) (*metadata.ElementIndex, bool) {
	x, ok := s.vars[name]
	return x, ok
}

// AttributeIndex returns the index of a serialized attribute.
func (s *Serializer) AttributeIndex(name string) (*metadata.ElementIndex, bool) {
	x, ok := s.attrs[name]
	return x, ok
}

// reserve makes room for n bytes in the data buffer before anything is written,
// so a flush signal never leaves a half-written block behind.
func (s *Serializer) reserve(n int) error {
	res, err := s.data.Resize(n)
	s.metrics.Resize(res.String())
	if err != nil {
		return err
	}
	if res == buffer.ResizeFlush {
		s.metrics.FlushRequired()
		return fmt.Errorf("%w: rank %d needs %d bytes at position %d of %d",
			errs.ErrFlushRequired, s.rank, n, s.data.Position(), s.data.MaxSize())
	}

	return nil
}

// BeginStep starts step. Every index becomes invalid until written again and
// the offset rewrite is re-armed.
func (s *Serializer) BeginStep(step uint32) error {
	if s.pg != nil {
		return fmt.Errorf("%w: step %d begun with process group %q open", errs.ErrProtocolMisuse, step, s.pg.name)
	}

	s.step = step
	s.offsetsUpdated = false
	s.pgStepStart = s.pgIndex.Position()
	for _, x := range s.vars {
		x.BeginStep()
	}
	for _, x := range s.attrs {
		x.BeginStep()
	}

	return nil
}

// ResumeStep starts a new flush segment of the current step after its data
// was drained mid-step. Records and process group entries written from here
// on get their own offset rewrite; the ones already rewritten keep theirs.
func (s *Serializer) ResumeStep() error {
	if s.pg != nil {
		return fmt.Errorf("%w: step %d resumed with process group %q open", errs.ErrProtocolMisuse, s.step, s.pg.name)
	}
	if !s.offsetsUpdated {
		return fmt.Errorf("%w: step %d resumed before its offsets were rewritten", errs.ErrProtocolMisuse, s.step)
	}

	s.offsetsUpdated = false
	s.pgStepStart = s.pgIndex.Position()
	for _, x := range s.vars {
		x.Resume()
	}
	for _, x := range s.attrs {
		x.Resume()
	}

	return nil
}

// OpenProcessGroup opens the rank's process group for the current step.
func (s *Serializer) OpenProcessGroup(name, stepName string) error {
	if s.pg != nil {
		return fmt.Errorf("%w: process group %q already open", errs.ErrProtocolMisuse, s.pg.name)
	}

	// tag, length, name, order, rank, step name, step, var count, vars length
	size := format.TagSize + 8 + 2 + len(name) + 1 + 4 + 2 + len(stepName) + 4 + 4 + 8
	if err := s.reserve(size); err != nil {
		return err
	}

	pg := &openPG{start: s.data.Position(), name: name, stepName: stepName}
	if err := s.data.PutTag(format.TagPGOpen); err != nil {
		return err
	}

	var err error
	if pg.length, err = s.data.Reserve(8); err != nil {
		return err
	}
	if err = s.data.PutString16(name); err != nil {
		return err
	}
	if err = s.data.PutUint8(section.ColumnMajorFlag(s.columnMajor)); err != nil {
		return err
	}
	if err = s.data.PutUint32(s.rank); err != nil {
		return err
	}
	if err = s.data.PutString16(stepName); err != nil {
		return err
	}
	if err = s.data.PutUint32(s.step); err != nil {
		return err
	}
	if pg.varCount, err = s.data.Reserve(4); err != nil {
		return err
	}
	if pg.varsLength, err = s.data.Reserve(8); err != nil {
		return err
	}
	pg.varsStart = s.data.Position()

	s.pg = pg
	s.pgCount++

	return nil
}

func elementPath(name string) string {
	if i := strings.LastIndexByte(name, '/'); i > 0 {
		return name[:i]
	}

	return ""
}

func (s *Serializer) variableIndex(name string, typ format.DataType) (*metadata.ElementIndex, error) {
	if x, ok := s.vars[name]; ok {
		if x.Type() != typ {
			return nil, &errs.TypeMismatchError{Tag: uint8(typ), Name: name}
		}

		return x, nil
	}

	if !typ.Valid() {
		return nil, &errs.TypeMismatchError{Tag: uint8(typ), Name: name}
	}
	if len(name) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: variable name of %d bytes", errs.ErrProtocolMisuse, len(name))
	}

	id, _, err := s.varIDs.Lookup(name)
	if err != nil {
		return nil, err
	}

	x, err := metadata.NewElementIndex(id, name, elementPath(name), typ, s.engine)
	if err != nil {
		return nil, err
	}
	s.vars[name] = x

	return x, nil
}

func (s *Serializer) putElementHeader(x *metadata.ElementIndex) error {
	if err := s.data.PutUint32(x.MemberID()); err != nil {
		return err
	}
	if err := s.data.PutString16(x.Name()); err != nil {
		return err
	}
	if err := s.data.PutString16(x.Path()); err != nil {
		return err
	}

	return s.data.PutUint8(uint8(x.Type()))
}

// PutVariableMetadata writes the metadata of one variable write.
//
// rec carries the caller's characteristics (value or statistics and
// dimensions); offsets, time index, file index and operator metadata are
// filled in here. payloadSize is the untransformed payload length; op is nil
// or the operator applied to the payload.
//
// Space for the block including the worst-case payload is reserved before
// anything is written; errs.ErrFlushRequired leaves the buffer untouched.
func (s *Serializer) PutVariableMetadata(name string, typ format.DataType, rec metadata.Record,
	payloadSize int, op compress.Operator,
) error {
	if s.pg == nil {
		return fmt.Errorf("%w: metadata of %q written without an open process group", errs.ErrProtocolMisuse, name)
	}
	if s.pending != nil {
		return fmt.Errorf("%w: metadata of %q written before the payload of %q",
			errs.ErrProtocolMisuse, name, s.pending.name)
	}
	if payloadSize < 0 {
		return fmt.Errorf("%w: negative payload size for %q", errs.ErrProtocolMisuse, name)
	}
	if op != nil && op.Type() == format.OperatorNone {
		op = nil
	}

	x, err := s.variableIndex(name, typ)
	if err != nil {
		return err
	}

	rec.Fields = rec.Fields.With(metadata.CharOffset).With(metadata.CharPayloadOffset).
		With(metadata.CharTimeIndex).With(metadata.CharFileIndex)
	rec.Step = s.step
	rec.FileIndex = s.subStream

	var info compress.OperatorInfo
	maxPayload := payloadSize
	if op != nil {
		op.SetMetadata(&info, payloadSize)
		rec.Operator = info
		rec.Fields = rec.Fields.With(metadata.CharOperator)
		maxPayload = op.MaxOutputSize(payloadSize)
	}

	header := elementHeaderFixed + len(x.Name()) + len(x.Path())
	blockStart := s.data.Position()
	payloadStart := blockStart + format.TagSize + 8 + header + rec.Size()
	rec.Offset, rec.PayloadOffset = uint64(blockStart), uint64(payloadStart) //nolint: gosec

	if err := s.reserve(format.TagSize + 8 + header + rec.Size() + maxPayload + format.TagSize); err != nil {
		return err
	}

	if err := s.data.PutTag(format.TagVarOpen); err != nil {
		return err
	}
	length, err := s.data.Reserve(8)
	if err != nil {
		return err
	}
	if err := s.putElementHeader(x); err != nil {
		return err
	}
	dataLayout, err := rec.AppendTo(s.data, typ)
	if err != nil {
		return err
	}
	indexLayout, err := x.Append(&rec)
	if err != nil {
		return err
	}

	s.pending = &pendingVar{
		name:        name,
		index:       x,
		blockStart:  blockStart,
		length:      length,
		payloadSize: payloadSize,
		op:          op,
		info:        info,
		dataLayout:  dataLayout,
		indexLayout: indexLayout,
	}
	s.pg.vars++

	return nil
}

// PutVariablePayload writes the payload announced by the preceding
// PutVariableMetadata call for the same variable and commits the block length.
func (s *Serializer) PutVariablePayload(name string, payload []byte) error {
	p := s.pending
	if p == nil {
		return fmt.Errorf("%w: payload of %q written without metadata", errs.ErrProtocolMisuse, name)
	}
	if p.name != name {
		return fmt.Errorf("%w: payload of %q written after metadata of %q", errs.ErrProtocolMisuse, name, p.name)
	}
	if len(payload) != p.payloadSize {
		return fmt.Errorf("%w: payload of %q is %d bytes, metadata announced %d",
			errs.ErrProtocolMisuse, name, len(payload), p.payloadSize)
	}

	if p.op != nil {
		region, err := s.data.Available(p.op.MaxOutputSize(len(payload)))
		if err != nil {
			return err
		}
		n, err := p.op.SetData(region, payload)
		if err != nil {
			return err
		}
		if err := s.data.Advance(n); err != nil {
			return err
		}

		p.op.UpdateMetadata(&p.info, n)
		if err := s.data.PutUint64At(p.dataLayout.OperatorOutputPos, p.info.OutputSize); err != nil {
			return err
		}
		if err := p.index.PatchOperatorOutputSize(p.indexLayout, p.info.OutputSize); err != nil {
			return err
		}
	} else if err := s.data.PutBytes(payload); err != nil {
		return err
	}

	if err := s.data.PutTag(format.TagVarClose); err != nil {
		return err
	}

	blockLen := s.data.Position() - p.length.Pos() - 8
	if err := s.data.PatchUint64(p.length, uint64(blockLen)); err != nil { //nolint: gosec
		return err
	}

	s.metrics.Serialized("variable", s.data.Position()-p.blockStart)
	s.pending = nil

	return nil
}

// PutVariable writes one variable block from typed values. An empty dims
// writes a single scalar value; otherwise values must cover dims.Count and
// the record carries statistics.
func PutVariable[T metadata.Element](s *Serializer, name string, dims metadata.Dimensions,
	values []T, op compress.Operator,
) error {
	var rec metadata.Record
	if dims.Len() == 0 {
		if len(values) != 1 {
			return fmt.Errorf("%w: scalar %q given %d values", errs.ErrProtocolMisuse, name, len(values))
		}
		rec.Value = metadata.ValueOf(values[0])
		rec.Fields = rec.Fields.With(metadata.CharValue)
	} else {
		if uint64(len(values)) != dims.Elements() {
			return fmt.Errorf("%w: %q given %d values for %d elements",
				errs.ErrProtocolMisuse, name, len(values), dims.Elements())
		}
		rec.Dims = dims
		rec.Fields = rec.Fields.With(metadata.CharDimensions)
		rec.SetStats(metadata.ComputeStats(values))
	}

	scratch := pool.GetScratchBuffer()
	defer pool.PutScratchBuffer(scratch)
	scratch.B = metadata.AppendElements(scratch.B, s.engine, values)

	if err := s.PutVariableMetadata(name, metadata.TypeOf[T](), rec, len(scratch.B), op); err != nil {
		return err
	}

	return s.PutVariablePayload(name, scratch.B)
}

// PutString writes a scalar string variable.
func (s *Serializer) PutString(name, value string) error {
	rec := metadata.Record{Value: metadata.StringValue(value)}
	rec.Fields = rec.Fields.With(metadata.CharValue)

	if err := s.PutVariableMetadata(name, format.TypeString, rec, len(value), nil); err != nil {
		return err
	}

	return s.PutVariablePayload(name, []byte(value))
}

// CloseProcessGroup finalizes the open process group: it commits the
// variable count and length, writes newly defined attributes, closes the
// block and records the group in the PG index.
func (s *Serializer) CloseProcessGroup() error {
	pg := s.pg
	if pg == nil {
		return fmt.Errorf("%w: no open process group", errs.ErrProtocolMisuse)
	}
	if s.pending != nil {
		return fmt.Errorf("%w: process group closed before the payload of %q",
			errs.ErrProtocolMisuse, s.pending.name)
	}

	size := 4 + 8 + format.TagSize
	for i := range s.pendingAttrs {
		size += s.attributeBlockSize(&s.pendingAttrs[i])
	}
	if err := s.reserve(size); err != nil {
		return err
	}

	if err := s.data.PatchUint32(pg.varCount, pg.vars); err != nil {
		return err
	}
	if err := s.data.PatchUint64(pg.varsLength, uint64(s.data.Position()-pg.varsStart)); err != nil { //nolint: gosec
		return err
	}

	if err := s.writeAttributes(); err != nil {
		return err
	}

	if err := s.data.PutTag(format.TagPGClose); err != nil {
		return err
	}
	pgLen := s.data.Position() - pg.length.Pos() - 8
	if err := s.data.PatchUint64(pg.length, uint64(pgLen)); err != nil { //nolint: gosec
		return err
	}

	if err := s.data.CheckSlots(); err != nil {
		return err
	}
	s.data.ForgetSlots()

	entry := section.PGIndexEntry{
		Name:        pg.name,
		ColumnMajor: s.columnMajor,
		ProcessID:   s.rank,
		StepName:    pg.stepName,
		Step:        s.step,
		Offset:      uint64(pg.start), //nolint: gosec
	}
	if err := entry.AppendTo(s.pgIndex); err != nil {
		return err
	}

	s.pg = nil
	s.metrics.Serialized("pg", s.data.Position()-pg.start)

	s.logger.WithFields(logrus.Fields{
		"action": "close_process_group",
		"step":   s.step,
		"vars":   pg.vars,
		"bytes":  s.data.Position() - pg.start,
	}).Debug("process group closed")

	return nil
}
