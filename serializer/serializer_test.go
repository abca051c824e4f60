package serializer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/compress"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
	"github.com/arloliu/bpstream/metadata"
	"github.com/arloliu/bpstream/section"
)

type pgLayout struct {
	length    uint64
	name      string
	rank      uint32
	step      uint32
	varCount  uint32
	vars      []byte
	attrCount uint32
	attrs     []byte
	size      int
}

func parsePG(t *testing.T, data []byte, engine endian.EndianEngine) pgLayout {
	t.Helper()

	rd := buffer.NewReader(data, engine)
	require.Equal(t, format.TagPGOpen, string(rd.Bytes(4)))

	var pg pgLayout
	pg.length = rd.Uint64()
	pg.name = rd.String16()
	rd.Uint8()
	pg.rank = rd.Uint32()
	rd.String16()
	pg.step = rd.Uint32()
	pg.varCount = rd.Uint32()
	pg.vars = rd.Bytes(int(rd.Uint64()))
	pg.attrCount = rd.Uint32()
	pg.attrs = rd.Bytes(int(rd.Uint64()))
	require.Equal(t, format.TagPGClose, string(rd.Bytes(4)))
	require.NoError(t, rd.Err())
	pg.size = rd.Pos()

	return pg
}

func newSerializer(t *testing.T, opts ...Option) *Serializer {
	t.Helper()

	s, err := New(1, buffer.DefaultConfig(), opts...)
	require.NoError(t, err)

	return s
}

func indexRecords(t *testing.T, x *metadata.ElementIndex, engine endian.EndianEngine) []metadata.Record {
	t.Helper()

	view, n, err := metadata.ParseIndex(x.Bytes(), engine)
	require.NoError(t, err)
	require.Equal(t, x.Len(), n)

	recs, err := view.Decode(engine)
	require.NoError(t, err)

	return recs
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(-1, buffer.DefaultConfig())
	require.ErrorIs(t, err, errs.ErrConfig)

	cfg := buffer.DefaultConfig()
	cfg.GrowthFactor = 1
	_, err = New(0, cfg)
	require.ErrorIs(t, err, errs.ErrConfig)

	_, err = New(0, buffer.DefaultConfig(), WithLogger(nil))
	require.ErrorIs(t, err, errs.ErrConfig)
}

func TestProtocolMisuse(t *testing.T) {
	s := newSerializer(t)
	require.NoError(t, s.BeginStep(0))

	rec := metadata.Record{Value: metadata.ValueOf(int32(1))}
	rec.Fields = rec.Fields.With(metadata.CharValue)

	err := s.PutVariableMetadata("a", format.TypeInt32, rec, 4, nil)
	require.ErrorIs(t, err, errs.ErrProtocolMisuse, "no open process group")

	err = s.PutVariablePayload("a", make([]byte, 4))
	require.ErrorIs(t, err, errs.ErrProtocolMisuse, "payload without metadata")

	require.ErrorIs(t, s.CloseProcessGroup(), errs.ErrProtocolMisuse)

	require.Equal(t, uint64(0), s.PGCount())
	require.NoError(t, s.OpenProcessGroup("sim", "step"))
	require.Equal(t, uint64(1), s.PGCount(), "counted when opened")
	require.ErrorIs(t, s.OpenProcessGroup("sim", "step"), errs.ErrProtocolMisuse)
	require.Equal(t, uint64(1), s.PGCount())
	require.ErrorIs(t, s.BeginStep(1), errs.ErrProtocolMisuse)

	require.NoError(t, s.PutVariableMetadata("a", format.TypeInt32, rec, 4, nil))

	err = s.PutVariableMetadata("b", format.TypeInt32, rec, 4, nil)
	require.ErrorIs(t, err, errs.ErrProtocolMisuse, "second metadata before payload")

	err = s.PutVariablePayload("b", make([]byte, 4))
	require.ErrorIs(t, err, errs.ErrProtocolMisuse, "payload for another variable")

	err = s.PutVariablePayload("a", make([]byte, 8))
	require.ErrorIs(t, err, errs.ErrProtocolMisuse, "payload size differs")

	require.ErrorIs(t, s.CloseProcessGroup(), errs.ErrProtocolMisuse, "close with payload pending")
	require.ErrorIs(t, s.ResetData(), errs.ErrProtocolMisuse)

	require.NoError(t, s.PutVariablePayload("a", make([]byte, 4)))
	require.NoError(t, s.CloseProcessGroup())
	require.False(t, s.IsPGOpen())
	require.Equal(t, uint64(1), s.PGCount())
}

func TestProcessGroupLayout(t *testing.T) {
	for _, engine := range []endian.EndianEngine{endian.GetLittleEndianEngine(), endian.GetBigEndianEngine()} {
		cfg := buffer.DefaultConfig()
		cfg.Engine = engine
		s, err := New(3, cfg)
		require.NoError(t, err)

		require.NoError(t, s.BeginStep(5))
		require.NoError(t, s.DefineAttribute("units", metadata.StringValue("m")))
		require.NoError(t, s.OpenProcessGroup("sim", "step"))

		dims := metadata.Dimensions{Shape: []uint64{6}, Start: []uint64{3}, Count: []uint64{3}}
		require.NoError(t, PutVariable(s, "mesh/u", dims, []float64{1, 2, 3}, nil))
		require.NoError(t, s.PutString("label", "hello"))
		require.NoError(t, s.CloseProcessGroup())
		require.Empty(t, s.Data().OpenSlots())

		data := s.Data().Bytes()
		pg := parsePG(t, data, engine)
		require.Equal(t, len(data), pg.size)
		require.Equal(t, uint64(len(data)-12), pg.length)
		require.Equal(t, "sim", pg.name)
		require.Equal(t, uint32(3), pg.rank)
		require.Equal(t, uint32(5), pg.step)
		require.Equal(t, uint32(2), pg.varCount)
		require.Equal(t, uint32(1), pg.attrCount)
		require.Equal(t, format.TagVarOpen, string(pg.vars[:4]))
		require.Equal(t, format.TagVarClose, string(pg.vars[len(pg.vars)-4:]))
		require.Equal(t, format.TagAttrOpen, string(pg.attrs[:4]))
		require.Equal(t, format.TagAttrClose, string(pg.attrs[len(pg.attrs)-4:]))

		// first variable block length covers everything after its length field
		blockLen := engine.Uint64(pg.vars[4:])
		require.Equal(t, format.TagVarClose, string(pg.vars[12+blockLen-4:12+blockLen]))

		x, ok := s.VariableIndex("mesh/u")
		require.True(t, ok)
		require.Equal(t, "mesh", x.Path())
		recs := indexRecords(t, x, engine)
		require.Len(t, recs, 1)
		rec := recs[0]
		require.Equal(t, format.TagVarOpen, string(data[rec.Offset:rec.Offset+4]))
		payload := data[rec.PayloadOffset : rec.PayloadOffset+24]
		require.Equal(t, metadata.AppendElements(nil, engine, []float64{1, 2, 3}), payload)
		require.Equal(t, uint32(5), rec.Step)
		require.InDelta(t, 1.0, rec.Min.Float64(), 0)
		require.InDelta(t, 3.0, rec.Max.Float64(), 0)
		require.Equal(t, uint64(3), rec.StatCount)
		require.Equal(t, dims, rec.Dims)

		label, ok := s.VariableIndex("label")
		require.True(t, ok)
		lrec := indexRecords(t, label, engine)[0]
		require.Equal(t, "hello", lrec.Value.String())
		require.Equal(t, "hello", string(data[lrec.PayloadOffset:lrec.PayloadOffset+5]))

		attr, ok := s.AttributeIndex("units")
		require.True(t, ok)
		arec := indexRecords(t, attr, engine)[0]
		require.Equal(t, format.TagAttrOpen, string(data[arec.Offset:arec.Offset+4]))
		require.Equal(t, "m", arec.Value.String())
	}
}

func TestInlineRecordMatchesIndex(t *testing.T) {
	s := newSerializer(t)
	require.NoError(t, s.BeginStep(0))
	require.NoError(t, s.OpenProcessGroup("sim", "step"))

	op, err := compress.NewOperator(format.OperatorZstd)
	require.NoError(t, err)

	values := make([]int64, 1000)
	for i := range values {
		values[i] = int64(i % 7)
	}
	dims := metadata.Dimensions{Shape: []uint64{1000}, Start: []uint64{0}, Count: []uint64{1000}}
	require.NoError(t, PutVariable(s, "v", dims, values, op))
	require.NoError(t, s.CloseProcessGroup())

	x, _ := s.VariableIndex("v")
	view, _, err := metadata.ParseIndex(x.Bytes(), s.Engine())
	require.NoError(t, err)
	require.Len(t, view.Records, 1)

	recs, err := view.Decode(s.Engine())
	require.NoError(t, err)
	rec := recs[0]
	require.Equal(t, format.OperatorZstd, rec.Operator.Type)
	require.Equal(t, uint64(8000), rec.Operator.InputSize)
	require.Less(t, rec.Operator.OutputSize, uint64(8000))

	// the inline copy sits after the tag, the length field and the element header
	data := s.Data().Bytes()
	inline := int(rec.Offset) + 4 + 8 + elementHeaderFixed + len("v")
	require.Equal(t, view.Records[0], data[inline:inline+len(view.Records[0])])

	compressed := data[rec.PayloadOffset : rec.PayloadOffset+rec.Operator.OutputSize]
	raw, err := op.GetData(compressed, rec.Operator)
	require.NoError(t, err)
	decoded, err := metadata.DecodeElements[int64](raw, s.Engine())
	require.NoError(t, err)
	require.Equal(t, values, decoded)

	end := rec.PayloadOffset + rec.Operator.OutputSize
	require.Equal(t, format.TagVarClose, string(data[end:end+4]))
}

func TestScalarAndShapeChecks(t *testing.T) {
	s := newSerializer(t)
	require.NoError(t, s.BeginStep(0))
	require.NoError(t, s.OpenProcessGroup("sim", "step"))

	err := PutVariable(s, "x", metadata.Dimensions{}, []int32{1, 2}, nil)
	require.ErrorIs(t, err, errs.ErrProtocolMisuse)

	dims := metadata.Dimensions{Shape: []uint64{4}, Start: []uint64{0}, Count: []uint64{4}}
	err = PutVariable(s, "y", dims, []int32{1, 2}, nil)
	require.ErrorIs(t, err, errs.ErrProtocolMisuse)

	require.NoError(t, PutVariable(s, "x", metadata.Dimensions{}, []int32{7}, nil))
	err = PutVariable(s, "x", metadata.Dimensions{}, []float32{7}, nil)
	require.ErrorIs(t, err, errs.ErrTypeMismatch)

	x, _ := s.VariableIndex("x")
	rec := indexRecords(t, x, s.Engine())[0]
	require.Equal(t, int64(7), rec.Value.Int64())
	require.NoError(t, s.CloseProcessGroup())
}

func TestAttributesWrittenOnce(t *testing.T) {
	s := newSerializer(t)

	require.NoError(t, s.BeginStep(0))
	require.NoError(t, s.DefineAttribute("units", metadata.StringValue("m")))
	require.NoError(t, DefineAttributeArray(s, "origin", []float64{0, 1.5}))
	require.NoError(t, s.OpenProcessGroup("sim", "step"))
	require.NoError(t, s.CloseProcessGroup())

	pg := parsePG(t, s.Data().Bytes(), s.Engine())
	require.Equal(t, uint32(2), pg.attrCount)
	require.NoError(t, s.ResetData())

	require.NoError(t, s.BeginStep(1))
	require.NoError(t, s.DefineAttribute("units", metadata.StringValue("m")))
	require.NoError(t, DefineAttributeArray(s, "origin", []float64{0, 1.5}))
	require.ErrorIs(t, s.DefineAttribute("units", metadata.StringValue("km")), errs.ErrProtocolMisuse)
	require.ErrorIs(t, DefineAttributeArray(s, "origin", []float64{0}), errs.ErrProtocolMisuse)
	require.ErrorIs(t, DefineAttributeArray(s, "empty", []float64{}), errs.ErrProtocolMisuse)

	require.NoError(t, s.OpenProcessGroup("sim", "step"))
	require.NoError(t, s.CloseProcessGroup())

	pg = parsePG(t, s.Data().Bytes(), s.Engine())
	require.Equal(t, uint32(0), pg.attrCount)
	require.Empty(t, pg.attrs)

	origin, ok := s.AttributeIndex("origin")
	require.True(t, ok)
	rec := indexRecords(t, origin, s.Engine())[0]
	values, err := metadata.DecodeElements[float64](rec.Values, s.Engine())
	require.NoError(t, err)
	require.Equal(t, []float64{0, 1.5}, values)
	require.Equal(t, uint64(1), origin.Count())
}

func pgOffsets(t *testing.T, s *Serializer, all bool) []uint64 {
	t.Helper()

	bb, err := s.SerializeIndices(all)
	require.NoError(t, err)

	var offsets []uint64
	err = WalkStream(bb.Bytes(), s.Engine(), func(e StreamEntry) error {
		require.Equal(t, uint32(s.Rank()), e.Source)
		if e.Kind == KindPG {
			entry, _, err := section.ParsePGIndexEntry(e.Data, s.Engine())
			require.NoError(t, err)
			offsets = append(offsets, entry.Offset)
		}

		return nil
	})
	require.NoError(t, err)

	return offsets
}

func TestUpdateOffsetsOncePerStep(t *testing.T) {
	s := newSerializer(t)

	require.NoError(t, s.BeginStep(0))
	require.NoError(t, s.OpenProcessGroup("sim", "step"))
	require.NoError(t, PutVariable(s, "a", metadata.Dimensions{}, []int32{1}, nil))
	require.NoError(t, s.CloseProcessGroup())

	x, _ := s.VariableIndex("a")
	local := indexRecords(t, x, s.Engine())[0]

	require.NoError(t, s.UpdateOffsetsInMetadata(100))
	require.True(t, s.OffsetsUpdated())
	require.ErrorIs(t, s.UpdateOffsetsInMetadata(100), errs.ErrProtocolMisuse)

	moved := indexRecords(t, x, s.Engine())[0]
	require.Equal(t, local.Offset+100, moved.Offset)
	require.Equal(t, local.PayloadOffset+100, moved.PayloadOffset)
	require.Equal(t, []uint64{100}, pgOffsets(t, s, false))

	require.NoError(t, s.ResetData())
	require.NoError(t, s.BeginStep(1))
	require.False(t, s.OffsetsUpdated())
	require.NoError(t, s.OpenProcessGroup("sim", "step"))
	require.NoError(t, PutVariable(s, "a", metadata.Dimensions{}, []int32{2}, nil))
	require.NoError(t, s.CloseProcessGroup())
	require.NoError(t, s.UpdateOffsetsInMetadata(1000))

	recs := indexRecords(t, x, s.Engine())
	require.Len(t, recs, 2)
	require.Equal(t, local.Offset+100, recs[0].Offset, "previous step untouched")
	require.Equal(t, local.Offset+1000, recs[1].Offset)
	require.Equal(t, []uint64{100, 1000}, pgOffsets(t, s, false))
}

func TestResumeStepAfterMidStepDrain(t *testing.T) {
	s := newSerializer(t)

	require.NoError(t, s.BeginStep(0))
	require.NoError(t, s.OpenProcessGroup("sim", "step"))
	require.NoError(t, PutVariable(s, "a", metadata.Dimensions{}, []int32{1}, nil))
	require.ErrorIs(t, s.ResumeStep(), errs.ErrProtocolMisuse, "process group open")
	require.NoError(t, s.CloseProcessGroup())
	require.ErrorIs(t, s.ResumeStep(), errs.ErrProtocolMisuse, "offsets not rewritten")

	x, _ := s.VariableIndex("a")
	local := indexRecords(t, x, s.Engine())[0]

	require.NoError(t, s.UpdateOffsetsInMetadata(100))
	require.NoError(t, s.ResetData())
	require.NoError(t, s.ResumeStep())
	require.False(t, s.OffsetsUpdated())
	require.True(t, x.Valid(), "records of the first segment stay valid")

	require.NoError(t, s.OpenProcessGroup("sim", "step"))
	require.NoError(t, PutVariable(s, "a", metadata.Dimensions{}, []int32{2}, nil))
	require.NoError(t, PutVariable(s, "b", metadata.Dimensions{}, []int32{3}, nil))
	require.NoError(t, s.CloseProcessGroup())
	require.NoError(t, s.UpdateOffsetsInMetadata(1000))
	require.Equal(t, uint64(2), s.PGCount())

	recs := indexRecords(t, x, s.Engine())
	require.Len(t, recs, 2)
	require.Equal(t, uint32(0), recs[1].Step)
	require.Equal(t, local.Offset+100, recs[0].Offset, "first segment rewritten once")
	require.Equal(t, local.Offset+1000, recs[1].Offset)
	require.Equal(t, []uint64{100, 1000}, pgOffsets(t, s, false))

	b, _ := s.VariableIndex("b")
	require.Greater(t, indexRecords(t, b, s.Engine())[0].Offset, uint64(1000))
}

func TestSerializeIndicesAndReset(t *testing.T) {
	s := newSerializer(t)

	require.NoError(t, s.BeginStep(0))
	require.NoError(t, s.DefineAttribute("units", metadata.StringValue("m")))
	require.NoError(t, s.OpenProcessGroup("sim", "step"))
	require.NoError(t, PutVariable(s, "a", metadata.Dimensions{}, []int32{1}, nil))
	require.NoError(t, PutVariable(s, "b", metadata.Dimensions{}, []int32{2}, nil))
	require.NoError(t, s.CloseProcessGroup())
	require.NoError(t, s.ResetIndices())
	require.NoError(t, s.ResetData())

	require.NoError(t, s.BeginStep(1))
	require.NoError(t, s.OpenProcessGroup("sim", "step"))
	require.NoError(t, PutVariable(s, "b", metadata.Dimensions{}, []int32{3}, nil))
	require.NoError(t, s.CloseProcessGroup())

	kinds := func(all bool) map[uint8][]string {
		bb, err := s.SerializeIndices(all)
		require.NoError(t, err)

		out := make(map[uint8][]string)
		err = WalkStream(bb.Bytes(), s.Engine(), func(e StreamEntry) error {
			name := "pg"
			if e.Kind != KindPG {
				view, _, err := metadata.ParseIndex(e.Data, s.Engine())
				require.NoError(t, err)
				name = view.Name
			}
			out[e.Kind] = append(out[e.Kind], name)

			return nil
		})
		require.NoError(t, err)

		return out
	}

	valid := kinds(false)
	require.Equal(t, []string{"pg"}, valid[KindPG])
	require.Equal(t, []string{"b"}, valid[KindVariable])
	require.Equal(t, []string{"units"}, valid[KindAttribute])

	all := kinds(true)
	require.Equal(t, []string{"a", "b"}, all[KindVariable])

	a, _ := s.VariableIndex("a")
	require.Equal(t, uint64(0), a.Count())
	b, _ := s.VariableIndex("b")
	require.Equal(t, uint64(1), b.Count())
	require.Equal(t, uint32(1), b.MemberID())
}

func TestWalkStreamErrors(t *testing.T) {
	engine := endian.GetLittleEndianEngine()

	err := WalkStream([]byte{1, 0, 0}, engine, func(StreamEntry) error { return nil })
	require.ErrorIs(t, err, errs.ErrTruncated)

	entry := make([]byte, StreamEntryHeaderSize)
	entry[0] = 9
	err = WalkStream(entry, engine, func(StreamEntry) error { return nil })
	require.ErrorIs(t, err, errs.ErrInvalidTag)

	entry[0] = KindPG
	engine.PutUint64(entry[5:], 10)
	err = WalkStream(entry, engine, func(StreamEntry) error { return nil })
	require.ErrorIs(t, err, errs.ErrTruncated)
}

func TestFlushRequiredLeavesBufferIntact(t *testing.T) {
	cfg := buffer.Config{
		InitialSize:  256,
		MaxSize:      buffer.MinMaxSize,
		GrowthFactor: 2,
		Engine:       endian.GetLittleEndianEngine(),
	}
	s, err := New(0, cfg)
	require.NoError(t, err)

	require.NoError(t, s.BeginStep(0))
	require.NoError(t, s.OpenProcessGroup("sim", "step"))
	dims := metadata.Dimensions{Shape: []uint64{60}, Start: []uint64{0}, Count: []uint64{60}}
	require.NoError(t, PutVariable(s, "first", dims, make([]float64, 60), nil))
	pos := s.Data().Position()

	// fits the buffer on its own but not behind the first block
	err = PutVariable(s, "second", dims, make([]float64, 60), nil)
	require.ErrorIs(t, err, errs.ErrFlushRequired)
	require.Equal(t, pos, s.Data().Position())
	require.Equal(t, buffer.MinMaxSize, s.Data().Size())

	require.NoError(t, PutVariable(s, "small", metadata.Dimensions{}, []float64{1}, nil))
	require.NoError(t, s.CloseProcessGroup())

	pg := parsePG(t, s.Data().Bytes(), s.Engine())
	require.Equal(t, uint32(2), pg.varCount)

	huge := metadata.Dimensions{Shape: []uint64{200}, Start: []uint64{0}, Count: []uint64{200}}
	require.NoError(t, s.OpenProcessGroup("sim", "step"))
	err = PutVariable(s, "huge", huge, make([]float64, 200), nil)
	require.ErrorIs(t, err, errs.ErrCapacity)
}
