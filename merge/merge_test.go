package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
	"github.com/arloliu/bpstream/metadata"
	"github.com/arloliu/bpstream/section"
	"github.com/arloliu/bpstream/serializer"
)

var scalar = metadata.Dimensions{}

// rankStream runs steps on a serializer of rank and returns its gather stream.
func rankStream(t *testing.T, rank int, steps []uint32, write func(s *serializer.Serializer, step uint32)) []byte {
	t.Helper()

	s, err := serializer.New(rank, buffer.DefaultConfig())
	require.NoError(t, err)

	for _, step := range steps {
		require.NoError(t, s.BeginStep(step))
		require.NoError(t, s.OpenProcessGroup("sim", "step"))
		write(s, step)
		require.NoError(t, s.CloseProcessGroup())
		require.NoError(t, s.UpdateOffsetsInMetadata(uint64(1000*rank)))
		require.NoError(t, s.ResetData())
	}

	bb, err := s.SerializeIndices(true)
	require.NoError(t, err)

	return append([]byte(nil), bb.Bytes()...)
}

func TestMergeCompleteness(t *testing.T) {
	names := []string{"r0", "r1", "r2"}
	streams := make([][]byte, 3)
	for rank := range streams {
		streams[rank] = rankStream(t, rank, []uint32{0, 1}, func(s *serializer.Serializer, step uint32) {
			require.NoError(t, s.DefineAttribute("units", metadata.StringValue("m")))
			require.NoError(t, serializer.PutVariable(s, "u", scalar, []int64{int64(rank*10) + int64(step)}, nil))
			require.NoError(t, serializer.PutVariable(s, names[rank], scalar, []int32{int32(rank)}, nil))
		})
	}

	m, err := New(endian.GetLittleEndianEngine(), WithWorkers(2))
	require.NoError(t, err)
	ix, err := m.Merge(context.Background(), streams)
	require.NoError(t, err)

	engine := endian.GetLittleEndianEngine()

	require.Len(t, ix.PGs, 6)
	for i, raw := range ix.PGs {
		entry, _, err := section.ParsePGIndexEntry(raw, engine)
		require.NoError(t, err)
		require.Equal(t, uint32(i/3), entry.Step)
		require.Equal(t, uint32(i%3), entry.ProcessID)
		require.Equal(t, uint64(1000*(i%3)), entry.Offset)
	}

	require.Len(t, ix.Vars, 4)
	var order []string
	for _, raw := range ix.Vars {
		view, n, err := metadata.ParseIndex(raw, engine)
		require.NoError(t, err)
		require.Equal(t, len(raw), n)
		order = append(order, view.Name)
	}
	require.Equal(t, []string{"u", "r0", "r1", "r2"}, order)

	u, _, err := metadata.ParseIndex(ix.Vars[0], engine)
	require.NoError(t, err)
	require.Equal(t, uint64(6), u.Count)
	recs, err := u.Decode(engine)
	require.NoError(t, err)

	var values []int64
	for _, rec := range recs {
		values = append(values, rec.Value.Int64())
	}
	require.Equal(t, []int64{0, 10, 20, 1, 11, 21}, values)

	// merged length is the lowest rank's header plus every rank's records
	require.Equal(t, len(u.Header)+u.BodyLen(), len(ix.Vars[0]))

	require.Len(t, ix.Attrs, 1, "an attribute written by every rank merges to one copy")
	attr, _, err := metadata.ParseIndex(ix.Attrs[0], engine)
	require.NoError(t, err)
	require.Equal(t, "units", attr.Name)
	require.Equal(t, uint64(1), attr.Count)
}

func TestMergeTypeDisagreement(t *testing.T) {
	streams := [][]byte{
		rankStream(t, 0, []uint32{0}, func(s *serializer.Serializer, _ uint32) {
			require.NoError(t, serializer.PutVariable(s, "v", scalar, []int32{1}, nil))
		}),
		rankStream(t, 1, []uint32{0}, func(s *serializer.Serializer, _ uint32) {
			require.NoError(t, serializer.PutVariable(s, "v", scalar, []float64{1}, nil))
		}),
	}

	m, err := New(endian.GetLittleEndianEngine())
	require.NoError(t, err)
	_, err = m.Merge(context.Background(), streams)
	require.ErrorIs(t, err, errs.ErrTypeMismatch)
}

func TestMergeRejectsUnorderedSteps(t *testing.T) {
	streams := [][]byte{
		rankStream(t, 0, []uint32{5, 2}, func(s *serializer.Serializer, step uint32) {
			require.NoError(t, serializer.PutVariable(s, "v", scalar, []uint32{step}, nil))
		}),
	}

	m, err := New(endian.GetLittleEndianEngine(), WithWorkers(1))
	require.NoError(t, err)
	_, err = m.Merge(context.Background(), streams)
	require.ErrorIs(t, err, errs.ErrUnorderedSteps)
}

func TestMergeRejectsMisplacedStream(t *testing.T) {
	stream := rankStream(t, 1, []uint32{0}, func(s *serializer.Serializer, _ uint32) {
		require.NoError(t, serializer.PutVariable(s, "v", scalar, []int8{1}, nil))
	})

	m, err := New(endian.GetLittleEndianEngine())
	require.NoError(t, err)
	_, err = m.Merge(context.Background(), [][]byte{stream})
	require.ErrorIs(t, err, errs.ErrInvalidHeader)

	_, err = New(nil)
	require.ErrorIs(t, err, errs.ErrConfig)
	_, err = New(endian.GetLittleEndianEngine(), WithWorkers(0))
	require.ErrorIs(t, err, errs.ErrConfig)
}

func TestBlockRoundTrip(t *testing.T) {
	streams := make([][]byte, 2)
	for rank := range streams {
		streams[rank] = rankStream(t, rank, []uint32{0}, func(s *serializer.Serializer, _ uint32) {
			require.NoError(t, s.DefineAttribute("version", metadata.ValueOf(uint16(3))))
			require.NoError(t, serializer.PutVariable(s, "mesh/x", scalar, []float32{1.5}, nil))
		})
	}

	engine := endian.GetLittleEndianEngine()
	m, err := New(engine)
	require.NoError(t, err)
	ix, err := m.Merge(context.Background(), streams)
	require.NoError(t, err)

	buf := buffer.NewUnbounded(engine, 64)
	require.NoError(t, buf.PutBytes(section.NewHeader(engine).Bytes()))
	footer, err := ix.AppendTo(buf, uint64(buf.Position()))
	require.NoError(t, err)
	require.Equal(t, section.HeaderSize+ix.Size(), buf.Position())
	require.Equal(t, uint64(section.HeaderSize), footer.PGIndexStart)

	blk, next, err := ParseBlock(buf.Bytes(), section.HeaderSize, engine)
	require.NoError(t, err)
	require.Equal(t, buf.Position(), next)
	require.Equal(t, footer.VarsIndexStart, blk.Footer.VarsIndexStart)
	require.Len(t, blk.PGs, 2)
	require.Len(t, blk.Vars, 1)
	require.Equal(t, "mesh/x", blk.Vars[0].Name)
	require.Equal(t, "mesh", blk.Vars[0].Path)
	require.Equal(t, format.TypeFloat32, blk.Vars[0].Type)
	require.Equal(t, uint64(2), blk.Vars[0].Count)
	require.Len(t, blk.Attrs, 1)

	// a corrupted footer offset is detected
	data := append([]byte(nil), buf.Bytes()...)
	engine.PutUint64(data[len(data)-section.MinifooterSize+28:], 1)
	_, _, err = ParseBlock(data, section.HeaderSize, engine)
	require.ErrorIs(t, err, errs.ErrInvalidHeader)

	_, _, err = ParseBlock(buf.Bytes()[:buf.Position()-1], section.HeaderSize, engine)
	require.ErrorIs(t, err, errs.ErrTruncated)
}

func TestParseBlockRejectsOversizedLengths(t *testing.T) {
	engine := endian.GetLittleEndianEngine()
	header := section.NewHeader(engine).Bytes()

	tests := []struct {
		name  string
		block []byte
	}{
		{
			name:  "PG index length",
			block: engine.AppendUint64(engine.AppendUint64(nil, 1), 0x7FFFFFFFFFFFFFF0),
		},
		{
			name: "variable index length",
			block: engine.AppendUint64(engine.AppendUint32(
				engine.AppendUint64(engine.AppendUint64(nil, 0), 0), 1), 0xFFFFFFFFFFFFFFFF),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := append(append([]byte(nil), header...), tt.block...)
			data = append(data, make([]byte, section.MinifooterSize)...)

			require.NotPanics(t, func() {
				_, _, err := ParseBlock(data, section.HeaderSize, engine)
				require.ErrorIs(t, err, errs.ErrTruncated)
			})
		})
	}
}
