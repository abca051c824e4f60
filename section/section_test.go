package section

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
)

func TestHeaderLayout(t *testing.T) {
	h := NewHeader(endian.GetBigEndianEngine())
	data := h.Bytes()

	require.Len(t, data, HeaderSize)
	require.Equal(t, format.VersionTag, string(data[:len(format.VersionTag)]))
	require.Equal(t, byte(' '), data[HeaderTagSize-1])
	require.Equal(t, endian.FlagBigEndian, data[HeaderEndianPos])
	require.Equal(t, byte(format.Version), data[HeaderVersionPos])
	require.Equal(t, byte(1), data[HeaderActivePos])
	for _, b := range data[HeaderActivePos+1:] {
		require.Zero(t, b)
	}
}

func TestHeaderParse(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		h := NewHeader(endian.GetLittleEndianEngine())
		h.Active = false

		parsed, err := ParseHeader(h.Bytes())
		require.NoError(t, err)
		require.Equal(t, format.VersionTag, parsed.VersionTag)
		require.False(t, parsed.Active)
		require.True(t, endian.IsLittleEndian(parsed.Engine))
		require.Equal(t, uint8(format.Version), parsed.Version)
	})

	t.Run("clearing active flag in place", func(t *testing.T) {
		data := NewHeader(endian.GetLittleEndianEngine()).Bytes()
		copy(data[ActiveFlagOffset():], InactiveFlag())

		parsed, err := ParseHeader(data)
		require.NoError(t, err)
		require.False(t, parsed.Active)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := ParseHeader(make([]byte, HeaderSize-1))
		require.ErrorIs(t, err, errs.ErrTruncated)
	})

	t.Run("bad endianness", func(t *testing.T) {
		data := NewHeader(endian.GetLittleEndianEngine()).Bytes()
		data[HeaderEndianPos] = 9
		_, err := ParseHeader(data)
		require.ErrorIs(t, err, errs.ErrInvalidHeader)
	})

	t.Run("future version", func(t *testing.T) {
		data := NewHeader(endian.GetLittleEndianEngine()).Bytes()
		data[HeaderVersionPos] = format.Version + 1
		_, err := ParseHeader(data)
		require.ErrorIs(t, err, errs.ErrInvalidHeader)
	})
}

func TestMinifooter(t *testing.T) {
	for _, engine := range []endian.EndianEngine{endian.GetLittleEndianEngine(), endian.GetBigEndianEngine()} {
		f := NewMinifooter(engine, 64, 200, 4000)
		data := f.Bytes()
		require.Len(t, data, MinifooterSize)
		require.Equal(t, endian.Flag(engine), data[52])
		require.Equal(t, byte(format.Version), data[55])

		// parse from the tail of a longer block
		block := append(make([]byte, 100), data...)
		parsed, err := ParseMinifooter(block)
		require.NoError(t, err)
		require.Equal(t, uint64(64), parsed.PGIndexStart)
		require.Equal(t, uint64(200), parsed.VarsIndexStart)
		require.Equal(t, uint64(4000), parsed.AttrsIndexStart)
		require.Equal(t, "BP-STREAM v4 Write-Engine", parsed.VersionTag)
	}

	_, err := ParseMinifooter(make([]byte, 10))
	require.ErrorIs(t, err, errs.ErrTruncated)

	bad := NewMinifooter(endian.GetLittleEndianEngine(), 300, 200, 100).Bytes()
	_, err = ParseMinifooter(bad)
	require.ErrorIs(t, err, errs.ErrInvalidHeader)
}

func TestPGIndexEntry(t *testing.T) {
	engine := endian.GetLittleEndianEngine()
	buf := buffer.NewUnbounded(engine, 0)

	entries := []PGIndexEntry{
		{Name: "simulation", ColumnMajor: false, ProcessID: 3, StepName: "step", Step: 7, Offset: 1234},
		{Name: "", ColumnMajor: true, ProcessID: 0, StepName: "", Step: 0, Offset: 0},
	}
	for i := range entries {
		require.NoError(t, entries[i].AppendTo(buf))
	}
	require.Equal(t, entries[0].Size()+entries[1].Size(), buf.Position())

	data := buf.Bytes()
	first, n, err := ParsePGIndexEntry(data, engine)
	require.NoError(t, err)
	require.Equal(t, entries[0], first)
	require.Equal(t, entries[0].Size(), n)

	second, m, err := ParsePGIndexEntry(data[n:], engine)
	require.NoError(t, err)
	require.Equal(t, entries[1], second)
	require.Equal(t, PGEntryMinSize, m)

	require.NoError(t, AddEntryOffset(data[:n], engine, 1000))
	shifted, _, err := ParsePGIndexEntry(data, engine)
	require.NoError(t, err)
	require.Equal(t, uint64(2234), shifted.Offset)

	_, _, err = ParsePGIndexEntry(data[:n-1], engine)
	require.ErrorIs(t, err, errs.ErrTruncated)
}
