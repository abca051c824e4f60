package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
)

var allOperators = []format.OperatorType{
	format.OperatorNone,
	format.OperatorZstd,
	format.OperatorS2,
	format.OperatorLZ4,
	format.OperatorSnappy,
}

func TestOperatorRoundTrip(t *testing.T) {
	engine := endian.GetLittleEndianEngine()
	payload := bytes.Repeat([]byte("pressure=101.325;"), 500)

	for _, typ := range allOperators {
		t.Run(typ.String(), func(t *testing.T) {
			op, err := NewOperator(typ)
			require.NoError(t, err)
			require.Equal(t, typ, op.Type())

			var info OperatorInfo
			op.SetMetadata(&info, len(payload))
			require.Equal(t, typ, info.Type)
			require.Equal(t, uint64(len(payload)), info.InputSize)
			require.Zero(t, info.OutputSize)

			dst := make([]byte, op.MaxOutputSize(len(payload)))
			n, err := op.SetData(dst, payload)
			require.NoError(t, err)
			op.UpdateMetadata(&info, n)
			require.Equal(t, uint64(n), info.OutputSize)

			encoded := make([]byte, OperatorInfoSize)
			info.Encode(encoded, engine)

			decodedInfo, err := op.GetMetadata(encoded, engine)
			require.NoError(t, err)
			require.Equal(t, info, decodedInfo)

			generic, err := DecodeOperatorInfo(encoded, engine)
			require.NoError(t, err)
			require.Equal(t, info, generic)

			// trailing bytes past the output size are ignored
			stored := append(bytes.Clone(dst[:n]), 0xEE, 0xEE)
			out, err := op.GetData(stored, decodedInfo)
			require.NoError(t, err)
			require.Equal(t, payload, out)
		})
	}
}

func TestOperatorSetDataShortDestination(t *testing.T) {
	op, err := NewOperator(format.OperatorNone)
	require.NoError(t, err)

	_, err = op.SetData(make([]byte, 3), []byte("four"))
	require.ErrorIs(t, err, errs.ErrCapacity)
}

func TestOperatorMetadataErrors(t *testing.T) {
	engine := endian.GetBigEndianEngine()

	_, err := NewOperator(format.OperatorType(0x42))
	require.ErrorIs(t, err, errs.ErrConfig)

	zstdOp, err := NewOperator(format.OperatorZstd)
	require.NoError(t, err)

	encoded := make([]byte, OperatorInfoSize)
	OperatorInfo{Type: format.OperatorS2, InputSize: 10, OutputSize: 4}.Encode(encoded, engine)

	_, err = zstdOp.GetMetadata(encoded, engine)
	require.ErrorIs(t, err, errs.ErrTypeMismatch)

	_, err = zstdOp.GetMetadata(encoded[:5], engine)
	require.ErrorIs(t, err, errs.ErrTruncated)

	encoded[0] = 0x42
	_, err = DecodeOperatorInfo(encoded, engine)
	require.ErrorIs(t, err, errs.ErrTypeMismatch)
}

func TestOperatorGetDataSizeChecks(t *testing.T) {
	op, err := NewOperator(format.OperatorNone)
	require.NoError(t, err)

	_, err = op.GetData([]byte("ab"), OperatorInfo{Type: format.OperatorNone, InputSize: 4, OutputSize: 4})
	require.ErrorIs(t, err, errs.ErrTruncated)

	_, err = op.GetData([]byte("abcd"), OperatorInfo{Type: format.OperatorNone, InputSize: 5, OutputSize: 4})
	require.ErrorIs(t, err, errs.ErrTruncated)
}
