package compress

import (
	"fmt"

	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
)

// Encoded layout of OperatorInfo: type, input size, output size.
const (
	OperatorInfoSize = 1 + 8 + 8
	// OperatorOutputSizePos is the offset of the output size within an encoded OperatorInfo.
	OperatorOutputSizePos = 1 + 8
)

// OperatorInfo is the transform metadata recorded with a variable payload.
type OperatorInfo struct {
	Type       format.OperatorType
	InputSize  uint64
	OutputSize uint64
}

// Encode writes the info into dst, which must hold OperatorInfoSize bytes.
func (i OperatorInfo) Encode(dst []byte, engine endian.EndianEngine) {
	dst[0] = uint8(i.Type)
	engine.PutUint64(dst[1:], i.InputSize)
	engine.PutUint64(dst[OperatorOutputSizePos:], i.OutputSize)
}

// Operator is the transform capability applied to variable payloads.
//
// The write path calls SetMetadata before the payload is known, reserves
// MaxOutputSize bytes, transforms with SetData and then finalizes the recorded
// output size with UpdateMetadata. The read path calls GetMetadata on the
// stored characteristic and GetData on the stored bytes.
type Operator interface {
	// Type returns the operator identifier stored in the metadata.
	Type() format.OperatorType
	// MaxOutputSize bounds the transformed size of an n-byte payload.
	MaxOutputSize(n int) int
	// SetData transforms src into dst and returns the number of bytes written.
	SetData(dst, src []byte) (int, error)
	// SetMetadata records the operator type and input size; the output size is a placeholder.
	SetMetadata(info *OperatorInfo, inputSize int)
	// UpdateMetadata records the output size once SetData has run.
	UpdateMetadata(info *OperatorInfo, outputSize int)
	// GetMetadata decodes an encoded OperatorInfo.
	GetMetadata(b []byte, engine endian.EndianEngine) (OperatorInfo, error)
	// GetData reverses SetData.
	GetData(src []byte, info OperatorInfo) ([]byte, error)
}

type codecOperator struct {
	typ   format.OperatorType
	codec Codec
}

var _ Operator = (*codecOperator)(nil)

// NewOperator returns the Operator for an operator type.
//
// Returns:
//   - Operator: Operator backed by the built-in codec
//   - error: ErrConfig for an unknown operator type
func NewOperator(typ format.OperatorType) (Operator, error) {
	codec, err := GetCodec(typ)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrConfig, err)
	}

	return &codecOperator{typ: typ, codec: codec}, nil
}

func (o *codecOperator) Type() format.OperatorType {
	return o.typ
}

func (o *codecOperator) MaxOutputSize(n int) int {
	bound := o.codec.MaxCompressedLen(n)
	if bound < 0 {
		return n
	}

	return bound
}

func (o *codecOperator) SetData(dst, src []byte) (int, error) {
	out, err := o.codec.Compress(src)
	if err != nil {
		return 0, fmt.Errorf("%s operator: %w", o.typ, err)
	}
	if len(out) > len(dst) {
		return 0, fmt.Errorf("%w: %s output of %d bytes exceeds reserved %d",
			errs.ErrCapacity, o.typ, len(out), len(dst))
	}

	return copy(dst, out), nil
}

func (o *codecOperator) SetMetadata(info *OperatorInfo, inputSize int) {
	info.Type = o.typ
	info.InputSize = uint64(inputSize) //nolint: gosec
	info.OutputSize = 0
}

func (o *codecOperator) UpdateMetadata(info *OperatorInfo, outputSize int) {
	info.OutputSize = uint64(outputSize) //nolint: gosec
}

func (o *codecOperator) GetMetadata(b []byte, engine endian.EndianEngine) (OperatorInfo, error) {
	if len(b) < OperatorInfoSize {
		return OperatorInfo{}, fmt.Errorf("%w: operator metadata of %d bytes", errs.ErrTruncated, len(b))
	}

	info := OperatorInfo{
		Type:       format.OperatorType(b[0]),
		InputSize:  engine.Uint64(b[1:]),
		OutputSize: engine.Uint64(b[OperatorOutputSizePos:]),
	}
	if info.Type != o.typ {
		return OperatorInfo{}, fmt.Errorf("%w: %s metadata read by %s operator", errs.ErrTypeMismatch, info.Type, o.typ)
	}

	return info, nil
}

func (o *codecOperator) GetData(src []byte, info OperatorInfo) ([]byte, error) {
	if uint64(len(src)) < info.OutputSize {
		return nil, fmt.Errorf("%w: %s payload of %d bytes, expected %d",
			errs.ErrTruncated, o.typ, len(src), info.OutputSize)
	}
	src = src[:info.OutputSize]

	var (
		out []byte
		err error
	)
	if lz, ok := o.codec.(LZ4Compressor); ok {
		out, err = lz.DecompressSized(src, int(info.InputSize)) //nolint: gosec
	} else {
		out, err = o.codec.Decompress(src)
	}
	if err != nil {
		return nil, fmt.Errorf("%s operator: %w", o.typ, err)
	}
	if uint64(len(out)) != info.InputSize {
		return nil, fmt.Errorf("%w: %s decoded %d bytes, expected %d",
			errs.ErrTruncated, o.typ, len(out), info.InputSize)
	}

	return out, nil
}

// DecodeOperatorInfo decodes an encoded OperatorInfo without knowing its operator.
func DecodeOperatorInfo(b []byte, engine endian.EndianEngine) (OperatorInfo, error) {
	if len(b) < OperatorInfoSize {
		return OperatorInfo{}, fmt.Errorf("%w: operator metadata of %d bytes", errs.ErrTruncated, len(b))
	}

	op, err := NewOperator(format.OperatorType(b[0]))
	if err != nil {
		return OperatorInfo{}, fmt.Errorf("%w: operator tag 0x%02x", errs.ErrTypeMismatch, b[0])
	}

	return op.GetMetadata(b, engine)
}
