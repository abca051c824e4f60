package metadata

import (
	"fmt"
	"math"

	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
)

// AppendElements appends values to dst in the stream byte order.
func AppendElements[T Element](dst []byte, engine endian.EndianEngine, values []T) []byte {
	for _, v := range values {
		switch x := any(v).(type) {
		case int8:
			dst = append(dst, uint8(x)) //nolint: gosec
		case uint8:
			dst = append(dst, x)
		case int16:
			dst = engine.AppendUint16(dst, uint16(x)) //nolint: gosec
		case uint16:
			dst = engine.AppendUint16(dst, x)
		case int32:
			dst = engine.AppendUint32(dst, uint32(x)) //nolint: gosec
		case uint32:
			dst = engine.AppendUint32(dst, x)
		case int64:
			dst = engine.AppendUint64(dst, uint64(x)) //nolint: gosec
		case uint64:
			dst = engine.AppendUint64(dst, x)
		case float32:
			dst = engine.AppendUint32(dst, math.Float32bits(x))
		case float64:
			dst = engine.AppendUint64(dst, math.Float64bits(x))
		case complex64:
			dst = engine.AppendUint32(dst, math.Float32bits(real(x)))
			dst = engine.AppendUint32(dst, math.Float32bits(imag(x)))
		case complex128:
			dst = engine.AppendUint64(dst, math.Float64bits(real(x)))
			dst = engine.AppendUint64(dst, math.Float64bits(imag(x)))
		}
	}

	return dst
}

// DecodeElements decodes a payload written by AppendElements.
func DecodeElements[T Element](src []byte, engine endian.EndianEngine) ([]T, error) {
	size := TypeOf[T]().Size()
	if size == 0 || len(src)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes of %s elements", errs.ErrTruncated, len(src), TypeOf[T]())
	}

	out := make([]T, len(src)/size)
	for i := range out {
		b := src[i*size:]
		var v any
		switch any(out[i]).(type) {
		case int8:
			v = int8(b[0]) //nolint: gosec
		case uint8:
			v = b[0]
		case int16:
			v = int16(engine.Uint16(b)) //nolint: gosec
		case uint16:
			v = engine.Uint16(b)
		case int32:
			v = int32(engine.Uint32(b)) //nolint: gosec
		case uint32:
			v = engine.Uint32(b)
		case int64:
			v = int64(engine.Uint64(b)) //nolint: gosec
		case uint64:
			v = engine.Uint64(b)
		case float32:
			v = math.Float32frombits(engine.Uint32(b))
		case float64:
			v = math.Float64frombits(engine.Uint64(b))
		case complex64:
			v = complex(math.Float32frombits(engine.Uint32(b)), math.Float32frombits(engine.Uint32(b[4:])))
		case complex128:
			v = complex(math.Float64frombits(engine.Uint64(b)), math.Float64frombits(engine.Uint64(b[8:])))
		}
		out[i], _ = v.(T)
	}

	return out, nil
}
