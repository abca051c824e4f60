package metadata

import (
	"fmt"
	"math"
	"strconv"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
)

// Element is the set of primitive element types a variable may hold.
type Element interface {
	int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 |
		float32 | float64 | complex64 | complex128
}

// TypeOf returns the type tag of T.
func TypeOf[T Element]() format.DataType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return format.TypeInt8
	case int16:
		return format.TypeInt16
	case int32:
		return format.TypeInt32
	case int64:
		return format.TypeInt64
	case uint8:
		return format.TypeUint8
	case uint16:
		return format.TypeUint16
	case uint32:
		return format.TypeUint32
	case uint64:
		return format.TypeUint64
	case float32:
		return format.TypeFloat32
	case float64:
		return format.TypeFloat64
	case complex64:
		return format.TypeComplex64
	case complex128:
		return format.TypeComplex128
	default:
		return format.TypeUnknown
	}
}

// Value is a single typed element: a closed union over the primitive types
// and strings. Numeric values keep their native bit pattern in Lo (signed
// integers sign-extended); complex values keep the imaginary part in Hi.
// Values are comparable with ==.
type Value struct {
	Type format.DataType
	Lo   uint64
	Hi   uint64
	Str  string
}

// ValueOf wraps v in a Value.
func ValueOf[T Element](v T) Value {
	switch x := any(v).(type) {
	case int8:
		return Value{Type: format.TypeInt8, Lo: uint64(int64(x))} //nolint: gosec
	case int16:
		return Value{Type: format.TypeInt16, Lo: uint64(int64(x))} //nolint: gosec
	case int32:
		return Value{Type: format.TypeInt32, Lo: uint64(int64(x))} //nolint: gosec
	case int64:
		return Value{Type: format.TypeInt64, Lo: uint64(x)} //nolint: gosec
	case uint8:
		return Value{Type: format.TypeUint8, Lo: uint64(x)}
	case uint16:
		return Value{Type: format.TypeUint16, Lo: uint64(x)}
	case uint32:
		return Value{Type: format.TypeUint32, Lo: uint64(x)}
	case uint64:
		return Value{Type: format.TypeUint64, Lo: x}
	case float32:
		return Value{Type: format.TypeFloat32, Lo: uint64(math.Float32bits(x))}
	case float64:
		return Value{Type: format.TypeFloat64, Lo: math.Float64bits(x)}
	case complex64:
		return Value{
			Type: format.TypeComplex64,
			Lo:   uint64(math.Float32bits(real(x))),
			Hi:   uint64(math.Float32bits(imag(x))),
		}
	case complex128:
		return Value{Type: format.TypeComplex128, Lo: math.Float64bits(real(x)), Hi: math.Float64bits(imag(x))}
	default:
		return Value{}
	}
}

// StringValue wraps s in a Value.
func StringValue(s string) Value {
	return Value{Type: format.TypeString, Str: s}
}

// IsZero reports whether v holds no value.
func (v Value) IsZero() bool {
	return v == Value{}
}

// Int64 returns the value of a signed integer.
func (v Value) Int64() int64 {
	return int64(v.Lo) //nolint: gosec
}

// Uint64 returns the value of an unsigned integer.
func (v Value) Uint64() uint64 {
	return v.Lo
}

// Float64 converts any real numeric value to float64.
func (v Value) Float64() float64 {
	switch v.Type {
	case format.TypeInt8, format.TypeInt16, format.TypeInt32, format.TypeInt64:
		return float64(v.Int64())
	case format.TypeUint8, format.TypeUint16, format.TypeUint32, format.TypeUint64:
		return float64(v.Lo)
	case format.TypeFloat32:
		return float64(math.Float32frombits(uint32(v.Lo))) //nolint: gosec
	case format.TypeFloat64:
		return math.Float64frombits(v.Lo)
	default:
		return math.NaN()
	}
}

// Complex128 returns the value of a complex element.
func (v Value) Complex128() complex128 {
	switch v.Type {
	case format.TypeComplex64:
		return complex(
			float64(math.Float32frombits(uint32(v.Lo))), //nolint: gosec
			float64(math.Float32frombits(uint32(v.Hi))), //nolint: gosec
		)
	case format.TypeComplex128:
		return complex(math.Float64frombits(v.Lo), math.Float64frombits(v.Hi))
	default:
		return complex(v.Float64(), 0)
	}
}

func (v Value) String() string {
	switch v.Type {
	case format.TypeString:
		return v.Str
	case format.TypeInt8, format.TypeInt16, format.TypeInt32, format.TypeInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case format.TypeUint8, format.TypeUint16, format.TypeUint32, format.TypeUint64:
		return strconv.FormatUint(v.Lo, 10)
	case format.TypeFloat32:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 32)
	case format.TypeFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case format.TypeComplex64, format.TypeComplex128:
		return fmt.Sprint(v.Complex128())
	default:
		return "<none>"
	}
}

// Size returns the encoded size of v.
func (v Value) Size() int {
	if v.Type == format.TypeString {
		return len(v.Str)
	}

	return v.Type.Size()
}

// appendTo writes v in the buffer's byte order. The caller has ensured capacity.
func (v Value) appendTo(buf *buffer.Buffer) error {
	switch v.Type {
	case format.TypeString:
		return buf.PutBytes([]byte(v.Str))
	case format.TypeComplex64:
		if err := buf.PutUint32(uint32(v.Lo)); err != nil { //nolint: gosec
			return err
		}

		return buf.PutUint32(uint32(v.Hi)) //nolint: gosec
	case format.TypeComplex128:
		if err := buf.PutUint64(v.Lo); err != nil {
			return err
		}

		return buf.PutUint64(v.Hi)
	}

	switch v.Type.Size() {
	case 1:
		return buf.PutUint8(uint8(v.Lo)) //nolint: gosec
	case 2:
		return buf.PutUint16(uint16(v.Lo)) //nolint: gosec
	case 4:
		return buf.PutUint32(uint32(v.Lo)) //nolint: gosec
	case 8:
		return buf.PutUint64(v.Lo)
	default:
		return &errs.TypeMismatchError{Tag: uint8(v.Type)}
	}
}

// DecodeValue decodes an encoded element of type typ.
func DecodeValue(typ format.DataType, b []byte, engine endian.EndianEngine) (Value, error) {
	if !typ.Valid() {
		return Value{}, &errs.TypeMismatchError{Tag: uint8(typ)}
	}
	if typ == format.TypeString {
		return StringValue(string(b)), nil
	}
	if len(b) != typ.Size() {
		return Value{}, fmt.Errorf("%w: %s value of %d bytes", errs.ErrTruncated, typ, len(b))
	}

	v := Value{Type: typ}
	switch typ {
	case format.TypeInt8:
		v.Lo = uint64(int64(int8(b[0]))) //nolint: gosec
	case format.TypeUint8:
		v.Lo = uint64(b[0])
	case format.TypeInt16:
		v.Lo = uint64(int64(int16(engine.Uint16(b)))) //nolint: gosec
	case format.TypeUint16:
		v.Lo = uint64(engine.Uint16(b))
	case format.TypeInt32:
		v.Lo = uint64(int64(int32(engine.Uint32(b)))) //nolint: gosec
	case format.TypeUint32, format.TypeFloat32:
		v.Lo = uint64(engine.Uint32(b))
	case format.TypeInt64, format.TypeUint64, format.TypeFloat64:
		v.Lo = engine.Uint64(b)
	case format.TypeComplex64:
		v.Lo = uint64(engine.Uint32(b))
		v.Hi = uint64(engine.Uint32(b[4:]))
	case format.TypeComplex128:
		v.Lo = engine.Uint64(b)
		v.Hi = engine.Uint64(b[8:])
	}

	return v, nil
}
