package format

type (
	// DataType is the type tag stored with every element index and characteristic record.
	DataType uint8
	// OperatorType identifies the transform applied to a variable payload.
	OperatorType uint8
)

const (
	TypeUnknown    DataType = 0x00
	TypeInt8       DataType = 0x01
	TypeInt16      DataType = 0x02
	TypeInt32      DataType = 0x03
	TypeInt64      DataType = 0x04
	TypeUint8      DataType = 0x05
	TypeUint16     DataType = 0x06
	TypeUint32     DataType = 0x07
	TypeUint64     DataType = 0x08
	TypeFloat32    DataType = 0x09
	TypeFloat64    DataType = 0x0A
	TypeComplex64  DataType = 0x0B
	TypeComplex128 DataType = 0x0C
	TypeString     DataType = 0x0D

	OperatorNone   OperatorType = 0x1 // OperatorNone stores the payload as-is.
	OperatorZstd   OperatorType = 0x2 // OperatorZstd represents Zstandard compression.
	OperatorS2     OperatorType = 0x3 // OperatorS2 represents S2 compression.
	OperatorLZ4    OperatorType = 0x4 // OperatorLZ4 represents LZ4 block compression.
	OperatorSnappy OperatorType = 0x5 // OperatorSnappy represents Snappy block compression.
)

// Stream identification.
const (
	Version    = 4
	VersionTag = "BP-STREAM v4 Write-Engine"
)

// Record tags bracketing blocks in the data stream.
const (
	TagPGOpen    = "[PGI"
	TagPGClose   = "PGI]"
	TagVarOpen   = "[VMD"
	TagVarClose  = "VMD]"
	TagAttrOpen  = "[AMD"
	TagAttrClose = "AMD]"
	TagSize      = 4
)

var dataTypeSizes = [...]int{
	TypeUnknown:    0,
	TypeInt8:       1,
	TypeInt16:      2,
	TypeInt32:      4,
	TypeInt64:      8,
	TypeUint8:      1,
	TypeUint16:     2,
	TypeUint32:     4,
	TypeUint64:     8,
	TypeFloat32:    4,
	TypeFloat64:    8,
	TypeComplex64:  8,
	TypeComplex128: 16,
	TypeString:     0,
}

// Valid reports whether t is a known data type tag.
func (t DataType) Valid() bool {
	return t > TypeUnknown && t <= TypeString
}

// Size returns the fixed element width in bytes, or 0 for strings and unknown tags.
func (t DataType) Size() int {
	if int(t) >= len(dataTypeSizes) {
		return 0
	}

	return dataTypeSizes[t]
}

// IsComplex reports whether t is one of the complex types.
func (t DataType) IsComplex() bool {
	return t == TypeComplex64 || t == TypeComplex128
}

func (t DataType) String() string {
	switch t {
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeComplex64:
		return "complex64"
	case TypeComplex128:
		return "complex128"
	case TypeString:
		return "string"
	default:
		return "Unknown"
	}
}

func (o OperatorType) String() string {
	switch o {
	case OperatorNone:
		return "None"
	case OperatorZstd:
		return "Zstd"
	case OperatorS2:
		return "S2"
	case OperatorLZ4:
		return "LZ4"
	case OperatorSnappy:
		return "Snappy"
	default:
		return "Unknown"
	}
}

// ParseOperatorType maps a configuration name to an OperatorType.
func ParseOperatorType(name string) (OperatorType, bool) {
	switch name {
	case "", "none", "None":
		return OperatorNone, true
	case "zstd", "Zstd":
		return OperatorZstd, true
	case "s2", "S2":
		return OperatorS2, true
	case "lz4", "LZ4":
		return OperatorLZ4, true
	case "snappy", "Snappy":
		return OperatorSnappy, true
	default:
		return 0, false
	}
}
