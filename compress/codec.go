package compress

import (
	"fmt"

	"github.com/arloliu/bpstream/format"
)

// Compressor compresses a variable payload.
type Compressor interface {
	// Compress compresses the input data and returns the compressed result.
	//
	// Memory management:
	//   - Returned slice is owned by the caller (the no-op codec returns the input)
	//   - Input slice is not modified
	Compress(data []byte) ([]byte, error)

	// MaxCompressedLen returns an upper bound on the compressed size of an
	// n-byte input, used to reserve buffer space before compressing in place.
	MaxCompressedLen(n int) int
}

// Decompressor reverses a Compressor.
type Decompressor interface {
	// Decompress decompresses the input data and returns the original bytes.
	//
	// Error conditions:
	//   - Returns error if input data is corrupted or invalid
	//   - Returns error if data was compressed with an incompatible algorithm
	Decompress(data []byte) ([]byte, error)
}

// Codec combines both compression and decompression capabilities.
//
// Thread Safety: built-in codecs are safe for concurrent use.
type Codec interface {
	Compressor
	Decompressor
}

var builtinCodecs = map[format.OperatorType]Codec{
	format.OperatorNone:   NewNoOpCompressor(),
	format.OperatorZstd:   NewZstdCompressor(),
	format.OperatorS2:     NewS2Compressor(),
	format.OperatorLZ4:    NewLZ4Compressor(),
	format.OperatorSnappy: NewSnappyCompressor(),
}

// GetCodec returns the shared built-in Codec of an operator type. Codecs are
// stateless, so one instance serves every operator.
func GetCodec(operatorType format.OperatorType) (Codec, error) {
	if codec, ok := builtinCodecs[operatorType]; ok {
		return codec, nil
	}

	return nil, fmt.Errorf("unsupported operator type: %s", operatorType)
}
