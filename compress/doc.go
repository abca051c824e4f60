// Package compress provides the payload transform operators of the write engine.
//
// Operators are applied to a variable's payload after its metadata has been
// written. The engine never inspects transformed bytes; it only reserves
// space, hands the payload to the operator and records the sizes the
// operator reports.
//
// # Architecture
//
// Two layers are defined:
//
//	type Codec interface {
//	    Compress(data []byte) ([]byte, error)
//	    MaxCompressedLen(n int) int
//	    Decompress(data []byte) ([]byte, error)
//	}
//
//	type Operator interface {
//	    Type() format.OperatorType
//	    MaxOutputSize(n int) int
//	    SetData(dst, src []byte) (int, error)
//	    SetMetadata(info *OperatorInfo, inputSize int)
//	    UpdateMetadata(info *OperatorInfo, outputSize int)
//	    GetMetadata(b []byte, engine endian.EndianEngine) (OperatorInfo, error)
//	    GetData(src []byte, info OperatorInfo) ([]byte, error)
//	}
//
// Codecs wrap a compression library; NewOperator adapts a built-in codec to
// the Operator capability.
//
// # Supported Algorithms
//
//   - None (format.OperatorNone): payload stored as-is
//   - Zstd (format.OperatorZstd): klauspost/compress by default, libzstd via
//     valyala/gozstd when built with cgo and the gozstd tag
//   - S2 (format.OperatorS2): klauspost/compress/s2 block format
//   - LZ4 (format.OperatorLZ4): pierrec/lz4 block format
//   - Snappy (format.OperatorSnappy): golang/snappy block format
//
// # Operator Metadata
//
// OperatorInfo is stored in the operator characteristic of a record as 17
// bytes: the operator type, the input size and the output size. The output
// size is written as zero first and patched in place once SetData returns;
// OperatorOutputSizePos locates it.
//
// # Thread Safety
//
// All built-in codecs and operators are safe for concurrent use. Zstd encoders
// and decoders and LZ4 compressors are pooled with sync.Pool.
package compress
