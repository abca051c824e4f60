package compress

// ZstdCompressor provides Zstandard compression.
//
// The pure Go implementation from klauspost/compress is used by default;
// building with cgo and the gozstd tag switches to the libzstd binding.
type ZstdCompressor struct{}

var _ Codec = (*ZstdCompressor)(nil)

// NewZstdCompressor creates a new Zstd compressor with default settings.
func NewZstdCompressor() ZstdCompressor {
	return ZstdCompressor{}
}

// MaxCompressedLen returns the ZSTD_COMPRESSBOUND of n.
func (c ZstdCompressor) MaxCompressedLen(n int) int {
	const smallLimit = 128 << 10

	bound := n + n>>8
	if n < smallLimit {
		bound += (smallLimit - n) >> 11
	}

	// frame header and checksum
	return bound + 32
}
