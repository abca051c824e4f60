package buffer

import (
	"fmt"
	"math"

	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
)

// Size limits and defaults.
const (
	MinMaxSize          = 1024             // smallest accepted MaxSize
	DefaultInitialSize  = 1024 * 16        // 16KiB
	DefaultMaxSize      = 1024 * 1024 * 64 // 64MiB
	DefaultGrowthFactor = 1.05
	unboundedMaxSize    = math.MaxInt32
)

// ResizeResult is the outcome of Buffer.Resize.
type ResizeResult uint8

const (
	// ResizeUnchanged means the pending write already fits.
	ResizeUnchanged ResizeResult = iota
	// ResizeSuccess means the buffer grew and the pending write now fits.
	ResizeSuccess
	// ResizeFlush means the buffer is at its maximum and must be drained first.
	ResizeFlush
	// ResizeFailure means the pending write exceeds the maximum size.
	ResizeFailure
)

func (r ResizeResult) String() string {
	switch r {
	case ResizeUnchanged:
		return "unchanged"
	case ResizeSuccess:
		return "success"
	case ResizeFlush:
		return "flush"
	case ResizeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Config holds the sizing policy of a Buffer.
type Config struct {
	InitialSize  int
	MaxSize      int
	GrowthFactor float64
	Engine       endian.EndianEngine
}

// DefaultConfig returns the default little-endian sizing policy.
func DefaultConfig() Config {
	return Config{
		InitialSize:  DefaultInitialSize,
		MaxSize:      DefaultMaxSize,
		GrowthFactor: DefaultGrowthFactor,
		Engine:       endian.GetLittleEndianEngine(),
	}
}

// Validate checks the policy parameters.
func (c Config) Validate() error {
	if c.MaxSize < MinMaxSize {
		return fmt.Errorf("%w: max buffer size %d below floor %d", errs.ErrConfig, c.MaxSize, MinMaxSize)
	}
	if c.InitialSize < 0 || c.InitialSize > c.MaxSize {
		return fmt.Errorf("%w: initial buffer size %d outside [0, %d]", errs.ErrConfig, c.InitialSize, c.MaxSize)
	}
	if !(c.GrowthFactor > 1) || math.IsInf(c.GrowthFactor, 0) {
		return fmt.Errorf("%w: growth factor %v must be greater than 1", errs.ErrConfig, c.GrowthFactor)
	}
	if c.Engine == nil {
		return fmt.Errorf("%w: missing endian engine", errs.ErrConfig)
	}

	return nil
}

// Buffer is a growable byte arena with a write cursor.
//
// The invariant position <= len(data) <= maxSize holds at all times. The
// buffer never shrinks on its own; Reset rewinds the cursor and keeps the
// allocation. absolutePosition counts every byte ever advanced over and is
// only cleared by ResetAll.
//
// A Buffer is owned by a single goroutine; it is NOT safe for concurrent use.
type Buffer struct {
	data             []byte
	position         int
	absolutePosition uint64
	maxSize          int
	growthFactor     float64
	engine           endian.EndianEngine

	slots      []Slot
	nextSlotID uint32
}

// New creates a Buffer after validating cfg.
func New(cfg Config) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Buffer{
		data:         make([]byte, cfg.InitialSize),
		maxSize:      cfg.MaxSize,
		growthFactor: cfg.GrowthFactor,
		engine:       cfg.Engine,
	}, nil
}

// NewUnbounded creates a buffer that doubles on demand and is capped only by
// the 32-bit length fields used in the index format.
func NewUnbounded(engine endian.EndianEngine, initialSize int) *Buffer {
	if initialSize < 0 {
		initialSize = 0
	}

	return &Buffer{
		data:         make([]byte, initialSize),
		maxSize:      unboundedMaxSize,
		growthFactor: 2,
		engine:       engine,
	}
}

// Resize makes room for requiredAdditional bytes past the current position.
//
// With C the current size, R = position + requiredAdditional and M the max size:
//   - requiredAdditional > M: ResizeFailure with ErrCapacity.
//   - R <= C: ResizeUnchanged.
//   - R > M: the buffer grows to M and ResizeFlush is returned.
//   - otherwise the buffer grows to min(M, smallest C*g^k >= R): ResizeSuccess.
//
// Bytes below position are preserved in every case.
func (b *Buffer) Resize(requiredAdditional int) (ResizeResult, error) {
	if requiredAdditional < 0 {
		return ResizeFailure, fmt.Errorf("%w: negative resize request %d", errs.ErrProtocolMisuse, requiredAdditional)
	}

	if requiredAdditional > b.maxSize {
		return ResizeFailure, fmt.Errorf("%w: write of %d bytes, max buffer size %d",
			errs.ErrCapacity, requiredAdditional, b.maxSize)
	}

	current := len(b.data)
	required := b.position + requiredAdditional
	if required <= current {
		return ResizeUnchanged, nil
	}

	if required > b.maxSize {
		if current < b.maxSize {
			b.grow(b.maxSize)
		}

		return ResizeFlush, nil
	}

	b.grow(b.nextSize(current, required))

	return ResizeSuccess, nil
}

// nextSize returns min(maxSize, smallest current*g^k >= required).
func (b *Buffer) nextSize(current, required int) int {
	size := current
	if size < 1 {
		size = 1
	}

	for size < required {
		next := int(math.Ceil(float64(size) * b.growthFactor))
		if next <= size {
			next = size + 1
		}
		if next >= b.maxSize {
			return b.maxSize
		}
		size = next
	}

	return size
}

func (b *Buffer) grow(newSize int) {
	if newSize <= len(b.data) {
		return
	}

	newData := make([]byte, newSize)
	copy(newData, b.data)
	b.data = newData
}

// ensure guarantees n writable bytes at the cursor, growing per Resize.
func (b *Buffer) ensure(n int) error {
	res, err := b.Resize(n)
	if err != nil {
		return err
	}
	if res == ResizeFlush {
		return fmt.Errorf("%w: %d bytes needed at position %d, max %d",
			errs.ErrFlushRequired, n, b.position, b.maxSize)
	}

	return nil
}

// Position returns the write cursor.
func (b *Buffer) Position() int {
	return b.position
}

// AbsolutePosition returns the number of bytes advanced over since creation
// or the last ResetAll.
func (b *Buffer) AbsolutePosition() uint64 {
	return b.absolutePosition
}

// Size returns the current allocated size.
func (b *Buffer) Size() int {
	return len(b.data)
}

// MaxSize returns the hard size limit.
func (b *Buffer) MaxSize() int {
	return b.maxSize
}

// Engine returns the byte order used by the typed puts.
func (b *Buffer) Engine() endian.EndianEngine {
	return b.engine
}

// Bytes returns the written region. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.position]
}

// Available ensures n writable bytes and returns them without advancing.
// Callers write into the region and then call Advance with the used length.
func (b *Buffer) Available(n int) ([]byte, error) {
	if err := b.ensure(n); err != nil {
		return nil, err
	}

	return b.data[b.position : b.position+n], nil
}

// Advance moves the cursor forward by n bytes that were written through Available.
func (b *Buffer) Advance(n int) error {
	if n < 0 || b.position+n > len(b.data) {
		return fmt.Errorf("%w: advance by %d at position %d, size %d",
			errs.ErrProtocolMisuse, n, b.position, len(b.data))
	}

	b.position += n
	b.absolutePosition += uint64(n) //nolint: gosec

	return nil
}

// Reset rewinds the cursor to zero, optionally zero-filling the used region,
// and forgets every reserved slot. The allocation and absolutePosition are kept.
func (b *Buffer) Reset(zero bool) {
	if zero {
		clear(b.data[:b.position])
	}
	b.position = 0
	b.slots = b.slots[:0]
}

// ResetAll performs Reset and also clears the absolute position.
func (b *Buffer) ResetAll(zero bool) {
	b.Reset(zero)
	b.absolutePosition = 0
}

// Truncate moves the cursor back to pos, discarding bytes after it.
// Slots reserved beyond pos are dropped.
func (b *Buffer) Truncate(pos int) error {
	if pos < 0 || pos > b.position {
		return fmt.Errorf("%w: truncate to %d beyond position %d", errs.ErrProtocolMisuse, pos, b.position)
	}

	b.position = pos
	kept := b.slots[:0]
	for _, s := range b.slots {
		if s.pos+int(s.width) <= pos {
			kept = append(kept, s)
		}
	}
	b.slots = kept

	return nil
}
