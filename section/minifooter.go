package section

import (
	"fmt"

	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
)

// Minifooter is the fixed trailer locating the three top-level indices of a
// metadata block.
type Minifooter struct {
	VersionTag      string
	PGIndexStart    uint64
	VarsIndexStart  uint64
	AttrsIndexStart uint64
	Engine          endian.EndianEngine
	Version         uint8
}

// NewMinifooter creates a footer for the current format version.
func NewMinifooter(engine endian.EndianEngine, pgStart, varsStart, attrsStart uint64) Minifooter {
	return Minifooter{
		VersionTag:      format.VersionTag,
		PGIndexStart:    pgStart,
		VarsIndexStart:  varsStart,
		AttrsIndexStart: attrsStart,
		Engine:          engine,
		Version:         format.Version,
	}
}

// Bytes serializes the footer into a 56-byte slice.
func (f Minifooter) Bytes() []byte {
	b := make([]byte, MinifooterSize)
	putTag(b[:MinifooterTagSize], f.VersionTag)
	f.Engine.PutUint64(b[minifooterPGPos:], f.PGIndexStart)
	f.Engine.PutUint64(b[minifooterVarsPos:], f.VarsIndexStart)
	f.Engine.PutUint64(b[minifooterAttrsPos:], f.AttrsIndexStart)
	b[minifooterEndianPos] = endian.Flag(f.Engine)
	b[minifooterVersionPos] = f.Version

	return b
}

// ParseMinifooter parses the last 56 bytes of data as a footer. The endianness
// byte is read first since it determines how the offsets decode.
func ParseMinifooter(data []byte) (Minifooter, error) {
	if len(data) < MinifooterSize {
		return Minifooter{}, fmt.Errorf("%w: minifooter needs %d bytes, got %d",
			errs.ErrTruncated, MinifooterSize, len(data))
	}
	b := data[len(data)-MinifooterSize:]

	engine, ok := endian.FromFlag(b[minifooterEndianPos])
	if !ok {
		return Minifooter{}, fmt.Errorf("%w: minifooter endianness flag %d",
			errs.ErrInvalidHeader, b[minifooterEndianPos])
	}

	f := Minifooter{
		VersionTag:      trimTag(b[:MinifooterTagSize]),
		PGIndexStart:    engine.Uint64(b[minifooterPGPos:]),
		VarsIndexStart:  engine.Uint64(b[minifooterVarsPos:]),
		AttrsIndexStart: engine.Uint64(b[minifooterAttrsPos:]),
		Engine:          engine,
		Version:         b[minifooterVersionPos],
	}

	if f.Version == 0 || f.Version > format.Version {
		return Minifooter{}, fmt.Errorf("%w: unsupported minifooter version %d", errs.ErrInvalidHeader, f.Version)
	}
	if f.PGIndexStart > f.VarsIndexStart || f.VarsIndexStart > f.AttrsIndexStart {
		return Minifooter{}, fmt.Errorf("%w: index starts out of order (%d, %d, %d)",
			errs.ErrInvalidHeader, f.PGIndexStart, f.VarsIndexStart, f.AttrsIndexStart)
	}

	return f, nil
}
