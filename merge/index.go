package merge

import (
	"fmt"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/metadata"
	"github.com/arloliu/bpstream/section"
)

// Sizes of the counted headers in front of the three indices.
const (
	pgIndexHeaderSize      = 8 + 8
	elementIndexHeaderSize = 4 + 8
)

// Index is a merged metadata index: encoded PG entries in step then rank
// order, and merged variable and attribute indices in first-appearance order.
type Index struct {
	PGs   [][]byte
	Vars  [][]byte
	Attrs [][]byte
}

func totalLen(parts [][]byte) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}

	return n
}

// Size returns the encoded size of the block including the minifooter.
func (ix *Index) Size() int {
	return pgIndexHeaderSize + totalLen(ix.PGs) +
		2*elementIndexHeaderSize + totalLen(ix.Vars) + totalLen(ix.Attrs) +
		section.MinifooterSize
}

// AppendTo writes the block to buf. base is the absolute position in the
// metadata file at which the block starts; the minifooter offsets are
// absolute.
//
// Layout:
//
//	u64 PG count · u64 PG length · PG entries
//	u32 variable count · u64 length · variable indices
//	u32 attribute count · u64 length · attribute indices
//	minifooter
func (ix *Index) AppendTo(buf *buffer.Buffer, base uint64) (section.Minifooter, error) {
	if _, err := buf.Available(ix.Size()); err != nil {
		return section.Minifooter{}, err
	}

	start := buf.Position()
	abs := func() uint64 { return base + uint64(buf.Position()-start) } //nolint: gosec

	pgStart := abs()
	_ = buf.PutUint64(uint64(len(ix.PGs)))
	_ = buf.PutUint64(uint64(totalLen(ix.PGs))) //nolint: gosec
	for _, p := range ix.PGs {
		_ = buf.PutBytes(p)
	}

	varsStart := abs()
	putElementIndices(buf, ix.Vars)

	attrsStart := abs()
	putElementIndices(buf, ix.Attrs)

	footer := section.NewMinifooter(buf.Engine(), pgStart, varsStart, attrsStart)

	return footer, buf.PutBytes(footer.Bytes())
}

// putElementIndices writes a counted run of element indices. Capacity was
// reserved by the caller.
func putElementIndices(buf *buffer.Buffer, indices [][]byte) {
	count, n := uint32(len(indices)), uint64(totalLen(indices)) //nolint: gosec
	_ = buf.PutUint32(count)
	_ = buf.PutUint64(n)
	for _, x := range indices {
		_ = buf.PutBytes(x)
	}
}

// Block is a parsed metadata block.
type Block struct {
	Start  uint64
	PGs    []section.PGIndexEntry
	Vars   []metadata.IndexView
	Attrs  []metadata.IndexView
	Footer section.Minifooter
}

// ParseBlock parses the block that starts at pos in a metadata file and
// returns the position after it. Views alias data.
func ParseBlock(data []byte, pos int, engine endian.EndianEngine) (Block, int, error) {
	if pos < 0 || pos > len(data) {
		return Block{}, 0, fmt.Errorf("%w: block position %d", errs.ErrTruncated, pos)
	}

	blk := Block{Start: uint64(pos)} //nolint: gosec
	rd := buffer.NewReader(data[pos:], engine)

	pgStart := pos + rd.Pos()
	pgCount := rd.Uint64()
	pgBytes := rd.Bytes64()
	if err := rd.Err(); err != nil {
		return Block{}, 0, fmt.Errorf("PG index: %w", err)
	}
	for off := 0; off < len(pgBytes); {
		entry, n, err := section.ParsePGIndexEntry(pgBytes[off:], engine)
		if err != nil {
			return Block{}, 0, err
		}
		blk.PGs = append(blk.PGs, entry)
		off += n
	}
	if uint64(len(blk.PGs)) != pgCount {
		return Block{}, 0, fmt.Errorf("%w: PG index declares %d entries, has %d",
			errs.ErrInvalidHeader, pgCount, len(blk.PGs))
	}

	varsStart := pos + rd.Pos()
	vars, err := parseElementIndices(rd, engine)
	if err != nil {
		return Block{}, 0, fmt.Errorf("variables index: %w", err)
	}
	blk.Vars = vars

	attrsStart := pos + rd.Pos()
	attrs, err := parseElementIndices(rd, engine)
	if err != nil {
		return Block{}, 0, fmt.Errorf("attributes index: %w", err)
	}
	blk.Attrs = attrs

	footerBytes := rd.Bytes(section.MinifooterSize)
	if err := rd.Err(); err != nil {
		return Block{}, 0, fmt.Errorf("minifooter: %w", err)
	}
	footer, err := section.ParseMinifooter(footerBytes)
	if err != nil {
		return Block{}, 0, err
	}
	want := section.NewMinifooter(engine, uint64(pgStart), uint64(varsStart), uint64(attrsStart)) //nolint: gosec
	if footer.PGIndexStart != want.PGIndexStart || footer.VarsIndexStart != want.VarsIndexStart ||
		footer.AttrsIndexStart != want.AttrsIndexStart {
		return Block{}, 0, fmt.Errorf("%w: minifooter offsets (%d, %d, %d) do not match (%d, %d, %d)",
			errs.ErrInvalidHeader, footer.PGIndexStart, footer.VarsIndexStart, footer.AttrsIndexStart,
			pgStart, varsStart, attrsStart)
	}
	blk.Footer = footer

	return blk, pos + rd.Pos(), nil
}

func parseElementIndices(rd *buffer.Reader, engine endian.EndianEngine) ([]metadata.IndexView, error) {
	count := rd.Uint32()
	body := rd.Bytes64()
	if err := rd.Err(); err != nil {
		return nil, err
	}

	views := make([]metadata.IndexView, 0, min(int(count), len(body)/elementIndexHeaderSize))
	for off := 0; off < len(body); {
		view, n, err := metadata.ParseIndex(body[off:], engine)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
		off += n
	}
	if len(views) != int(count) {
		return nil, fmt.Errorf("%w: index declares %d elements, has %d", errs.ErrInvalidHeader, count, len(views))
	}

	return views, nil
}
