package bpstream

import (
	"fmt"

	"github.com/arloliu/bpstream/compress"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/merge"
	"github.com/arloliu/bpstream/metadata"
	"github.com/arloliu/bpstream/section"
)

// Metadata is a parsed metadata file: one block per step in streaming mode,
// a single block in file mode.
type Metadata struct {
	Header section.Header
	Blocks []merge.Block
}

// ReadMetadata parses a complete metadata file.
func ReadMetadata(data []byte) (*Metadata, error) {
	h, err := section.ParseHeader(data)
	if err != nil {
		return nil, err
	}

	md := &Metadata{Header: h}
	for pos := section.HeaderSize; pos < len(data); {
		blk, next, err := merge.ParseBlock(data, pos, h.Engine)
		if err != nil {
			return nil, fmt.Errorf("metadata block %d at %d: %w", len(md.Blocks), pos, err)
		}
		md.Blocks = append(md.Blocks, blk)
		pos = next
	}

	return md, nil
}

// Records returns every record of a variable across all blocks, in step
// order.
func (md *Metadata) Records(name string) ([]metadata.Record, error) {
	var out []metadata.Record
	for _, blk := range md.Blocks {
		for i := range blk.Vars {
			if blk.Vars[i].Name != name {
				continue
			}
			recs, err := blk.Vars[i].Decode(md.Header.Engine)
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
		}
	}

	return out, nil
}

// Attribute returns the first record of the named attribute.
func (md *Metadata) Attribute(name string) (metadata.Record, bool, error) {
	for _, blk := range md.Blocks {
		for i := range blk.Attrs {
			if blk.Attrs[i].Name != name {
				continue
			}
			recs, err := blk.Attrs[i].Decode(md.Header.Engine)
			if err != nil || len(recs) == 0 {
				return metadata.Record{}, false, err
			}

			return recs[0], true, nil
		}
	}

	return metadata.Record{}, false, nil
}

// ReadValues returns the array payload a record points to in its data file,
// reversing the payload transform if one was applied.
func ReadValues[T metadata.Element](data []byte, rec metadata.Record, md *Metadata) ([]T, error) {
	if !rec.Fields.Has(metadata.CharDimensions) {
		return nil, fmt.Errorf("%w: record holds a scalar value", errs.ErrProtocolMisuse)
	}

	size := rec.Dims.Elements() * uint64(metadata.TypeOf[T]().Size()) //nolint: gosec
	if rec.Fields.Has(metadata.CharOperator) {
		size = rec.Operator.OutputSize
	}
	if size > uint64(len(data)) || rec.PayloadOffset > uint64(len(data))-size {
		return nil, fmt.Errorf("%w: payload [%d, %d) beyond %d bytes",
			errs.ErrTruncated, rec.PayloadOffset, rec.PayloadOffset+size, len(data))
	}
	payload := data[rec.PayloadOffset : rec.PayloadOffset+size]

	if rec.Fields.Has(metadata.CharOperator) {
		op, err := compress.NewOperator(rec.Operator.Type)
		if err != nil {
			return nil, err
		}
		if payload, err = op.GetData(payload, rec.Operator); err != nil {
			return nil, err
		}
	}

	return metadata.DecodeElements[T](payload, md.Header.Engine)
}
