// Package bpstream is a parallel write engine for a self-describing binary
// stream format.
//
// Every rank of a communicator owns a Writer. Per step, each rank serializes
// its variables and attributes into one process group, the ranks of an
// aggregation group funnel their bytes to the group's consumer, which appends
// them to the group's data file, and rank 0 merges every rank's metadata
// indices into a metadata block with absolute file offsets.
//
// # Usage
//
//	w, err := bpstream.Open(ctx, c, transport.Dir("out.bp"), cfg)
//	for step := 0; step < n; step++ {
//	    w.BeginStep()
//	    bpstream.Put(w, "mesh/u", dims, values)
//	    w.EndStep(ctx)
//	}
//	w.Close(ctx)
//
// BeginStep and the Put calls are local; EndStep, Flush and Close are
// collective and must be called by every rank.
package bpstream

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/arloliu/bpstream/aggregator"
	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/comm"
	"github.com/arloliu/bpstream/compress"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/internal/options"
	"github.com/arloliu/bpstream/internal/pool"
	"github.com/arloliu/bpstream/merge"
	"github.com/arloliu/bpstream/metadata"
	"github.com/arloliu/bpstream/metrics"
	"github.com/arloliu/bpstream/section"
	"github.com/arloliu/bpstream/serializer"
	"github.com/arloliu/bpstream/transport"
)

// MetadataRoot is the rank that merges and writes metadata.
const MetadataRoot = 0

// DataFileName returns the name of the data file of a sub-stream.
func DataFileName(subStream int) string {
	return "data." + strconv.Itoa(subStream)
}

// MetadataFileName is the name of the metadata file.
const MetadataFileName = "md.0"

// Writer is one rank's handle on an output stream. It is not safe for
// concurrent use.
type Writer struct {
	cfg      Config
	comm     comm.Communicator
	ser      *serializer.Serializer
	agg      *aggregator.Aggregator
	merger   *merge.Merger
	operator compress.Operator

	data     transport.Transport // consumers only
	meta     transport.Transport // MetadataRoot only
	dataEnd  uint64
	dataSize uint64

	step    uint32
	steps   uint32
	inStep  bool
	closed  bool
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// Option configures a Writer.
type Option = options.Option[*Writer]

// WithLogger sets the logger; the rank is added to every entry.
func WithLogger(logger logrus.FieldLogger) Option {
	return options.New(func(w *Writer) error {
		if logger == nil {
			return fmt.Errorf("%w: nil logger", errs.ErrConfig)
		}
		w.logger = logger

		return nil
	})
}

// WithMetrics attaches Prometheus instrumentation to the writer and every
// component it drives.
func WithMetrics(m *metrics.Metrics) Option {
	return options.NoError(func(w *Writer) {
		w.metrics = m
	})
}

// Open creates the rank's writer. Consumers create their sub-stream's data
// file and MetadataRoot creates the metadata file; both start with an active
// stream header. Open is collective only in that every rank must call it
// before the first EndStep.
func Open(ctx context.Context, c comm.Communicator, opener transport.Opener, cfg Config, opts ...Option) (*Writer, error) {
	if c == nil || opener == nil {
		return nil, fmt.Errorf("%w: nil communicator or opener", errs.ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	w := &Writer{cfg: cfg, comm: c, logger: logger}
	if err := options.Apply(w, opts...); err != nil {
		return nil, err
	}
	w.logger = w.logger.WithField("rank", c.Rank())

	op, err := cfg.operator()
	if err != nil {
		return nil, err
	}
	w.operator = op

	bc, err := cfg.BufferConfig()
	if err != nil {
		return nil, err
	}

	w.agg, err = aggregator.New(c, cfg.SubStreams,
		aggregator.WithEngine(bc.Engine),
		aggregator.WithLogger(w.logger),
		aggregator.WithMetrics(w.metrics),
	)
	if err != nil {
		return nil, err
	}

	w.ser, err = serializer.New(c.Rank(), bc,
		serializer.WithLogger(w.logger),
		serializer.WithMetrics(w.metrics),
		serializer.WithSubStream(uint32(w.agg.SubStreamIndex())), //nolint: gosec
		serializer.WithColumnMajor(cfg.ColumnMajor),
	)
	if err != nil {
		return nil, err
	}

	if c.Rank() == MetadataRoot {
		w.merger, err = merge.New(bc.Engine,
			merge.WithWorkers(cfg.MergeWorkers),
			merge.WithLogger(w.logger),
			merge.WithMetrics(w.metrics),
		)
		if err != nil {
			return nil, err
		}
		if w.meta, err = openStream(ctx, opener, MetadataFileName, bc); err != nil {
			return nil, err
		}
	}

	if w.agg.IsConsumer() {
		if w.data, err = openStream(ctx, opener, DataFileName(w.agg.SubStreamIndex()), bc); err != nil {
			_ = transport.CloseAll(w.meta)
			return nil, err
		}
		w.dataEnd = section.HeaderSize
	}

	w.logger.WithFields(logrus.Fields{
		"action":    "open",
		"substream": w.agg.SubStreamIndex(),
		"consumer":  w.agg.IsConsumer(),
		"streaming": cfg.Streaming,
	}).Debug("writer opened")

	return w, nil
}

func openStream(ctx context.Context, opener transport.Opener, name string, bc buffer.Config) (transport.Transport, error) {
	t, err := opener.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := t.Write(ctx, section.NewHeader(bc.Engine).Bytes()); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("write header of %s: %w", name, err)
	}

	return t, nil
}

// Rank returns the writer's rank.
func (w *Writer) Rank() int { return w.comm.Rank() }

// SubStream returns the index of the writer's aggregation group.
func (w *Writer) SubStream() int { return w.agg.SubStreamIndex() }

// Step returns the current step, or the next one outside a step.
func (w *Writer) Step() uint32 { return w.step }

// Serializer exposes the rank's serializer for writes the typed helpers do
// not cover, such as a payload with explicit metadata.
func (w *Writer) Serializer() *serializer.Serializer { return w.ser }

func (w *Writer) checkOpen() error {
	if w.closed {
		return errs.ErrClosed
	}

	return nil
}

func (w *Writer) checkInStep(op string) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if !w.inStep {
		return fmt.Errorf("%w: %s outside a step", errs.ErrProtocolMisuse, op)
	}

	return nil
}

// BeginStep starts the next step and opens the rank's process group.
func (w *Writer) BeginStep() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if w.inStep {
		return fmt.Errorf("%w: step %d already begun", errs.ErrProtocolMisuse, w.step)
	}

	w.step = w.steps
	if err := w.ser.BeginStep(w.step); err != nil {
		return err
	}
	if err := w.ser.OpenProcessGroup(w.cfg.GroupName, w.cfg.StepName); err != nil {
		return err
	}
	w.inStep = true

	return nil
}

// Put writes a variable of the current step with the writer's default
// operator. An empty dims writes a scalar. ErrFlushRequired means the data
// buffer is full; the variable was not written, and it can be retried after
// Flush or the step ended without it.
func Put[T metadata.Element](w *Writer, name string, dims metadata.Dimensions, values []T) error {
	return PutWithOperator(w, name, dims, values, w.operator)
}

// PutWithOperator is Put with an explicit payload transform; nil writes the
// payload unchanged.
func PutWithOperator[T metadata.Element](w *Writer, name string, dims metadata.Dimensions,
	values []T, op compress.Operator,
) error {
	if err := w.checkInStep("put"); err != nil {
		return err
	}
	if dims.Len() == 0 {
		// scalars are stored inline in the record
		op = nil
	}

	return serializer.PutVariable(w.ser, name, dims, values, op)
}

// PutString writes a string variable of the current step.
func (w *Writer) PutString(name, value string) error {
	if err := w.checkInStep("put"); err != nil {
		return err
	}

	return w.ser.PutString(name, value)
}

// DefineAttribute defines a scalar attribute. Attributes are written once, in
// the process group of the step they are defined in.
func (w *Writer) DefineAttribute(name string, value metadata.Value) error {
	if err := w.checkInStep("attribute definition"); err != nil {
		return err
	}

	return w.ser.DefineAttribute(name, value)
}

// DefineAttributeArray defines an array attribute.
func DefineAttributeArray[T metadata.Element](w *Writer, name string, values []T) error {
	if err := w.checkInStep("attribute definition"); err != nil {
		return err
	}

	return serializer.DefineAttributeArray(w.ser, name, values)
}

// EndStep closes the step on every rank: it closes the process group, agrees
// on where each rank's bytes land, rewrites the metadata offsets, funnels
// the data to the consumers and, in streaming mode, writes the step's
// metadata block.
func (w *Writer) EndStep(ctx context.Context) error {
	if err := w.checkInStep("end step"); err != nil {
		return err
	}

	if err := w.ser.CloseProcessGroup(); err != nil {
		return err
	}
	w.inStep = false
	w.steps++

	base, size, err := w.drain(ctx)
	if err != nil {
		return err
	}

	if w.cfg.Streaming {
		if err := w.writeMetadata(ctx, false); err != nil {
			return err
		}
		if err := w.ser.ResetIndices(); err != nil {
			return err
		}
	}

	w.metrics.StepDone()
	w.logger.WithFields(logrus.Fields{
		"action": "end_step",
		"step":   w.step,
		"base":   base,
		"bytes":  size,
	}).Debug("step ended")

	return nil
}

// Flush drains the rank's data buffer in the middle of a step, the recovery
// for ErrFlushRequired. It closes the process group, writes the buffered
// bytes like EndStep does and opens a new process group for the same step,
// after which the rejected Put can be retried. Metadata stays buffered until
// EndStep. Flush is collective: every rank must call it, including ranks with
// room to spare.
func (w *Writer) Flush(ctx context.Context) error {
	if err := w.checkInStep("flush"); err != nil {
		return err
	}

	if err := w.ser.CloseProcessGroup(); err != nil {
		return err
	}
	base, size, err := w.drain(ctx)
	if err != nil {
		return err
	}
	if err := w.ser.ResumeStep(); err != nil {
		return err
	}
	if err := w.ser.OpenProcessGroup(w.cfg.GroupName, w.cfg.StepName); err != nil {
		return err
	}

	w.logger.WithFields(logrus.Fields{
		"action": "flush",
		"step":   w.step,
		"base":   base,
		"bytes":  size,
	}).Debug("data flushed mid-step")

	return nil
}

// drain moves the closed process groups in the data buffer to the data file:
// the absolute-position exchange, the offset rewrite, the aggregation chain
// and the consumer write. It returns the rank's base and byte count.
func (w *Writer) drain(ctx context.Context) (uint64, uint64, error) {
	data := w.ser.Data().Bytes()
	size := uint64(len(data))

	if err := w.agg.StartAbsolutePosition(ctx, w.dataEnd, size); err != nil {
		return 0, 0, err
	}
	base, end, err := w.agg.WaitAbsolutePosition(ctx)
	if err != nil {
		return 0, 0, err
	}
	if err := w.ser.UpdateOffsetsInMetadata(base); err != nil {
		return 0, 0, err
	}

	if err := w.agg.Load(data); err != nil {
		return 0, 0, err
	}
	if err := w.ser.ResetData(); err != nil {
		return 0, 0, err
	}
	if err := w.agg.Run(ctx); err != nil {
		return 0, 0, err
	}
	w.dataSize += size

	if w.agg.IsConsumer() {
		if err := w.writeData(ctx, end); err != nil {
			return 0, 0, err
		}
	}
	w.agg.Reset()

	return base, size, nil
}

func (w *Writer) writeData(ctx context.Context, end uint64) error {
	group := w.agg.Data()
	if w.dataEnd+uint64(len(group)) != end {
		return fmt.Errorf("%w: sub-stream %d received %d bytes at %d, expected to end at %d",
			errs.ErrProtocolMisuse, w.agg.SubStreamIndex(), len(group), w.dataEnd, end)
	}
	if err := w.data.Write(ctx, group); err != nil {
		return fmt.Errorf("write %s: %w", DataFileName(w.agg.SubStreamIndex()), err)
	}
	w.dataEnd = end

	w.logger.WithFields(logrus.Fields{
		"action":    "write_data",
		"substream": w.agg.SubStreamIndex(),
		"bytes":     len(group),
	}).Debugf("wrote %s", humanize.IBytes(uint64(len(group))))

	return nil
}

// writeMetadata gathers every rank's index stream on MetadataRoot, merges them
// and appends the block to the metadata file.
func (w *Writer) writeMetadata(ctx context.Context, all bool) error {
	bb, err := w.ser.SerializeIndices(all)
	if err != nil {
		return err
	}
	defer pool.PutStreamBuffer(bb)

	streams, err := w.comm.Gatherv(ctx, bb.Bytes(), MetadataRoot)
	if err != nil {
		return err
	}
	if w.comm.Rank() != MetadataRoot {
		return nil
	}

	ix, err := w.merger.Merge(ctx, streams)
	if err != nil {
		return err
	}

	out := buffer.NewUnbounded(w.ser.Engine(), ix.Size())
	if _, err := ix.AppendTo(out, uint64(w.meta.Position())); err != nil { //nolint: gosec
		return err
	}
	if err := w.meta.Write(ctx, out.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", MetadataFileName, err)
	}

	w.logger.WithFields(logrus.Fields{
		"action":    "write_metadata",
		"step":      w.step,
		"variables": len(ix.Vars),
	}).Debugf("wrote %s of metadata", humanize.IBytes(uint64(out.Position()))) //nolint: gosec

	return nil
}

// Close finishes the stream on every rank. In file mode the metadata block is
// written here. Headers are marked inactive, the files are closed and the
// total bytes written by all ranks are logged on MetadataRoot.
func (w *Writer) Close(ctx context.Context) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if w.inStep {
		return fmt.Errorf("%w: close inside step %d", errs.ErrProtocolMisuse, w.step)
	}
	w.closed = true

	if !w.cfg.Streaming {
		if err := w.writeMetadata(ctx, true); err != nil {
			_ = transport.CloseAll(w.data, w.meta)
			return err
		}
	}

	for _, t := range []transport.Transport{w.data, w.meta} {
		if t == nil {
			continue
		}
		if err := t.WriteAt(ctx, section.InactiveFlag(), section.ActiveFlagOffset()); err != nil {
			_ = transport.CloseAll(w.data, w.meta)
			return err
		}
	}
	if err := transport.CloseAll(w.data, w.meta); err != nil {
		return err
	}

	total, err := w.comm.Reduce(ctx, w.dataSize, MetadataRoot)
	if err != nil {
		return err
	}
	if w.comm.Rank() == MetadataRoot {
		w.logger.WithFields(logrus.Fields{
			"action": "close",
			"steps":  w.steps,
			"bytes":  total,
		}).Infof("wrote %s of data in %d steps", humanize.IBytes(total), w.steps)
	}

	return nil
}
