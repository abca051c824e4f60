// Package aggregator moves the data buffers of P ranks into S sub-stream
// consumers with a chain protocol.
//
// Ranks are split into S contiguous groups; the first P mod S groups get one
// extra rank. Within a group of Pg ranks, round k (0 <= k < Pg-1) has group
// rank r send its current buffer to r-1 when 1 <= r <= Pg-1-k and receive
// from r+1 when r < Pg-1-k. The consumer (group rank 0) prepends what it
// receives, so after the last round it holds the group's data in the order
// Pg-1, ..., 1, 0 and every other rank holds nothing.
//
// The absolute position exchange forwards the sub-stream's running byte
// offset along the same chain, from the consumer to rank Pg-1 and back down,
// so every rank learns where its bytes land in the sub-stream.
package aggregator

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/arloliu/bpstream/comm"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/internal/options"
	"github.com/arloliu/bpstream/metrics"
)

// Message tags.
const (
	tagSize   = 1
	tagData   = 2
	tagAbsPos = 3
)

// Aggregator is one rank's state in the chain. It is NOT safe for concurrent use.
type Aggregator struct {
	comm   comm.Communicator
	engine endian.EndianEngine

	subStreams     int
	subStreamIndex int
	groupStart     int
	groupRank      int
	groupSize      int
	maxRounds      int

	// bufs is the double buffer; order selects the one this rank owns.
	bufs  [2][]byte
	order int

	round  int
	active *roundState

	absPos *absPosState

	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

type roundState struct {
	step     int
	sends    []*comm.Request
	recv     *comm.Request
	sent     int
	receiver bool
}

type absPosState struct {
	fileStart uint64
	size      uint64
	recv      *comm.Request
}

// Option configures an Aggregator.
type Option = options.Option[*Aggregator]

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return options.New(func(a *Aggregator) error {
		if logger == nil {
			return fmt.Errorf("%w: nil logger", errs.ErrConfig)
		}
		a.logger = logger

		return nil
	})
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return options.NoError(func(a *Aggregator) {
		a.metrics = m
	})
}

// WithEngine sets the byte order of size messages. The default is little-endian.
func WithEngine(engine endian.EndianEngine) Option {
	return options.New(func(a *Aggregator) error {
		if engine == nil {
			return fmt.Errorf("%w: nil endian engine", errs.ErrConfig)
		}
		a.engine = engine

		return nil
	})
}

// Group describes the contiguous rank range of one sub-stream.
type Group struct {
	Index int
	Start int
	Size  int
}

// Groups splits size ranks into subStreams contiguous groups.
func Groups(size, subStreams int) ([]Group, error) {
	if size < 1 || subStreams < 1 || subStreams > size {
		return nil, fmt.Errorf("%w: %d sub-streams for %d ranks", errs.ErrConfig, subStreams, size)
	}

	base, extra := size/subStreams, size%subStreams
	groups := make([]Group, subStreams)
	start := 0
	for i := range groups {
		n := base
		if i < extra {
			n++
		}
		groups[i] = Group{Index: i, Start: start, Size: n}
		start += n
	}

	return groups, nil
}

// New creates the aggregator of c's rank for subStreams consumers.
func New(c comm.Communicator, subStreams int, opts ...Option) (*Aggregator, error) {
	groups, err := Groups(c.Size(), subStreams)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	a := &Aggregator{
		comm:       c,
		engine:     endian.GetLittleEndianEngine(),
		subStreams: subStreams,
		logger:     logger,
	}
	for _, g := range groups {
		if c.Rank() >= g.Start && c.Rank() < g.Start+g.Size {
			a.subStreamIndex = g.Index
			a.groupStart = g.Start
			a.groupSize = g.Size
			a.groupRank = c.Rank() - g.Start
		}
		a.maxRounds = max(a.maxRounds, g.Size-1)
	}

	if err := options.Apply(a, opts...); err != nil {
		return nil, err
	}
	a.logger = a.logger.WithFields(logrus.Fields{"rank": c.Rank(), "sub_stream": a.subStreamIndex})

	return a, nil
}

// SubStreamIndex returns the sub-stream this rank's data lands in.
func (a *Aggregator) SubStreamIndex() int { return a.subStreamIndex }

// SubStreams returns the number of sub-streams.
func (a *Aggregator) SubStreams() int { return a.subStreams }

// IsConsumer reports whether this rank writes its group's sub-stream.
func (a *Aggregator) IsConsumer() bool { return a.groupRank == 0 }

// GroupRank returns the rank within the group.
func (a *Aggregator) GroupRank() int { return a.groupRank }

// GroupSize returns the number of ranks in the group.
func (a *Aggregator) GroupSize() int { return a.groupSize }

// ConsumerRank returns the world rank of the group's consumer.
func (a *Aggregator) ConsumerRank() int { return a.groupStart }

// Rounds returns the number of rounds every rank runs: the longest chain.
func (a *Aggregator) Rounds() int { return a.maxRounds }

// Data returns the buffer this rank currently owns.
func (a *Aggregator) Data() []byte { return a.bufs[a.order] }

// Load copies data into the owned buffer, replacing its contents, and rearms
// the rounds.
func (a *Aggregator) Load(data []byte) error {
	if a.active != nil {
		return fmt.Errorf("%w: load during round %d", errs.ErrProtocolMisuse, a.active.step)
	}

	a.bufs[a.order] = append(a.bufs[a.order][:0], data...)
	a.round = 0

	return nil
}

// Reset empties both buffers.
func (a *Aggregator) Reset() {
	a.bufs[0] = a.bufs[0][:0]
	a.bufs[1] = a.bufs[1][:0]
	a.round = 0
	a.active = nil
}

func (a *Aggregator) isSender(step int) bool {
	return a.groupRank >= 1 && a.groupRank <= a.groupSize-1-step
}

func (a *Aggregator) isReceiver(step int) bool {
	return a.groupRank < a.groupSize-1-step
}

// StartRound posts the sends and receives of round step. A receiving rank
// blocks until the size of the incoming buffer is known, then posts the
// payload receive; nothing else blocks.
func (a *Aggregator) StartRound(ctx context.Context, step int) error {
	if a.active != nil {
		return fmt.Errorf("%w: round %d started while round %d is active", errs.ErrProtocolMisuse, step, a.active.step)
	}
	if step != a.round {
		return fmt.Errorf("%w: round %d started, expected %d", errs.ErrProtocolMisuse, step, a.round)
	}

	st := &roundState{step: step}
	if a.isSender(step) {
		dst := a.groupStart + a.groupRank - 1
		data := a.bufs[a.order]

		req, err := a.comm.Isend(ctx, a.engine.AppendUint64(nil, uint64(len(data))), dst, tagSize)
		if err != nil {
			return err
		}
		st.sends = append(st.sends, req)

		if len(data) > 0 {
			req, err = a.comm.Isend(ctx, data, dst, tagData)
			if err != nil {
				return err
			}
			st.sends = append(st.sends, req)
		}
		st.sent = len(data)
	}

	if a.isReceiver(step) {
		src := a.groupStart + a.groupRank + 1
		sizeReq, err := a.comm.Irecv(ctx, make([]byte, 8), src, tagSize)
		if err != nil {
			return err
		}
		status, err := a.comm.Wait(ctx, sizeReq)
		if err != nil {
			return fmt.Errorf("round %d size from rank %d: %w", step, src, err)
		}
		if status.Count != 8 {
			return fmt.Errorf("%w: round %d size message of %d bytes", errs.ErrTruncated, step, status.Count)
		}

		n := a.engine.Uint64(status.Data)
		other := 1 - a.order
		if uint64(cap(a.bufs[other])) < n {
			a.bufs[other] = make([]byte, n)
		}
		a.bufs[other] = a.bufs[other][:n]

		if n > 0 {
			st.recv, err = a.comm.Irecv(ctx, a.bufs[other], src, tagData)
			if err != nil {
				return err
			}
		}
		st.receiver = true
	}

	a.active = st

	return nil
}

// WaitRound completes round step and swaps the double buffer.
func (a *Aggregator) WaitRound(ctx context.Context, step int) error {
	st := a.active
	if st == nil || st.step != step {
		return fmt.Errorf("%w: wait on round %d that was not started", errs.ErrProtocolMisuse, step)
	}

	for _, req := range st.sends {
		if _, err := a.comm.Wait(ctx, req); err != nil {
			return fmt.Errorf("round %d send: %w", step, err)
		}
	}

	received := 0
	other := 1 - a.order
	if st.recv != nil {
		status, err := a.comm.Wait(ctx, st.recv)
		if err != nil {
			return fmt.Errorf("round %d receive: %w", step, err)
		}
		received = status.Count
	}

	switch {
	case a.IsConsumer() && st.receiver:
		a.bufs[other] = append(a.bufs[other][:received], a.bufs[a.order]...)
		a.bufs[a.order] = a.bufs[a.order][:0]
		a.order = other
	case st.receiver:
		a.bufs[a.order] = a.bufs[a.order][:0]
		a.order = other
	case len(st.sends) > 0:
		a.bufs[a.order] = a.bufs[a.order][:0]
	}

	a.active = nil
	a.round++
	a.metrics.AggregationRound(st.sent, received)
	a.logger.WithFields(logrus.Fields{
		"action":   "aggregate_round",
		"round":    step,
		"sent":     st.sent,
		"received": received,
	}).Debug("round complete")

	return nil
}

// Run performs every round. Every rank of the world must call it.
func (a *Aggregator) Run(ctx context.Context) error {
	for step := range a.maxRounds {
		if err := a.StartRound(ctx, step); err != nil {
			return err
		}
		if err := a.WaitRound(ctx, step); err != nil {
			return err
		}
	}

	return nil
}

// StartAbsolutePosition begins the absolute position exchange. fileStart is
// the sub-stream's current end and only meaningful on the consumer; size is
// the number of bytes this rank contributes. Starting a second exchange
// before the first is waited on fails.
func (a *Aggregator) StartAbsolutePosition(ctx context.Context, fileStart, size uint64) error {
	if a.absPos != nil {
		return fmt.Errorf("%w: absolute position exchange already active", errs.ErrProtocolMisuse)
	}

	st := &absPosState{fileStart: fileStart, size: size}

	if a.groupSize > 1 {
		var src int
		if a.IsConsumer() {
			// the chain starts at the far end of the group
			last := a.groupStart + a.groupSize - 1
			req, err := a.comm.Isend(ctx, a.engine.AppendUint64(nil, fileStart), last, tagAbsPos)
			if err != nil {
				return err
			}
			if _, err := a.comm.Wait(ctx, req); err != nil {
				return err
			}
			src = a.groupStart + 1
		} else if a.groupRank == a.groupSize-1 {
			src = a.groupStart
		} else {
			src = a.groupStart + a.groupRank + 1
		}

		req, err := a.comm.Irecv(ctx, make([]byte, 8), src, tagAbsPos)
		if err != nil {
			return err
		}
		st.recv = req
	}

	a.absPos = st

	return nil
}

// WaitAbsolutePosition completes the exchange and returns where this rank's
// bytes start in the sub-stream and, on the consumer, where the group's
// bytes end.
func (a *Aggregator) WaitAbsolutePosition(ctx context.Context) (base, end uint64, err error) {
	st := a.absPos
	if st == nil {
		return 0, 0, fmt.Errorf("%w: no absolute position exchange active", errs.ErrProtocolMisuse)
	}
	defer func() { a.absPos = nil }()

	base = st.fileStart
	if st.recv != nil {
		status, err := a.comm.Wait(ctx, st.recv)
		if err != nil {
			return 0, 0, err
		}
		if status.Count != 8 {
			return 0, 0, fmt.Errorf("%w: absolute position of %d bytes", errs.ErrTruncated, status.Count)
		}
		base = a.engine.Uint64(status.Data)
	}
	end = base + st.size

	if !a.IsConsumer() {
		dst := a.groupStart + a.groupRank - 1
		req, err := a.comm.Isend(ctx, a.engine.AppendUint64(nil, end), dst, tagAbsPos)
		if err != nil {
			return 0, 0, err
		}
		if _, err := a.comm.Wait(ctx, req); err != nil {
			return 0, 0, err
		}
	}

	return base, end, nil
}
