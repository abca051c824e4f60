// Package merge combines the index streams gathered from every rank into one
// metadata block.
//
// Variable indices with the same name are merged record by record in step
// order; ties go to the lower rank. Attributes are rank-invariant, so only
// the first occurrence of each name is kept. Output order is the order in
// which names first appear when the streams are read in rank order.
package merge

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/bpstream/buffer"
	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/format"
	"github.com/arloliu/bpstream/internal/hash"
	"github.com/arloliu/bpstream/internal/options"
	"github.com/arloliu/bpstream/internal/pool"
	"github.com/arloliu/bpstream/metadata"
	"github.com/arloliu/bpstream/metrics"
	"github.com/arloliu/bpstream/section"
	"github.com/arloliu/bpstream/serializer"
)

// DefaultWorkers is the default parallelism of parsing and merging.
const DefaultWorkers = 4

// Merger merges gathered index streams. A Merger may be reused; each Merge
// call is independent.
type Merger struct {
	engine  endian.EndianEngine
	workers int
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// Option configures a Merger.
type Option = options.Option[*Merger]

// WithWorkers sets the number of goroutines used to parse and merge.
func WithWorkers(n int) Option {
	return options.New(func(m *Merger) error {
		if n < 1 {
			return fmt.Errorf("%w: %d merge workers", errs.ErrConfig, n)
		}
		m.workers = n

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return options.New(func(m *Merger) error {
		if logger == nil {
			return fmt.Errorf("%w: nil logger", errs.ErrConfig)
		}
		m.logger = logger

		return nil
	})
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(mt *metrics.Metrics) Option {
	return options.NoError(func(m *Merger) {
		m.metrics = mt
	})
}

// New creates a Merger for streams in the given byte order.
func New(engine endian.EndianEngine, opts ...Option) (*Merger, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil endian engine", errs.ErrConfig)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m := &Merger{engine: engine, workers: DefaultWorkers, logger: logger}
	if err := options.Apply(m, opts...); err != nil {
		return nil, err
	}

	return m, nil
}

// seen orders names by the rank and stream position of their first occurrence.
type seen struct {
	rank int
	seq  int
}

func (s seen) before(o seen) bool {
	if s.rank != o.rank {
		return s.rank < o.rank
	}

	return s.seq < o.seq
}

// rankIndex is one rank's parsed index of a name.
type rankIndex struct {
	view metadata.IndexView
	raw  []byte
}

// element collects one name's indices across ranks.
type element struct {
	name    string
	typ     format.DataType
	first   seen
	perRank map[int]rankIndex
}

type pgEntry struct {
	entry section.PGIndexEntry
	raw   []byte
	rank  int
	seq   int
}

// state is the shared parse result of one Merge call; mu guards the maps.
type state struct {
	mu    sync.Mutex
	vars  map[string]*element
	attrs map[string]*element
	pgs   []pgEntry
}

// Merge parses streams, one per rank in rank order, and merges them.
func (m *Merger) Merge(ctx context.Context, streams [][]byte) (*Index, error) {
	done := m.metrics.MergeObserver()
	defer done()

	st := &state{
		vars:  make(map[string]*element),
		attrs: make(map[string]*element),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for rank, stream := range streams {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			return errors.Wrapf(m.parseStream(st, rank, stream), "parse index stream of rank %d", rank)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ix := &Index{}

	sort.Slice(st.pgs, func(i, j int) bool {
		a, b := st.pgs[i], st.pgs[j]
		if a.entry.Step != b.entry.Step {
			return a.entry.Step < b.entry.Step
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}

		return a.seq < b.seq
	})
	for _, pg := range st.pgs {
		ix.PGs = append(ix.PGs, pg.raw)
	}

	attrs := ordered(st.attrs)
	for _, el := range attrs {
		ix.Attrs = append(ix.Attrs, el.perRank[el.first.rank].raw)
	}

	vars := ordered(st.vars)
	merged, err := m.mergeVariables(ctx, vars)
	if err != nil {
		return nil, err
	}
	ix.Vars = merged

	m.metrics.Merged("pg", len(ix.PGs))
	m.metrics.Merged("variable", len(ix.Vars))
	m.metrics.Merged("attribute", len(ix.Attrs))
	m.logger.WithFields(logrus.Fields{
		"action":     "merge_indices",
		"ranks":      len(streams),
		"pgs":        len(ix.PGs),
		"variables":  len(ix.Vars),
		"attributes": len(ix.Attrs),
	}).Debug("indices merged")

	return ix, nil
}

func ordered(m map[string]*element) []*element {
	out := make([]*element, 0, len(m))
	for _, el := range m {
		out = append(out, el)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].first.before(out[j].first) })

	return out
}

func (m *Merger) parseStream(st *state, rank int, stream []byte) error {
	seq := 0

	return serializer.WalkStream(stream, m.engine, func(e serializer.StreamEntry) error {
		seq++
		if int(e.Source) != rank {
			return fmt.Errorf("%w: entry from rank %d in the stream of rank %d", errs.ErrInvalidHeader, e.Source, rank)
		}

		switch e.Kind {
		case serializer.KindPG:
			entry, n, err := section.ParsePGIndexEntry(e.Data, m.engine)
			if err != nil {
				return err
			}
			st.mu.Lock()
			st.pgs = append(st.pgs, pgEntry{entry: entry, raw: e.Data[:n], rank: rank, seq: seq})
			st.mu.Unlock()

			return nil

		case serializer.KindVariable, serializer.KindAttribute:
			view, n, err := metadata.ParseIndex(e.Data, m.engine)
			if err != nil {
				return err
			}
			target := st.vars
			if e.Kind == serializer.KindAttribute {
				target = st.attrs
			}

			idx := rankIndex{view: view, raw: e.Data[:n]}

			return st.insert(target, idx, seen{rank: rank, seq: seq}, e.Kind == serializer.KindAttribute)
		}

		return nil
	})
}

func (st *state) insert(target map[string]*element, idx rankIndex, at seen, rankConstant bool) error {
	name := idx.view.Name

	st.mu.Lock()
	defer st.mu.Unlock()

	el, ok := target[name]
	if !ok {
		el = &element{name: name, typ: idx.view.Type, first: at, perRank: make(map[int]rankIndex, 1)}
		target[name] = el
	}
	if el.typ != idx.view.Type {
		return errors.Wrapf(&errs.TypeMismatchError{Tag: uint8(idx.view.Type), Name: name},
			"%q is %s on one rank and %s on rank %d", name, el.typ, idx.view.Type, at.rank)
	}

	earlier := !ok || at.before(el.first)
	if earlier {
		el.first = at
	}

	if rankConstant {
		// only the first occurrence of a rank-invariant attribute is kept
		if !earlier {
			return nil
		}
		clear(el.perRank)
	}

	if _, dup := el.perRank[at.rank]; dup {
		return fmt.Errorf("%w: %q indexed twice by rank %d", errs.ErrInvalidHeader, name, at.rank)
	}
	el.perRank[at.rank] = idx

	return nil
}

func (m *Merger) mergeVariables(ctx context.Context, vars []*element) ([][]byte, error) {
	out := make([][]byte, len(vars))
	parts, release := pool.GetIntSlice(len(vars))
	defer release()
	for i, el := range vars {
		parts[i] = hash.Partition(el.name, m.workers)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := range m.workers {
		g.Go(func() error {
			for i, el := range vars {
				if parts[i] != w {
					continue
				}
				if err := gctx.Err(); err != nil {
					return err
				}

				merged, err := mergeElement(el, m.engine)
				if err != nil {
					return errors.Wrapf(err, "merge variable %q", el.name)
				}
				out[i] = merged
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// cursor walks one rank's records of an element.
type cursor struct {
	rank    int
	records [][]byte
	pos     int
	step    uint32
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if h[i].step != h[j].step {
		return h[i].step < h[j].step
	}

	return h[i].rank < h[j].rank
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*cursor)) } //nolint: forcetypeassert

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]

	return c
}

// advance loads the step of the current record and checks the rank's steps
// never decrease.
func (c *cursor) advance(engine endian.EndianEngine) (bool, error) {
	if c.pos >= len(c.records) {
		return false, nil
	}

	step, err := metadata.RecordStep(c.records[c.pos], engine)
	if err != nil {
		return false, errors.Wrapf(err, "record %d of rank %d", c.pos, c.rank)
	}
	if c.pos > 0 && step < c.step {
		return false, fmt.Errorf("%w: rank %d record %d has step %d after step %d",
			errs.ErrUnorderedSteps, c.rank, c.pos, step, c.step)
	}
	c.step = step

	return true, nil
}

// mergeElement merges one variable's per-rank indices by step. The header is
// taken from the lowest rank with its length and count rewritten.
func mergeElement(el *element, engine endian.EndianEngine) ([]byte, error) {
	ranks, release := pool.GetIntSlice(len(el.perRank))
	defer release()
	ranks = ranks[:0]
	for rank := range el.perRank {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)

	h := make(cursorHeap, 0, len(ranks))
	bodyLen := 0
	count := uint64(0)
	for _, rank := range ranks {
		view := el.perRank[rank].view
		bodyLen += view.BodyLen()
		count += uint64(len(view.Records))

		c := &cursor{rank: rank, records: view.Records}
		ok, err := c.advance(engine)
		if err != nil {
			return nil, err
		}
		if ok {
			h = append(h, c)
		}
	}
	heap.Init(&h)

	header := el.perRank[ranks[0]].view.Header
	out := buffer.NewUnbounded(engine, len(header)+bodyLen)
	if err := metadata.AppendHeader(out, header, bodyLen, count); err != nil {
		return nil, err
	}

	for h.Len() > 0 {
		c := h[0]
		if err := out.PutBytes(c.records[c.pos]); err != nil {
			return nil, err
		}
		c.pos++

		ok, err := c.advance(engine)
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	return out.Bytes(), nil
}
