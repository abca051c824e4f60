package comm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/arloliu/bpstream/endian"
	"github.com/arloliu/bpstream/errs"
)

type route struct {
	src, dst, tag int
}

// mailbox queues undelivered messages and unmatched receives of one route.
type mailbox struct {
	msgs  [][]byte
	recvs []*Request
}

// Request is the handle of a posted send or receive. Sends are buffered and
// complete when posted; receives complete when matched.
type Request struct {
	route route
	// buf is the destination of an unmatched receive
	buf []byte

	done   chan struct{}
	status Status
	err    error
}

func (r *Request) complete(status Status, err error) {
	r.status, r.err = status, err
	close(r.done)
}

// Done returns a channel closed when the request completes.
func (r *Request) Done() <-chan struct{} { return r.done }

// World is a group of in-process ranks connected by mailboxes.
type World struct {
	size int

	mu    sync.Mutex
	boxes map[route]*mailbox
}

// NewWorld creates a world of size ranks.
func NewWorld(size int) (*World, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: world size %d", errs.ErrConfig, size)
	}

	return &World{size: size, boxes: make(map[route]*mailbox)}, nil
}

// Size returns the number of ranks.
func (w *World) Size() int { return w.size }

// Comm returns the communicator of rank.
func (w *World) Comm(rank int) Communicator {
	return &rankComm{world: w, rank: rank}
}

// Run calls fn once per rank, each in its own goroutine, and waits for all of
// them. The first error cancels the context passed to the others.
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, c Communicator) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank := range w.size {
		c := w.Comm(rank)
		g.Go(func() error {
			if err := fn(ctx, c); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}

			return nil
		})
	}

	return g.Wait()
}

func (w *World) box(r route) *mailbox {
	b, ok := w.boxes[r]
	if !ok {
		b = &mailbox{}
		w.boxes[r] = b
	}

	return b
}

// deliver copies a message into a matched receive and completes it.
func deliver(recv *Request, payload []byte) {
	status := Status{Source: recv.route.src, Tag: recv.route.tag, Count: len(payload)}

	buf := recv.buf
	recv.buf = nil
	if buf == nil {
		buf = make([]byte, len(payload))
	}
	if len(payload) > len(buf) {
		recv.complete(status, fmt.Errorf("%w: message of %d bytes into a %d byte receive",
			errs.ErrCapacity, len(payload), len(buf)))

		return
	}

	status.Data = buf[:copy(buf, payload)]
	recv.complete(status, nil)
}

type rankComm struct {
	world *World
	rank  int
}

var _ Communicator = (*rankComm)(nil)

func (c *rankComm) Rank() int { return c.rank }

func (c *rankComm) Size() int { return c.world.size }

func (c *rankComm) Isend(ctx context.Context, data []byte, dst, tag int) (*Request, error) {
	if err := checkPeer(c, dst, tag, true); err != nil {
		return nil, err
	}

	return c.isend(ctx, data, dst, tag)
}

func (c *rankComm) Irecv(ctx context.Context, buf []byte, src, tag int) (*Request, error) {
	if err := checkPeer(c, src, tag, true); err != nil {
		return nil, err
	}

	return c.irecv(ctx, buf, src, tag)
}

func (c *rankComm) isend(ctx context.Context, data []byte, dst, tag int) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := &Request{route: route{src: c.rank, dst: dst, tag: tag}, done: make(chan struct{})}
	payload := append([]byte(nil), data...)

	w := c.world
	w.mu.Lock()
	b := w.box(req.route)
	if len(b.recvs) > 0 {
		recv := b.recvs[0]
		b.recvs = b.recvs[1:]
		deliver(recv, payload)
	} else {
		b.msgs = append(b.msgs, payload)
	}
	w.mu.Unlock()

	req.complete(Status{Source: c.rank, Tag: tag, Count: len(payload)}, nil)

	return req, nil
}

func (c *rankComm) irecv(ctx context.Context, buf []byte, src, tag int) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := &Request{route: route{src: src, dst: c.rank, tag: tag}, buf: buf, done: make(chan struct{})}

	w := c.world
	w.mu.Lock()
	defer w.mu.Unlock()

	b := w.box(req.route)
	if len(b.msgs) > 0 {
		msg := b.msgs[0]
		b.msgs = b.msgs[1:]
		deliver(req, msg)

		return req, nil
	}
	b.recvs = append(b.recvs, req)

	return req, nil
}

// withdraw removes an unmatched receive from its mailbox. It reports false
// when the request was already matched.
func (w *World) withdraw(req *Request) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.boxes[req.route]
	if !ok {
		return false
	}
	for i, r := range b.recvs {
		if r == req {
			b.recvs = append(b.recvs[:i], b.recvs[i+1:]...)
			return true
		}
	}

	return false
}

func (c *rankComm) Wait(ctx context.Context, req *Request) (Status, error) {
	if req == nil {
		return Status{}, fmt.Errorf("%w: wait on a nil request", errs.ErrProtocolMisuse)
	}

	select {
	case <-req.done:
		return req.status, req.err
	case <-ctx.Done():
		if c.world.withdraw(req) {
			return Status{}, ctx.Err()
		}
		// matched concurrently with the cancellation
		<-req.done

		return req.status, req.err
	}
}

func (c *rankComm) Gatherv(ctx context.Context, data []byte, root int) ([][]byte, error) {
	if err := checkPeer(c, root, 0, false); err != nil {
		return nil, err
	}

	if c.rank != root {
		req, err := c.isend(ctx, data, root, tagGather)
		if err != nil {
			return nil, err
		}
		_, err = c.Wait(ctx, req)

		return nil, err
	}

	reqs := make([]*Request, c.world.size)
	for src := range c.world.size {
		if src == root {
			continue
		}
		req, err := c.irecv(ctx, nil, src, tagGather)
		if err != nil {
			return nil, err
		}
		reqs[src] = req
	}

	out := make([][]byte, c.world.size)
	out[root] = append([]byte(nil), data...)
	for src, req := range reqs {
		if req == nil {
			continue
		}
		st, err := c.Wait(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("gather from rank %d: %w", src, err)
		}
		out[src] = st.Data
	}

	return out, nil
}

func (c *rankComm) Reduce(ctx context.Context, value uint64, root int) (uint64, error) {
	if err := checkPeer(c, root, 0, false); err != nil {
		return 0, err
	}

	engine := endian.GetLittleEndianEngine()
	if c.rank != root {
		req, err := c.isend(ctx, engine.AppendUint64(nil, value), root, tagReduce)
		if err != nil {
			return 0, err
		}
		_, err = c.Wait(ctx, req)

		return 0, err
	}

	sum := value
	for src := range c.world.size {
		if src == root {
			continue
		}
		req, err := c.irecv(ctx, make([]byte, 8), src, tagReduce)
		if err != nil {
			return 0, err
		}
		st, err := c.Wait(ctx, req)
		if err != nil {
			return 0, fmt.Errorf("reduce from rank %d: %w", src, err)
		}
		if st.Count != 8 {
			return 0, fmt.Errorf("%w: reduce contribution of %d bytes", errs.ErrTruncated, st.Count)
		}
		sum += engine.Uint64(st.Data)
	}

	return sum, nil
}
