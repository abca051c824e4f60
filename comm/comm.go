// Package comm defines the collective communication capability used by the
// aggregator and the metadata merger, and an in-process implementation in
// which every rank is a goroutine.
//
// Point-to-point messages between one (source, destination, tag) triple are
// non-overtaking: receives match sends in the order both were posted.
// Isend and Irecv never block; completion is observed through Wait.
package comm

import (
	"context"
	"fmt"

	"github.com/arloliu/bpstream/errs"
)

// Communicator is one rank's view of a group of cooperating ranks.
type Communicator interface {
	// Rank returns the calling rank in [0, Size).
	Rank() int
	// Size returns the number of ranks.
	Size() int

	// Isend posts a send of data to dst. The data is copied before Isend
	// returns, so the caller may reuse it immediately.
	Isend(ctx context.Context, data []byte, dst, tag int) (*Request, error)
	// Irecv posts a receive from src into buf. A nil buf receives a message
	// of any size into a fresh allocation; otherwise the message must fit buf.
	Irecv(ctx context.Context, buf []byte, src, tag int) (*Request, error)
	// Wait blocks until req completes or ctx is done.
	Wait(ctx context.Context, req *Request) (Status, error)

	// Gatherv collects data from every rank at root. Root receives one slice
	// per rank, indexed by rank; other ranks receive nil.
	Gatherv(ctx context.Context, data []byte, root int) ([][]byte, error)
	// Reduce sums value over every rank at root. Other ranks receive 0.
	Reduce(ctx context.Context, value uint64, root int) (uint64, error)
}

// Status describes a completed request.
type Status struct {
	Source int
	Tag    int
	// Count is the number of bytes transferred.
	Count int
	// Data holds the received bytes of a receive request.
	Data []byte
}

// Reserved tags for collectives; user tags must be non-negative.
const (
	tagGather = -1
	tagReduce = -2
)

func checkPeer(c Communicator, peer, tag int, user bool) error {
	if peer < 0 || peer >= c.Size() {
		return fmt.Errorf("%w: rank %d outside [0, %d)", errs.ErrProtocolMisuse, peer, c.Size())
	}
	if user && tag < 0 {
		return fmt.Errorf("%w: negative tag %d is reserved", errs.ErrProtocolMisuse, tag)
	}

	return nil
}
