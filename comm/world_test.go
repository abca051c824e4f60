package comm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/bpstream/errs"
)

func TestNewWorldRejectsEmpty(t *testing.T) {
	_, err := NewWorld(0)
	require.ErrorIs(t, err, errs.ErrConfig)
}

func TestPointToPointIsNonOvertaking(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)

	err = w.Run(context.Background(), func(ctx context.Context, c Communicator) error {
		if c.Rank() == 0 {
			for _, msg := range []string{"one", "two", "three"} {
				req, err := c.Isend(ctx, []byte(msg), 1, 7)
				if err != nil {
					return err
				}
				if _, err := c.Wait(ctx, req); err != nil {
					return err
				}
			}

			return nil
		}

		reqs := make([]*Request, 3)
		for i := range reqs {
			req, err := c.Irecv(ctx, nil, 0, 7)
			if err != nil {
				return err
			}
			reqs[i] = req
		}
		for i, want := range []string{"one", "two", "three"} {
			st, err := c.Wait(ctx, reqs[i])
			if err != nil {
				return err
			}
			assert.Equal(t, want, string(st.Data))
			assert.Equal(t, 0, st.Source)
			assert.Equal(t, len(want), st.Count)
		}

		return nil
	})
	require.NoError(t, err)
}

func TestSendBeforeReceive(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)
	ctx := context.Background()

	sender, receiver := w.Comm(0), w.Comm(1)

	req, err := sender.Isend(ctx, []byte("payload"), 1, 0)
	require.NoError(t, err)
	select {
	case <-req.Done():
	default:
		t.Fatal("buffered send should complete when posted")
	}

	// other tags do not match
	other, err := receiver.Irecv(ctx, nil, 0, 1)
	require.NoError(t, err)

	buf := make([]byte, 16)
	recv, err := receiver.Irecv(ctx, buf, 0, 0)
	require.NoError(t, err)
	st, err := receiver.Wait(ctx, recv)
	require.NoError(t, err)
	require.Equal(t, "payload", string(st.Data))
	require.Equal(t, 7, st.Count)

	select {
	case <-other.Done():
		t.Fatal("receive on another tag matched")
	default:
	}
}

func TestReceiveTooSmall(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)
	ctx := context.Background()

	recv, err := w.Comm(1).Irecv(ctx, make([]byte, 2), 0, 0)
	require.NoError(t, err)
	_, err = w.Comm(0).Isend(ctx, []byte("too long"), 1, 0)
	require.NoError(t, err)

	_, err = w.Comm(1).Wait(ctx, recv)
	require.ErrorIs(t, err, errs.ErrCapacity)
}

func TestInvalidPeersAndTags(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)
	ctx := context.Background()
	c := w.Comm(0)

	_, err = c.Isend(ctx, nil, 2, 0)
	require.ErrorIs(t, err, errs.ErrProtocolMisuse)
	_, err = c.Irecv(ctx, nil, -1, 0)
	require.ErrorIs(t, err, errs.ErrProtocolMisuse)
	_, err = c.Isend(ctx, nil, 1, tagGather)
	require.ErrorIs(t, err, errs.ErrProtocolMisuse)
	_, err = c.Wait(ctx, nil)
	require.ErrorIs(t, err, errs.ErrProtocolMisuse)
	_, err = c.Gatherv(ctx, nil, 5)
	require.ErrorIs(t, err, errs.ErrProtocolMisuse)
}

func TestWaitCancelled(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := w.Comm(1)
	req, err := c.Irecv(ctx, nil, 0, 0)
	require.NoError(t, err)
	_, err = c.Wait(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the withdrawn receive does not swallow the next message
	bg := context.Background()
	_, err = w.Comm(0).Isend(bg, []byte("x"), 1, 0)
	require.NoError(t, err)
	req, err = c.Irecv(bg, nil, 0, 0)
	require.NoError(t, err)
	st, err := c.Wait(bg, req)
	require.NoError(t, err)
	require.Equal(t, "x", string(st.Data))
}

func TestGathervAndReduce(t *testing.T) {
	const size = 5

	w, err := NewWorld(size)
	require.NoError(t, err)

	err = w.Run(context.Background(), func(ctx context.Context, c Communicator) error {
		data := make([]byte, c.Rank())
		for i := range data {
			data[i] = byte(c.Rank())
		}

		parts, err := c.Gatherv(ctx, data, 2)
		if err != nil {
			return err
		}
		if c.Rank() == 2 {
			assert.Len(t, parts, size)
			for rank, part := range parts {
				assert.Len(t, part, rank)
			}
		} else {
			assert.Nil(t, parts)
		}

		sum, err := c.Reduce(ctx, uint64(c.Rank()+1), 0)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			assert.Equal(t, uint64(15), sum)
		} else {
			assert.Zero(t, sum)
		}

		return nil
	})
	require.NoError(t, err)
}

func TestRunReportsRankError(t *testing.T) {
	w, err := NewWorld(3)
	require.NoError(t, err)

	err = w.Run(context.Background(), func(ctx context.Context, c Communicator) error {
		if c.Rank() == 1 {
			return errs.ErrClosed
		}
		// the others block until the failing rank cancels them
		req, err := c.Irecv(ctx, nil, 1, 0)
		if err != nil {
			return err
		}
		_, err = c.Wait(ctx, req)

		return err
	})
	require.ErrorIs(t, err, errs.ErrClosed)
	require.Contains(t, err.Error(), "rank 1")
}
