package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewByteBuffer(t *testing.T) {
	bb := NewByteBuffer(1024)

	require.NotNil(t, bb)
	assert.Equal(t, 0, bb.Len())
	assert.Equal(t, 1024, bb.Cap())
}

func TestByteBufferGrowKeepsContent(t *testing.T) {
	bb := NewByteBuffer(4)
	_, err := bb.Write([]byte("abcd"))
	require.NoError(t, err)

	bb.Grow(100)
	assert.GreaterOrEqual(t, bb.Cap()-bb.Len(), 100)
	assert.Equal(t, []byte("abcd"), bb.Bytes())
}

func TestByteBufferExtend(t *testing.T) {
	bb := NewByteBuffer(2)
	_, _ = bb.Write([]byte{1})

	region := bb.Extend(3)
	require.Len(t, region, 3)
	region[0], region[1], region[2] = 2, 3, 4

	assert.Equal(t, []byte{1, 2, 3, 4}, bb.Bytes())
}

func TestByteBufferPoolDiscardsOversized(t *testing.T) {
	p := NewByteBufferPool(8, 16)

	small := p.Get()
	_, _ = small.Write([]byte("hello"))
	p.Put(small)

	reused := p.Get()
	assert.Equal(t, 0, reused.Len(), "pooled buffers come back reset")

	big := NewByteBuffer(64)
	p.Put(big) // dropped: capacity above threshold
	p.Put(nil)
}

func TestDefaultPools(t *testing.T) {
	s := GetScratchBuffer()
	require.NotNil(t, s)
	PutScratchBuffer(s)

	st := GetStreamBuffer()
	require.NotNil(t, st)
	PutStreamBuffer(st)
}
