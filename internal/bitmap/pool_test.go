package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRentAllocatesGeometry(t *testing.T) {
	pool := NewPool(2, 4, 3)
	buf := pool.Rent()
	require.NotNil(t, buf)
	assert.Equal(t, 4, buf.Width())
	assert.Equal(t, 3, buf.Height())
	assert.Len(t, buf.Slice(), 4*3*BytesPerPixel)
	assert.Equal(t, 4*3*BytesPerPixel, pool.FrameSize())
}

func TestReturnRecycles(t *testing.T) {
	pool := NewPool(2, 2, 2)
	buf := pool.Rent()
	buf.Slice()[0] = 0xAB
	pool.Return(buf)

	again := pool.Rent()
	assert.Same(t, buf, again)
	assert.Equal(t, byte(0xAB), again.Slice()[0])
}

func TestReturnAboveCapacityDropped(t *testing.T) {
	pool := NewPool(1, 2, 2)
	a := pool.Rent()
	b := pool.Rent()
	pool.Return(a)
	pool.Return(b) // above capacity, dropped

	got := pool.Rent()
	assert.Same(t, a, got)
	other := pool.Rent()
	assert.NotSame(t, b, other)
}

func TestReturnWrongGeometryDropped(t *testing.T) {
	pool := NewPool(2, 2, 2)
	foreign := NewPool(2, 3, 3).Rent()
	pool.Return(foreign)

	got := pool.Rent()
	assert.NotSame(t, foreign, got)
	assert.Equal(t, 2, got.Width())
}

func TestRentNeverBlocks(t *testing.T) {
	pool := NewPool(1, 2, 2)
	seen := map[*Buffer]struct{}{}
	for i := 0; i < 10; i++ {
		buf := pool.Rent()
		require.NotNil(t, buf)
		seen[buf] = struct{}{}
	}
	assert.Len(t, seen, 10)
}

func TestCloseDropsFreeList(t *testing.T) {
	pool := NewPool(2, 2, 2)
	buf := pool.Rent()
	pool.Close()
	pool.Return(buf) // dropped, no panic

	got := pool.Rent() // still allocates after close
	assert.NotSame(t, buf, got)
}
