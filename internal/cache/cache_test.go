package cache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpcomdev/frameserver/internal/bitmap"
	"github.com/warpcomdev/frameserver/internal/cache"
	"github.com/warpcomdev/frameserver/internal/frame"
)

type harness struct {
	pool     *bitmap.Pool
	released map[time.Duration]int
}

func newHarness() *harness {
	return &harness{
		pool:     bitmap.NewPool(64, 2, 2),
		released: make(map[time.Duration]int),
	}
}

func (h *harness) frame(ts time.Duration) *frame.Frame {
	buf := h.pool.Rent()
	return frame.New("clip.mp4", ts, buf, func(b *bitmap.Buffer) {
		h.released[ts]++
		h.pool.Return(b)
	})
}

func TestHitAfterSeed(t *testing.T) {
	h := newHarness()
	c := cache.New("clip.mp4", 10*time.Millisecond, 4)

	require.True(t, c.Add(h.frame(100*time.Millisecond)))

	f := c.TryGet(101*time.Millisecond, 5*time.Millisecond)
	require.NotNil(t, f)
	assert.Equal(t, 100*time.Millisecond, f.Timestamp)

	assert.Nil(t, c.TryGet(120*time.Millisecond, 5*time.Millisecond))
}

func TestBestMatchTieBreak(t *testing.T) {
	h := newHarness()
	c := cache.New("clip.mp4", time.Millisecond, 8)

	for _, ts := range []time.Duration{100, 105, 110} {
		require.True(t, c.Add(h.frame(ts*time.Millisecond)))
	}

	f := c.TryGet(104*time.Millisecond, 5*time.Millisecond)
	require.NotNil(t, f)
	assert.Equal(t, 105*time.Millisecond, f.Timestamp)
}

func TestToleranceContract(t *testing.T) {
	h := newHarness()
	c := cache.New("clip.mp4", 10*time.Millisecond, 16)
	for i := 0; i < 16; i++ {
		require.True(t, c.Add(h.frame(time.Duration(i)*17*time.Millisecond)))
	}
	tolerance := 8 * time.Millisecond
	for target := time.Duration(0); target < 300*time.Millisecond; target += 3 * time.Millisecond {
		f := c.TryGet(target, tolerance)
		if f == nil {
			continue
		}
		dist := f.Timestamp - target
		if dist < 0 {
			dist = -dist
		}
		assert.LessOrEqual(t, dist, tolerance, "target %s returned %s", target, f.Timestamp)
	}
}

func TestLRUEviction(t *testing.T) {
	h := newHarness()
	c := cache.New("clip.mp4", 10*time.Millisecond, 2)

	require.True(t, c.Add(h.frame(0)))
	require.True(t, c.Add(h.frame(10*time.Millisecond)))

	// promote t=0
	require.NotNil(t, c.TryGet(0, time.Millisecond))

	require.True(t, c.Add(h.frame(20*time.Millisecond)))

	assert.Nil(t, c.TryGet(10*time.Millisecond, time.Millisecond))
	assert.NotNil(t, c.TryGet(0, time.Millisecond))
	assert.NotNil(t, c.TryGet(20*time.Millisecond, time.Millisecond))
	assert.Equal(t, 1, h.released[10*time.Millisecond], "evicted frame must be released")
}

func TestContainsDoesNotPromote(t *testing.T) {
	h := newHarness()
	c := cache.New("clip.mp4", 10*time.Millisecond, 2)

	require.True(t, c.Add(h.frame(0)))
	require.True(t, c.Add(h.frame(10*time.Millisecond)))

	assert.True(t, c.Contains(0, time.Millisecond))

	require.True(t, c.Add(h.frame(20*time.Millisecond)))
	// t=0 was not promoted by Contains, so it was the eviction victim
	assert.False(t, c.Contains(0, time.Millisecond))
	assert.True(t, c.Contains(10*time.Millisecond, time.Millisecond))
}

func TestDuplicateAddRejected(t *testing.T) {
	h := newHarness()
	c := cache.New("clip.mp4", 10*time.Millisecond, 4)

	first := h.frame(100 * time.Millisecond)
	require.True(t, c.Add(first))

	// same quantized bin, slightly different timestamp
	duplicate := h.frame(104 * time.Millisecond)
	assert.False(t, c.Add(duplicate))

	// the first entry is still the one served; the duplicate was not
	// consumed by the cache
	f := c.TryGet(100*time.Millisecond, 5*time.Millisecond)
	require.NotNil(t, f)
	assert.Equal(t, 100*time.Millisecond, f.Timestamp)
	assert.Equal(t, 0, h.released[104*time.Millisecond])
	duplicate.Release()
	assert.Equal(t, 1, h.released[104*time.Millisecond])
}

func TestSizeBoundInvariant(t *testing.T) {
	h := newHarness()
	const maxSize = 4
	c := cache.New("clip.mp4", 10*time.Millisecond, maxSize)

	for i := 0; i < 10; i++ {
		require.True(t, c.Add(h.frame(time.Duration(i)*10*time.Millisecond)))
		assert.LessOrEqual(t, c.Len(), maxSize)
	}
	// with no lookups in between, exactly the most recent maxSize
	// keys survive
	for i := 0; i < 10; i++ {
		ts := time.Duration(i) * 10 * time.Millisecond
		if i < 10-maxSize {
			assert.False(t, c.Contains(ts, time.Millisecond), "key %d", i)
		} else {
			assert.True(t, c.Contains(ts, time.Millisecond), "key %d", i)
		}
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness()
	c := cache.New("clip.mp4", 10*time.Millisecond, 8)
	for i := 0; i < 5; i++ {
		require.True(t, c.Add(h.frame(time.Duration(i)*10*time.Millisecond)))
	}
	c.Close()
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, h.released[time.Duration(i)*10*time.Millisecond])
	}
	// adds after close are rejected
	assert.False(t, c.Add(h.frame(time.Second)))
}

func BenchmarkAddAndLookup(b *testing.B) {
	h := newHarness()
	c := cache.New("clip.mp4", 10*time.Millisecond, 64)
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		ts := time.Duration(n%256) * 10 * time.Millisecond
		f := h.frame(ts)
		if !c.Add(f) {
			f.Release()
			c.TryGet(ts, 5*time.Millisecond)
		}
	}
}

func ExampleCache() {
	pool := bitmap.NewPool(4, 2, 2)
	c := cache.New("clip.mp4", 10*time.Millisecond, 4)
	c.Add(frame.New("clip.mp4", 100*time.Millisecond, pool.Rent(), pool.Return))
	f := c.TryGet(104*time.Millisecond, 5*time.Millisecond)
	fmt.Println(f.Timestamp)
	// Output: 100ms
}
