package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warpcomdev/frameserver/internal/bitmap"
)

func TestReleaseOnlyOnce(t *testing.T) {
	pool := bitmap.NewPool(1, 2, 2)
	buf := pool.Rent()
	released := 0
	f := New("clip.mp4", 40*time.Millisecond, buf, func(b *bitmap.Buffer) {
		released++
		pool.Return(b)
	})

	assert.Equal(t, 2, f.Width())
	assert.Equal(t, 2, f.Height())
	assert.Len(t, f.Pixels(), pool.FrameSize())

	f.Release()
	f.Release()
	assert.Equal(t, 1, released)
}

func TestQuantize(t *testing.T) {
	q := 10 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, Quantize(104*time.Millisecond, q))
	assert.Equal(t, 100*time.Millisecond, Quantize(100*time.Millisecond, q))
	assert.Equal(t, 90*time.Millisecond, Quantize(99*time.Millisecond, q))
	assert.Equal(t, time.Duration(0), Quantize(0, q))
	assert.Equal(t, -10*time.Millisecond, Quantize(-time.Millisecond, q))
}
