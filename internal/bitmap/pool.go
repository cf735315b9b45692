// Package bitmap manages reusable BGRA pixel buffers.
package bitmap

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bitmapAllocated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frameserver_bitmap_allocated",
		Help: "Number of pixel buffers allocated",
	})

	bitmapRecycled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frameserver_bitmap_recycled",
		Help: "Number of pixel buffers served from the free list",
	})

	bitmapDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frameserver_bitmap_discarded",
		Help: "Number of pixel buffers dropped on return (pool full or wrong geometry)",
	})
)

// BytesPerPixel of the BGRA wire format
const BytesPerPixel = 4

// Buffer is a fixed-geometry BGRA pixel buffer
type Buffer struct {
	data   []byte
	width  int
	height int
}

func (b *Buffer) Width() int  { return b.width }
func (b *Buffer) Height() int { return b.height }

// Slice returns the pixel data, width*height*4 bytes, packed rows
func (b *Buffer) Slice() []byte {
	return b.data
}

// Pool is a bounded free list of buffers sharing one geometry.
// Rent never blocks: when the free list is empty a new buffer is
// allocated. Returns above capacity are dropped for the GC.
type Pool struct {
	mu       sync.Mutex
	freeList []*Buffer
	capacity int
	width    int
	height   int
	closed   bool
}

// NewPool creates a pool of buffers for the given geometry
func NewPool(capacity, width, height int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		freeList: make([]*Buffer, 0, capacity),
		capacity: capacity,
		width:    width,
		height:   height,
	}
}

// FrameSize is the byte size of one frame of this pool's geometry
func (p *Pool) FrameSize() int {
	return p.width * p.height * BytesPerPixel
}

// Rent a buffer from the free list, allocating if none is available
func (p *Pool) Rent() *Buffer {
	p.mu.Lock()
	if n := len(p.freeList); n > 0 {
		buf := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		p.mu.Unlock()
		bitmapRecycled.Inc()
		return buf
	}
	p.mu.Unlock()
	bitmapAllocated.Inc()
	return &Buffer{
		data:   make([]byte, p.FrameSize()),
		width:  p.width,
		height: p.height,
	}
}

// Return a buffer to the free list. Buffers of the wrong geometry
// and returns above capacity are dropped.
func (p *Pool) Return(buf *Buffer) {
	if buf == nil {
		return
	}
	if buf.width != p.width || buf.height != p.height {
		bitmapDiscarded.Inc()
		return
	}
	p.mu.Lock()
	if p.closed || len(p.freeList) >= p.capacity {
		p.mu.Unlock()
		bitmapDiscarded.Inc()
		return
	}
	p.freeList = append(p.freeList, buf)
	p.mu.Unlock()
}

// Close drops the free list. Buffers still rented out are simply
// discarded when returned.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.freeList = nil
}
