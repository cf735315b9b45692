// Package sink consumes the raw BGRA pipe of a decoder child process.
package sink

import (
	"io"
	"sync"
	"time"

	"github.com/warpcomdev/frameserver/internal/bitmap"
	"github.com/warpcomdev/frameserver/internal/frame"
)

// ChannelCapacity bounds the number of decoded frames buffered between
// the pipe reader and the consumer. A full channel blocks the pipe
// reader, which in turn blocks the decoder child on its pipe write.
const ChannelCapacity = 8

// SingleFrame collects exactly one frame worth of pixels. Surplus
// bytes written past the frame size are dropped.
type SingleFrame struct {
	mu     sync.Mutex
	pool   *bitmap.Pool
	buf    *bitmap.Buffer
	filled int
	taken  bool
	closed bool
}

// NewSingleFrame rents one buffer from the pool
func NewSingleFrame(pool *bitmap.Pool) *SingleFrame {
	return &SingleFrame{
		pool: pool,
		buf:  pool.Rent(),
	}
}

// Write implements io.Writer
func (s *SingleFrame) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.taken || s.buf == nil {
		return len(p), nil
	}
	data := s.buf.Slice()
	if s.filled < len(data) {
		s.filled += copy(data[s.filled:], p)
	}
	return len(p), nil
}

// HasFrame reports whether a complete frame has been written
func (s *SingleFrame) HasFrame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf != nil && s.filled == len(s.buf.Slice())
}

// Written returns the number of payload bytes collected so far
func (s *SingleFrame) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filled
}

// TakeBuffer transfers ownership of the completed buffer to the
// caller. It returns nil on a second call or on an incomplete frame.
func (s *SingleFrame) TakeBuffer() *bitmap.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken || s.buf == nil || s.filled != len(s.buf.Slice()) {
		return nil
	}
	s.taken = true
	buf := s.buf
	s.buf = nil
	return buf
}

// Close returns the buffer to the pool unless it was taken
func (s *SingleFrame) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.taken && s.buf != nil {
		s.pool.Return(s.buf)
		s.buf = nil
	}
	return nil
}

// Chunk reassembles full frames from arbitrarily chunked pipe writes
// and publishes them, in order, to a bounded channel. When the channel
// is full the Write call blocks; the pipe-reader goroutine stalls, the
// decoder child blocks on its pipe write, and no further decoding
// happens until the consumer drains a frame.
type Chunk struct {
	source        string
	start         time.Duration
	frameDuration time.Duration
	pool          *bitmap.Pool

	mu      sync.Mutex
	current *bitmap.Buffer
	filled  int
	index   int64
	closed  bool

	frames   chan *frame.Frame
	done     chan struct{}
	doneOnce sync.Once
}

// NewChunk creates a streaming sink. Published frames carry timestamps
// start + index·frameDuration and a releaser returning their buffer to
// the pool.
func NewChunk(source string, start, frameDuration time.Duration, pool *bitmap.Pool) *Chunk {
	return &Chunk{
		source:        source,
		start:         start,
		frameDuration: frameDuration,
		pool:          pool,
		frames:        make(chan *frame.Frame, ChannelCapacity),
		done:          make(chan struct{}),
	}
}

// Frames is the consumer side of the sink. It is closed by CloseSend
// once the pipe is exhausted.
func (c *Chunk) Frames() <-chan *frame.Frame {
	return c.frames
}

// Write implements io.Writer for the pipe reader
func (c *Chunk) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	written := len(p)
	for len(p) > 0 {
		if c.current == nil {
			c.current = c.pool.Rent()
			c.filled = 0
		}
		data := c.current.Slice()
		n := copy(data[c.filled:], p)
		c.filled += n
		p = p[n:]
		if c.filled == len(data) {
			if err := c.publishLocked(); err != nil {
				return written - len(p), err
			}
		}
	}
	return written, nil
}

// publishLocked hands the completed buffer to the channel, blocking
// while it is full. Caller holds the lock; the lock is kept on purpose
// so that a concurrent Close can only interrupt through c.done.
func (c *Chunk) publishLocked() error {
	ts := c.timestamp(c.index)
	f := frame.New(c.source, ts, c.current, c.pool.Return)
	c.current = nil
	c.filled = 0
	c.index++
	select {
	case c.frames <- f:
		return nil
	case <-c.done:
		f.Release()
		return io.ErrClosedPipe
	}
}

func (c *Chunk) timestamp(index int64) time.Duration {
	ts := c.start + time.Duration(index)*c.frameDuration
	if ts < c.start { // overflow
		return frame.MaxTimestamp
	}
	return ts
}

// CloseSend marks the end of the pipe: the partial trailing buffer (if
// any) is returned to the pool and the frame channel is closed.
func (c *Chunk) CloseSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.current != nil {
		c.pool.Return(c.current)
		c.current = nil
	}
	close(c.frames)
}

// Close tears the sink down: pending and future writes are unblocked
// and any frames still buffered in the channel are released.
func (c *Chunk) Close() error {
	c.doneOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		if c.current != nil {
			c.pool.Return(c.current)
			c.current = nil
		}
		close(c.frames)
	}
	c.mu.Unlock()
	for f := range c.frames {
		f.Release()
	}
	return nil
}
