// Package frame defines the decoded video frame value.
package frame

import (
	"sync"
	"time"

	"github.com/warpcomdev/frameserver/internal/bitmap"
)

// Tick is the time granularity of the host API (100ns units)
const Tick = 100 * time.Nanosecond

// MaxTimestamp is the largest representable frame timestamp
const MaxTimestamp = time.Duration(1<<63 - 1)

// Quantize maps a timestamp to the start of its bin of size q
func Quantize(t, q time.Duration) time.Duration {
	if q <= 0 {
		q = Tick
	}
	if t < 0 {
		// floor division for negative timestamps
		return -((-t + q - 1) / q) * q
	}
	return (t / q) * q
}

// Frame is a single decoded picture. The pixel buffer is owned by the
// frame until Release is called; Release hands it back to the pool at
// most once, no matter how many times it is invoked.
type Frame struct {
	Source    string
	Timestamp time.Duration

	buf     *bitmap.Buffer
	release func(*bitmap.Buffer)
	once    sync.Once
}

// New wraps a rented buffer into a frame. The releaser is invoked at
// most once with the buffer when the frame is released.
func New(source string, timestamp time.Duration, buf *bitmap.Buffer, release func(*bitmap.Buffer)) *Frame {
	return &Frame{
		Source:    source,
		Timestamp: timestamp,
		buf:       buf,
		release:   release,
	}
}

func (f *Frame) Width() int  { return f.buf.Width() }
func (f *Frame) Height() int { return f.buf.Height() }

// Pixels returns the BGRA pixel data. Must not be used after Release.
func (f *Frame) Pixels() []byte {
	return f.buf.Slice()
}

// Release returns the pixel buffer to its owning pool
func (f *Frame) Release() {
	f.once.Do(func() {
		if f.release != nil {
			f.release(f.buf)
		}
	})
}
