package session

import (
	"context"
	"sync"
	"time"

	"github.com/warpcomdev/frameserver/internal/bitmap"
	"github.com/warpcomdev/frameserver/internal/frame"
)

// stubDriver is an in-package Driver for worker and registry tests.
// The richer synthetic driver lives in internal/fakedecoder; this one
// stays here to avoid an import cycle with the package under test.
type stubDriver struct {
	frameDuration time.Duration
	duration      time.Duration
	perFrame      time.Duration // pacing of the range decoder
	pool          *bitmap.Pool

	mu          sync.Mutex
	rangeCalls  int
	singleCalls int
	openStreams int
}

func newStubDriver(frameDuration, duration time.Duration) *stubDriver {
	return &stubDriver{
		frameDuration: frameDuration,
		duration:      duration,
		pool:          bitmap.NewPool(32, 2, 2),
	}
}

func (d *stubDriver) counts() (ranges, singles, open int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rangeCalls, d.singleCalls, d.openStreams
}

func (d *stubDriver) GetSingleFrame(ctx context.Context, t time.Duration) (*frame.Frame, error) {
	d.mu.Lock()
	d.singleCalls++
	d.mu.Unlock()
	ts := frame.Quantize(t+d.frameDuration/2, d.frameDuration)
	return frame.New("stub", ts, d.pool.Rent(), d.pool.Return), nil
}

type stubStream struct {
	frames chan *frame.Frame
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *stubStream) Frames() <-chan *frame.Frame { return s.frames }
func (s *stubStream) Err() error                  { return nil }

func (s *stubStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		go func() {
			for f := range s.frames {
				f.Release()
			}
		}()
	})
	<-s.done
	return nil
}

func (d *stubDriver) DecodeRange(ctx context.Context, start, maxLength time.Duration) (FrameStream, error) {
	d.mu.Lock()
	d.rangeCalls++
	d.openStreams++
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	st := &stubStream{
		frames: make(chan *frame.Frame, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	end := d.duration
	if maxLength > 0 && start+maxLength < end {
		end = start + maxLength
	}
	go func() {
		defer close(st.done)
		defer close(st.frames)
		defer func() {
			d.mu.Lock()
			d.openStreams--
			d.mu.Unlock()
		}()
		for ts := frame.Quantize(start, d.frameDuration); ts < end; ts += d.frameDuration {
			if d.perFrame > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(d.perFrame):
				}
			}
			f := frame.New("stub", ts, d.pool.Rent(), d.pool.Return)
			select {
			case st.frames <- f:
			case <-ctx.Done():
				f.Release()
				return
			}
		}
	}()
	return st, nil
}
