// Package fakedecoder provides a synthetic decoder driver: frames are
// generated in memory instead of decoded by an external process. It
// backs the session tests; the server itself always decodes through
// ffmpeg.
package fakedecoder

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/warpcomdev/frameserver/internal/bitmap"
	"github.com/warpcomdev/frameserver/internal/frame"
	"github.com/warpcomdev/frameserver/internal/session"
	"github.com/warpcomdev/frameserver/internal/sink"
)

// Source is a synthetic session.Driver. Every generated frame carries
// its timestamp in the first pixels so tests can assert identity.
type Source struct {
	SourceName string
	Width      int
	Height     int
	FrameRate  float64
	Duration   time.Duration
	// DecodeDelay simulates the per-frame cost of the streaming decoder
	DecodeDelay time.Duration
	// SingleDelay simulates the seek + decode cost of a single extraction
	SingleDelay time.Duration
	Pool        *bitmap.Pool

	singleCalls atomic.Int64
	rangeCalls  atomic.Int64
}

// New builds a source with its own pool
func New(name string, width, height int, frameRate float64, duration time.Duration) *Source {
	return &Source{
		SourceName: name,
		Width:      width,
		Height:     height,
		FrameRate:  frameRate,
		Duration:   duration,
		Pool:       bitmap.NewPool(64, width, height),
	}
}

// SingleCalls counts GetSingleFrame invocations
func (s *Source) SingleCalls() int {
	return int(s.singleCalls.Load())
}

// RangeCalls counts DecodeRange invocations
func (s *Source) RangeCalls() int {
	return int(s.rangeCalls.Load())
}

func (s *Source) frameDuration() time.Duration {
	fps := s.FrameRate
	if fps <= 0 {
		fps = 60
	}
	return time.Duration(float64(time.Second) / fps)
}

// makeFrame renders a synthetic frame for the given timestamp
func (s *Source) makeFrame(ts time.Duration) *frame.Frame {
	buf := s.Pool.Rent()
	data := buf.Slice()
	binary.LittleEndian.PutUint64(data, uint64(ts))
	return frame.New(s.SourceName, ts, buf, s.Pool.Return)
}

// GetSingleFrame implements session.Driver
func (s *Source) GetSingleFrame(ctx context.Context, t time.Duration) (*frame.Frame, error) {
	s.singleCalls.Inc()
	if s.SingleDelay > 0 {
		timer := time.NewTimer(s.SingleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	// snap to the frame grid like a real decoder would
	fd := s.frameDuration()
	ts := frame.Quantize(t+fd/2, fd)
	return s.makeFrame(ts), nil
}

// stream implements session.FrameStream over a generator goroutine
type stream struct {
	frames chan *frame.Frame
	cancel context.CancelFunc

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
	done      chan struct{}
}

func (st *stream) Frames() <-chan *frame.Frame {
	return st.frames
}

func (st *stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *stream) Close() error {
	st.closeOnce.Do(func() {
		st.cancel()
		go func() {
			// release frames parked in the channel
			for f := range st.frames {
				f.Release()
			}
		}()
	})
	<-st.done
	return nil
}

// DecodeRange implements session.Driver
func (s *Source) DecodeRange(ctx context.Context, start, maxLength time.Duration) (session.FrameStream, error) {
	s.rangeCalls.Inc()
	ctx, cancel := context.WithCancel(ctx)
	st := &stream{
		frames: make(chan *frame.Frame, sink.ChannelCapacity),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	fd := s.frameDuration()
	end := s.Duration
	if maxLength > 0 && start+maxLength < end {
		end = start + maxLength
	}

	go func() {
		defer close(st.done)
		defer close(st.frames)
		for ts := frame.Quantize(start, fd); ts < end; ts += fd {
			if s.DecodeDelay > 0 {
				timer := time.NewTimer(s.DecodeDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			f := s.makeFrame(ts)
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
