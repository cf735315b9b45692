package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warpcomdev/frameserver/internal/fakedecoder"
	"github.com/warpcomdev/frameserver/internal/servicelog"
	"github.com/warpcomdev/frameserver/internal/session"
)

func newTestSession(t *testing.T, src *fakedecoder.Source, cacheSize int) *session.Session {
	t.Helper()
	s := session.New(servicelog.Wrap(zap.NewNop()), src, session.Config{
		Source:    src.SourceName,
		FrameRate: src.FrameRate,
		Duration:  src.Duration,
		CacheSize: cacheSize,
	})
	t.Cleanup(s.Close)
	return s
}

func absDistance(a, b time.Duration) time.Duration {
	if a > b {
		return a - b
	}
	return b - a
}

// A dense run of frame-cadence requests must be served by a single
// persistent decoder: no restarts after the first start, few
// fallbacks, every frame within tolerance.
func TestSequentialPlayback(t *testing.T) {
	src := fakedecoder.New("clip.mp4", 2, 2, 60, 10*time.Second)
	s := newTestSession(t, src, 64)
	ctx := context.Background()
	fd := s.FrameDuration()

	// the first request of a fresh session is a seek
	_, err := s.FrameAt(ctx, 0)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond) // background worker prime

	for i := 1; i <= 180; i++ {
		target := time.Duration(i) * fd
		f, err := s.FrameAt(ctx, target)
		require.NoError(t, err, "frame %d", i)
		assert.LessOrEqual(t, absDistance(f.Timestamp, target), s.SeekTolerance(), "frame %d", i)
		time.Sleep(2 * time.Millisecond)
	}

	assert.Equal(t, 1, src.RangeCalls(), "the decoder must not restart during playback")
	assert.LessOrEqual(t, src.SingleCalls()-1, 5, "too many sequential fallbacks")
}

// A scrub followed by playback restarts the worker exactly once, at
// the seek; the playback frames come from the cache.
func TestScrubThenPlay(t *testing.T) {
	src := fakedecoder.New("clip.mp4", 2, 2, 60, time.Minute)
	s := newTestSession(t, src, 64)
	ctx := context.Background()
	fd := s.FrameDuration()

	f, err := s.FrameAt(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.LessOrEqual(t, absDistance(f.Timestamp, 30*time.Second), s.SeekTolerance())
	assert.Equal(t, 1, src.SingleCalls())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, src.RangeCalls())

	for i := 1; i <= 60; i++ {
		target := 30*time.Second + time.Duration(i)*fd
		f, err := s.FrameAt(ctx, target)
		require.NoError(t, err, "frame %d", i)
		assert.LessOrEqual(t, absDistance(f.Timestamp, target), s.SeekTolerance(), "frame %d", i)
		time.Sleep(2 * time.Millisecond)
	}

	assert.Equal(t, 1, src.RangeCalls(), "playback after the scrub must not restart the decoder")
	assert.Equal(t, 1, src.SingleCalls(), "playback frames must come from the cache")
}

// A small forward jump during playback restarts the worker at the new
// position and is served from the refilled cache, not by a single
// frame decode.
func TestCatchup(t *testing.T) {
	src := fakedecoder.New("clip.mp4", 2, 2, 60, time.Minute)
	s := newTestSession(t, src, 64)
	ctx := context.Background()
	fd := s.FrameDuration()

	_, err := s.FrameAt(ctx, 10*time.Second)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = s.FrameAt(ctx, 10*time.Second+fd)
	require.NoError(t, err)

	singles := src.SingleCalls()
	ranges := src.RangeCalls()

	target := 11500 * time.Millisecond
	f, err := s.FrameAt(ctx, target)
	require.NoError(t, err)
	assert.LessOrEqual(t, absDistance(f.Timestamp, target), s.SeekTolerance())

	assert.Equal(t, singles, src.SingleCalls(), "catchup must be cache-served")
	assert.Equal(t, ranges+1, src.RangeCalls(), "catchup restarts the worker once")
}

// When the streaming decoder cannot keep up, sequential requests fall
// back to single-frame decodes, and a fallback streak forces a worker
// restart.
func TestSequentialFallbackStreak(t *testing.T) {
	src := fakedecoder.New("clip.mp4", 2, 2, 60, time.Minute)
	src.DecodeDelay = 100 * time.Millisecond // worker far slower than cadence
	s := newTestSession(t, src, 32)
	ctx := context.Background()
	fd := s.FrameDuration()

	_, err := s.FrameAt(ctx, 0)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	for i := 1; i <= 6; i++ {
		_, err := s.FrameAt(ctx, time.Duration(i)*fd)
		require.NoError(t, err, "frame %d", i)
	}

	assert.GreaterOrEqual(t, src.SingleCalls(), 4, "expected fallback decodes")
	assert.GreaterOrEqual(t, src.RangeCalls(), 2, "a fallback streak must restart the worker")
}

func TestFrameAtIndex(t *testing.T) {
	src := fakedecoder.New("clip.mp4", 2, 2, 25, time.Minute)
	s := newTestSession(t, src, 32)
	ctx := context.Background()

	f, err := s.FrameAtIndex(ctx, 10)
	require.NoError(t, err)
	assert.LessOrEqual(t, absDistance(f.Timestamp, 400*time.Millisecond), s.SeekTolerance())

	_, err = s.FrameAtIndex(ctx, -1)
	assert.ErrorIs(t, err, session.ErrNegativeIndex)
}

func TestFrameAtIndexUnknownRate(t *testing.T) {
	src := fakedecoder.New("clip.mp4", 2, 2, 0, time.Minute)
	s := newTestSession(t, src, 32)

	_, err := s.FrameAtIndex(context.Background(), 0)
	assert.ErrorIs(t, err, session.ErrUnknownFrameRate)
}

func TestTargetClamped(t *testing.T) {
	src := fakedecoder.New("clip.mp4", 2, 2, 60, time.Second)
	s := newTestSession(t, src, 32)

	f, err := s.FrameAt(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.LessOrEqual(t, f.Timestamp, time.Second)
}

func TestClosedSession(t *testing.T) {
	src := fakedecoder.New("clip.mp4", 2, 2, 60, time.Minute)
	s := newTestSession(t, src, 32)
	s.Close()
	s.Close() // idempotent

	_, err := s.FrameAt(context.Background(), 0)
	assert.ErrorIs(t, err, session.ErrSessionClosed)
	_, err = s.FrameAtIndex(context.Background(), 0)
	assert.ErrorIs(t, err, session.ErrSessionClosed)
}
