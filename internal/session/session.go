// Package session implements the per-file frame access coordinator:
// the public frame lookup, the classification of requests into
// sequential, seek and catchup, the adaptive tuning of the sequential
// decode worker, and the fallback to single-frame decodes.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/warpcomdev/frameserver/internal/bitmap"
	"github.com/warpcomdev/frameserver/internal/cache"
	"github.com/warpcomdev/frameserver/internal/frame"
	"github.com/warpcomdev/frameserver/internal/servicelog"
)

type errString string

// Error implements error
func (err errString) Error() string {
	return string(err)
}

// ErrSessionClosed is returned by every operation on a torn-down session
var ErrSessionClosed errString = "session has been closed"

// ErrUnknownFrameRate rejects index lookups on files without a usable frame rate
var ErrUnknownFrameRate errString = "file reports no usable frame rate"

// ErrNegativeIndex rejects negative frame indices
var ErrNegativeIndex errString = "frame index must not be negative"

// errAddRace marks a lost insert race worth retrying
var errAddRace errString = "frame insert lost a cache race"

// Coordinator tunables
const (
	// minQuantum bounds the cache bin size from below
	minQuantum = 10 * time.Millisecond
	// a forward jump beyond this many frames (or the floor) is a seek
	sequentialThresholdFrames = 10
	sequentialThresholdFloor  = 500 * time.Millisecond
	// a forward seek within this window restarts the worker instead
	// of single-decoding
	catchupWindow = 2500 * time.Millisecond
	catchupWait   = 120 * time.Millisecond
	// how long a sequential miss waits for the worker
	sequentialWait = 45 * time.Millisecond
	recoveryWait   = 120 * time.Millisecond
	// consecutive fallbacks that force a worker restart
	fallbackRestartThreshold = 2
	// attempts at decode + insert before giving up
	singleDecodeAttempts = 3
	// backoff between decode attempts
	decodeRetryInterval = 10 * time.Millisecond
)

// Config of a session
type Config struct {
	Source    string
	FrameRate float64 // as probed; <= 0 means unknown
	Duration  time.Duration
	CacheSize int
	// Pool, if set, is owned by the session and closed on teardown
	Pool *bitmap.Pool
}

// Session serves decoded frames for a single media file. It is safe
// for concurrent use; one session is expected per open file.
type Session struct {
	logger servicelog.Logger
	driver Driver
	cache  *cache.Cache
	pool   *bitmap.Pool
	worker *worker

	source        string
	frameRate     float64
	duration      time.Duration
	frameDuration time.Duration
	seekTolerance time.Duration
	seqThreshold  time.Duration
	bands         strategyBands

	ctx    context.Context
	cancel context.CancelFunc
	notify chan struct{}

	mu           sync.Mutex
	lastRequest  time.Duration
	lastWall     time.Time
	hasLast      bool
	lastDelta    time.Duration
	estimator    *speedEstimator
	needsRestart bool
	workerTarget time.Duration
	hasTarget    bool
	chunkLength  time.Duration
	lookAhead    time.Duration
	fallbacks    int
	closed       bool
	closeOnce    sync.Once
}

// quantumFor derives the cache bin size from the frame duration
func quantumFor(frameDuration time.Duration) time.Duration {
	q := frameDuration - frame.Tick
	if q < minQuantum {
		q = minQuantum
	}
	return q
}

// seekToleranceFor is the widest acceptable |returned - requested|
func seekToleranceFor(frameDuration time.Duration) time.Duration {
	tol := frameDuration - frame.Tick
	if tol < frame.Tick {
		tol = frame.Tick
	}
	return tol
}

// New builds a session over an already-probed driver
func New(logger servicelog.Logger, driver Driver, config Config) *Session {
	frameDuration := time.Duration(float64(time.Second) / config.FrameRate)
	if config.FrameRate <= 0 {
		defaultFrameRate := 60.0
		frameDuration = time.Duration(float64(time.Second) / defaultFrameRate)
	}
	seqThreshold := time.Duration(sequentialThresholdFrames) * frameDuration
	if seqThreshold < sequentialThresholdFloor {
		seqThreshold = sequentialThresholdFloor
	}
	cacheSize := config.CacheSize
	if cacheSize < 1 {
		cacheSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		logger:        logger.With(servicelog.String("source", config.Source)),
		driver:        driver,
		cache:         cache.New(config.Source, quantumFor(frameDuration), cacheSize),
		pool:          config.Pool,
		source:        config.Source,
		frameRate:     config.FrameRate,
		duration:      config.Duration,
		frameDuration: frameDuration,
		seekTolerance: seekToleranceFor(frameDuration),
		seqThreshold:  seqThreshold,
		bands:         bandsFor(frameDuration, cacheSize),
		ctx:           ctx,
		cancel:        cancel,
		notify:        make(chan struct{}, 1),
		estimator:     newSpeedEstimator(),
	}
	s.worker = newWorker(s.logger, driver, s.cache, frameDuration, s.kickNotify, s.reportWorkerError)
	return s
}

// FrameDuration is the media time covered by one frame
func (s *Session) FrameDuration() time.Duration {
	return s.frameDuration
}

// SeekTolerance is the widest acceptable distance between the
// requested and the returned frame time
func (s *Session) SeekTolerance() time.Duration {
	return s.seekTolerance
}

// Duration of the media file, zero if unknown
func (s *Session) Duration() time.Duration {
	return s.duration
}

func (s *Session) kickNotify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) reportWorkerError(err error) {
	// worker errors never poison the coordinator: the generation ends
	// and the next ensureWorkerReady starts a new one
	s.logger.Error("sequential decode worker failed", servicelog.Error(err))
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// clampTarget keeps the requested time inside the seekable span
func (s *Session) clampTarget(target time.Duration) time.Duration {
	if s.duration > 0 {
		if max := s.duration - s.frameDuration; target > max {
			target = max
		}
	}
	if target < 0 {
		target = 0
	}
	return target
}

// FrameAtIndex resolves a frame by index using the probed frame rate
func (s *Session) FrameAtIndex(ctx context.Context, index int) (*frame.Frame, error) {
	if index < 0 {
		return nil, ErrNegativeIndex
	}
	if s.frameRate <= 0 {
		return nil, ErrUnknownFrameRate
	}
	t := time.Duration(float64(index) / s.frameRate * float64(time.Second))
	return s.FrameAt(ctx, t)
}

// FrameAt returns a frame within SeekTolerance of the requested time.
// The returned frame stays owned by the session cache: callers must
// consume the pixels before the next batch of requests and must not
// release it.
func (s *Session) FrameAt(ctx context.Context, target time.Duration) (*frame.Frame, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	begin := time.Now()
	target = s.clampTarget(target)

	// classify the request and feed the motion estimator
	s.mu.Lock()
	isSeek := true
	if s.hasLast {
		delta := target - s.lastRequest
		wall := begin.Sub(s.lastWall)
		if delta >= 0 && delta <= s.seqThreshold {
			isSeek = false
		}
		s.estimator.Observe(delta, wall)
		s.lastDelta = delta
	}
	s.mu.Unlock()

	f, outcome, err := s.lookup(ctx, target, isSeek)
	if err != nil {
		frameRequests.WithLabelValues(s.source, outcomeError).Inc()
		return nil, err
	}

	s.mu.Lock()
	s.lastRequest = target
	s.lastWall = time.Now()
	s.hasLast = true
	s.mu.Unlock()

	frameRequests.WithLabelValues(s.source, outcome).Inc()
	requestLatency.WithLabelValues(s.source).Observe(float64(time.Since(begin).Milliseconds()))
	return f, nil
}

func (s *Session) lookup(ctx context.Context, target time.Duration, isSeek bool) (*frame.Frame, string, error) {
	// fast path: cache probe
	if f := s.cache.TryGet(target, s.seekTolerance); f != nil {
		s.mu.Lock()
		s.fallbacks = 0
		if isSeek {
			s.needsRestart = true
			s.estimator.Reset()
		}
		s.mu.Unlock()
		if !isSeek {
			s.ensureWorkerReady(target)
		}
		return f, outcomeHit, nil
	}

	if isSeek {
		return s.lookupSeek(ctx, target)
	}
	return s.lookupSequential(ctx, target)
}

// lookupSeek serves a cache miss classified as a seek: catchup within
// the window, single-frame decode otherwise.
func (s *Session) lookupSeek(ctx context.Context, target time.Duration) (*frame.Frame, string, error) {
	s.mu.Lock()
	catchup := s.hasLast && s.lastDelta > 0 && s.lastDelta <= catchupWindow
	if catchup {
		s.needsRestart = true
	}
	s.mu.Unlock()

	if catchup {
		s.ensureWorkerReady(target)
		if f := s.waitForCachedFrame(ctx, target, catchupWait); f != nil {
			s.mu.Lock()
			s.fallbacks = 0
			s.mu.Unlock()
			return f, outcomeCatchup, nil
		}
	}

	f, err := s.decodeSingleAndCache(ctx, target)
	if err != nil {
		return nil, outcomeError, err
	}
	s.mu.Lock()
	s.needsRestart = true
	s.mu.Unlock()
	// prime the worker in the background so an upcoming playback
	// start finds it already running at the new position
	go func() {
		if s.ctx.Err() == nil {
			s.ensureWorkerReady(target)
		}
	}()
	return f, outcomeDecode, nil
}

// lookupSequential serves a cache miss on the playback path: wait,
// bounded, for the worker, then fall back to a single-frame decode.
func (s *Session) lookupSequential(ctx context.Context, target time.Duration) (*frame.Frame, string, error) {
	s.ensureWorkerReady(target)

	s.mu.Lock()
	wait := sequentialWait
	if s.fallbacks > 0 {
		wait = recoveryWait
	}
	s.mu.Unlock()

	if f := s.waitForCachedFrame(ctx, target, wait); f != nil {
		s.mu.Lock()
		s.fallbacks = 0
		s.mu.Unlock()
		return f, outcomeWorker, nil
	}

	// sequential fallback
	sequentialFallbacks.WithLabelValues(s.source).Inc()
	s.mu.Lock()
	s.fallbacks++
	restart := s.fallbacks >= fallbackRestartThreshold
	if restart {
		s.needsRestart = true
		s.fallbacks = 0
	}
	s.mu.Unlock()

	f, err := s.decodeSingleAndCache(ctx, target)
	if err != nil {
		return nil, outcomeError, err
	}
	if restart {
		s.ensureWorkerReady(target)
	} else {
		s.worker.UpdateDemand(target)
	}
	return f, outcomeFallback, nil
}

// ensureWorkerReady retunes the worker for the current motion and
// restarts it when needed. A running worker with a valid target is
// never restarted just because the request ran ahead of it.
func (s *Session) ensureWorkerReady(target time.Duration) {
	s.mu.Lock()
	speed, valid := s.estimator.Speed()
	if !valid {
		speed = 1.0
	}
	backward := valid && s.lastDelta < 0
	headroom := time.Duration(0)
	if decoded, ok := s.worker.DecodedUntil(); ok && decoded > target {
		headroom = decoded - target
	}
	newChunk, newLookAhead := s.bands.next(s.chunkLength, s.lookAhead, speed, backward, headroom, s.frameDuration)
	instruct := worthUpdating(s.chunkLength, newChunk, s.lookAhead, newLookAhead)
	if instruct {
		s.chunkLength = newChunk
		s.lookAhead = newLookAhead
	}
	restart := s.needsRestart || !s.worker.Running() || !s.hasTarget
	if restart {
		s.needsRestart = false
		s.workerTarget = target
		s.hasTarget = true
	} else if target > s.workerTarget {
		s.workerTarget = target
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if instruct {
		s.worker.UpdateStrategy(newChunk, newLookAhead)
		lookAheadGauge.WithLabelValues(s.source).Set(newLookAhead.Seconds())
	}
	if restart {
		workerRestarts.WithLabelValues(s.source).Inc()
		s.worker.EnsureStartedAt(s.ctx, target)
	} else {
		s.worker.UpdateDemand(target)
	}
}

// waitForCachedFrame blocks, bounded, until the cache holds a match.
// A nil return is flow control (fall back), never an error. The
// notification channel only says that some frame arrived; the cache
// probe re-filters by time.
func (s *Session) waitForCachedFrame(ctx context.Context, target, timeout time.Duration) *frame.Frame {
	deadline := time.Now().Add(timeout)
	for {
		if f := s.cache.TryGet(target, s.seekTolerance); f != nil {
			return f
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.ctx.Done():
			timer.Stop()
			return nil
		case <-s.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// decodeSingleAndCache extracts one frame and inserts it, retrying
// both transient decode failures and lost insert races.
func (s *Session) decodeSingleAndCache(ctx context.Context, target time.Duration) (*frame.Frame, error) {
	var result *frame.Frame
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return &backoff.PermanentError{Err: err}
		}
		if err := s.ctx.Err(); err != nil {
			return &backoff.PermanentError{Err: ErrSessionClosed}
		}
		f, err := s.driver.GetSingleFrame(ctx, target)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return &backoff.PermanentError{Err: err}
			}
			return err
		}
		if s.cache.Add(f) {
			s.kickNotify()
			result = f
			return nil
		}
		// a concurrent producer inserted first: drop ours, serve theirs
		f.Release()
		if cached := s.cache.TryGet(target, s.seekTolerance); cached != nil {
			result = cached
			return nil
		}
		return errAddRace
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = decodeRetryInterval
	retries := backoff.WithMaxRetries(bo, singleDecodeAttempts-1)
	if err := backoff.Retry(operation, backoff.WithContext(retries, ctx)); err != nil {
		return nil, fmt.Errorf("decode failed at %s time %s: %w", s.source, target, err)
	}
	return result, nil
}

// Close tears the session down: the worker is stopped with bounded
// patience, cached frames are released to the pool and the pool is
// closed. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.worker.Stop()
		s.cache.Close()
		if s.pool != nil {
			s.pool.Close()
		}
		s.logger.Info("session closed")
	})
}
