package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/warpcomdev/frameserver/internal/cache"
	"github.com/warpcomdev/frameserver/internal/servicelog"
)

// noTimestamp marks "nothing decoded yet" in the atomic timestamps
const noTimestamp = time.Duration(-1)

// stopPatience bounds how long Stop waits for a worker generation to
// wind down before giving up on it
const stopPatience = 2 * time.Second

// worker keeps one persistent decoder child running ahead of the
// playback position. Every decoded frame goes into the cache; the loop
// throttles itself once it is far enough ahead of the demanded time,
// which stalls the decoder child on its pipe through the bounded frame
// channel.
type worker struct {
	logger        servicelog.Logger
	driver        Driver
	cache         *cache.Cache
	frameDuration time.Duration
	onFrame       func() // frame-arrived signal, invoked per cache add
	onError       func(error)

	// tuning, read by the run loop without the lifecycle lock
	demand       atomic.Duration // highest requested time
	decodedUntil atomic.Duration // highest emitted frame timestamp
	chunkLength  atomic.Duration
	lookAhead    atomic.Duration

	demandKick chan struct{}

	// lifecycle, serialized under mu
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newWorker(logger servicelog.Logger, driver Driver, c *cache.Cache, frameDuration time.Duration, onFrame func(), onError func(error)) *worker {
	w := &worker{
		logger:        logger,
		driver:        driver,
		cache:         c,
		frameDuration: frameDuration,
		onFrame:       onFrame,
		onError:       onError,
		demandKick:    make(chan struct{}, 1),
	}
	w.demand.Store(noTimestamp)
	w.decodedUntil.Store(noTimestamp)
	return w
}

// Running reports whether a worker generation is currently alive
func (w *worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// DecodedUntil is the highest timestamp the worker has produced, or
// false if it has not produced anything since the last restart
func (w *worker) DecodedUntil() (time.Duration, bool) {
	d := w.decodedUntil.Load()
	return d, d != noTimestamp
}

// EnsureStartedAt starts a fresh worker generation decoding from
// startTime. A previous generation is cancelled without awaiting it:
// its shutdown is observed on a detached goroutine so the caller is
// never blocked behind a tearing-down decoder.
func (w *worker) EnsureStartedAt(sessionCtx context.Context, startTime time.Duration) {
	w.mu.Lock()
	prevCancel, prevDone := w.cancel, w.done

	ctx, cancel := context.WithCancel(sessionCtx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.running = true
	w.decodedUntil.Store(noTimestamp)
	w.demand.Store(startTime)
	w.mu.Unlock()

	go w.run(ctx, startTime, done)
	w.kick()

	if prevCancel != nil {
		prevCancel()
		go func() {
			// observe the previous generation's shutdown; races
			// with session teardown are expected and harmless
			<-prevDone
		}()
	}
}

// UpdateDemand advances the demanded time. Demand never regresses.
func (w *worker) UpdateDemand(t time.Duration) {
	for {
		current := w.demand.Load()
		if current >= t {
			break
		}
		if w.demand.CAS(current, t) {
			break
		}
	}
	w.kick()
}

// UpdateStrategy instructs new chunk length and look-ahead. The
// look-ahead is kept at least one chunk and two frames wide.
func (w *worker) UpdateStrategy(chunkLength, lookAhead time.Duration) {
	floor := chunkLength
	if min := 2 * w.frameDuration; min > floor {
		floor = min
	}
	if lookAhead < floor {
		lookAhead = floor
	}
	w.chunkLength.Store(chunkLength)
	w.lookAhead.Store(lookAhead)
	w.kick()
}

// Strategy returns the currently instructed tunables
func (w *worker) Strategy() (chunkLength, lookAhead time.Duration) {
	return w.chunkLength.Load(), w.lookAhead.Load()
}

// Stop cancels the current generation and waits for it, with bounded
// patience. Cancellation-induced errors are swallowed.
func (w *worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(stopPatience):
		w.logger.Warn("worker did not stop in time")
	}
}

func (w *worker) kick() {
	select {
	case w.demandKick <- struct{}{}:
	default:
	}
}

// shouldWaitForDemand reports whether the loop is far enough ahead of
// the demand to pause decoding
func (w *worker) shouldWaitForDemand() bool {
	decoded := w.decodedUntil.Load()
	demand := w.demand.Load()
	if decoded == noTimestamp || demand == noTimestamp {
		return false
	}
	ahead := w.lookAhead.Load()
	if chunk := w.chunkLength.Load(); chunk > ahead {
		ahead = chunk
	}
	limit := demand + ahead
	if limit < demand { // overflow
		return false
	}
	return decoded >= limit
}

func (w *worker) advanceDecoded(t time.Duration) {
	for {
		current := w.decodedUntil.Load()
		if current >= t {
			return
		}
		if w.decodedUntil.CAS(current, t) {
			return
		}
	}
}

// run is one worker generation: a single decoder child consumed to
// exhaustion, cancellation, or error.
func (w *worker) run(ctx context.Context, startTime time.Duration, done chan struct{}) {
	defer close(done)
	defer func() {
		w.mu.Lock()
		if w.done == done {
			w.running = false
		}
		w.mu.Unlock()
	}()

	stream, err := w.driver.DecodeRange(ctx, startTime, 0)
	if err != nil {
		if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			w.onError(err)
		}
		return
	}
	defer stream.Close()

	for f := range stream.Frames() {
		ts := f.Timestamp
		if w.cache.Add(f) {
			w.onFrame()
		} else {
			f.Release()
		}
		w.advanceDecoded(ts)

		for w.shouldWaitForDemand() {
			select {
			case <-ctx.Done():
				return
			case <-w.demandKick:
			}
		}
		if ctx.Err() != nil {
			return
		}
	}

	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		w.onError(err)
	}
}
