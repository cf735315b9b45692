package session

import (
	"context"
	"sync"
	"time"

	"github.com/warpcomdev/frameserver/internal/bitmap"
	"github.com/warpcomdev/frameserver/internal/ffmpeg"
	"github.com/warpcomdev/frameserver/internal/frame"
	"github.com/warpcomdev/frameserver/internal/servicelog"
	"github.com/warpcomdev/frameserver/internal/sink"
)

// Auto cache sizing
const (
	cacheBudgetBytes = 768 << 20 // pixel budget for the whole cache
	minCacheFrames   = 12
	maxCacheFrames   = 240
	maxCacheFramesHD = 120 // bound above full HD
)

// AutoCacheSize derives the frame cache capacity from the stream
// geometry, keeping the cache under the pixel budget.
func AutoCacheSize(width, height int) int {
	frameBytes := width * height * bitmap.BytesPerPixel
	if frameBytes <= 0 {
		return minCacheFrames
	}
	n := cacheBudgetBytes / frameBytes
	hi := maxCacheFrames
	if width > 1920 || height > 1080 {
		hi = maxCacheFramesHD
	}
	if n < minCacheFrames {
		return minCacheFrames
	}
	if n > hi {
		return hi
	}
	return n
}

// Options of the registry: decoder binaries and decode configuration
type Options struct {
	FFmpegPath     string
	FFprobePath    string
	HardwareDecode bool
	HardwareAPI    string
	MaxCacheSize   int // 0 derives the capacity from the geometry
}

// ffmpegDriver adapts ffmpeg.Driver to the session Driver interface
type ffmpegDriver struct {
	*ffmpeg.Driver
}

func (d ffmpegDriver) DecodeRange(ctx context.Context, start, maxLength time.Duration) (FrameStream, error) {
	stream, err := d.Driver.DecodeRange(ctx, start, maxLength)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Open probes a media file and builds a session over the external
// decoder, with a pixel pool sized for the cache plus the decode
// channel.
func Open(ctx context.Context, logger servicelog.Logger, options Options, path string) (*Session, error) {
	ffprobePath := options.FFprobePath
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	meta, err := ffmpeg.Probe(ctx, ffprobePath, path)
	if err != nil {
		return nil, err
	}

	cacheSize := options.MaxCacheSize
	if cacheSize <= 0 {
		cacheSize = AutoCacheSize(meta.Width, meta.Height)
	}
	pool := bitmap.NewPool(cacheSize+sink.ChannelCapacity+2, meta.Width, meta.Height)

	driver := ffmpeg.NewDriver(logger, ffmpeg.Config{
		FFmpegPath:     options.FFmpegPath,
		HardwareDecode: options.HardwareDecode,
		HardwareAPI:    options.HardwareAPI,
	}, path, meta, pool)

	return New(logger, ffmpegDriver{driver}, Config{
		Source:    path,
		FrameRate: meta.FrameRate,
		Duration:  meta.Duration,
		CacheSize: cacheSize,
		Pool:      pool,
	}), nil
}

// Registry maps file paths to sessions, opening them on demand.
type Registry struct {
	logger  servicelog.Logger
	options Options
	open    func(ctx context.Context, logger servicelog.Logger, options Options, path string) (*Session, error)

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry builds an empty registry
func NewRegistry(logger servicelog.Logger, options Options) *Registry {
	return &Registry{
		logger:   logger,
		options:  options,
		open:     Open,
		sessions: make(map[string]*Session),
	}
}

// UpdateOptions changes the options used for sessions opened from now
// on. Already-open sessions keep their configuration.
func (r *Registry) UpdateOptions(options Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.options = options
}

// Session returns the session for a path, opening one if needed
func (r *Registry) Session(ctx context.Context, path string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s, ok := r.sessions[path]; ok {
		r.mu.Unlock()
		return s, nil
	}
	options := r.options
	r.mu.Unlock()

	// open outside the lock, probing can take a while
	s, err := r.open(ctx, r.logger, options, path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		s.Close()
		return nil, ErrSessionClosed
	}
	if prev, ok := r.sessions[path]; ok {
		// lost the open race, keep the first one
		s.Close()
		return prev, nil
	}
	r.sessions[path] = s
	return s, nil
}

// FrameAt resolves a frame by path and time
func (r *Registry) FrameAt(ctx context.Context, path string, t time.Duration) (*frame.Frame, error) {
	s, err := r.Session(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.FrameAt(ctx, t)
}

// FrameAtIndex resolves a frame by path and frame index
func (r *Registry) FrameAtIndex(ctx context.Context, path string, index int) (*frame.Frame, error) {
	s, err := r.Session(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.FrameAtIndex(ctx, index)
}

// Evict closes and forgets the session of one path, if any
func (r *Registry) Evict(path string) {
	r.mu.Lock()
	s, ok := r.sessions[path]
	delete(r.sessions, path)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Close tears down every open session
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = nil
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
