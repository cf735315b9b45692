// Package ffmpeg drives the external decoder binary. It hides the
// child process behind two operations: a single-frame extraction and a
// streaming range decode whose output is consumed through a bounded
// frame channel.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warpcomdev/frameserver/internal/bitmap"
	"github.com/warpcomdev/frameserver/internal/frame"
	"github.com/warpcomdev/frameserver/internal/servicelog"
	"github.com/warpcomdev/frameserver/internal/sink"
)

var (
	singleFrameLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "frameserver_single_frame_latency",
			Help: "Latency of single frame extractions (milliseconds)",
			Buckets: []float64{
				10, 30, 60, 120, 250, 500, 1000, 2500,
			},
		},
		[]string{"source"},
	)

	decodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frameserver_decode_failures",
			Help: "Decoder child failures by mode",
		},
		[]string{"source", "mode"},
	)

	hardwareFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frameserver_hardware_fallbacks",
		Help: "Times hardware decoding failed and software was retried",
	})
)

type errString string

// Error implements error
func (err errString) Error() string {
	return string(err)
}

// ErrNoVideoStream is reported when the probed file has no usable video stream
var ErrNoVideoStream errString = "no video stream in file"

// ErrIncompleteFrame is reported when the decoder exited before
// producing a complete frame
var ErrIncompleteFrame errString = "decoder produced an incomplete frame"

// Config of a decoder driver
type Config struct {
	FFmpegPath     string
	HardwareDecode bool
	HardwareAPI    string
}

// Driver owns the decoder invocations for one media file. The stream
// geometry is probed once at construction and never changes.
type Driver struct {
	logger servicelog.Logger
	config Config
	path   string
	meta   Metadata
	pool   *bitmap.Pool
}

// NewDriver builds a driver for one file. The pool must match the
// probed geometry of the file.
func NewDriver(logger servicelog.Logger, config Config, path string, meta Metadata, pool *bitmap.Pool) *Driver {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	return &Driver{
		logger: logger.With(servicelog.String("source", path)),
		config: config,
		path:   path,
		meta:   meta,
		pool:   pool,
	}
}

// Metadata returns the probed stream metadata
func (d *Driver) Metadata() Metadata {
	return d.meta
}

func (d *Driver) hwaccel() string {
	if !d.config.HardwareDecode {
		return "none"
	}
	return NormalizeAccel(d.config.HardwareAPI)
}

// GetSingleFrame launches a decoder child seeked to t that emits
// exactly one raw frame. On a hardware decode failure the extraction
// is retried once in software.
func (d *Driver) GetSingleFrame(ctx context.Context, t time.Duration) (*frame.Frame, error) {
	begin := time.Now()
	accel := d.hwaccel()
	f, err := d.singleFrame(ctx, t, accel)
	if err != nil && accel != "none" && ctx.Err() == nil {
		hardwareFallbacks.Inc()
		d.logger.Warn("hardware decode failed, retrying in software",
			servicelog.Duration("time", t), servicelog.Error(err))
		f, err = d.singleFrame(ctx, t, "none")
	}
	if err != nil {
		decodeFailures.WithLabelValues(d.path, "single").Inc()
		return nil, err
	}
	singleFrameLatency.WithLabelValues(d.path).Observe(float64(time.Since(begin).Milliseconds()))
	return f, nil
}

func (d *Driver) singleFrame(ctx context.Context, t time.Duration, accel string) (*frame.Frame, error) {
	args := decodeArgs(d.path, t, modeSingle, 0, accel)
	cmd := exec.CommandContext(ctx, d.config.FFmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdout pipe: %w", err)
	}

	out := sink.NewSingleFrame(d.pool)
	defer out.Close()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting decoder: %w", err)
	}

	buf := make([]byte, readBufferSize(d.pool.FrameSize()))
	_, copyErr := io.CopyBuffer(out, stdout, buf)
	waitErr := cmd.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !out.HasFrame() {
		if waitErr != nil {
			return nil, fmt.Errorf("decoder exited: %w", waitErr)
		}
		if copyErr != nil {
			return nil, fmt.Errorf("reading decoder output: %w", copyErr)
		}
		return nil, fmt.Errorf("%w (%d of %d bytes)", ErrIncompleteFrame, out.Written(), d.pool.FrameSize())
	}
	buffer := out.TakeBuffer()
	return frame.New(d.path, t, buffer, d.pool.Return), nil
}

// Stream is a running range decode. Frames arrive in decode order on
// Frames(); the channel is closed when the child exits or the stream
// is closed. Err reports the terminal error, if any, once the channel
// is closed.
type Stream struct {
	frames <-chan *frame.Frame
	cancel context.CancelFunc
	out    *sink.Chunk

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// Frames delivers the decoded frames in order
func (s *Stream) Frames() <-chan *frame.Frame {
	return s.frames
}

// Err returns the terminal error of the stream, nil on clean end
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the decoder child and releases any frames still
// buffered. It is safe to call concurrently with Frames consumption.
func (s *Stream) Close() error {
	s.cancel()
	s.out.Close()
	<-s.done
	return nil
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// DecodeRange launches a decoder child seeked to start producing
// frames until maxLength of media time elapses (zero means until the
// stream ends). Exactly one child process serves the whole call. On a
// hardware start failure the call is retried once in software.
func (d *Driver) DecodeRange(ctx context.Context, start, maxLength time.Duration) (*Stream, error) {
	accel := d.hwaccel()
	s, err := d.decodeRange(ctx, start, maxLength, accel)
	if err != nil && accel != "none" && ctx.Err() == nil {
		hardwareFallbacks.Inc()
		d.logger.Warn("hardware decode failed, retrying in software",
			servicelog.Duration("start", start), servicelog.Error(err))
		s, err = d.decodeRange(ctx, start, maxLength, "none")
	}
	if err != nil {
		decodeFailures.WithLabelValues(d.path, "range").Inc()
	}
	return s, err
}

func (d *Driver) decodeRange(ctx context.Context, start, maxLength time.Duration, accel string) (*Stream, error) {
	mode := modeContinuous
	if maxLength > 0 {
		mode = modeRange
	}
	args := decodeArgs(d.path, start, mode, maxLength, accel)

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, d.config.FFmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("decoder stdout pipe: %w", err)
	}

	out := sink.NewChunk(d.path, start, d.meta.FrameDuration(), d.pool)
	if err := cmd.Start(); err != nil {
		cancel()
		out.Close()
		return nil, fmt.Errorf("starting decoder: %w", err)
	}

	stream := &Stream{
		frames: out.Frames(),
		cancel: cancel,
		out:    out,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(stream.done)
		buf := make([]byte, readBufferSize(d.pool.FrameSize()))
		_, copyErr := io.CopyBuffer(out, stdout, buf)
		waitErr := cmd.Wait()
		switch {
		case ctx.Err() != nil:
			stream.setErr(ctx.Err())
		case waitErr != nil:
			decodeFailures.WithLabelValues(d.path, "range").Inc()
			stream.setErr(fmt.Errorf("decoder exited: %w", waitErr))
		case copyErr != nil && !errors.Is(copyErr, io.ErrClosedPipe):
			stream.setErr(fmt.Errorf("reading decoder output: %w", copyErr))
		}
		// close the channel only once the terminal error is recorded
		out.CloseSend()
	}()
	return stream, nil
}
