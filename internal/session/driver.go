package session

import (
	"context"
	"time"

	"github.com/warpcomdev/frameserver/internal/frame"
)

// FrameStream is a running range decode: an ordered, finite sequence
// of frames delivered through a channel. Close terminates the decode
// and releases frames still in flight.
type FrameStream interface {
	Frames() <-chan *frame.Frame
	Close() error
	Err() error
}

// Driver abstracts the external decoder process for one media file.
// Implemented by ffmpeg.Driver; tests substitute a synthetic source.
type Driver interface {
	// GetSingleFrame extracts exactly one frame at the given time
	GetSingleFrame(ctx context.Context, t time.Duration) (*frame.Frame, error)
	// DecodeRange streams frames from start for maxLength of media
	// time; zero maxLength decodes until the stream ends
	DecodeRange(ctx context.Context, start, maxLength time.Duration) (FrameStream, error)
}
