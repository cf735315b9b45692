package ffmpeg

import (
	"fmt"
	"time"
)

// Accelerators recognised as -hwaccel values. Anything else is mapped
// to "auto".
var Accelerators = map[string]struct{}{
	"auto":         {},
	"none":         {},
	"vdpau":        {},
	"dxva2":        {},
	"d3d11va":      {},
	"vaapi":        {},
	"qsv":          {},
	"videotoolbox": {},
	"cuda":         {},
}

// NormalizeAccel maps an arbitrary accelerator name to a recognised one
func NormalizeAccel(api string) string {
	if _, ok := Accelerators[api]; ok {
		return api
	}
	return "auto"
}

// decodeMode selects the output framing of a decoder invocation
type decodeMode int

const (
	modeSingle     decodeMode = iota // exactly one frame
	modeRange                        // frames for a bounded media span
	modeContinuous                   // frames until the stream ends
)

// decodeArgs builds the argument list for one decoder child. The seek
// is applied before the input for fast (keyframe-indexed) seeking; the
// output is raw BGRA on stdout with audio, subtitle and data streams
// dropped.
func decodeArgs(path string, start time.Duration, mode decodeMode, span time.Duration, hwaccel string) []string {
	args := []string{
		"-loglevel", "error",
		"-nostdin",
	}

	if hwaccel != "" && hwaccel != "none" {
		args = append(args, "-hwaccel", NormalizeAccel(hwaccel))
	}

	if start > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.6f", start.Seconds()))
	}

	args = append(args, "-i", path)

	switch mode {
	case modeSingle:
		args = append(args, "-frames:v", "1")
	case modeRange:
		args = append(args, "-t", fmt.Sprintf("%.6f", span.Seconds()))
	}

	args = append(args,
		"-f", "rawvideo",
		"-preset", "ultrafast",
		"-pix_fmt", "bgra",
		"-an", "-sn", "-dn",
		"pipe:1",
	)
	return args
}

// pipe read buffer bounds: big enough to take a frame in few reads,
// small enough to keep memory per child bounded
const (
	minReadBuffer = 256 << 10
	maxReadBuffer = 8 << 20
)

// readBufferSize tunes the pipe block size to the frame size
func readBufferSize(frameSize int) int {
	if frameSize < minReadBuffer {
		return minReadBuffer
	}
	if frameSize > maxReadBuffer {
		return maxReadBuffer
	}
	return frameSize
}
