package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const probeTimeout = 5 * time.Second

// DefaultFrameRate is assumed when the container reports no usable
// frame rate.
const DefaultFrameRate = 60.0

// Metadata of the single video stream of a media file
type Metadata struct {
	Width     int
	Height    int
	FrameRate float64 // frames per second
	Duration  time.Duration
}

// FrameDuration is the media time covered by one frame
func (m Metadata) FrameDuration() time.Duration {
	fps := m.FrameRate
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	return time.Duration(float64(time.Second) / fps)
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	Duration     string `json:"duration"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

// Probe runs ffprobe on the file and extracts the geometry, frame
// rate and duration of its first video stream.
func Probe(ctx context.Context, ffprobePath, path string) (Metadata, error) {
	args := []string{
		// Hide debug information
		"-v", "error",

		"-show_entries", "format:stream",
		"-select_streams", "v", // video stream only

		"-of", "json",
		path,
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Metadata{}, fmt.Errorf("ffprobe %s: %w (%s)", path, err, strings.TrimSpace(stderr.String()))
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Metadata{}, fmt.Errorf("ffprobe %s: decoding output: %w", path, err)
	}
	return metadataFrom(path, out)
}

func metadataFrom(path string, out probeOutput) (Metadata, error) {
	var stream *probeStream
	for i := range out.Streams {
		if out.Streams[i].CodecType == "" || out.Streams[i].CodecType == "video" {
			stream = &out.Streams[i]
			break
		}
	}
	if stream == nil || stream.Width <= 0 || stream.Height <= 0 {
		return Metadata{}, fmt.Errorf("%s: %w", path, ErrNoVideoStream)
	}
	meta := Metadata{
		Width:     stream.Width,
		Height:    stream.Height,
		FrameRate: parseRate(stream.AvgFrameRate),
	}
	if meta.FrameRate <= 0 {
		meta.FrameRate = parseRate(stream.RFrameRate)
	}
	// A frame rate <= 0 is kept as reported: FrameDuration falls back
	// to DefaultFrameRate, index lookups reject the file.
	if secs := parseSeconds(stream.Duration); secs > 0 {
		meta.Duration = time.Duration(secs * float64(time.Second))
	} else if secs := parseSeconds(out.Format.Duration); secs > 0 {
		meta.Duration = time.Duration(secs * float64(time.Second))
	}
	return meta, nil
}

// parseRate decodes ffprobe rational rates ("30000/1001", "60/1")
func parseRate(rate string) float64 {
	if rate == "" {
		return 0
	}
	num, den := rate, "1"
	if idx := strings.IndexByte(rate, '/'); idx >= 0 {
		num, den = rate[:idx], rate[idx+1:]
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseSeconds(s string) float64 {
	if s == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return secs
}
