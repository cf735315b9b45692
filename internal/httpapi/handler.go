// Package httpapi exposes the frame access core over HTTP: a
// single-frame endpoint for scrubbing and a multipart preview stream
// that exercises the sequential playback path.
package httpapi

import (
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/warpcomdev/frameserver/internal/frame"
	"github.com/warpcomdev/frameserver/internal/servicelog"
	"github.com/warpcomdev/frameserver/internal/session"
)

// Registry is the slice of session.Registry the handlers need
type Registry interface {
	Session(ctx context.Context, path string) (*session.Session, error)
	FrameAt(ctx context.Context, path string, t time.Duration) (*frame.Frame, error)
	FrameAtIndex(ctx context.Context, path string, index int) (*frame.Frame, error)
}

// toImage copies a BGRA frame into an RGBA image for the encoders
func toImage(f *frame.Frame) *image.RGBA {
	width, height := f.Width(), f.Height()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	src := f.Pixels()
	dst := img.Pix
	for i := 0; i+3 < len(src) && i+3 < len(dst); i += 4 {
		dst[i] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i]
		dst[i+3] = src[i+3]
	}
	return img
}

// FrameHandler serves GET /frame?path=...&t=<seconds> (or &n=<index>)
// as a PNG image.
func FrameHandler(logger servicelog.Logger, registry Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		path := r.URL.Query().Get("path")
		if path == "" {
			http.Error(w, "missing path parameter", http.StatusBadRequest)
			return
		}

		var (
			f   *frame.Frame
			err error
		)
		if n := r.URL.Query().Get("n"); n != "" {
			index, convErr := strconv.Atoi(n)
			if convErr != nil {
				http.Error(w, "invalid frame index", http.StatusBadRequest)
				return
			}
			f, err = registry.FrameAtIndex(r.Context(), path, index)
		} else {
			secs, convErr := strconv.ParseFloat(r.URL.Query().Get("t"), 64)
			if convErr != nil {
				http.Error(w, "invalid time parameter", http.StatusBadRequest)
				return
			}
			f, err = registry.FrameAt(r.Context(), path, time.Duration(secs*float64(time.Second)))
		}
		if err != nil {
			logger.Error("frame request failed", servicelog.String("path", path), servicelog.Error(err))
			http.Error(w, "frame extraction failed", http.StatusInternalServerError)
			return
		}

		// copy out of the cache-owned buffer before encoding
		img := toImage(f)
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		if err := png.Encode(w, img); err != nil {
			logger.Debug("client dropped frame response", servicelog.Error(err))
		}
	})
}

// PreviewHandler serves GET /preview?path=...&from=<seconds> as a
// multipart/x-mixed-replace JPEG stream. Each part is produced by a
// sequential FrameAt call at frame cadence, which is exactly the host
// playback workload.
func PreviewHandler(logger servicelog.Logger, registry Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		path := r.URL.Query().Get("path")
		if path == "" {
			http.Error(w, "missing path parameter", http.StatusBadRequest)
			return
		}
		s, err := registry.Session(r.Context(), path)
		if err != nil {
			logger.Error("preview session failed", servicelog.String("path", path), servicelog.Error(err))
			http.Error(w, "opening session failed", http.StatusInternalServerError)
			return
		}

		from := time.Duration(0)
		if v := r.URL.Query().Get("from"); v != "" {
			secs, convErr := strconv.ParseFloat(v, 64)
			if convErr != nil {
				http.Error(w, "invalid from parameter", http.StatusBadRequest)
				return
			}
			from = time.Duration(secs * float64(time.Second))
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		mimeWriter := multipart.NewWriter(w)
		defer mimeWriter.Close()
		w.Header().Set("Content-Type", "multipart/x-mixed-replace;boundary="+mimeWriter.Boundary())
		w.Header().Set("Cache-Control", "no-store, no-cache")
		w.WriteHeader(http.StatusOK)

		cadence := s.FrameDuration()
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()

		for t := from; ; t += cadence {
			if end := s.Duration(); end > 0 && t >= end {
				return
			}
			f, err := s.FrameAt(r.Context(), t)
			if err != nil {
				logger.Error("preview frame failed",
					servicelog.String("path", path), servicelog.Duration("time", t), servicelog.Error(err))
				return
			}
			img := toImage(f)

			partHeader := make(textproto.MIMEHeader)
			partHeader.Add("Content-Type", "image/jpeg")
			partWriter, err := mimeWriter.CreatePart(partHeader)
			if err != nil {
				return
			}
			if err := jpeg.Encode(partWriter, img, &jpeg.Options{Quality: 85}); err != nil {
				return
			}
			flusher.Flush()

			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
		}
	})
}
