// Package settings loads the server settings file. The format is JSON
// with comments; unknown fields are ignored so the file can be shared
// with other tools.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/warpcomdev/frameserver/internal/ffmpeg"
)

// Settings of the frame server
type Settings struct {
	// Decoder options
	HardwareDecode    *bool  `json:"hardware_decode"`
	HardwareDecodeApi string `json:"hardware_decode_api"`
	MaxCacheSize      int    `json:"max_cache_size"`
	FFmpegPath        string `json:"ffmpeg_path"`
	FFprobePath       string `json:"ffprobe_path"`

	// Server options
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout"`
	WriteTimeoutSeconds int    `json:"write_timeout"`
	MaxHeaderBytes      int    `json:"max_header_bytes"`
	LogFolder           string `json:"log_folder"`
	Debug               bool   `json:"debug"`
}

// HardwareEnabled resolves the hardware_decode option (default true)
func (s *Settings) HardwareEnabled() bool {
	return s.HardwareDecode == nil || *s.HardwareDecode
}

// Check normalizes the settings, filling defaults
func (s *Settings) Check(configPath string) error {
	s.HardwareDecodeApi = ffmpeg.NormalizeAccel(s.HardwareDecodeApi)
	if s.MaxCacheSize < 0 {
		s.MaxCacheSize = 0
	}
	if s.FFmpegPath == "" {
		s.FFmpegPath = "ffmpeg"
	}
	if s.FFprobePath == "" {
		s.FFprobePath = "ffprobe"
	}
	if s.Port < 1024 || s.Port > 65535 {
		s.Port = 8080
	}
	if s.ReadTimeoutSeconds < 1 {
		s.ReadTimeoutSeconds = 5
	}
	if s.WriteTimeoutSeconds < 1 {
		s.WriteTimeoutSeconds = 7
	}
	if s.MaxHeaderBytes < 4096 {
		s.MaxHeaderBytes = 1 << 20
	}
	if s.LogFolder == "" && configPath != "" {
		s.LogFolder = filepath.Join(filepath.Dir(configPath), "logs")
	}
	return nil
}

// Load reads and normalizes a settings file
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings %s: %w", path, err)
	}
	settings := &Settings{}
	if err := json.Unmarshal(StripComments(data), settings); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	if err := settings.Check(path); err != nil {
		return nil, err
	}
	return settings, nil
}

// StripComments removes // and /* */ comments from a JSON document,
// leaving string contents untouched. Comment bytes are replaced with
// spaces so error offsets keep pointing at the original file.
func StripComments(data []byte) []byte {
	const (
		stateCode = iota
		stateString
		stateEscape
		stateLine
		stateBlock
	)
	out := make([]byte, len(data))
	copy(out, data)
	state := stateCode
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch state {
		case stateCode:
			switch {
			case c == '"':
				state = stateString
			case c == '/' && i+1 < len(out) && out[i+1] == '/':
				state = stateLine
				out[i] = ' '
			case c == '/' && i+1 < len(out) && out[i+1] == '*':
				state = stateBlock
				out[i] = ' '
			}
		case stateString:
			switch c {
			case '\\':
				state = stateEscape
			case '"':
				state = stateCode
			}
		case stateEscape:
			state = stateString
		case stateLine:
			if c == '\n' {
				state = stateCode
			} else {
				out[i] = ' '
			}
		case stateBlock:
			if c == '*' && i+1 < len(out) && out[i+1] == '/' {
				out[i] = ' '
				out[i+1] = ' '
				i++
				state = stateCode
			} else if c != '\n' {
				out[i] = ' '
			}
		}
	}
	return out
}
