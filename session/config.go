// Package session drives the lifecycle of one conference membership.
package session

import (
	"errors"
	"time"
)

// Codec is the preferred video codec for publishing.
type Codec string

// Supported video codecs.
const (
	VP8  Codec = "VP8"
	VP9  Codec = "VP9"
	H264 Codec = "H264"
	H265 Codec = "H265"
)

// Resolution selects the capture preset.
type Resolution string

// Capture presets.
const (
	Low    Resolution = "low"
	Medium Resolution = "medium"
	High   Resolution = "high"
)

// Below is the error set for session configuration.
var (
	ErrInvalidCodec      = errors.New("invalid codec")
	ErrInvalidResolution = errors.New("invalid resolution")
)

// Config defines the configuration for a session.
type Config struct {
	Codec      Codec         // Preferred video codec
	Resolution Resolution    // Capture preset
	RetryDelay time.Duration // Delay before a conflicting audio consume retries
	DataLabel  string        // Label of the outbound data channel
}

// Validate checks the configuration and fills defaults.
func (s *Config) Validate() error {
	if s.Codec == "" {
		s.Codec = VP8
	}
	switch s.Codec {
	case VP8, VP9, H264, H265:
	default:
		return ErrInvalidCodec
	}

	if s.Resolution == "" {
		s.Resolution = Medium
	}
	switch s.Resolution {
	case Low, Medium, High:
	default:
		return ErrInvalidResolution
	}

	if s.DataLabel == "" {
		s.DataLabel = "chat"
	}
	return nil
}

// Dimensions returns the capture width and height for the preset.
func (r Resolution) Dimensions() (int, int) {
	switch r {
	case Low:
		return 640, 360
	case High:
		return 1920, 1080
	default:
		return 1280, 720
	}
}
