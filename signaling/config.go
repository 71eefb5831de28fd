// Package signaling contains the request/response channel to the SFU server.
package signaling

import (
	"errors"
	"fmt"
	"time"
)

// DefaultRequestTimeout bounds a single signaling round trip.
const DefaultRequestTimeout = 15 * time.Second

// Below is the error set for the signaling configuration.
var (
	ErrInvalidServerURL = errors.New("invalid server url")
	ErrInvalidTimeout   = errors.New("invalid request timeout")
)

// Config is the configuration for creating a Channel instance.
type Config struct {
	ServerURL      string
	RequestTimeout time.Duration
}

// Validate validates the server address and timeout.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server url must not be empty: %w", ErrInvalidServerURL)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("must not be negative, given %s: %w", c.RequestTimeout, ErrInvalidTimeout)
	}
	return nil
}

// Timeout returns the configured request timeout or the default.
func (c Config) Timeout() time.Duration {
	if c.RequestTimeout == 0 {
		return DefaultRequestTimeout
	}
	return c.RequestTimeout
}
