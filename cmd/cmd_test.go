package cmd

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"meet/metric"
)

func TestParse(t *testing.T) {
	t.Run("given no args when parsed then defaults applied", func(t *testing.T) {
		config, err := Parse(io.Discard, nil)

		assert.NoError(t, err)
		assert.Equal(t, "VP8", config.Codec)
		assert.Equal(t, "medium", config.Resolution)
		assert.Equal(t, metric.DefaultMetricsPort, config.MetricsPort)
		assert.False(t, config.Debug)
	})

	t.Run("given flags when parsed then defaults overridden", func(t *testing.T) {
		args := []string{
			"-server", "wss://sfu.example.com",
			"-room", "standup",
			"-user", "alice",
			"-codec", "H264",
			"-resolution", "high",
			"-metrics-port", "9999",
			"-debug",
		}

		config, err := Parse(io.Discard, args)

		assert.NoError(t, err)
		assert.Equal(t, "wss://sfu.example.com", config.Server)
		assert.Equal(t, "standup", config.Room)
		assert.Equal(t, "alice", config.User)
		assert.Equal(t, "H264", config.Codec)
		assert.Equal(t, "high", config.Resolution)
		assert.Equal(t, 9999, config.MetricsPort)
		assert.True(t, config.Debug)
	})

	t.Run("given unknown flag when parsed then error", func(t *testing.T) {
		_, err := Parse(io.Discard, []string{"-bogus"})

		assert.Error(t, err)
	})

	t.Run("given leftover args when parsed then error", func(t *testing.T) {
		_, err := Parse(io.Discard, []string{"-room", "standup", "extra"})

		assert.Error(t, err)
	})
}

func TestSetupConfig(t *testing.T) {
	t.Run("given required flags when set up then valid config", func(t *testing.T) {
		config, err := SetupConfig(io.Discard, []string{"-server", "wss://sfu.example.com", "-room", "standup"})

		assert.NoError(t, err)
		assert.Equal(t, "wss://sfu.example.com", config.Server)
		assert.Equal(t, "standup", config.Room)
	})

	t.Run("given missing server when set up then error", func(t *testing.T) {
		_, err := SetupConfig(io.Discard, []string{"-room", "standup"})

		assert.Error(t, err)
	})

	t.Run("given missing room when set up then error", func(t *testing.T) {
		_, err := SetupConfig(io.Discard, []string{"-server", "wss://sfu.example.com"})

		assert.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "complete", config: Config{Server: "wss://sfu.example.com", Room: "standup"}},
		{name: "no server", config: Config{Room: "standup"}, wantErr: true},
		{name: "no room", config: Config{Server: "wss://sfu.example.com"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
