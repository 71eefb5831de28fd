// Package media implements the engine facade on top of pion/webrtc.
package media

import (
	"fmt"
	"strconv"

	"github.com/pion/webrtc/v4"
)

// Config defines the configuration for the media engine.
type Config struct {
	STUNServer string // STUN server URL for ICE gathering
	MinUdpPort string // Minimum UDP port for WebRTC
	MaxUdpPort string // Maximum UDP port for WebRTC
}

// DefaultSTUNServer is used when no STUN server is configured.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// Validate checks the configuration values.
func (med *Config) Validate() error {
	if med.STUNServer == "" {
		med.STUNServer = DefaultSTUNServer
	}
	if med.MinUdpPort == "" && med.MaxUdpPort == "" {
		return nil
	}
	_, _, err := med.portRange()
	return err
}

func (med *Config) portRange() (int, int, error) {
	minPort, err := strconv.Atoi(med.MinUdpPort)
	if err != nil || minPort < 0 || minPort > 65535 {
		return 0, 0, fmt.Errorf("invalid MinUdpPort: %s, error: %v", med.MinUdpPort, err)
	}

	maxPort, err := strconv.Atoi(med.MaxUdpPort)
	if err != nil || maxPort < 0 || maxPort > 65535 {
		return 0, 0, fmt.Errorf("invalid MaxUdpPort: %s, error: %v", med.MaxUdpPort, err)
	}

	if minPort > maxPort {
		return 0, 0, fmt.Errorf("invalid port range: MinUdpPort (%d) > MaxUdpPort (%d)", minPort, maxPort)
	}
	return minPort, maxPort, nil
}

// SetPortRange sets the ephemeral UDP port range for WebRTC.
func (med *Config) SetPortRange(s *webrtc.SettingEngine) error {
	if med.MinUdpPort == "" && med.MaxUdpPort == "" {
		return nil
	}
	minPort, maxPort, err := med.portRange()
	if err != nil {
		return err
	}
	if err := s.SetEphemeralUDPPortRange(uint16(minPort), uint16(maxPort)); err != nil {
		return fmt.Errorf("failed to set ephemeral UDP port range: %w", err)
	}
	return nil
}

// connectionConfig builds the peer connection configuration, appending any
// TURN servers the signaling server assigned to the transport.
func (med *Config) connectionConfig(turnServers []webrtc.ICEServer) webrtc.Configuration {
	servers := []webrtc.ICEServer{{URLs: []string{med.STUNServer}}}
	servers = append(servers, turnServers...)
	return webrtc.Configuration{ICEServers: servers}
}
