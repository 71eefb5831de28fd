package media

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"meet/engine"
)

// supportedMimeTypes lists the codecs this engine can encode or decode.
var supportedMimeTypes = []string{
	webrtc.MimeTypeVP8,
	webrtc.MimeTypeVP9,
	webrtc.MimeTypeH264,
	webrtc.MimeTypeH265,
	webrtc.MimeTypeOpus,
}

// Engine negotiates pion-backed devices against a router. A session loads
// one device per join; rejoining loads a fresh one.
type Engine struct {
	conf Config
	api  *webrtc.API
}

// New creates a new Engine instance.
func New(conf Config) (*Engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate media config: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if err := conf.SetPortRange(&settingEngine); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)
	return &Engine{conf: conf, api: api}, nil
}

// LoadDevice intersects the router capabilities with the engine's supported
// codecs and returns the loaded device.
func (e *Engine) LoadDevice(routerCaps engine.RTPCapabilities) (engine.Device, error) {
	var codecs []engine.RTPCodec
	for _, c := range routerCaps.Codecs {
		if supportedMimeType(c.MimeType) {
			codecs = append(codecs, c)
		}
	}
	if len(codecs) == 0 {
		return nil, fmt.Errorf("no common codec with router")
	}

	sctpCaps, err := json.Marshal(map[string]any{
		"numStreams": map[string]int{"OS": 1024, "MIS": 1024},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sctp capabilities: %w", err)
	}

	return &Device{
		engine:   e,
		rtpCaps:  engine.RTPCapabilities{Codecs: codecs},
		sctpCaps: sctpCaps,
	}, nil
}

func supportedMimeType(mimeType string) bool {
	for _, m := range supportedMimeTypes {
		if strings.EqualFold(m, mimeType) {
			return true
		}
	}
	return false
}

// Device is a loaded pion-backed device.
type Device struct {
	engine   *Engine
	rtpCaps  engine.RTPCapabilities
	sctpCaps engine.SCTPCapabilities
}

// RTPCapabilities returns the negotiated codec set.
func (d *Device) RTPCapabilities() engine.RTPCapabilities {
	return d.rtpCaps
}

// SCTPCapabilities returns the device's data channel capabilities.
func (d *Device) SCTPCapabilities() engine.SCTPCapabilities {
	return d.sctpCaps
}

// CreateSendTransport creates a transport for publishing local media.
func (d *Device) CreateSendTransport(params engine.TransportParams) (engine.Transport, error) {
	return d.createTransport(engine.Send, params)
}

// CreateRecvTransport creates a transport for subscribing to remote media.
func (d *Device) CreateRecvTransport(params engine.TransportParams) (engine.Transport, error) {
	return d.createTransport(engine.Recv, params)
}

func (d *Device) createTransport(direction engine.Direction, params engine.TransportParams) (engine.Transport, error) {
	conf := d.engine.conf.connectionConfig(params.TURNServers)
	conn, err := d.engine.api.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newTransport(direction, params, conn), nil
}
