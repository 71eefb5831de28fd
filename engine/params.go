package engine

import (
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Opaque negotiation blobs. The orchestration layer never inspects these; it
// relays them between the server and the engine.
type (
	ICEParameters        = json.RawMessage
	ICECandidates        = json.RawMessage
	DTLSParameters       = json.RawMessage
	SCTPParameters       = json.RawMessage
	SCTPCapabilities     = json.RawMessage
	RTPParameters        = json.RawMessage
	SCTPStreamParameters = json.RawMessage
)

// RTPCodec describes one codec a device or router supports.
type RTPCodec struct {
	MimeType  string         `json:"mimeType"`
	Kind      Kind           `json:"kind"`
	ClockRate uint32         `json:"clockRate"`
	Channels  uint16         `json:"channels,omitempty"`
	Params    map[string]any `json:"parameters,omitempty"`
}

// Minimal strips the codec down to the fields every engine accepts. Passing
// the full negotiated shape trips parameter validation in some engines.
func (c RTPCodec) Minimal() RTPCodec {
	return RTPCodec{MimeType: c.MimeType, Kind: c.Kind, ClockRate: c.ClockRate}
}

// RTPCapabilities is the codec set negotiated between device and router.
type RTPCapabilities struct {
	Codecs []RTPCodec `json:"codecs"`
}

// FindCodec returns the first codec whose MIME type matches, ignoring case.
func (caps RTPCapabilities) FindCodec(mimeType string) (RTPCodec, bool) {
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			return c, true
		}
	}
	return RTPCodec{}, false
}

// TransportParams carries the server-assigned parameters needed to
// instantiate a transport.
type TransportParams struct {
	ID             string              `json:"id"`
	ICEParameters  ICEParameters       `json:"iceParameters"`
	ICECandidates  ICECandidates       `json:"iceCandidates"`
	DTLSParameters DTLSParameters      `json:"dtlsParameters"`
	SCTPParameters SCTPParameters      `json:"sctpParameters,omitempty"`
	TURNServers    []webrtc.ICEServer  `json:"turnServers,omitempty"`
}

// RTPEncoding is one simulcast tier.
type RTPEncoding struct {
	MaxBitrate            uint32  `json:"maxBitrate,omitempty"`
	ScaleResolutionDownBy float64 `json:"scaleResolutionDownBy,omitempty"`
}

// CodecOptions tunes the produced stream.
type CodecOptions struct {
	OpusStereo bool `json:"opusStereo,omitempty"`
	OpusDTX    bool `json:"opusDtx,omitempty"`
}

// ProduceOptions configures a local publish.
type ProduceOptions struct {
	Track        Track
	Encodings    []RTPEncoding
	Codec        *RTPCodec
	CodecOptions CodecOptions
}

// ConsumeOptions configures a remote subscription. ID is synthesized by the
// caller and must be unique per producer and peer.
type ConsumeOptions struct {
	ID            string
	ProducerID    string
	Kind          Kind
	RTPParameters RTPParameters
}

// DataProduceOptions configures a local data channel publish.
type DataProduceOptions struct {
	Ordered  bool
	Label    string
	Protocol string
	AppData  map[string]any
}

// DataProduceParams is what the engine reports back for server registration.
type DataProduceParams struct {
	SCTPStreamParameters SCTPStreamParameters
	Label                string
	Protocol             string
	AppData              map[string]any
}

// DataConsumeOptions configures a data channel subscription.
type DataConsumeOptions struct {
	ID                   string
	DataProducerID       string
	SCTPStreamParameters SCTPStreamParameters
	Label                string
	Protocol             string
	AppData              map[string]any
}
