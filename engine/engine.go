// Package engine defines the media engine facade. The engine owns capture,
// encode/decode and ICE/DTLS internals; the rest of the client only talks to
// it through these interfaces.
package engine

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// Direction of a transport.
type Direction string

// Transport directions.
const (
	Send Direction = "send"
	Recv Direction = "recv"
)

// Kind of media carried by a transport, producer or consumer.
type Kind string

// Media kinds.
const (
	Audio Kind = "audio"
	Video Kind = "video"
	Data  Kind = "data"
)

// Errors returned by engine implementations.
var (
	// ErrTrackEnded is returned when an operation is attempted on a track
	// whose capture has already stopped.
	ErrTrackEnded = errors.New("track ended")

	// ErrStateAccess is returned when the engine rejects a consume because
	// of a stream state conflict, typically an SSRC collision on audio.
	ErrStateAccess = errors.New("stream state access conflict")

	// ErrDeviceNotLoaded is returned when transport creation is attempted
	// before router capabilities have been loaded.
	ErrDeviceNotLoaded = errors.New("device not loaded")
)

// Engine negotiates device capabilities against a router.
//
//go:generate mockgen -destination=mock_engine.go -package=engine . Engine
type Engine interface {
	// LoadDevice loads the router RTP capabilities and returns a Device.
	// Must be called exactly once per session before any transport is
	// created.
	LoadDevice(routerCaps RTPCapabilities) (Device, error)
}

// Device is a loaded media device. Its capabilities are immutable.
type Device interface {
	RTPCapabilities() RTPCapabilities
	SCTPCapabilities() SCTPCapabilities
	CreateSendTransport(params TransportParams) (Transport, error)
	CreateRecvTransport(params TransportParams) (Transport, error)
}

// Transport is an established network path over which media or data flows.
// Handlers must be bound before the first Produce/Consume call; the engine
// invokes OnConnect once, when the first operation requires DTLS setup.
type Transport interface {
	ID() string

	// OnConnect binds the handler the engine calls when the transport
	// needs the server side connected. The handler performs the
	// connectTransport signaling round trip; a non-nil error leaves the
	// transport unusable.
	OnConnect(func(dtlsParameters DTLSParameters) error)

	// OnProduce binds the handler the engine calls to register a producer
	// with the server. It returns the server-assigned producer id.
	OnProduce(func(kind Kind, rtpParameters RTPParameters) (string, error))

	// OnProduceData binds the handler for data producer registration.
	OnProduceData(func(params DataProduceParams) (string, error))

	// OnConnectionStateChange reports transport connection state moves.
	OnConnectionStateChange(func(state webrtc.PeerConnectionState))

	Produce(opts ProduceOptions) (Producer, error)
	Consume(opts ConsumeOptions) (Consumer, error)
	ProduceData(opts DataProduceOptions) (DataProducer, error)
	ConsumeData(opts DataConsumeOptions) (DataConsumer, error)

	Close() error
}

// Producer is a locally published track bound to a send transport. The
// producer borrows the track; closing the producer does not stop capture.
type Producer interface {
	ID() string
	Kind() Kind
	Track() Track
	Close() error
}

// Consumer is a local subscription to one remote producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	Track() Track
	Close() error
}

// DataProducer is a locally opened data channel publisher.
type DataProducer interface {
	ID() string
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(func())
	OnClose(func())
	Send(payload []byte) error
	Close() error
}

// DataConsumer is a subscription to one remote data producer.
type DataConsumer interface {
	ID() string
	DataProducerID() string
	Label() string
	AppData() map[string]any
	OnMessage(func(payload []byte))
	Close() error
}

// Track is a single media track, local or remote.
type Track interface {
	ID() string
	Kind() Kind
	// Live reports whether the track still delivers frames. A produce on
	// an ended track fails with ErrTrackEnded.
	Live() bool
	Stop()
}

// Stream is a bundle of local capture tracks handed to JoinRoom.
type Stream interface {
	Tracks() []Track
}

// TrackByKind returns the first track of the given kind, or nil.
func TrackByKind(s Stream, kind Kind) Track {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}
