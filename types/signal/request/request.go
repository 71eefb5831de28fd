// Package request contains client-to-server signaling message types.
package request

import (
	"encoding/json"

	"meet/engine"
)

// Constants for request types. Requests marked notify carry no request id and
// expect no response.
const (
	JoinRoom           = "joinRoom"
	CreateTransport    = "createTransport"
	ConnectTransport   = "connectTransport"
	Produce            = "produce"
	ProduceData        = "produceData"
	Consume            = "consume"
	ConsumeData        = "consumeData"
	ConsumePeersInRoom = "consumePeersInRoom" // notify
	LeaveRoom          = "leaveRoom"          // notify
	InviteToRoom       = "inviteToRoom"       // notify
	ResumeDataConsumer = "resumeDataConsumer" // notify
)

// Common is the envelope every request is wrapped in. RequestID correlates
// the server's response; zero marks a fire-and-forget notification.
type Common struct {
	RequestID int64           `json:"request_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Join asks to enter a room. The response carries router capabilities.
type Join struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

// Transport asks the server to allocate a transport.
type Transport struct {
	Direction        engine.Direction        `json:"direction"`
	Kind             engine.Kind             `json:"kind"`
	PeerID           string                  `json:"peerId"`
	SCTPCapabilities engine.SCTPCapabilities `json:"sctpCapabilities,omitempty"`
}

// Connect finishes DTLS setup for a transport. The ack is a boolean.
type Connect struct {
	TransportID    string                `json:"transportId"`
	DTLSParameters engine.DTLSParameters `json:"dtlsParameters"`
	Kind           engine.Kind           `json:"kind,omitempty"`
	PeerID         string                `json:"peerId,omitempty"`
}

// Publish registers a producer. The ack carries the producer id.
type Publish struct {
	TransportID   string               `json:"transportId"`
	Kind          engine.Kind          `json:"kind"`
	RTPParameters engine.RTPParameters `json:"rtpParameters"`
}

// PublishData registers a data producer.
type PublishData struct {
	TransportID          string                      `json:"transportId"`
	SCTPStreamParameters engine.SCTPStreamParameters `json:"sctpStreamParameters"`
	Label                string                      `json:"label"`
	Protocol             string                      `json:"protocol"`
	AppData              map[string]any              `json:"appData,omitempty"`
	PeerID               string                      `json:"peerId"`
}

// Subscribe asks to consume a remote producer. The response carries the
// final RTP parameters once the server side consumer is ready.
type Subscribe struct {
	ProducerID      string                 `json:"producerId"`
	TransportID     string                 `json:"transportId"`
	RTPCapabilities engine.RTPCapabilities `json:"rtpCapabilities"`
	Kind            engine.Kind            `json:"kind"`
}

// SubscribeData asks to consume a remote data producer.
type SubscribeData struct {
	TransportID      string                  `json:"transportId"`
	ProducerID       string                  `json:"producerId"`
	SCTPCapabilities engine.SCTPCapabilities `json:"sctpCapabilities"`
	PeerID           string                  `json:"peerId"`
}

// ConsumePeers asks the server to push the room's existing producers.
type ConsumePeers struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

// Leave notifies the server the peer is leaving. No ack is expected.
type Leave struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

// Invite asks the server to forward a room invitation.
type Invite struct {
	RoomID         string            `json:"roomId"`
	InviterID      string            `json:"inviterId"`
	InviteeIDs     []string          `json:"inviteeIds"`
	InviterProfile map[string]string `json:"inviterProfile,omitempty"`
}

// ResumeData tells the server a data consumer is ready to receive.
type ResumeData struct {
	DataConsumerID string `json:"dataConsumerId"`
	PeerID         string `json:"peerId"`
}
