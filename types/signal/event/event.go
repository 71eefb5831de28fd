// Package event contains server-pushed signaling event types.
package event

import "meet/engine"

// Constants for event types.
const (
	NewConsumerType      = "newConsumer"
	NewConsumersType     = "newConsumers"
	ProducerClosedType   = "producerClosed"
	PeerDisconnectedType = "peerDisconnected"
	InvitedToRoomType    = "invitedToRoom"
	NewDataConsumerType  = "newDataConsumer"
	NewDataConsumersType = "newDataConsumers"
	DataProducerClosedType = "dataProducerClosed"
)

// NewConsumer announces one remote producer to subscribe to.
type NewConsumer struct {
	ProducerID    string               `json:"producerId"`
	Kind          engine.Kind          `json:"kind"`
	RTPParameters engine.RTPParameters `json:"rtpParameters,omitempty"`
	PeerID        string               `json:"peerId"`
}

// NewConsumers announces the room's existing producers in one batch.
type NewConsumers struct {
	Producers []NewConsumer `json:"producers"`
}

// ProducerClosed announces that a remote producer stopped. TrackID narrows
// the removal to one track; without it the whole peer is dropped.
type ProducerClosed struct {
	PeerID  string      `json:"peerId"`
	Kind    engine.Kind `json:"kind,omitempty"`
	TrackID string      `json:"trackId,omitempty"`
}

// PeerDisconnected announces a remote peer left the room.
type PeerDisconnected struct {
	PeerID string `json:"peerId"`
}

// InvitedToRoom delivers a room invitation.
type InvitedToRoom struct {
	RoomID         string            `json:"roomId"`
	PeerID         string            `json:"peerId"`
	InviterID      string            `json:"inviterId"`
	InviterProfile map[string]string `json:"inviterProfile,omitempty"`
}

// NewDataConsumer announces one remote data producer.
type NewDataConsumer struct {
	ProducerID     string `json:"producerId"`
	ProducerPeerID string `json:"producerPeerId"`
}

// NewDataConsumers announces existing data producers in one batch.
type NewDataConsumers struct {
	Producers []NewDataConsumer `json:"producers"`
}

// DataProducerClosed announces that a remote data producer stopped.
type DataProducerClosed struct {
	PeerID         string `json:"peerId"`
	DataProducerID string `json:"dataProducerId"`
}

// Disconnected is published locally when the signaling socket drops.
type Disconnected struct {
	Reason string `json:"reason"`
}
