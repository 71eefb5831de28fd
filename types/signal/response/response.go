// Package response contains server-to-client signaling response types.
package response

import (
	"encoding/json"

	"meet/engine"
)

// Common is the envelope of every inbound message. A non-zero RequestID
// correlates the message to a pending request; zero marks a server-pushed
// event. Error, when set, fails the correlated request.
type Common struct {
	RequestID int64           `json:"request_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error,omitempty"`
}

// Joined carries the router capabilities returned on room entry.
type Joined struct {
	RouterRTPCapabilities  engine.RTPCapabilities  `json:"routerRtpCapabilities"`
	RouterSCTPCapabilities engine.SCTPCapabilities `json:"routerSctpCapabilities,omitempty"`
}

// TransportCreated carries the parameters for a server-allocated transport.
type TransportCreated = engine.TransportParams

// Connected is the ack for a connectTransport request.
type Connected struct {
	Success bool `json:"success"`
}

// Produced carries the server-assigned producer id.
type Produced struct {
	ID string `json:"id"`
}

// ReadyToConsume carries the final RTP parameters for a subscription.
type ReadyToConsume struct {
	RTPParameters engine.RTPParameters `json:"rtpParameters"`
}

// ReadyToConsumeData carries the parameters for a data subscription.
type ReadyToConsumeData struct {
	ProducerID           string                      `json:"producerId"`
	ProducerPeerID       string                      `json:"producerPeerId"`
	SCTPStreamParameters engine.SCTPStreamParameters `json:"sctpStreamParameters"`
	Label                string                      `json:"label"`
	Protocol             string                      `json:"protocol"`
	AppData              map[string]any              `json:"appData,omitempty"`
}
