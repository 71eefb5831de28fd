// Package transport allocates and tracks signaling-backed transports. Slots
// are keyed by direction, kind and peer; concurrent requests for the same
// slot collapse into one server allocation.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"meet/engine"
	"meet/metric"
	"meet/signaling"
	"meet/store"
	"meet/types/signal/request"
	"meet/types/signal/response"
)

// ErrConnectRejected is returned when the server declines to connect a
// transport. The transport is unusable afterwards.
var ErrConnectRejected = errors.New("transport connect rejected")

type slotKey struct {
	direction engine.Direction
	kind      engine.Kind
	peerID    string
}

// slot is one allocation in flight or completed. ready closes once transport
// and err are final.
type slot struct {
	ready     chan struct{}
	transport engine.Transport
	err       error
}

// Orchestrator owns every transport of one session.
type Orchestrator struct {
	localID string
	channel *signaling.Channel
	device  engine.Device
	store   store.Store
	metrics *metric.Metrics

	mu         sync.Mutex
	slots      map[slotKey]*slot
	onPeerDown func(peerID string)
}

// New creates an Orchestrator for a loaded device.
func New(localID string, channel *signaling.Channel, device engine.Device, st store.Store, metrics *metric.Metrics) *Orchestrator {
	return &Orchestrator{
		localID: localID,
		channel: channel,
		device:  device,
		store:   st,
		metrics: metrics,
		slots:   make(map[slotKey]*slot),
	}
}

// OnPeerDown binds the handler called when a receive transport's connection
// is lost. The handler receives the remote peer the slot belonged to.
func (o *Orchestrator) OnPeerDown(f func(peerID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onPeerDown = f
}

// Create returns the slot's transport, allocating it on first use. Callers
// racing on the same slot share one allocation; a failed allocation clears
// the slot so the next call retries.
func (o *Orchestrator) Create(ctx context.Context, direction engine.Direction, kind engine.Kind, peerID string) (engine.Transport, error) {
	key := slotKey{direction: direction, kind: kind, peerID: peerID}

	o.mu.Lock()
	if s, ok := o.slots[key]; ok {
		o.mu.Unlock()
		select {
		case <-s.ready:
			return s.transport, s.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s := &slot{ready: make(chan struct{})}
	o.slots[key] = s
	o.mu.Unlock()

	s.transport, s.err = o.allocate(ctx, direction, kind, peerID)
	if s.err != nil {
		o.mu.Lock()
		delete(o.slots, key)
		o.mu.Unlock()
	}
	close(s.ready)
	return s.transport, s.err
}

func (o *Orchestrator) allocate(ctx context.Context, direction engine.Direction, kind engine.Kind, peerID string) (engine.Transport, error) {
	req := request.Transport{Direction: direction, Kind: kind, PeerID: o.localID}
	if kind == engine.Data {
		req.SCTPCapabilities = o.device.SCTPCapabilities()
	}

	raw, err := o.channel.Request(ctx, request.CreateTransport, req)
	if err != nil {
		if o.metrics != nil {
			o.metrics.IncrementSignalingErrors()
		}
		return nil, fmt.Errorf("failed to create %s %s transport: %w", direction, kind, err)
	}
	var params response.TransportCreated
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("failed to decode transport parameters: %w", err)
	}
	if len(params.TURNServers) == 0 {
		log.Warn().Str("transportID", params.ID).
			Msg("no TURN relay assigned; connectivity may fail behind symmetric NAT")
	}

	var trans engine.Transport
	if direction == engine.Send {
		trans, err = o.device.CreateSendTransport(params)
	} else {
		trans, err = o.device.CreateRecvTransport(params)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate %s %s transport: %w", direction, kind, err)
	}

	trans.OnConnect(func(dtlsParameters engine.DTLSParameters) error {
		return o.connect(trans.ID(), kind, dtlsParameters)
	})
	trans.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		o.handleStateChange(direction, kind, peerID, trans.ID(), state)
	})

	if err := o.store.CreateTransportInfo(trans.ID(), direction, kind, peerID); err != nil {
		_ = trans.Close()
		return nil, fmt.Errorf("failed to record transport: %w", err)
	}
	if o.metrics != nil {
		o.metrics.IncrementOpenTransports(string(direction), string(kind))
	}
	log.Info().Str("transportID", trans.ID()).Str("direction", string(direction)).
		Str("kind", string(kind)).Str("peerID", peerID).Msg("transport created")
	return trans, nil
}

// connect performs the server-side DTLS setup round trip. A negative ack
// leaves the transport unusable.
func (o *Orchestrator) connect(transportID string, kind engine.Kind, dtlsParameters engine.DTLSParameters) error {
	raw, err := o.channel.Request(context.Background(), request.ConnectTransport, request.Connect{
		TransportID:    transportID,
		DTLSParameters: dtlsParameters,
		Kind:           kind,
		PeerID:         o.localID,
	})
	if err != nil {
		if o.metrics != nil {
			o.metrics.IncrementSignalingErrors()
		}
		return fmt.Errorf("failed to connect transport %s: %w", transportID, err)
	}
	var ack response.Connected
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("failed to decode connect ack: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("transport %s: %w", transportID, ErrConnectRejected)
	}
	return nil
}

func (o *Orchestrator) handleStateChange(direction engine.Direction, kind engine.Kind, peerID, transportID string, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateClosed,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected:
	default:
		log.Debug().Str("transportID", transportID).Str("state", state.String()).Msg("transport state changed")
		return
	}

	if direction == engine.Send {
		log.Warn().Str("transportID", transportID).Str("kind", string(kind)).
			Str("state", state.String()).Msg("send transport connection lost")
		return
	}

	log.Warn().Str("transportID", transportID).Str("peerID", peerID).
		Str("state", state.String()).Msg("recv transport connection lost")
	o.Drop(direction, kind, peerID)

	o.mu.Lock()
	handler := o.onPeerDown
	o.mu.Unlock()
	if handler != nil {
		handler(peerID)
	}
}

// Drop closes and forgets one slot. Missing slots are a no-op.
func (o *Orchestrator) Drop(direction engine.Direction, kind engine.Kind, peerID string) {
	key := slotKey{direction: direction, kind: kind, peerID: peerID}

	o.mu.Lock()
	s, ok := o.slots[key]
	if ok {
		delete(o.slots, key)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	<-s.ready
	if s.transport == nil {
		return
	}
	o.release(s.transport, direction, kind)
}

// CloseAll tears down every transport of the session.
func (o *Orchestrator) CloseAll() {
	o.mu.Lock()
	slots := o.slots
	o.slots = make(map[slotKey]*slot)
	o.mu.Unlock()

	for key, s := range slots {
		<-s.ready
		if s.transport == nil {
			continue
		}
		o.release(s.transport, key.direction, key.kind)
	}
}

func (o *Orchestrator) release(trans engine.Transport, direction engine.Direction, kind engine.Kind) {
	if err := trans.Close(); err != nil {
		log.Error().Err(err).Str("transportID", trans.ID()).Msg("failed to close transport")
	}
	if err := o.store.DeleteTransportInfo(trans.ID()); err != nil && !errors.Is(err, store.ErrTransportNotFound) {
		log.Error().Err(err).Str("transportID", trans.ID()).Msg("failed to forget transport")
	}
	if o.metrics != nil {
		o.metrics.DecrementOpenTransports(string(direction), string(kind))
	}
}
