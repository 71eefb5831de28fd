// Package consume subscribes to remote producers and feeds their tracks into
// the peer registry.
package consume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"

	"meet/engine"
	"meet/metric"
	"meet/peer"
	"meet/signaling"
	"meet/transport"
	"meet/types/signal/event"
	"meet/types/signal/request"
	"meet/types/signal/response"
)

// DefaultRetryDelay is how long a conflicting audio consume waits before its
// single retry on a fresh transport.
const DefaultRetryDelay = time.Second

// Manager subscribes to remote producers. Each remote peer gets its own
// receive transports, one per kind.
type Manager struct {
	localID    string
	channel    *signaling.Channel
	device     engine.Device
	transports *transport.Orchestrator
	registry   *peer.Registry
	metrics    *metric.Metrics
	retryDelay time.Duration

	mu        sync.Mutex
	consumers map[string]remote // keyed by producer id
}

// remote pairs a consumer with the peer that owns it.
type remote struct {
	consumer engine.Consumer
	peerID   string
}

// New creates a Manager. A zero retryDelay falls back to DefaultRetryDelay.
func New(localID string, channel *signaling.Channel, device engine.Device, transports *transport.Orchestrator, registry *peer.Registry, metrics *metric.Metrics, retryDelay time.Duration) *Manager {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Manager{
		localID:    localID,
		channel:    channel,
		device:     device,
		transports: transports,
		registry:   registry,
		metrics:    metrics,
		retryDelay: retryDelay,
		consumers:  make(map[string]remote),
	}
}

// Consume subscribes to one remote producer and registers its track. An
// audio consume rejected for a stream conflict drops the transport, waits,
// and retries exactly once with a fresh consumer id on a fresh transport.
func (m *Manager) Consume(ctx context.Context, producerID string, kind engine.Kind, peerID string) error {
	err := m.consumeOnce(ctx, producerID, kind, peerID)
	if err == nil {
		return nil
	}
	if kind != engine.Audio || !errors.Is(err, engine.ErrStateAccess) {
		return err
	}

	log.Warn().Str("producerID", producerID).Str("peerID", peerID).
		Dur("delay", m.retryDelay).Msg("audio stream conflict, retrying on a fresh transport")
	m.transports.Drop(engine.Recv, kind, peerID)
	if m.metrics != nil {
		m.metrics.IncrementConsumeRetries()
	}

	select {
	case <-time.After(m.retryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.consumeOnce(ctx, producerID, kind, peerID)
}

func (m *Manager) consumeOnce(ctx context.Context, producerID string, kind engine.Kind, peerID string) error {
	trans, err := m.transports.Create(ctx, engine.Recv, kind, peerID)
	if err != nil {
		return err
	}

	// Fresh per attempt, so a retried consume never reuses server state
	// left over from the rejected one.
	consumerID := fmt.Sprintf("%s-%s-%s", peerID, producerID, shortuuid.New())

	raw, err := m.channel.Request(ctx, request.Consume, request.Subscribe{
		ProducerID:      producerID,
		TransportID:     trans.ID(),
		RTPCapabilities: m.device.RTPCapabilities(),
		Kind:            kind,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to producer %s: %w", producerID, err)
	}
	var ready response.ReadyToConsume
	if err := json.Unmarshal(raw, &ready); err != nil {
		return fmt.Errorf("failed to decode consume ack: %w", err)
	}

	consumer, err := trans.Consume(engine.ConsumeOptions{
		ID:            consumerID,
		ProducerID:    producerID,
		Kind:          kind,
		RTPParameters: ready.RTPParameters,
	})
	if err != nil {
		return err
	}

	if err := m.registry.AddTrack(peerID, consumer.Track()); err != nil {
		_ = consumer.Close()
		return fmt.Errorf("failed to register consumed track: %w", err)
	}

	m.mu.Lock()
	m.consumers[producerID] = remote{consumer: consumer, peerID: peerID}
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.IncrementLiveConsumers()
	}
	log.Info().Str("consumerID", consumer.ID()).Str("producerID", producerID).
		Str("peerID", peerID).Str("kind", string(kind)).Msg("consuming remote producer")
	return nil
}

// ConsumeBatch consumes a pushed producer list. Failures are isolated per
// producer; one bad subscription never blocks the rest of the room.
func (m *Manager) ConsumeBatch(ctx context.Context, producers []event.NewConsumer) {
	var wg sync.WaitGroup
	for _, p := range producers {
		wg.Add(1)
		go func(p event.NewConsumer) {
			defer wg.Done()
			if err := m.Consume(ctx, p.ProducerID, p.Kind, p.PeerID); err != nil {
				log.Error().Err(err).Str("producerID", p.ProducerID).
					Str("peerID", p.PeerID).Msg("failed to consume producer")
			}
		}(p)
	}
	wg.Wait()
}

// HandleProducerClosed tears down the consumer of a closed remote producer
// and removes its track from the registry. Some servers announce the close
// with only a peer id; that shape drops the whole peer.
func (m *Manager) HandleProducerClosed(ev event.ProducerClosed) {
	if ev.TrackID == "" {
		m.DropPeer(ev.PeerID)
		m.registry.RemovePeer(ev.PeerID)
		return
	}
	m.registry.RemoveTrack(ev.TrackID)

	m.mu.Lock()
	var closed engine.Consumer
	for producerID, rc := range m.consumers {
		if rc.consumer.Track().ID() == ev.TrackID {
			closed = rc.consumer
			delete(m.consumers, producerID)
			break
		}
	}
	m.mu.Unlock()
	if closed == nil {
		return
	}
	if err := closed.Close(); err != nil {
		log.Error().Err(err).Str("consumerID", closed.ID()).Msg("failed to close consumer")
	}
	if m.metrics != nil {
		m.metrics.DecrementLiveConsumers()
	}
}

// DropPeer closes every consumer belonging to one remote peer. The registry
// is updated by the caller.
func (m *Manager) DropPeer(peerID string) {
	m.mu.Lock()
	var dropped []engine.Consumer
	for producerID, rc := range m.consumers {
		if rc.peerID == peerID {
			dropped = append(dropped, rc.consumer)
			delete(m.consumers, producerID)
		}
	}
	m.mu.Unlock()
	for _, consumer := range dropped {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Str("consumerID", consumer.ID()).Msg("failed to close consumer")
		}
		if m.metrics != nil {
			m.metrics.DecrementLiveConsumers()
		}
	}
}

// Close tears down every consumer.
func (m *Manager) Close() {
	m.mu.Lock()
	consumers := m.consumers
	m.consumers = make(map[string]remote)
	m.mu.Unlock()
	for _, rc := range consumers {
		if err := rc.consumer.Close(); err != nil {
			log.Error().Err(err).Str("consumerID", rc.consumer.ID()).Msg("failed to close consumer")
		}
		if m.metrics != nil {
			m.metrics.DecrementLiveConsumers()
		}
	}
}
