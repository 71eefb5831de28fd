// Package datachannel publishes and subscribes SCTP data channels alongside
// the media pipelines.
package datachannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"meet/engine"
	"meet/signaling"
	"meet/transport"
	"meet/types/signal/event"
	"meet/types/signal/request"
	"meet/types/signal/response"
)

// openFallback bounds the wait for the data channel open callback. Some
// stacks establish the channel without ever firing it, so after the timeout
// the ready state is checked directly.
const openFallback = 3 * time.Second

// ErrChannelNotOpen is returned when a send is attempted before the local
// data channel finished opening.
var ErrChannelNotOpen = errors.New("data channel not open")

// Manager owns one outbound data channel and one inbound channel per remote
// peer.
type Manager struct {
	localID    string
	channel    *signaling.Channel
	transports *transport.Orchestrator

	mu        sync.Mutex
	producer  engine.DataProducer
	open      bool
	consumers map[string]remote // keyed by remote data producer id
	onMessage func(peerID string, payload []byte)
}

// remote pairs a data consumer with the peer that owns it.
type remote struct {
	consumer engine.DataConsumer
	peerID   string
}

// New creates a Manager.
func New(localID string, channel *signaling.Channel, transports *transport.Orchestrator) *Manager {
	return &Manager{
		localID:    localID,
		channel:    channel,
		transports: transports,
		consumers:  make(map[string]remote),
	}
}

// OnMessage binds the handler for messages arriving from any remote peer.
func (m *Manager) OnMessage(f func(peerID string, payload []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = f
}

// ProduceData opens the outbound channel and registers it with the server.
// It returns once the channel is open, or after the fallback window if the
// open callback never fires but the channel reports itself open.
func (m *Manager) ProduceData(ctx context.Context, label string) error {
	trans, err := m.transports.Create(ctx, engine.Send, engine.Data, m.localID)
	if err != nil {
		return err
	}
	trans.OnProduceData(func(params engine.DataProduceParams) (string, error) {
		return m.register(ctx, trans.ID(), params)
	})

	producer, err := trans.ProduceData(engine.DataProduceOptions{
		Ordered: true,
		Label:   label,
	})
	if err != nil {
		return fmt.Errorf("failed to produce data channel: %w", err)
	}

	opened := make(chan struct{})
	var once sync.Once
	producer.OnOpen(func() {
		once.Do(func() { close(opened) })
	})
	producer.OnClose(func() {
		m.mu.Lock()
		m.open = false
		m.mu.Unlock()
		log.Warn().Str("label", label).Msg("outbound data channel closed")
	})

	select {
	case <-opened:
	case <-time.After(openFallback):
		if producer.ReadyState() != webrtc.DataChannelStateOpen {
			_ = producer.Close()
			return fmt.Errorf("data channel %s: %w", label, ErrChannelNotOpen)
		}
		log.Debug().Str("label", label).Msg("data channel open callback missed, state is open")
	case <-ctx.Done():
		_ = producer.Close()
		return ctx.Err()
	}

	m.mu.Lock()
	m.producer = producer
	m.open = true
	m.mu.Unlock()
	log.Info().Str("label", label).Str("dataProducerID", producer.ID()).Msg("data channel open")
	return nil
}

func (m *Manager) register(ctx context.Context, transportID string, params engine.DataProduceParams) (string, error) {
	raw, err := m.channel.Request(ctx, request.ProduceData, request.PublishData{
		TransportID:          transportID,
		SCTPStreamParameters: params.SCTPStreamParameters,
		Label:                params.Label,
		Protocol:             params.Protocol,
		AppData:              params.AppData,
		PeerID:               m.localID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to register data producer: %w", err)
	}
	var res response.Produced
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("failed to decode produce data ack: %w", err)
	}
	return res.ID, nil
}

// Send writes one message to the outbound channel.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	producer, open := m.producer, m.open
	m.mu.Unlock()
	if producer == nil || !open {
		return ErrChannelNotOpen
	}
	return producer.Send(payload)
}

// ConsumeData subscribes to one remote data producer and tells the server to
// start delivery.
func (m *Manager) ConsumeData(ctx context.Context, producerID, producerPeerID string) error {
	trans, err := m.transports.Create(ctx, engine.Recv, engine.Data, producerPeerID)
	if err != nil {
		return err
	}

	raw, err := m.channel.Request(ctx, request.ConsumeData, request.SubscribeData{
		TransportID: trans.ID(),
		ProducerID:  producerID,
		PeerID:      m.localID,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to data producer %s: %w", producerID, err)
	}
	var ready response.ReadyToConsumeData
	if err := json.Unmarshal(raw, &ready); err != nil {
		return fmt.Errorf("failed to decode consume data ack: %w", err)
	}

	consumerID := fmt.Sprintf("%s-%s-%s", producerPeerID, producerID, shortuuid.New())
	consumer, err := trans.ConsumeData(engine.DataConsumeOptions{
		ID:                   consumerID,
		DataProducerID:       producerID,
		SCTPStreamParameters: ready.SCTPStreamParameters,
		Label:                ready.Label,
		Protocol:             ready.Protocol,
		AppData:              ready.AppData,
	})
	if err != nil {
		return fmt.Errorf("failed to consume data producer %s: %w", producerID, err)
	}

	consumer.OnMessage(func(payload []byte) {
		m.mu.Lock()
		handler := m.onMessage
		m.mu.Unlock()
		if handler != nil {
			handler(producerPeerID, payload)
		}
	})

	m.mu.Lock()
	m.consumers[producerID] = remote{consumer: consumer, peerID: producerPeerID}
	m.mu.Unlock()

	if err := m.channel.Notify(request.ResumeDataConsumer, request.ResumeData{
		DataConsumerID: consumerID,
		PeerID:         m.localID,
	}); err != nil {
		log.Error().Err(err).Str("dataConsumerID", consumerID).Msg("failed to resume data consumer")
	}
	log.Info().Str("dataConsumerID", consumerID).Str("peerID", producerPeerID).Msg("consuming data producer")
	return nil
}

// ConsumeBatch consumes a pushed data producer list with per-producer
// isolation.
func (m *Manager) ConsumeBatch(ctx context.Context, producers []event.NewDataConsumer) {
	var wg sync.WaitGroup
	for _, p := range producers {
		wg.Add(1)
		go func(p event.NewDataConsumer) {
			defer wg.Done()
			if err := m.ConsumeData(ctx, p.ProducerID, p.ProducerPeerID); err != nil {
				log.Error().Err(err).Str("dataProducerID", p.ProducerID).
					Str("peerID", p.ProducerPeerID).Msg("failed to consume data producer")
			}
		}(p)
	}
	wg.Wait()
}

// HandleDataProducerClosed tears down the consumer of a closed remote data
// producer.
func (m *Manager) HandleDataProducerClosed(ev event.DataProducerClosed) {
	m.mu.Lock()
	rc, ok := m.consumers[ev.DataProducerID]
	if ok {
		delete(m.consumers, ev.DataProducerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := rc.consumer.Close(); err != nil {
		log.Error().Err(err).Str("dataConsumerID", rc.consumer.ID()).Msg("failed to close data consumer")
	}
}

// DropPeer closes every data consumer belonging to one remote peer.
func (m *Manager) DropPeer(peerID string) {
	m.mu.Lock()
	var dropped []engine.DataConsumer
	for producerID, rc := range m.consumers {
		if rc.peerID == peerID {
			dropped = append(dropped, rc.consumer)
			delete(m.consumers, producerID)
		}
	}
	m.mu.Unlock()
	for _, consumer := range dropped {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Str("dataConsumerID", consumer.ID()).Msg("failed to close data consumer")
		}
	}
}

// Close tears down the outbound channel and every consumer.
func (m *Manager) Close() {
	m.mu.Lock()
	producer := m.producer
	m.producer = nil
	m.open = false
	consumers := m.consumers
	m.consumers = make(map[string]remote)
	m.mu.Unlock()

	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close data producer")
		}
	}
	for _, rc := range consumers {
		if err := rc.consumer.Close(); err != nil {
			log.Error().Err(err).Str("dataConsumerID", rc.consumer.ID()).Msg("failed to close data consumer")
		}
	}
}
