// Package produce publishes local capture tracks and reports room readiness.
package produce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"meet/engine"
	"meet/signaling"
	"meet/transport"
	"meet/types/signal/request"
	"meet/types/signal/response"
)

// Video simulcast tiers, highest bitrate last.
var videoEncodings = []engine.RTPEncoding{
	{MaxBitrate: 300000, ScaleResolutionDownBy: 4},
	{MaxBitrate: 900000, ScaleResolutionDownBy: 2},
	{MaxBitrate: 1500000, ScaleResolutionDownBy: 1},
}

// fallbackEncodings is the single tier used when the preferred codec publish
// fails and the publish is retried with engine defaults.
var fallbackEncodings = []engine.RTPEncoding{{MaxBitrate: 1000000}}

// Manager publishes one producer per media kind. Once every expected kind has
// settled it announces readiness to the server exactly once, which triggers
// the push of the room's existing producers.
type Manager struct {
	localID        string
	roomID         string
	channel        *signaling.Channel
	device         engine.Device
	transports     *transport.Orchestrator
	preferredCodec string

	mu        sync.Mutex
	expected  map[engine.Kind]struct{}
	done      map[engine.Kind]struct{}
	announced bool
	producers map[engine.Kind]engine.Producer
}

// New creates a Manager. expected lists the kinds Publish will be called for;
// readiness is announced once all of them have settled, or immediately via
// AnnounceIfReady when the list is empty.
func New(localID, roomID string, channel *signaling.Channel, device engine.Device, transports *transport.Orchestrator, preferredCodec string, expected []engine.Kind) *Manager {
	exp := make(map[engine.Kind]struct{}, len(expected))
	for _, k := range expected {
		exp[k] = struct{}{}
	}
	return &Manager{
		localID:        localID,
		roomID:         roomID,
		channel:        channel,
		device:         device,
		transports:     transports,
		preferredCodec: preferredCodec,
		expected:       exp,
		done:           make(map[engine.Kind]struct{}),
		producers:      make(map[engine.Kind]engine.Producer),
	}
}

// Publish produces the stream's track of the given kind. A stream without a
// track of that kind settles the kind without producing. An ended track is a
// hard failure. A failed publish with the preferred codec is retried once
// with engine defaults while the track is still live. Every outcome settles
// the kind: readiness tracks settled kinds, so one bad pipeline cannot
// withhold the room's producers from the rest.
func (m *Manager) Publish(ctx context.Context, stream engine.Stream, kind engine.Kind) error {
	defer m.resolve(kind)

	track := engine.TrackByKind(stream, kind)
	if track == nil {
		log.Warn().Str("kind", string(kind)).Msg("no local track to publish")
		return nil
	}
	if !track.Live() {
		return fmt.Errorf("publish %s: %w", kind, engine.ErrTrackEnded)
	}

	// At most one live producer per kind; republishing closes the prior one.
	m.mu.Lock()
	prior, republish := m.producers[kind]
	delete(m.producers, kind)
	m.mu.Unlock()
	if republish {
		if err := prior.Close(); err != nil {
			log.Error().Err(err).Str("kind", string(kind)).Msg("failed to close prior producer")
		}
	}

	trans, err := m.transports.Create(ctx, engine.Send, kind, m.localID)
	if err != nil {
		return err
	}
	trans.OnProduce(func(produceKind engine.Kind, rtpParameters engine.RTPParameters) (string, error) {
		return m.register(ctx, trans.ID(), produceKind, rtpParameters)
	})

	producer, err := trans.Produce(m.produceOptions(track, kind))
	if err != nil {
		if errors.Is(err, engine.ErrTrackEnded) || !track.Live() {
			return fmt.Errorf("publish %s: %w", kind, engine.ErrTrackEnded)
		}
		log.Warn().Err(err).Str("kind", string(kind)).Msg("publish failed, retrying with default codec")
		producer, err = trans.Produce(engine.ProduceOptions{Track: track, Encodings: fallbackEncodings})
		if err != nil {
			return fmt.Errorf("failed to publish %s: %w", kind, err)
		}
	}

	m.mu.Lock()
	m.producers[kind] = producer
	m.mu.Unlock()
	log.Info().Str("kind", string(kind)).Str("producerID", producer.ID()).Msg("track published")
	return nil
}

// register performs the produce round trip and returns the server id.
func (m *Manager) register(ctx context.Context, transportID string, kind engine.Kind, rtpParameters engine.RTPParameters) (string, error) {
	raw, err := m.channel.Request(ctx, request.Produce, request.Publish{
		TransportID:   transportID,
		Kind:          kind,
		RTPParameters: rtpParameters,
	})
	if err != nil {
		return "", fmt.Errorf("failed to register %s producer: %w", kind, err)
	}
	var res response.Produced
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("failed to decode produce ack: %w", err)
	}
	return res.ID, nil
}

func (m *Manager) produceOptions(track engine.Track, kind engine.Kind) engine.ProduceOptions {
	opts := engine.ProduceOptions{Track: track}
	if kind == engine.Audio {
		opts.CodecOptions = engine.CodecOptions{OpusStereo: true, OpusDTX: true}
		return opts
	}

	opts.Encodings = videoEncodings
	if codec, ok := m.device.RTPCapabilities().FindCodec("video/" + m.preferredCodec); ok {
		minimal := codec.Minimal()
		opts.Codec = &minimal
	} else {
		log.Warn().Str("codec", m.preferredCodec).Msg("preferred codec not negotiated, using engine default")
	}
	return opts
}

// resolve marks one expected kind settled and announces readiness when the
// last one lands.
func (m *Manager) resolve(kind engine.Kind) {
	m.mu.Lock()
	m.done[kind] = struct{}{}
	announce := m.readyLocked()
	m.mu.Unlock()
	if announce {
		m.announce()
	}
}

// AnnounceIfReady announces readiness when nothing is expected. Sessions with
// no local tracks call this instead of Publish.
func (m *Manager) AnnounceIfReady() {
	m.mu.Lock()
	announce := m.readyLocked()
	m.mu.Unlock()
	if announce {
		m.announce()
	}
}

// readyLocked flips announced when every expected kind is done. It returns
// true at most once per Manager.
func (m *Manager) readyLocked() bool {
	if m.announced {
		return false
	}
	for k := range m.expected {
		if _, ok := m.done[k]; !ok {
			return false
		}
	}
	m.announced = true
	return true
}

func (m *Manager) announce() {
	if err := m.channel.Notify(request.ConsumePeersInRoom, request.ConsumePeers{
		RoomID: m.roomID,
		PeerID: m.localID,
	}); err != nil {
		log.Error().Err(err).Msg("failed to announce readiness")
		return
	}
	log.Info().Str("roomID", m.roomID).Msg("ready to consume peers")
}

// StopKind closes the producer of one kind. Capture keeps running, so the
// kind can be republished later.
func (m *Manager) StopKind(kind engine.Kind) error {
	m.mu.Lock()
	producer, ok := m.producers[kind]
	if ok {
		delete(m.producers, kind)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := producer.Close(); err != nil {
		return fmt.Errorf("failed to stop %s producer: %w", kind, err)
	}
	return nil
}

// Producer returns the live producer for a kind, or nil.
func (m *Manager) Producer(kind engine.Kind) engine.Producer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.producers[kind]
}

// Close closes every producer.
func (m *Manager) Close() {
	m.mu.Lock()
	producers := m.producers
	m.producers = make(map[engine.Kind]engine.Producer)
	m.mu.Unlock()
	for kind, producer := range producers {
		if err := producer.Close(); err != nil {
			log.Error().Err(err).Str("kind", string(kind)).Msg("failed to close producer")
		}
	}
}
