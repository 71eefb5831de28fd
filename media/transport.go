package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"meet/engine"
)

// sdpPayload is the description blob exchanged with the signaling server
// during transport setup.
type sdpPayload struct {
	SDP string `json:"sdp"`
}

// rtpParamsPayload is the producer registration blob sent to the server.
type rtpParamsPayload struct {
	Codec        *engine.RTPCodec     `json:"codec,omitempty"`
	CodecOptions engine.CodecOptions  `json:"codecOptions,omitempty"`
	Encodings    []engine.RTPEncoding `json:"encodings,omitempty"`
}

// ssrcPayload is the part of remote RTP parameters the engine inspects.
type ssrcPayload struct {
	Encodings []struct {
		SSRC uint32 `json:"ssrc"`
	} `json:"encodings"`
}

// Transport wraps one peer connection. Connection setup runs at most once,
// triggered by the first produce or consume.
type Transport struct {
	id        string
	direction engine.Direction
	conn      *webrtc.PeerConnection
	remoteSDP string

	connectOnce sync.Once
	connectErr  error

	mu            sync.Mutex
	onConnect     func(engine.DTLSParameters) error
	onProduce     func(engine.Kind, engine.RTPParameters) (string, error)
	onProduceData func(engine.DataProduceParams) (string, error)

	audioSSRCs    map[uint32]struct{}
	pendingTracks map[engine.Kind][]*remoteTrack
	pendingData   map[string]*DataConsumer
}

func newTransport(direction engine.Direction, params engine.TransportParams, conn *webrtc.PeerConnection) *Transport {
	t := &Transport{
		id:            params.ID,
		direction:     direction,
		conn:          conn,
		audioSSRCs:    make(map[uint32]struct{}),
		pendingTracks: make(map[engine.Kind][]*remoteTrack),
		pendingData:   make(map[string]*DataConsumer),
	}

	var remote sdpPayload
	if len(params.DTLSParameters) > 0 {
		if err := json.Unmarshal(params.DTLSParameters, &remote); err != nil {
			log.Warn().Err(err).Str("transportID", t.id).Msg("failed to decode remote description")
		}
	}
	t.remoteSDP = remote.SDP

	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.bindRemoteTrack(track)
	})
	conn.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.bindDataChannel(dc)
	})
	return t
}

// ID returns the server-assigned transport id.
func (t *Transport) ID() string {
	return t.id
}

// OnConnect binds the connect handler.
func (t *Transport) OnConnect(f func(engine.DTLSParameters) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = f
}

// OnProduce binds the producer registration handler.
func (t *Transport) OnProduce(f func(engine.Kind, engine.RTPParameters) (string, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onProduce = f
}

// OnProduceData binds the data producer registration handler.
func (t *Transport) OnProduceData(f func(engine.DataProduceParams) (string, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onProduceData = f
}

// OnConnectionStateChange binds the connection state handler.
func (t *Transport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.conn.OnConnectionStateChange(f)
}

// ensureConnected runs the one-shot connection setup. A failed setup leaves
// the transport permanently unusable.
func (t *Transport) ensureConnected() error {
	t.connectOnce.Do(func() {
		t.connectErr = t.connect()
	})
	return t.connectErr
}

func (t *Transport) connect() error {
	t.mu.Lock()
	handler := t.onConnect
	t.mu.Unlock()
	if handler == nil {
		return errors.New("connect handler not bound")
	}

	if t.direction == engine.Recv && t.remoteSDP != "" {
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: t.remoteSDP}
		if err := t.conn.SetRemoteDescription(offer); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}
		answer, err := t.conn.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := t.setLocalAndGather(answer); err != nil {
			return err
		}
		return t.sendLocalDescription(handler)
	}

	offer, err := t.conn.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.setLocalAndGather(offer); err != nil {
		return err
	}
	if err := t.sendLocalDescription(handler); err != nil {
		return err
	}
	if t.remoteSDP != "" {
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: t.remoteSDP}
		if err := t.conn.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}
	}
	return nil
}

func (t *Transport) setLocalAndGather(desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(t.conn)
	if err := t.conn.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	<-gathered
	return nil
}

func (t *Transport) sendLocalDescription(handler func(engine.DTLSParameters) error) error {
	local := t.conn.LocalDescription()
	if local == nil {
		return errors.New("local description not set")
	}
	blob, err := json.Marshal(sdpPayload{SDP: local.SDP})
	if err != nil {
		return fmt.Errorf("failed to marshal local description: %w", err)
	}
	if err := handler(engine.DTLSParameters(blob)); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	return nil
}

// Produce publishes a local track over this transport.
func (t *Transport) Produce(opts engine.ProduceOptions) (engine.Producer, error) {
	lt, ok := opts.Track.(*LocalTrack)
	if !ok {
		return nil, fmt.Errorf("unsupported track implementation: %T", opts.Track)
	}
	if !lt.Live() {
		return nil, engine.ErrTrackEnded
	}

	sender, err := t.conn.AddTrack(lt.rtp)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}
	go drainRTCP(sender)

	if err := t.ensureConnected(); err != nil {
		_ = t.conn.RemoveTrack(sender)
		return nil, err
	}

	t.mu.Lock()
	register := t.onProduce
	t.mu.Unlock()
	if register == nil {
		_ = t.conn.RemoveTrack(sender)
		return nil, errors.New("produce handler not bound")
	}

	blob, err := json.Marshal(rtpParamsPayload{
		Codec:        opts.Codec,
		CodecOptions: opts.CodecOptions,
		Encodings:    opts.Encodings,
	})
	if err != nil {
		_ = t.conn.RemoveTrack(sender)
		return nil, fmt.Errorf("failed to marshal rtp parameters: %w", err)
	}

	id, err := register(lt.Kind(), engine.RTPParameters(blob))
	if err != nil {
		_ = t.conn.RemoveTrack(sender)
		return nil, err
	}
	return &Producer{id: id, track: lt, sender: sender, conn: t.conn}, nil
}

// Consume subscribes to one remote producer. Audio consumes that would
// collide with an SSRC already active on this transport are rejected with
// ErrStateAccess.
func (t *Transport) Consume(opts engine.ConsumeOptions) (engine.Consumer, error) {
	var ssrcs ssrcPayload
	if len(opts.RTPParameters) > 0 {
		if err := json.Unmarshal(opts.RTPParameters, &ssrcs); err != nil {
			return nil, fmt.Errorf("failed to decode rtp parameters: %w", err)
		}
	}

	t.mu.Lock()
	if opts.Kind == engine.Audio {
		for _, enc := range ssrcs.Encodings {
			if _, taken := t.audioSSRCs[enc.SSRC]; taken {
				t.mu.Unlock()
				return nil, engine.ErrStateAccess
			}
		}
		for _, enc := range ssrcs.Encodings {
			t.audioSSRCs[enc.SSRC] = struct{}{}
		}
	}
	rt := newRemoteTrack(opts.ProducerID, opts.Kind)
	t.pendingTracks[opts.Kind] = append(t.pendingTracks[opts.Kind], rt)
	t.mu.Unlock()

	codecType := webrtc.RTPCodecTypeVideo
	if opts.Kind == engine.Audio {
		codecType = webrtc.RTPCodecTypeAudio
	}
	if _, err := t.conn.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return nil, fmt.Errorf("failed to add transceiver: %w", err)
	}

	if err := t.ensureConnected(); err != nil {
		return nil, err
	}
	return &Consumer{
		id:            opts.ID,
		producerID:    opts.ProducerID,
		kind:          opts.Kind,
		track:         rt,
		transport:     t,
		rtpParameters: opts.RTPParameters,
	}, nil
}

// bindRemoteTrack hands an incoming track to the oldest pending consumer of
// the same kind.
func (t *Transport) bindRemoteTrack(track *webrtc.TrackRemote) {
	kind := engine.Video
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = engine.Audio
	}

	t.mu.Lock()
	pending := t.pendingTracks[kind]
	if len(pending) == 0 {
		t.mu.Unlock()
		log.Warn().Str("transportID", t.id).Str("kind", string(kind)).Msg("remote track without pending consumer")
		return
	}
	rt := pending[0]
	t.pendingTracks[kind] = pending[1:]
	t.mu.Unlock()

	rt.bind(track)
}

// ProduceData opens a local data channel over this transport.
func (t *Transport) ProduceData(opts engine.DataProduceOptions) (engine.DataProducer, error) {
	ordered := opts.Ordered
	init := &webrtc.DataChannelInit{Ordered: &ordered}
	if opts.Protocol != "" {
		init.Protocol = &opts.Protocol
	}
	dc, err := t.conn.CreateDataChannel(opts.Label, init)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	if err := t.ensureConnected(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	register := t.onProduceData
	t.mu.Unlock()
	if register == nil {
		return nil, errors.New("produce data handler not bound")
	}

	var streamID uint16
	if dc.ID() != nil {
		streamID = *dc.ID()
	}
	blob, err := json.Marshal(map[string]any{
		"streamId": streamID,
		"ordered":  opts.Ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sctp stream parameters: %w", err)
	}

	id, err := register(engine.DataProduceParams{
		SCTPStreamParameters: engine.SCTPStreamParameters(blob),
		Label:                opts.Label,
		Protocol:             opts.Protocol,
		AppData:              opts.AppData,
	})
	if err != nil {
		return nil, err
	}
	return &DataProducer{id: id, channel: dc}, nil
}

// ConsumeData subscribes to one remote data producer. The channel itself is
// opened by the remote side; the consumer becomes active once it arrives.
func (t *Transport) ConsumeData(opts engine.DataConsumeOptions) (engine.DataConsumer, error) {
	dc := &DataConsumer{
		id:             opts.ID,
		dataProducerID: opts.DataProducerID,
		label:          opts.Label,
		appData:        opts.AppData,
	}

	t.mu.Lock()
	t.pendingData[opts.Label] = dc
	t.mu.Unlock()

	if err := t.ensureConnected(); err != nil {
		t.mu.Lock()
		delete(t.pendingData, opts.Label)
		t.mu.Unlock()
		return nil, err
	}
	return dc, nil
}

func (t *Transport) bindDataChannel(channel *webrtc.DataChannel) {
	t.mu.Lock()
	dc, ok := t.pendingData[channel.Label()]
	if ok {
		delete(t.pendingData, channel.Label())
	}
	t.mu.Unlock()
	if !ok {
		log.Warn().Str("transportID", t.id).Str("label", channel.Label()).Msg("data channel without pending consumer")
		return
	}
	dc.bind(channel)
}

func (t *Transport) releaseAudioSSRCs(rtpParameters engine.RTPParameters) {
	var ssrcs ssrcPayload
	if len(rtpParameters) == 0 || json.Unmarshal(rtpParameters, &ssrcs) != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, enc := range ssrcs.Encodings {
		delete(t.audioSSRCs, enc.SSRC)
	}
}

// Close tears down the peer connection.
func (t *Transport) Close() error {
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}

// drainRTCP keeps the sender's RTCP stream flowing until the sender closes.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Producer is a published local track.
type Producer struct {
	id     string
	track  *LocalTrack
	sender *webrtc.RTPSender
	conn   *webrtc.PeerConnection
}

// ID returns the server-assigned producer id.
func (p *Producer) ID() string {
	return p.id
}

// Kind returns the produced media kind.
func (p *Producer) Kind() engine.Kind {
	return p.track.Kind()
}

// Track returns the published track.
func (p *Producer) Track() engine.Track {
	return p.track
}

// Close stops publishing. Capture keeps running; the track stays usable.
func (p *Producer) Close() error {
	if err := p.conn.RemoveTrack(p.sender); err != nil {
		return fmt.Errorf("failed to remove track: %w", err)
	}
	return nil
}

// Consumer is a subscription to one remote producer.
type Consumer struct {
	id            string
	producerID    string
	kind          engine.Kind
	track         *remoteTrack
	transport     *Transport
	rtpParameters engine.RTPParameters
}

// ID returns the synthesized consumer id.
func (c *Consumer) ID() string {
	return c.id
}

// ProducerID returns the remote producer id this consumer subscribes to.
func (c *Consumer) ProducerID() string {
	return c.producerID
}

// Kind returns the consumed media kind.
func (c *Consumer) Kind() engine.Kind {
	return c.kind
}

// Track returns the remote track.
func (c *Consumer) Track() engine.Track {
	return c.track
}

// Close stops the subscription and frees the SSRCs it held.
func (c *Consumer) Close() error {
	c.track.Stop()
	if c.kind == engine.Audio {
		c.transport.releaseAudioSSRCs(c.rtpParameters)
	}
	return nil
}
