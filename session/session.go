package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"

	"meet/broker"
	"meet/broker/subscription"
	"meet/consume"
	"meet/datachannel"
	"meet/engine"
	"meet/metric"
	"meet/peer"
	"meet/produce"
	"meet/signaling"
	"meet/store"
	"meet/transport"
	"meet/types/signal/event"
	"meet/types/signal/request"
	"meet/types/signal/response"
)

// State is the session lifecycle phase.
type State int

// Lifecycle phases. Reconfiguration runs a full Leaving/Joining cycle; there
// is no in-place renegotiation.
const (
	Idle State = iota
	Joining
	DeviceLoading
	Publishing
	Joined
	Leaving
	Failed
)

// String returns the phase name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case DeviceLoading:
		return "device_loading"
	case Publishing:
		return "publishing"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Below is the error set for session transitions.
var (
	// ErrInvalidState is returned when an operation is attempted in a
	// phase that does not allow it.
	ErrInvalidState = errors.New("invalid session state")

	// ErrPublishFailed is returned when every media kind failed to
	// publish during join.
	ErrPublishFailed = errors.New("all media kinds failed to publish")
)

// Session owns one room membership end to end: signaling, device, transports
// and the per-kind pipelines. All state lives here; tearing the session down
// returns every component to idle.
type Session struct {
	conf    Config
	channel *signaling.Channel
	engine  engine.Engine
	broker  *broker.Broker
	store   store.Store
	metrics *metric.Metrics

	mu     sync.Mutex
	state  State
	roomID string
	peerID string
	stream engine.Stream

	device     engine.Device
	registry   *peer.Registry
	transports *transport.Orchestrator
	producers  *produce.Manager
	consumers  *consume.Manager
	data       *datachannel.Manager

	loopStop   chan struct{}
	loopDone   chan struct{}
	unsubs     []func()
	onState    func(State)
	onPeers    func([]*peer.Stream)
	onInvite   func(event.InvitedToRoom)
	onData     func(peerID string, payload []byte)
}

// New creates an idle Session.
func New(conf Config, channel *signaling.Channel, eng engine.Engine, brk *broker.Broker, st store.Store, metrics *metric.Metrics) (*Session, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate session config: %w", err)
	}
	return &Session{
		conf:    conf,
		channel: channel,
		engine:  eng,
		broker:  brk,
		store:   st,
		metrics: metrics,
		state:   Idle,
	}, nil
}

// OnStateChange binds the phase observer.
func (s *Session) OnStateChange(f func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = f
}

// OnPeersChange binds the remote peer list observer.
func (s *Session) OnPeersChange(f func([]*peer.Stream)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPeers = f
}

// OnInvitation binds the room invitation observer.
func (s *Session) OnInvitation(f func(event.InvitedToRoom)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvite = f
}

// OnData binds the data channel message observer.
func (s *Session) OnData(f func(peerID string, payload []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = f
}

// State returns the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID returns the local peer id, empty while idle.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	observer := s.onState
	s.mu.Unlock()
	log.Info().Str("state", state.String()).Msg("session state changed")
	if observer != nil {
		observer(state)
	}
}

// JoinRoom enters a room and runs the full media setup. An empty userID gets
// a generated peer id. Publishing failures are isolated per kind; the join
// fails only when every expected kind fails.
func (s *Session) JoinRoom(ctx context.Context, stream engine.Stream, roomID, userID string) error {
	s.mu.Lock()
	if s.state != Idle && s.state != Failed {
		s.mu.Unlock()
		return fmt.Errorf("join in state %s: %w", s.state, ErrInvalidState)
	}
	s.state = Joining
	peerID := userID
	if peerID == "" {
		peerID = "peer-" + shortuuid.New()
	}
	s.roomID = roomID
	s.peerID = peerID
	s.stream = stream
	observer := s.onState
	s.mu.Unlock()
	log.Info().Str("roomID", roomID).Str("peerID", peerID).Msg("joining room")
	if observer != nil {
		observer(Joining)
	}

	raw, err := s.channel.Request(ctx, request.JoinRoom, request.Join{RoomID: roomID, PeerID: peerID})
	if err != nil {
		s.setState(Failed)
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	var joined response.Joined
	if err := json.Unmarshal(raw, &joined); err != nil {
		s.setState(Failed)
		return fmt.Errorf("failed to decode join ack: %w", err)
	}

	s.setState(DeviceLoading)
	device, err := s.engine.LoadDevice(joined.RouterRTPCapabilities)
	if err != nil {
		s.setState(Failed)
		return fmt.Errorf("failed to load device: %w", err)
	}

	expected := expectedKinds(stream)
	registry := peer.NewRegistry(peerID, s.store)
	transports := transport.New(peerID, s.channel, device, s.store, s.metrics)
	producers := produce.New(peerID, roomID, s.channel, device, transports, string(s.conf.Codec), expected)
	consumers := consume.New(peerID, s.channel, device, transports, registry, s.metrics, s.conf.RetryDelay)
	data := datachannel.New(peerID, s.channel, transports)

	s.mu.Lock()
	s.device = device
	s.registry = registry
	s.transports = transports
	s.producers = producers
	s.consumers = consumers
	s.data = data
	onPeers := s.onPeers
	onData := s.onData
	s.mu.Unlock()

	registry.OnChange(func(streams []*peer.Stream) {
		if s.metrics != nil {
			s.metrics.SetRemotePeers(remoteCount(streams, peerID))
		}
		if onPeers != nil {
			onPeers(streams)
		}
	})
	data.OnMessage(onData)
	transports.OnPeerDown(func(downPeer string) {
		s.dropPeer(downPeer, false)
	})

	s.startEventLoop(consumers, data)

	s.setState(Publishing)
	if len(expected) == 0 {
		producers.AnnounceIfReady()
	} else if err := s.publishAll(ctx, stream, expected); err != nil {
		s.teardown(false)
		s.setState(Failed)
		return err
	}

	if err := data.ProduceData(ctx, s.conf.DataLabel); err != nil {
		log.Warn().Err(err).Msg("data channel unavailable for this session")
	}

	s.setState(Joined)
	return nil
}

// publishAll runs one publish pipeline per kind concurrently. A kind failure
// never blocks the others; only total failure aborts the join.
func (s *Session) publishAll(ctx context.Context, stream engine.Stream, kinds []engine.Kind) error {
	var wg sync.WaitGroup
	errs := make([]error, len(kinds))
	for i, kind := range kinds {
		wg.Add(1)
		go func(i int, kind engine.Kind) {
			defer wg.Done()
			if err := s.producers.Publish(ctx, stream, kind); err != nil {
				log.Error().Err(err).Str("kind", string(kind)).Msg("failed to publish kind")
				errs[i] = err
			}
		}(i, kind)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(kinds) {
		return fmt.Errorf("%w: %s", ErrPublishFailed, errors.Join(errs...))
	}
	return nil
}

// LeaveRoom notifies the server and tears the session down. Teardown is
// synchronous; when it returns the session is idle and reusable.
func (s *Session) LeaveRoom() error {
	s.mu.Lock()
	if s.state == Idle || s.state == Leaving {
		s.mu.Unlock()
		return fmt.Errorf("leave in state %s: %w", s.state, ErrInvalidState)
	}
	roomID, peerID := s.roomID, s.peerID
	s.state = Leaving
	observer := s.onState
	s.mu.Unlock()
	log.Info().Str("roomID", roomID).Str("peerID", peerID).Msg("leaving room")
	if observer != nil {
		observer(Leaving)
	}

	if err := s.channel.Notify(request.LeaveRoom, request.Leave{RoomID: roomID, PeerID: peerID}); err != nil && !errors.Is(err, signaling.ErrChannelClosed) {
		log.Error().Err(err).Msg("failed to notify leave")
	}

	s.teardown(true)
	s.setState(Idle)
	return nil
}

// Reconfigure applies a new configuration by leaving and rejoining with the
// same peer id. A new capture preset needs re-acquired tracks, so the caller
// passes the fresh stream; a nil stream rejoins with the current one.
func (s *Session) Reconfigure(ctx context.Context, conf Config, stream engine.Stream) error {
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("failed to validate session config: %w", err)
	}

	s.mu.Lock()
	if s.state != Joined {
		s.mu.Unlock()
		return fmt.Errorf("reconfigure in state %s: %w", s.state, ErrInvalidState)
	}
	roomID, peerID := s.roomID, s.peerID
	if stream == nil {
		stream = s.stream
	}
	s.mu.Unlock()

	if err := s.LeaveRoom(); err != nil {
		return err
	}
	s.mu.Lock()
	s.conf = conf
	s.mu.Unlock()
	return s.JoinRoom(ctx, stream, roomID, peerID)
}

// Invite asks the server to forward a room invitation.
func (s *Session) Invite(inviteeIDs []string, profile map[string]string) error {
	s.mu.Lock()
	roomID, peerID, state := s.roomID, s.peerID, s.state
	s.mu.Unlock()
	if state != Joined {
		return fmt.Errorf("invite in state %s: %w", state, ErrInvalidState)
	}
	return s.channel.Notify(request.InviteToRoom, request.Invite{
		RoomID:         roomID,
		InviterID:      peerID,
		InviteeIDs:     inviteeIDs,
		InviterProfile: profile,
	})
}

// SendData writes one message to the room's data channel.
func (s *Session) SendData(payload []byte) error {
	s.mu.Lock()
	data, state := s.data, s.state
	s.mu.Unlock()
	if state != Joined || data == nil {
		return fmt.Errorf("send in state %s: %w", state, ErrInvalidState)
	}
	return data.Send(payload)
}

// SetMuted stops or republishes one media kind while the session is joined.
func (s *Session) SetMuted(ctx context.Context, kind engine.Kind, muted bool) error {
	s.mu.Lock()
	producers, stream, state := s.producers, s.stream, s.state
	s.mu.Unlock()
	if state != Joined || producers == nil {
		return fmt.Errorf("mute in state %s: %w", state, ErrInvalidState)
	}
	if muted {
		return producers.StopKind(kind)
	}
	return producers.Publish(ctx, stream, kind)
}

// Peers returns the current peer stream snapshot.
func (s *Session) Peers() []*peer.Stream {
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry == nil {
		return nil
	}
	return registry.Peers()
}

// SetActivePeer marks one peer's video as the focused one.
func (s *Session) SetActivePeer(peerID string) {
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry != nil {
		registry.SetActive(peerID)
	}
}

// ActivePeer returns the focused peer id.
func (s *Session) ActivePeer() string {
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry == nil {
		return ""
	}
	return registry.Active()
}

// eventSubs holds one subscription per server-pushed event the session
// reacts to.
type eventSubs struct {
	newConsumer    *subscription.Subscription
	batchConsumers *subscription.Subscription
	producerClosed *subscription.Subscription
	peerGone       *subscription.Subscription
	newData        *subscription.Subscription
	batchData      *subscription.Subscription
	dataClosed     *subscription.Subscription
	invited        *subscription.Subscription
	socketDown     *subscription.Subscription
}

// startEventLoop subscribes to the server-pushed events and spawns the loop.
// The per-join managers are passed in rather than re-read from the session,
// so a handler racing teardown still holds live references.
func (s *Session) startEventLoop(consumers *consume.Manager, data *datachannel.Manager) {
	subs := eventSubs{
		newConsumer:    s.broker.Subscribe(broker.Consumer, broker.NEW),
		batchConsumers: s.broker.Subscribe(broker.Consumer, broker.BATCH),
		producerClosed: s.broker.Subscribe(broker.Producer, broker.CLOSED),
		peerGone:       s.broker.Subscribe(broker.Peer, broker.DISCONNECTED),
		newData:        s.broker.Subscribe(broker.DataConsumer, broker.NEW),
		batchData:      s.broker.Subscribe(broker.DataConsumer, broker.BATCH),
		dataClosed:     s.broker.Subscribe(broker.DataConsumer, broker.CLOSED),
		invited:        s.broker.Subscribe(broker.Invite, broker.RECEIVED),
		socketDown:     s.broker.Subscribe(broker.Socket, broker.DISCONNECTED),
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	s.mu.Lock()
	s.loopStop = stop
	s.loopDone = done
	s.unsubs = []func(){
		func() { s.broker.Unsubscribe(broker.Consumer, broker.NEW, subs.newConsumer) },
		func() { s.broker.Unsubscribe(broker.Consumer, broker.BATCH, subs.batchConsumers) },
		func() { s.broker.Unsubscribe(broker.Producer, broker.CLOSED, subs.producerClosed) },
		func() { s.broker.Unsubscribe(broker.Peer, broker.DISCONNECTED, subs.peerGone) },
		func() { s.broker.Unsubscribe(broker.DataConsumer, broker.NEW, subs.newData) },
		func() { s.broker.Unsubscribe(broker.DataConsumer, broker.BATCH, subs.batchData) },
		func() { s.broker.Unsubscribe(broker.DataConsumer, broker.CLOSED, subs.dataClosed) },
		func() { s.broker.Unsubscribe(broker.Invite, broker.RECEIVED, subs.invited) },
		func() { s.broker.Unsubscribe(broker.Socket, broker.DISCONNECTED, subs.socketDown) },
	}
	s.mu.Unlock()

	go s.eventLoop(stop, done, subs, consumers, data)
}

func (s *Session) eventLoop(stop chan struct{}, done chan struct{}, subs eventSubs, consumers *consume.Manager, data *datachannel.Manager) {
	defer close(done)
	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case msg := <-subs.newConsumer.Receive():
			if ev, ok := msg.(event.NewConsumer); ok {
				go func() {
					if err := consumers.Consume(ctx, ev.ProducerID, ev.Kind, ev.PeerID); err != nil {
						log.Error().Err(err).Str("producerID", ev.ProducerID).Msg("failed to consume producer")
					}
				}()
			}
		case msg := <-subs.batchConsumers.Receive():
			if ev, ok := msg.(event.NewConsumers); ok {
				go consumers.ConsumeBatch(ctx, ev.Producers)
			}
		case msg := <-subs.producerClosed.Receive():
			if ev, ok := msg.(event.ProducerClosed); ok {
				if ev.TrackID == "" {
					s.dropPeer(ev.PeerID, true)
				} else {
					consumers.HandleProducerClosed(ev)
				}
			}
		case msg := <-subs.peerGone.Receive():
			if ev, ok := msg.(event.PeerDisconnected); ok {
				s.dropPeer(ev.PeerID, true)
			}
		case msg := <-subs.newData.Receive():
			if ev, ok := msg.(event.NewDataConsumer); ok {
				go func() {
					if err := data.ConsumeData(ctx, ev.ProducerID, ev.ProducerPeerID); err != nil {
						log.Error().Err(err).Str("dataProducerID", ev.ProducerID).Msg("failed to consume data producer")
					}
				}()
			}
		case msg := <-subs.batchData.Receive():
			if ev, ok := msg.(event.NewDataConsumers); ok {
				go data.ConsumeBatch(ctx, ev.Producers)
			}
		case msg := <-subs.dataClosed.Receive():
			if ev, ok := msg.(event.DataProducerClosed); ok {
				data.HandleDataProducerClosed(ev)
			}
		case msg := <-subs.invited.Receive():
			if ev, ok := msg.(event.InvitedToRoom); ok {
				s.mu.Lock()
				observer := s.onInvite
				s.mu.Unlock()
				if observer != nil {
					observer(ev)
				}
			}
		case msg := <-subs.socketDown.Receive():
			if ev, ok := msg.(event.Disconnected); ok {
				log.Error().Str("reason", ev.Reason).Msg("signaling connection lost, failing session")
				go s.failFromSocketLoss()
			}
		}
	}
}

// failFromSocketLoss tears the session down after the signaling socket
// dropped. No leave notification is possible at this point.
func (s *Session) failFromSocketLoss() {
	s.mu.Lock()
	if s.state == Idle || s.state == Leaving || s.state == Failed {
		s.mu.Unlock()
		return
	}
	s.state = Leaving
	observer := s.onState
	s.mu.Unlock()
	if observer != nil {
		observer(Leaving)
	}

	s.teardown(true)
	s.setState(Failed)
}

// dropPeer removes one remote peer's consumers, transports and registry
// entry. dropTransports is false when the transports are already gone.
func (s *Session) dropPeer(peerID string, dropTransports bool) {
	s.mu.Lock()
	consumers, data, transports, registry := s.consumers, s.data, s.transports, s.registry
	s.mu.Unlock()
	if registry == nil {
		return
	}
	log.Info().Str("peerID", peerID).Msg("removing remote peer")

	consumers.DropPeer(peerID)
	data.DropPeer(peerID)
	if dropTransports {
		transports.Drop(engine.Recv, engine.Audio, peerID)
		transports.Drop(engine.Recv, engine.Video, peerID)
		transports.Drop(engine.Recv, engine.Data, peerID)
	}
	registry.RemovePeer(peerID)
}

// teardown stops the event loop and releases every component. stopLoop waits
// for the loop goroutine to exit so no event handler races the reset.
func (s *Session) teardown(waitLoop bool) {
	s.mu.Lock()
	stop, done := s.loopStop, s.loopDone
	unsubs := s.unsubs
	producers, consumers, data := s.producers, s.consumers, s.data
	transports, registry := s.transports, s.registry
	s.loopStop, s.loopDone, s.unsubs = nil, nil, nil
	s.producers, s.consumers, s.data = nil, nil, nil
	s.transports, s.registry, s.device = nil, nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		if waitLoop {
			<-done
		}
	}
	for _, unsub := range unsubs {
		unsub()
	}
	if producers != nil {
		producers.Close()
	}
	if data != nil {
		data.Close()
	}
	if consumers != nil {
		consumers.Close()
	}
	if transports != nil {
		transports.CloseAll()
	}
	if registry != nil {
		registry.Reset()
	}
}

// expectedKinds lists the media kinds the stream can publish.
func expectedKinds(stream engine.Stream) []engine.Kind {
	var kinds []engine.Kind
	if engine.TrackByKind(stream, engine.Audio) != nil {
		kinds = append(kinds, engine.Audio)
	}
	if engine.TrackByKind(stream, engine.Video) != nil {
		kinds = append(kinds, engine.Video)
	}
	return kinds
}

func remoteCount(streams []*peer.Stream, localID string) int {
	count := 0
	for _, st := range streams {
		if st.PeerID != localID {
			count++
		}
	}
	return count
}
