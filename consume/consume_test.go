package consume_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"

	"meet/broker"
	"meet/consume"
	"meet/engine"
	"meet/peer"
	"meet/signaling"
	"meet/store/memory"
	"meet/transport"
	"meet/types/signal/event"
	"meet/types/signal/request"
	"meet/types/signal/response"
)

type scriptedSocket struct {
	handle  func(request.Common) *response.Common
	inbound chan response.Common
	closed  chan struct{}
	once    sync.Once
}

func newScriptedSocket(handle func(request.Common) *response.Common) *scriptedSocket {
	return &scriptedSocket{
		handle:  handle,
		inbound: make(chan response.Common, 64),
		closed:  make(chan struct{}),
	}
}

func (s *scriptedSocket) WriteJSON(v any) error {
	req, ok := v.(request.Common)
	if !ok {
		return fmt.Errorf("unexpected outbound message: %T", v)
	}
	if res := s.handle(req); res != nil {
		s.inbound <- *res
	}
	return nil
}

func (s *scriptedSocket) ReadJSON(v any) error {
	select {
	case msg := <-s.inbound:
		*(v.(*response.Common)) = msg
		return nil
	case <-s.closed:
		return io.EOF
	}
}

func (s *scriptedSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeTrack struct {
	id      string
	kind    engine.Kind
	stopped atomic.Bool
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() engine.Kind { return t.kind }
func (t *fakeTrack) Live() bool { return !t.stopped.Load() }
func (t *fakeTrack) Stop() { t.stopped.Store(true) }

// fakeDevice rejects the first audio consume per session when conflictOnce
// is set, mimicking an SSRC collision.
type fakeDevice struct {
	conflictOnce atomic.Bool

	mu        sync.Mutex
	created   int
	consumers []*fakeConsumer
}

func (d *fakeDevice) RTPCapabilities() engine.RTPCapabilities {
	return engine.RTPCapabilities{Codecs: []engine.RTPCodec{{MimeType: "video/VP8"}}}
}

func (d *fakeDevice) SCTPCapabilities() engine.SCTPCapabilities {
	return engine.SCTPCapabilities(`{}`)
}

func (d *fakeDevice) CreateSendTransport(params engine.TransportParams) (engine.Transport, error) {
	return d.create(params), nil
}

func (d *fakeDevice) CreateRecvTransport(params engine.TransportParams) (engine.Transport, error) {
	return d.create(params), nil
}

func (d *fakeDevice) create(params engine.TransportParams) engine.Transport {
	d.mu.Lock()
	d.created++
	d.mu.Unlock()
	return &fakeTransport{id: params.ID, device: d}
}

func (d *fakeDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created
}

func (d *fakeDevice) consumerOf(producerID string) *fakeConsumer {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.consumers {
		if c.producerID == producerID {
			return c
		}
	}
	return nil
}

type fakeTransport struct {
	id     string
	device *fakeDevice
}

func (t *fakeTransport) ID() string { return t.id }
func (t *fakeTransport) OnConnect(func(engine.DTLSParameters) error) {}
func (t *fakeTransport) OnProduce(func(engine.Kind, engine.RTPParameters) (string, error)) {}
func (t *fakeTransport) OnProduceData(func(engine.DataProduceParams) (string, error)) {}
func (t *fakeTransport) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}

func (t *fakeTransport) Produce(engine.ProduceOptions) (engine.Producer, error) {
	return nil, fmt.Errorf("not implemented")
}

func (t *fakeTransport) Consume(opts engine.ConsumeOptions) (engine.Consumer, error) {
	if opts.Kind == engine.Audio && t.device.conflictOnce.CompareAndSwap(true, false) {
		return nil, engine.ErrStateAccess
	}
	consumer := &fakeConsumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		track:      &fakeTrack{id: opts.ProducerID, kind: opts.Kind},
	}
	t.device.mu.Lock()
	t.device.consumers = append(t.device.consumers, consumer)
	t.device.mu.Unlock()
	return consumer, nil
}

func (t *fakeTransport) ProduceData(engine.DataProduceOptions) (engine.DataProducer, error) {
	return nil, fmt.Errorf("not implemented")
}

func (t *fakeTransport) ConsumeData(engine.DataConsumeOptions) (engine.DataConsumer, error) {
	return nil, fmt.Errorf("not implemented")
}

func (t *fakeTransport) Close() error { return nil }

type fakeConsumer struct {
	id         string
	producerID string
	track      *fakeTrack
	closed     atomic.Bool
}

func (c *fakeConsumer) ID() string { return c.id }
func (c *fakeConsumer) ProducerID() string { return c.producerID }
func (c *fakeConsumer) Kind() engine.Kind { return c.track.kind }
func (c *fakeConsumer) Track() engine.Track { return c.track }
func (c *fakeConsumer) Close() error {
	c.closed.Store(true)
	return nil
}

// harness wires a consume manager over a scripted server. failProducers
// lists producer ids whose subscription the server rejects.
type harness struct {
	manager    *consume.Manager
	registry   *peer.Registry
	device     *fakeDevice
	subscribes *atomic.Int64
}

func newHarness(t *testing.T, device *fakeDevice, failProducers map[string]bool) harness {
	t.Helper()
	var transports, subscribes atomic.Int64

	sock := newScriptedSocket(func(req request.Common) *response.Common {
		switch req.Type {
		case request.CreateTransport:
			n := transports.Add(1)
			payload, _ := json.Marshal(response.TransportCreated{ID: fmt.Sprintf("tr-%d", n)})
			return &response.Common{RequestID: req.RequestID, Payload: payload}
		case request.Consume:
			subscribes.Add(1)
			var sub request.Subscribe
			if err := json.Unmarshal(req.Payload, &sub); err != nil {
				return &response.Common{RequestID: req.RequestID, Error: err.Error()}
			}
			if failProducers[sub.ProducerID] {
				return &response.Common{RequestID: req.RequestID, Error: "producer gone"}
			}
			payload, _ := json.Marshal(response.ReadyToConsume{
				RTPParameters: engine.RTPParameters(`{"encodings":[{"ssrc":1111}]}`),
			})
			return &response.Common{RequestID: req.RequestID, Payload: payload}
		default:
			return &response.Common{RequestID: req.RequestID, Payload: json.RawMessage(`{}`)}
		}
	})
	brk := broker.New()
	conf := signaling.Config{ServerURL: "server:8080", RequestTimeout: time.Second}
	assert.NoError(t, conf.Validate())
	ch := signaling.New(conf, sock, brk)
	ch.Start()
	t.Cleanup(func() { _ = ch.Close() })

	registry := peer.NewRegistry("alice", memory.New())
	orch := transport.New("alice", ch, device, memory.New(), nil)
	manager := consume.New("alice", ch, device, orch, registry, nil, 10*time.Millisecond)
	return harness{manager: manager, registry: registry, device: device, subscribes: &subscribes}
}

func TestConsume(t *testing.T) {
	t.Run("given remote producer when consumed then track registered", func(t *testing.T) {
		h := newHarness(t, &fakeDevice{}, nil)

		err := h.manager.Consume(context.Background(), "p1", engine.Video, "bob")

		assert.NoError(t, err)
		peers := h.registry.Peers()
		assert.Len(t, peers, 1)
		assert.Equal(t, "bob", peers[0].PeerID)
	})

	t.Run("given audio conflict when consumed then retries once on fresh transport", func(t *testing.T) {
		device := &fakeDevice{}
		device.conflictOnce.Store(true)
		h := newHarness(t, device, nil)

		err := h.manager.Consume(context.Background(), "p1", engine.Audio, "bob")

		assert.NoError(t, err)
		// One transport for the first attempt, a fresh one for the retry.
		assert.Equal(t, 2, h.device.count())
		assert.Equal(t, int64(2), h.subscribes.Load())
		assert.Len(t, h.registry.Peers(), 1)
	})

	t.Run("given video failure when consumed then no retry", func(t *testing.T) {
		h := newHarness(t, &fakeDevice{}, map[string]bool{"p1": true})

		err := h.manager.Consume(context.Background(), "p1", engine.Video, "bob")

		assert.ErrorIs(t, err, signaling.ErrRequestFailed)
		assert.Equal(t, int64(1), h.subscribes.Load())
		assert.Empty(t, h.registry.Peers())
	})
}

func TestConsumeBatch(t *testing.T) {
	t.Run("given one bad producer when batch consumed then others succeed", func(t *testing.T) {
		h := newHarness(t, &fakeDevice{}, map[string]bool{"p3": true})

		var producers []event.NewConsumer
		for i := 1; i <= 5; i++ {
			producers = append(producers, event.NewConsumer{
				ProducerID: fmt.Sprintf("p%d", i),
				Kind:       engine.Video,
				PeerID:     fmt.Sprintf("peer%d", i),
			})
		}

		h.manager.ConsumeBatch(context.Background(), producers)

		peers := h.registry.Peers()
		assert.Len(t, peers, 4)
		for _, s := range peers {
			assert.NotEqual(t, "peer3", s.PeerID)
		}
	})
}

func TestHandleProducerClosed(t *testing.T) {
	t.Run("given consumed producer when closed then track removed and consumer closed", func(t *testing.T) {
		h := newHarness(t, &fakeDevice{}, nil)
		assert.NoError(t, h.manager.Consume(context.Background(), "p1", engine.Video, "bob"))

		h.manager.HandleProducerClosed(event.ProducerClosed{PeerID: "bob", Kind: engine.Video, TrackID: "p1"})

		assert.Empty(t, h.registry.Peers())
		assert.True(t, h.device.consumerOf("p1").closed.Load())
	})

	t.Run("given event with only peer id when closed then whole peer dropped", func(t *testing.T) {
		h := newHarness(t, &fakeDevice{}, nil)
		assert.NoError(t, h.manager.Consume(context.Background(), "p1", engine.Audio, "bob"))
		assert.NoError(t, h.manager.Consume(context.Background(), "p2", engine.Video, "bob"))

		h.manager.HandleProducerClosed(event.ProducerClosed{PeerID: "bob"})

		assert.Empty(t, h.registry.Peers())
		assert.True(t, h.device.consumerOf("p1").closed.Load())
		assert.True(t, h.device.consumerOf("p2").closed.Load())
	})
}

func TestDropPeer(t *testing.T) {
	t.Run("given peer with consumers when dropped then only that peer's close", func(t *testing.T) {
		h := newHarness(t, &fakeDevice{}, nil)
		assert.NoError(t, h.manager.Consume(context.Background(), "p1", engine.Video, "bob"))
		assert.NoError(t, h.manager.Consume(context.Background(), "p2", engine.Video, "carol"))

		h.manager.DropPeer("bob")

		// Registry cleanup is the caller's job; consumers of carol live on.
		assert.True(t, h.device.consumerOf("p1").closed.Load())
		assert.False(t, h.device.consumerOf("p2").closed.Load())
	})

	t.Run("given peer id prefixing another when dropped then other peer untouched", func(t *testing.T) {
		h := newHarness(t, &fakeDevice{}, nil)
		assert.NoError(t, h.manager.Consume(context.Background(), "p1", engine.Video, "bob"))
		assert.NoError(t, h.manager.Consume(context.Background(), "p2", engine.Video, "bob-phone"))

		h.manager.DropPeer("bob")

		assert.True(t, h.device.consumerOf("p1").closed.Load())
		assert.False(t, h.device.consumerOf("p2").closed.Load())
	})
}
