package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"

	"meet/broker"
	"meet/engine"
	"meet/pkg/socket"
	"meet/signaling"
	"meet/store"
	"meet/store/memory"
	"meet/transport"
	"meet/types/signal/request"
	"meet/types/signal/response"
)

// scriptedSocket answers requests synchronously through handle. It satisfies
// socket.Socket without a network.
type scriptedSocket struct {
	handle func(request.Common) *response.Common

	inbound chan response.Common
	closed  chan struct{}
	once    sync.Once
}

func newScriptedSocket(handle func(request.Common) *response.Common) *scriptedSocket {
	return &scriptedSocket{
		handle:  handle,
		inbound: make(chan response.Common, 16),
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

var _ socket.Socket = (*scriptedSocket)(nil)

// fakeDevice hands out fakeTransports and records how many were created.
type fakeDevice struct {
	mu      sync.Mutex
	created []*fakeTransport
}

func (d *fakeDevice) RTPCapabilities() engine.RTPCapabilities {
	return engine.RTPCapabilities{Codecs: []engine.RTPCodec{{MimeType: "video/VP8"}}}
}

func (d *fakeDevice) SCTPCapabilities() engine.SCTPCapabilities {
	return engine.SCTPCapabilities(`{"numStreams":{"OS":1024,"MIS":1024}}`)
}

func (d *fakeDevice) CreateSendTransport(params engine.TransportParams) (engine.Transport, error) {
	return d.create(params), nil
}

func (d *fakeDevice) CreateRecvTransport(params engine.TransportParams) (engine.Transport, error) {
	return d.create(params), nil
}

func (d *fakeDevice) create(params engine.TransportParams) *fakeTransport {
	t := &fakeTransport{id: params.ID}
	d.mu.Lock()
	d.created = append(d.created, t)
	d.mu.Unlock()
	return t
}

func (d *fakeDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.created)
}

type fakeTransport struct {
	id            string
	onConnect     func(engine.DTLSParameters) error
	onStateChange func(webrtc.PeerConnectionState)
	closed        atomic.Bool
}

func (t *fakeTransport) ID() string { return t.id }
func (t *fakeTransport) OnConnect(f func(engine.DTLSParameters) error) {
	t.onConnect = f
}
func (t *fakeTransport) OnProduce(func(engine.Kind, engine.RTPParameters) (string, error)) {}
func (t *fakeTransport) OnProduceData(func(engine.DataProduceParams) (string, error)) {}
func (t *fakeTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.onStateChange = f
}
func (t *fakeTransport) Produce(engine.ProduceOptions) (engine.Producer, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTransport) Consume(engine.ConsumeOptions) (engine.Consumer, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTransport) ProduceData(engine.DataProduceOptions) (engine.DataProducer, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTransport) ConsumeData(engine.DataConsumeOptions) (engine.DataConsumer, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

// testServer is the default scripted server: every createTransport succeeds
// with a fresh id and every connect is acked.
type testServer struct {
	creates  atomic.Int64
	connects atomic.Int64
	failNext atomic.Bool
	ackFalse atomic.Bool
}

func (s *testServer) handle(req request.Common) *response.Common {
	switch req.Type {
	case request.CreateTransport:
		if s.failNext.CompareAndSwap(true, false) {
			return &response.Common{RequestID: req.RequestID, Error: "no capacity"}
		}
		n := s.creates.Add(1)
		payload, _ := json.Marshal(response.TransportCreated{ID: fmt.Sprintf("tr-%d", n)})
		return &response.Common{RequestID: req.RequestID, Payload: payload}
	case request.ConnectTransport:
		s.connects.Add(1)
		payload, _ := json.Marshal(response.Connected{Success: !s.ackFalse.Load()})
		return &response.Common{RequestID: req.RequestID, Payload: payload}
	default:
		return &response.Common{RequestID: req.RequestID, Payload: json.RawMessage(`{}`)}
	}
}

func newOrchestrator(t *testing.T, server *testServer) (*transport.Orchestrator, *fakeDevice, store.Store) {
	t.Helper()
	sock := newScriptedSocket(server.handle)
	brk := broker.New()
	conf := signaling.Config{ServerURL: "server:8080", RequestTimeout: time.Second}
	assert.NoError(t, conf.Validate())
	ch := signaling.New(conf, sock, brk)
	ch.Start()
	t.Cleanup(func() { _ = ch.Close() })

	device := &fakeDevice{}
	st := memory.New()
	return transport.New("alice", ch, device, st, nil), device, st
}

func TestCreate(t *testing.T) {
	t.Run("given same slot when created twice then one allocation", func(t *testing.T) {
		server := &testServer{}
		orch, device, _ := newOrchestrator(t, server)

		first, err := orch.Create(context.Background(), engine.Send, engine.Video, "alice")
		assert.NoError(t, err)
		second, err := orch.Create(context.Background(), engine.Send, engine.Video, "alice")
		assert.NoError(t, err)

		assert.Equal(t, first.ID(), second.ID())
		assert.Equal(t, 1, device.count())
		assert.Equal(t, int64(1), server.creates.Load())
	})

	t.Run("given concurrent calls on one slot then one allocation", func(t *testing.T) {
		server := &testServer{}
		orch, device, _ := newOrchestrator(t, server)

		var wg sync.WaitGroup
		ids := make([]string, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				trans, err := orch.Create(context.Background(), engine.Recv, engine.Audio, "bob")
				assert.NoError(t, err)
				ids[i] = trans.ID()
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, device.count())
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("given different slots when created then separate transports", func(t *testing.T) {
		server := &testServer{}
		orch, device, st := newOrchestrator(t, server)

		_, err := orch.Create(context.Background(), engine.Send, engine.Video, "alice")
		assert.NoError(t, err)
		_, err = orch.Create(context.Background(), engine.Send, engine.Audio, "alice")
		assert.NoError(t, err)
		_, err = orch.Create(context.Background(), engine.Recv, engine.Video, "bob")
		assert.NoError(t, err)

		assert.Equal(t, 3, device.count())
		all, err := st.ListTransportInfo()
		assert.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("given failed allocation when retried then slot is free", func(t *testing.T) {
		server := &testServer{}
		server.failNext.Store(true)
		orch, device, _ := newOrchestrator(t, server)

		_, err := orch.Create(context.Background(), engine.Send, engine.Video, "alice")
		assert.ErrorIs(t, err, signaling.ErrRequestFailed)

		trans, err := orch.Create(context.Background(), engine.Send, engine.Video, "alice")
		assert.NoError(t, err)
		assert.NotNil(t, trans)
		assert.Equal(t, 1, device.count())
	})
}

func TestConnect(t *testing.T) {
	t.Run("given positive ack when connected then nil error", func(t *testing.T) {
		server := &testServer{}
		orch, device, _ := newOrchestrator(t, server)
		_, err := orch.Create(context.Background(), engine.Send, engine.Video, "alice")
		assert.NoError(t, err)

		fake := device.created[0]
		assert.NotNil(t, fake.onConnect)
		assert.NoError(t, fake.onConnect(engine.DTLSParameters(`{"sdp":"offer"}`)))
		assert.Equal(t, int64(1), server.connects.Load())
	})

	t.Run("given negative ack when connected then error", func(t *testing.T) {
		server := &testServer{}
		server.ackFalse.Store(true)
		orch, device, _ := newOrchestrator(t, server)
		_, err := orch.Create(context.Background(), engine.Send, engine.Video, "alice")
		assert.NoError(t, err)

		fake := device.created[0]
		err = fake.onConnect(engine.DTLSParameters(`{"sdp":"offer"}`))
		assert.ErrorIs(t, err, transport.ErrConnectRejected)
	})
}

func TestDrop(t *testing.T) {
	t.Run("given live slot when dropped then transport closed and forgotten", func(t *testing.T) {
		server := &testServer{}
		orch, device, st := newOrchestrator(t, server)
		_, err := orch.Create(context.Background(), engine.Recv, engine.Audio, "bob")
		assert.NoError(t, err)

		orch.Drop(engine.Recv, engine.Audio, "bob")

		assert.True(t, device.created[0].closed.Load())
		_, err = st.FindTransportInfoBySlot(engine.Recv, engine.Audio, "bob")
		assert.ErrorIs(t, err, store.ErrTransportNotFound)

		// The slot is reusable afterwards.
		_, err = orch.Create(context.Background(), engine.Recv, engine.Audio, "bob")
		assert.NoError(t, err)
		assert.Equal(t, 2, device.count())
	})

	t.Run("given missing slot when dropped then no-op", func(t *testing.T) {
		server := &testServer{}
		orch, _, _ := newOrchestrator(t, server)

		orch.Drop(engine.Recv, engine.Video, "nobody")
	})
}

func TestConnectionLoss(t *testing.T) {
	t.Run("given recv transport failure then peer down fires and slot drops", func(t *testing.T) {
		server := &testServer{}
		orch, device, _ := newOrchestrator(t, server)
		downPeer := make(chan string, 1)
		orch.OnPeerDown(func(peerID string) { downPeer <- peerID })

		_, err := orch.Create(context.Background(), engine.Recv, engine.Video, "bob")
		assert.NoError(t, err)

		device.created[0].onStateChange(webrtc.PeerConnectionStateFailed)

		select {
		case peerID := <-downPeer:
			assert.Equal(t, "bob", peerID)
		case <-time.After(time.Second):
			t.Fatal("peer down not reported")
		}
		assert.True(t, device.created[0].closed.Load())
	})

	t.Run("given send transport failure then no peer down", func(t *testing.T) {
		server := &testServer{}
		orch, device, _ := newOrchestrator(t, server)
		downPeer := make(chan string, 1)
		orch.OnPeerDown(func(peerID string) { downPeer <- peerID })

		_, err := orch.Create(context.Background(), engine.Send, engine.Video, "alice")
		assert.NoError(t, err)

		device.created[0].onStateChange(webrtc.PeerConnectionStateDisconnected)

		select {
		case <-downPeer:
			t.Fatal("send transport loss must not remove a peer")
		case <-time.After(100 * time.Millisecond):
		}
		assert.False(t, device.created[0].closed.Load())
	})
}

func TestCloseAll(t *testing.T) {
	t.Run("given several slots when closed then all released", func(t *testing.T) {
		server := &testServer{}
		orch, device, st := newOrchestrator(t, server)
		_, err := orch.Create(context.Background(), engine.Send, engine.Video, "alice")
		assert.NoError(t, err)
		_, err = orch.Create(context.Background(), engine.Recv, engine.Audio, "bob")
		assert.NoError(t, err)

		orch.CloseAll()

		for _, trans := range device.created {
			assert.True(t, trans.closed.Load())
		}
		all, err := st.ListTransportInfo()
		assert.NoError(t, err)
		assert.Empty(t, all)
	})
}
