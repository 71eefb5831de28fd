package signaling_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"meet/broker"
	"meet/engine"
	"meet/pkg/socket"
	"meet/signaling"
	"meet/types/signal/event"
	"meet/types/signal/request"
	"meet/types/signal/response"
)

// mockChannel wires a channel over a scripted socket. handle receives every
// outbound request and may return a response to feed back, or nil. inbound
// injects server-initiated messages; dropSocket simulates a broken link.
type mockChannel struct {
	channel    *signaling.Channel
	broker     *broker.Broker
	inbound    chan<- response.Common
	dropSocket func()
}

func newMockChannel(t *testing.T, handle func(request.Common) *response.Common) mockChannel {
	t.Helper()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	inbound := make(chan response.Common, 16)
	closed := make(chan struct{})
	broken := make(chan struct{})
	var dropOnce sync.Once

	sock := socket.NewMockSocket(ctrl)
	sock.EXPECT().WriteJSON(gomock.Any()).DoAndReturn(func(v any) error {
		req, ok := v.(request.Common)
		if !ok {
			t.Fatalf("unexpected outbound message: %T", v)
		}
		if res := handle(req); res != nil {
			inbound <- *res
		}
		return nil
	}).AnyTimes()
	sock.EXPECT().ReadJSON(gomock.Any()).DoAndReturn(func(v any) error {
		select {
		case msg := <-inbound:
			*(v.(*response.Common)) = msg
			return nil
		case <-closed:
			return io.EOF
		case <-broken:
			return io.ErrUnexpectedEOF
		}
	}).AnyTimes()
	sock.EXPECT().Close().DoAndReturn(func() error {
		select {
		case <-closed:
		default:
			close(closed)
		}
		return nil
	}).AnyTimes()

	brk := broker.New()
	conf := signaling.Config{ServerURL: "server:8080", RequestTimeout: time.Second}
	assert.NoError(t, conf.Validate())
	ch := signaling.New(conf, sock, brk)
	ch.Start()
	t.Cleanup(func() { _ = ch.Close() })
	return mockChannel{
		channel:    ch,
		broker:     brk,
		inbound:    inbound,
		dropSocket: func() { dropOnce.Do(func() { close(broken) }) },
	}
}

func TestRequest(t *testing.T) {
	t.Run("given matching response when requested then payload returned", func(t *testing.T) {
		mc := newMockChannel(t, func(req request.Common) *response.Common {
			assert.Equal(t, request.JoinRoom, req.Type)
			assert.NotZero(t, req.RequestID)
			payload, _ := json.Marshal(response.Joined{
				RouterRTPCapabilities: engine.RTPCapabilities{Codecs: []engine.RTPCodec{{MimeType: "video/VP8"}}},
			})
			return &response.Common{RequestID: req.RequestID, Type: req.Type, Payload: payload}
		})

		raw, err := mc.channel.Request(context.Background(), request.JoinRoom, request.Join{RoomID: "room", PeerID: "alice"})

		assert.NoError(t, err)
		var joined response.Joined
		assert.NoError(t, json.Unmarshal(raw, &joined))
		assert.Len(t, joined.RouterRTPCapabilities.Codecs, 1)
	})

	t.Run("given server error when requested then request fails", func(t *testing.T) {
		mc := newMockChannel(t, func(req request.Common) *response.Common {
			return &response.Common{RequestID: req.RequestID, Error: "room is full"}
		})

		_, err := mc.channel.Request(context.Background(), request.JoinRoom, request.Join{RoomID: "room"})

		assert.ErrorIs(t, err, signaling.ErrRequestFailed)
		assert.Contains(t, err.Error(), "room is full")
	})

	t.Run("given duplicate response when resolved then second is dropped", func(t *testing.T) {
		mc := newMockChannel(t, func(req request.Common) *response.Common {
			return &response.Common{RequestID: req.RequestID, Payload: json.RawMessage(`{}`)}
		})

		_, err := mc.channel.Request(context.Background(), request.Produce, request.Publish{TransportID: "tr1"})
		assert.NoError(t, err)

		// Re-emitting the same correlation id must not resolve anything.
		mc.inbound <- response.Common{RequestID: 1, Payload: json.RawMessage(`{}`)}
		time.Sleep(50 * time.Millisecond)
	})

	t.Run("given no response when requested then times out", func(t *testing.T) {
		mc := newMockChannel(t, func(request.Common) *response.Common { return nil })

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := mc.channel.Request(ctx, request.Consume, request.Subscribe{ProducerID: "p1"})

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("given concurrent requests when resolved then each gets its own response", func(t *testing.T) {
		mc := newMockChannel(t, func(req request.Common) *response.Common {
			payload, _ := json.Marshal(map[string]int64{"echo": req.RequestID})
			return &response.Common{RequestID: req.RequestID, Payload: payload}
		})

		done := make(chan struct{})
		for i := 0; i < 5; i++ {
			go func() {
				defer func() { done <- struct{}{} }()
				raw, err := mc.channel.Request(context.Background(), request.Consume, nil)
				assert.NoError(t, err)
				assert.NotEmpty(t, raw)
			}()
		}
		for i := 0; i < 5; i++ {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("request did not finish")
			}
		}
	})

	t.Run("given closed channel when requested then error", func(t *testing.T) {
		mc := newMockChannel(t, func(request.Common) *response.Common { return nil })
		assert.NoError(t, mc.channel.Close())

		_, err := mc.channel.Request(context.Background(), request.JoinRoom, nil)

		assert.ErrorIs(t, err, signaling.ErrChannelClosed)
	})
}

func TestNotify(t *testing.T) {
	t.Run("given notification when sent then carries no request id", func(t *testing.T) {
		got := make(chan request.Common, 1)
		mc := newMockChannel(t, func(req request.Common) *response.Common {
			got <- req
			return nil
		})

		assert.NoError(t, mc.channel.Notify(request.LeaveRoom, request.Leave{RoomID: "room", PeerID: "alice"}))

		select {
		case req := <-got:
			assert.Zero(t, req.RequestID)
			assert.Equal(t, request.LeaveRoom, req.Type)
		case <-time.After(time.Second):
			t.Fatal("notification not sent")
		}
	})
}

func TestEventDispatch(t *testing.T) {
	t.Run("given pushed consumer event when read then published on broker", func(t *testing.T) {
		mc := newMockChannel(t, func(request.Common) *response.Common { return nil })
		sub := mc.broker.Subscribe(broker.Consumer, broker.NEW)

		payload, _ := json.Marshal(event.NewConsumer{ProducerID: "p1", Kind: engine.Video, PeerID: "bob"})
		mc.inbound <- response.Common{Type: event.NewConsumerType, Payload: payload}

		select {
		case msg := <-sub.Receive():
			ev, ok := msg.(event.NewConsumer)
			assert.True(t, ok)
			assert.Equal(t, "p1", ev.ProducerID)
			assert.Equal(t, "bob", ev.PeerID)
		case <-time.After(time.Second):
			t.Fatal("event not dispatched")
		}
	})

	t.Run("given socket failure when pending request then fails and disconnect published", func(t *testing.T) {
		mc := newMockChannel(t, func(request.Common) *response.Common { return nil })
		sub := mc.broker.Subscribe(broker.Socket, broker.DISCONNECTED)

		errCh := make(chan error, 1)
		go func() {
			_, err := mc.channel.Request(context.Background(), request.Consume, nil)
			errCh <- err
		}()
		time.Sleep(20 * time.Millisecond)
		mc.dropSocket()

		assert.ErrorIs(t, <-errCh, signaling.ErrChannelClosed)
		select {
		case msg := <-sub.Receive():
			_, ok := msg.(event.Disconnected)
			assert.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("disconnect event not published")
		}
	})
}
