package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"meet/broker"
	"meet/pkg/socket"
	"meet/types/signal/event"
	"meet/types/signal/request"
	"meet/types/signal/response"
)

// Below is the error set for the signaling channel.
var (
	// ErrChannelClosed is returned when a request is issued on a closed
	// channel, or when the socket drops while a request is pending.
	ErrChannelClosed = errors.New("signaling channel closed")

	// ErrRequestFailed wraps a server-side error carried in a response.
	ErrRequestFailed = errors.New("signaling request failed")
)

// Channel multiplexes request/response pairs and server-pushed events over
// one socket. Responses are correlated by request id; each pending entry is
// resolved at most once, so a re-emitted response is a no-op. Events carry no
// request id and are fanned out through the broker.
type Channel struct {
	conf   Config
	sock   socket.Socket
	broker *broker.Broker

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan response.Common

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a new Channel over an established socket.
func New(conf Config, sock socket.Socket, brk *broker.Broker) *Channel {
	return &Channel{
		conf:    conf,
		sock:    sock,
		broker:  brk,
		pending: make(map[int64]chan response.Common),
		closed:  make(chan struct{}),
	}
}

// Start runs the read loop until the socket fails or the channel closes.
// Socket failure fails all pending requests and publishes a Disconnected
// event; callers decide whether that is session-fatal.
func (c *Channel) Start() {
	go c.readLoop()
}

// Closed returns a channel closed when the signaling channel shuts down.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// Close shuts the channel down and closes the underlying socket.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.sock.Close()
		c.failPending()
	})
	return err
}

// Request sends a correlated request and blocks until the matching response,
// ctx cancellation, or channel shutdown. The response payload is returned
// raw; the caller unmarshals it into the expected shape.
func (c *Channel) Request(ctx context.Context, reqType string, payload any) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, ErrChannelClosed
	default:
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", reqType, err)
	}

	id := c.nextID.Add(1)
	ch := make(chan response.Common, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.sock.WriteJSON(request.Common{RequestID: id, Type: reqType, Payload: body}); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", reqType, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeout())
	defer cancel()

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrChannelClosed
		}
		if res.Error != "" {
			return nil, fmt.Errorf("%s: %s: %w", reqType, res.Error, ErrRequestFailed)
		}
		return res.Payload, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s request: %w", reqType, ctx.Err())
	case <-c.closed:
		return nil, ErrChannelClosed
	}
}

// Notify sends a fire-and-forget request. No response is expected.
func (c *Channel) Notify(reqType string, payload any) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", reqType, err)
	}
	if err := c.sock.WriteJSON(request.Common{Type: reqType, Payload: body}); err != nil {
		return fmt.Errorf("failed to send %s notification: %w", reqType, err)
	}
	return nil
}

func (c *Channel) readLoop() {
	for {
		var msg response.Common
		if err := c.sock.ReadJSON(&msg); err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			log.Error().Err(err).Msg("signaling socket read failed")
			c.closeOnce.Do(func() {
				close(c.closed)
				_ = c.sock.Close()
				c.failPending()
			})
			c.broker.Publish(broker.Socket, broker.DISCONNECTED, event.Disconnected{Reason: err.Error()})
			return
		}

		if msg.RequestID != 0 {
			c.resolve(msg)
			continue
		}
		c.dispatchEvent(msg)
	}
}

// resolve hands a response to its pending request. The entry is removed
// first, so a duplicate response with the same id finds nothing to fire.
func (c *Channel) resolve(msg response.Common) {
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	if ok {
		delete(c.pending, msg.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		log.Debug().Int64("request_id", msg.RequestID).Str("type", msg.Type).
			Msg("dropped response with no pending request")
		return
	}
	ch <- msg
}

// failPending closes every pending entry; the waiting requests observe the
// closure and fail with ErrChannelClosed.
func (c *Channel) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// dispatchEvent decodes a server-pushed event and publishes it on the
// broker. Unknown event types are logged and dropped.
func (c *Channel) dispatchEvent(msg response.Common) {
	decode := func(v any) bool {
		if err := json.Unmarshal(msg.Payload, v); err != nil {
			log.Error().Err(err).Str("type", msg.Type).Msg("failed to decode event payload")
			return false
		}
		return true
	}

	switch msg.Type {
	case event.NewConsumerType:
		var ev event.NewConsumer
		if decode(&ev) {
			c.broker.Publish(broker.Consumer, broker.NEW, ev)
		}
	case event.NewConsumersType:
		var ev event.NewConsumers
		if decode(&ev) {
			c.broker.Publish(broker.Consumer, broker.BATCH, ev)
		}
	case event.ProducerClosedType:
		var ev event.ProducerClosed
		if decode(&ev) {
			c.broker.Publish(broker.Producer, broker.CLOSED, ev)
		}
	case event.PeerDisconnectedType:
		var ev event.PeerDisconnected
		if decode(&ev) {
			c.broker.Publish(broker.Peer, broker.DISCONNECTED, ev)
		}
	case event.InvitedToRoomType:
		var ev event.InvitedToRoom
		if decode(&ev) {
			c.broker.Publish(broker.Invite, broker.RECEIVED, ev)
		}
	case event.NewDataConsumerType:
		var ev event.NewDataConsumer
		if decode(&ev) {
			c.broker.Publish(broker.DataConsumer, broker.NEW, ev)
		}
	case event.NewDataConsumersType:
		var ev event.NewDataConsumers
		if decode(&ev) {
			c.broker.Publish(broker.DataConsumer, broker.BATCH, ev)
		}
	case event.DataProducerClosedType:
		var ev event.DataProducerClosed
		if decode(&ev) {
			c.broker.Publish(broker.DataConsumer, broker.CLOSED, ev)
		}
	default:
		log.Warn().Str("type", msg.Type).Msg("unknown signaling event")
	}
}
