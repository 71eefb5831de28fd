package media

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DataProducer is a locally opened data channel.
type DataProducer struct {
	id      string
	channel *webrtc.DataChannel
}

// ID returns the server-assigned data producer id.
func (p *DataProducer) ID() string {
	return p.id
}

// Label returns the channel label.
func (p *DataProducer) Label() string {
	return p.channel.Label()
}

// ReadyState returns the channel's current state.
func (p *DataProducer) ReadyState() webrtc.DataChannelState {
	return p.channel.ReadyState()
}

// OnOpen binds the open handler.
func (p *DataProducer) OnOpen(f func()) {
	p.channel.OnOpen(f)
}

// OnClose binds the close handler.
func (p *DataProducer) OnClose(f func()) {
	p.channel.OnClose(f)
}

// Send writes one message to the channel.
func (p *DataProducer) Send(payload []byte) error {
	if err := p.channel.Send(payload); err != nil {
		return fmt.Errorf("failed to send data channel message: %w", err)
	}
	return nil
}

// Close tears down the channel.
func (p *DataProducer) Close() error {
	if err := p.channel.Close(); err != nil {
		return fmt.Errorf("failed to close data channel: %w", err)
	}
	return nil
}

// DataConsumer is a subscription to one remote data producer. The underlying
// channel arrives from the remote side after subscription; messages received
// before a handler is bound are dropped.
type DataConsumer struct {
	id             string
	dataProducerID string
	label          string
	appData        map[string]any

	mu        sync.Mutex
	channel   *webrtc.DataChannel
	onMessage func(payload []byte)
}

// ID returns the synthesized data consumer id.
func (c *DataConsumer) ID() string {
	return c.id
}

// DataProducerID returns the remote data producer id.
func (c *DataConsumer) DataProducerID() string {
	return c.dataProducerID
}

// Label returns the channel label.
func (c *DataConsumer) Label() string {
	return c.label
}

// AppData returns the application metadata attached by the producer.
func (c *DataConsumer) AppData() map[string]any {
	return c.appData
}

// OnMessage binds the message handler.
func (c *DataConsumer) OnMessage(f func(payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = f
	if c.channel != nil {
		c.bindLocked()
	}
}

// bind attaches the remote-opened channel.
func (c *DataConsumer) bind(channel *webrtc.DataChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = channel
	if c.onMessage != nil {
		c.bindLocked()
	}
}

func (c *DataConsumer) bindLocked() {
	handler := c.onMessage
	c.channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		handler(msg.Data)
	})
}

// Close tears down the subscription.
func (c *DataConsumer) Close() error {
	c.mu.Lock()
	channel := c.channel
	c.channel = nil
	c.mu.Unlock()
	if channel == nil {
		return nil
	}
	if err := channel.Close(); err != nil {
		return fmt.Errorf("failed to close data channel: %w", err)
	}
	return nil
}
