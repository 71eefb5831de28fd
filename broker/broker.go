// Package broker fans server-pushed signaling events out to session
// components. Topics group events by concern; details scope a topic to one
// subscriber group (usually a room).
package broker

import (
	"sync"

	"meet/broker/channel"
	"meet/broker/subscription"
)

// Topic groups related events.
type Topic int

// Topics.
const (
	Consumer Topic = iota
	DataConsumer
	Producer
	Peer
	Invite
	Socket
)

// Detail narrows a topic to one event flavor.
type Detail string

// Details.
const (
	NEW          Detail = "NEW"
	BATCH        Detail = "BATCH"
	CLOSED       Detail = "CLOSED"
	DISCONNECTED Detail = "DISCONNECTED"
	RECEIVED     Detail = "RECEIVED"
)

type key struct {
	topic  Topic
	detail Detail
}

// Broker routes published messages to topic subscribers.
type Broker struct {
	mu       sync.RWMutex
	channels map[key]*channel.Channel
}

// New creates a new Broker.
func New() *Broker {
	return &Broker{
		channels: make(map[key]*channel.Channel),
	}
}

// Publish delivers a message to every subscriber of (topic, detail). It
// returns the number of subscribers reached.
func (b *Broker) Publish(topic Topic, detail Detail, message any) int {
	b.mu.RLock()
	ch, ok := b.channels[key{topic, detail}]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return ch.SendAll(message)
}

// Subscribe registers a new subscription for (topic, detail).
func (b *Broker) Subscribe(topic Topic, detail Detail) *subscription.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key{topic, detail}
	ch, ok := b.channels[k]
	if !ok {
		ch = channel.New()
		b.channels[k] = ch
	}
	sub := subscription.New()
	ch.AddSubscription(sub)
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(topic Topic, detail Detail, sub *subscription.Subscription) {
	b.mu.RLock()
	ch, ok := b.channels[key{topic, detail}]
	b.mu.RUnlock()
	if !ok {
		return
	}
	ch.RemoveSubscription(sub)
}

// Close closes every subscription on every channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.channels {
		ch.CloseAll()
	}
	b.channels = make(map[key]*channel.Channel)
}
