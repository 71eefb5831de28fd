// Package channel provides the implementation of broker message channels.
package channel

import (
	"sync"

	"meet/broker/subscription"
)

// Channel represents a message channel that can have multiple subscribers.
type Channel struct {
	mu   sync.RWMutex
	subs []*subscription.Subscription
}

// New creates and initializes a new Channel instance.
func New() *Channel {
	return &Channel{
		subs: make([]*subscription.Subscription, 0),
	}
}

// SendAll sends a message to every subscription. Delivery preserves the
// publish order per subscriber; a subscriber with a full queue misses the
// message. It returns the number of subscribers reached.
func (c *Channel) SendAll(message any) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sent := 0
	for _, sub := range c.subs {
		if sub.Send(message) {
			sent++
		}
	}
	return sent
}

// AddSubscription adds a new Subscription to the Channel.
func (c *Channel) AddSubscription(sub *subscription.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs = append(c.subs, sub)
}

// RemoveSubscription removes and closes a Subscription.
func (c *Channel) RemoveSubscription(sub *subscription.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			sub.Close()
			return
		}
	}
}

// CloseAll closes and removes every subscription.
func (c *Channel) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.subs {
		s.Close()
	}
	c.subs = c.subs[:0]
}
