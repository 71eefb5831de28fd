// Package subscription provides the receiving end of a broker channel.
package subscription

import "sync"

const queueSize = 64

// Subscription is a single subscriber's buffered event queue.
type Subscription struct {
	mu     sync.Mutex
	queue  chan any
	closed bool
}

// New creates a new Subscription.
func New() *Subscription {
	return &Subscription{
		queue: make(chan any, queueSize),
	}
}

// Send enqueues a message. It reports false when the queue is full or the
// subscription is closed; the message is dropped in both cases.
func (s *Subscription) Send(message any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- message:
		return true
	default:
		return false
	}
}

// Receive returns the channel messages are delivered on. The channel is
// closed when the subscription is closed.
func (s *Subscription) Receive() <-chan any {
	return s.queue
}

// Close closes the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}
