package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishSubscribe(t *testing.T) {
	t.Run("given subscriber when published then message is delivered", func(t *testing.T) {
		b := New()
		sub := b.Subscribe(Consumer, NEW)

		n := b.Publish(Consumer, NEW, "hello")

		assert.Equal(t, 1, n)
		select {
		case msg := <-sub.Receive():
			assert.Equal(t, "hello", msg)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	})

	t.Run("given no subscriber when published then zero delivered", func(t *testing.T) {
		b := New()

		n := b.Publish(Producer, CLOSED, "lost")

		assert.Equal(t, 0, n)
	})

	t.Run("given two subscribers when published then both receive", func(t *testing.T) {
		b := New()
		first := b.Subscribe(Peer, DISCONNECTED)
		second := b.Subscribe(Peer, DISCONNECTED)

		n := b.Publish(Peer, DISCONNECTED, "gone")

		assert.Equal(t, 2, n)
		assert.Equal(t, "gone", <-first.Receive())
		assert.Equal(t, "gone", <-second.Receive())
	})

	t.Run("given different detail when published then not delivered", func(t *testing.T) {
		b := New()
		sub := b.Subscribe(Consumer, NEW)

		n := b.Publish(Consumer, BATCH, "batch")

		assert.Equal(t, 0, n)
		select {
		case <-sub.Receive():
			t.Fatal("unexpected delivery")
		default:
		}
	})
}

func TestUnsubscribe(t *testing.T) {
	t.Run("given unsubscribed subscription when published then not delivered", func(t *testing.T) {
		b := New()
		sub := b.Subscribe(Invite, RECEIVED)

		b.Unsubscribe(Invite, RECEIVED, sub)
		n := b.Publish(Invite, RECEIVED, "invite")

		assert.Equal(t, 0, n)
	})
}

func TestClose(t *testing.T) {
	t.Run("given closed broker when published then no subscribers remain", func(t *testing.T) {
		b := New()
		b.Subscribe(Socket, DISCONNECTED)

		b.Close()
		n := b.Publish(Socket, DISCONNECTED, "down")

		assert.Equal(t, 0, n)
	})
}
