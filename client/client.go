// Package client is the top level facade: one Client is one connection to a
// conferencing server and at most one room membership at a time.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"meet/broker"
	"meet/engine"
	"meet/metric"
	"meet/peer"
	"meet/pkg/socket"
	"meet/session"
	"meet/signaling"
	"meet/store/memory"
	"meet/types/signal/event"
)

// ErrNotConnected is returned when a room operation runs before Connect.
var ErrNotConnected = errors.New("client not connected")

// Config defines the configuration for a client.
type Config struct {
	ServerURL      string             // Signaling server URL
	UserID         string             // Local peer id; empty generates one per join
	Codec          session.Codec      // Preferred video codec
	Resolution     session.Resolution // Capture preset
	RequestTimeout time.Duration      // Signaling request timeout
	DataLabel      string             // Outbound data channel label
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	sig := c.signaling()
	if err := sig.Validate(); err != nil {
		return err
	}
	ses := c.session()
	return ses.Validate()
}

func (c *Config) signaling() signaling.Config {
	return signaling.Config{ServerURL: c.ServerURL, RequestTimeout: c.RequestTimeout}
}

func (c *Config) session() session.Config {
	return session.Config{Codec: c.Codec, Resolution: c.Resolution, DataLabel: c.DataLabel}
}

// Client wires the socket, signaling channel and session together.
type Client struct {
	conf    Config
	eng     engine.Engine
	metrics *metric.Metrics

	broker  *broker.Broker
	channel *signaling.Channel
	session *session.Session
}

// New creates a disconnected Client over the given media engine. metrics may
// be nil.
func New(conf Config, eng engine.Engine, metrics *metric.Metrics) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate client config: %w", err)
	}
	return &Client{conf: conf, eng: eng, metrics: metrics}, nil
}

// Connect dials the signaling server and prepares an idle session.
func (c *Client) Connect() error {
	if c.session != nil {
		return errors.New("client already connected")
	}

	sock, err := socket.Dial(c.conf.ServerURL)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.conf.ServerURL, err)
	}

	c.broker = broker.New()
	c.channel = signaling.New(c.conf.signaling(), sock, c.broker)
	c.channel.Start()

	ses, err := session.New(c.conf.session(), c.channel, c.eng, c.broker, memory.New(), c.metrics)
	if err != nil {
		_ = c.channel.Close()
		return err
	}
	c.session = ses
	log.Info().Str("server", c.conf.ServerURL).Msg("connected to signaling server")
	return nil
}

// JoinRoom enters a room with the local capture stream.
func (c *Client) JoinRoom(ctx context.Context, stream engine.Stream, roomID string) error {
	if c.session == nil {
		return ErrNotConnected
	}
	return c.session.JoinRoom(ctx, stream, roomID, c.conf.UserID)
}

// LeaveRoom exits the current room.
func (c *Client) LeaveRoom() error {
	if c.session == nil {
		return ErrNotConnected
	}
	return c.session.LeaveRoom()
}

// Reconfigure rejoins the current room with a new codec and preset. stream is
// the capture re-acquired for the new preset; nil keeps the current one.
func (c *Client) Reconfigure(ctx context.Context, stream engine.Stream, codec session.Codec, resolution session.Resolution) error {
	if c.session == nil {
		return ErrNotConnected
	}
	conf := c.conf.session()
	conf.Codec = codec
	conf.Resolution = resolution
	return c.session.Reconfigure(ctx, conf, stream)
}

// Invite forwards a room invitation to other users.
func (c *Client) Invite(inviteeIDs []string, profile map[string]string) error {
	if c.session == nil {
		return ErrNotConnected
	}
	return c.session.Invite(inviteeIDs, profile)
}

// SendData writes one message to the room data channel.
func (c *Client) SendData(payload []byte) error {
	if c.session == nil {
		return ErrNotConnected
	}
	return c.session.SendData(payload)
}

// SetMuted stops or resumes publishing one media kind.
func (c *Client) SetMuted(ctx context.Context, kind engine.Kind, muted bool) error {
	if c.session == nil {
		return ErrNotConnected
	}
	return c.session.SetMuted(ctx, kind, muted)
}

// Peers returns the current remote stream snapshot.
func (c *Client) Peers() []*peer.Stream {
	if c.session == nil {
		return nil
	}
	return c.session.Peers()
}

// SetActivePeer focuses one peer's video.
func (c *Client) SetActivePeer(peerID string) {
	if c.session != nil {
		c.session.SetActivePeer(peerID)
	}
}

// ActivePeer returns the focused peer id.
func (c *Client) ActivePeer() string {
	if c.session == nil {
		return ""
	}
	return c.session.ActivePeer()
}

// State returns the session phase.
func (c *Client) State() session.State {
	if c.session == nil {
		return session.Idle
	}
	return c.session.State()
}

// OnStateChange binds the session phase observer. Bind before JoinRoom.
func (c *Client) OnStateChange(f func(session.State)) {
	if c.session != nil {
		c.session.OnStateChange(f)
	}
}

// OnPeersChange binds the peer list observer. Bind before JoinRoom.
func (c *Client) OnPeersChange(f func([]*peer.Stream)) {
	if c.session != nil {
		c.session.OnPeersChange(f)
	}
}

// OnInvitation binds the invitation observer. Bind before JoinRoom.
func (c *Client) OnInvitation(f func(event.InvitedToRoom)) {
	if c.session != nil {
		c.session.OnInvitation(f)
	}
}

// OnData binds the data message observer. Bind before JoinRoom.
func (c *Client) OnData(f func(peerID string, payload []byte)) {
	if c.session != nil {
		c.session.OnData(f)
	}
}

// Close leaves any active room and shuts the connection down.
func (c *Client) Close() error {
	if c.session == nil {
		return nil
	}
	if c.session.State() != session.Idle {
		if err := c.session.LeaveRoom(); err != nil && !errors.Is(err, session.ErrInvalidState) {
			log.Error().Err(err).Msg("failed to leave room on close")
		}
	}
	err := c.channel.Close()
	c.broker.Close()
	c.session = nil
	return err
}
