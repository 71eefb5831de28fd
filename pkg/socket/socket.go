// Package socket provides an interface for managing the signaling socket.
package socket

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// WebSocket wraps the gorilla/websocket connection.
type WebSocket struct {
	conn *websocket.Conn
}

// Dial connects to the signaling server. serverURL may be a bare host:port,
// in which case a secure websocket scheme is assumed.
func Dial(serverURL string) (*WebSocket, error) {
	u, err := parseServerURL(serverURL)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", u.String(), err)
	}
	return &WebSocket{conn: conn}, nil
}

func parseServerURL(serverURL string) (*url.URL, error) {
	if strings.HasPrefix(serverURL, "ws://") || strings.HasPrefix(serverURL, "wss://") {
		u, err := url.Parse(serverURL)
		if err != nil {
			return nil, fmt.Errorf("invalid server url %q: %w", serverURL, err)
		}
		return u, nil
	}
	return &url.URL{Scheme: "wss", Host: serverURL, Path: "/ws"}, nil
}

// Close closes the WebSocket connection.
func (s *WebSocket) Close() error {
	return s.conn.Close()
}

// WriteJSON sends a JSON message to the WebSocket connection.
func (s *WebSocket) WriteJSON(data any) error {
	if err := s.conn.WriteJSON(data); err != nil {
		return err
	}
	return nil
}

// ReadJSON reads a JSON message from the WebSocket connection and
// unmarshals it into the provided variable.
func (s *WebSocket) ReadJSON(v any) error {
	return s.conn.ReadJSON(v)
}
