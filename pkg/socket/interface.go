// Package socket provides an interface for managing the signaling socket.
package socket

// Socket is an interface for managing the signaling socket.
//
//go:generate mockgen -destination=mock_socket.go -package=socket . Socket
type Socket interface {
	Close() error
	WriteJSON(data any) error
	ReadJSON(v any) error
}
