// Package store provides an interface for session state storage.
package store

import (
	"errors"

	"meet/engine"
)

// Below is the error set for store operations.
var (
	// ErrTrackAlreadyExists is returned when the track already exists.
	ErrTrackAlreadyExists = errors.New("track already exists")

	// ErrTrackNotFound is returned when the track is not found.
	ErrTrackNotFound = errors.New("track not found")

	// ErrTransportAlreadyExists is returned when the transport already exists.
	ErrTransportAlreadyExists = errors.New("transport already exists")

	// ErrTransportNotFound is returned when the transport is not found.
	ErrTransportNotFound = errors.New("transport not found")
)

// TrackInfo maps one consumed track to its owning remote peer.
type TrackInfo struct {
	ID     string
	PeerID string
	Kind   engine.Kind
}

// DeepCopy returns a copy safe to hand outside a transaction.
func (t *TrackInfo) DeepCopy() *TrackInfo {
	c := *t
	return &c
}

// TransportInfo records one live transport slot.
type TransportInfo struct {
	ID        string
	Direction engine.Direction
	Kind      engine.Kind
	PeerID    string
}

// DeepCopy returns a copy safe to hand outside a transaction.
func (t *TransportInfo) DeepCopy() *TransportInfo {
	c := *t
	return &c
}

// Store is an interface for session state storage. All state is scoped to
// one session and cleared on leave.
type Store interface {
	CreateTrackInfo(id, peerID string, kind engine.Kind) error
	DeleteTrackInfo(id string) error
	FindTrackInfoByPeer(peerID string) ([]*TrackInfo, error)
	FindTrackInfoByID(id string) (*TrackInfo, error)
	DeleteTrackInfoByPeer(peerID string) error

	CreateTransportInfo(id string, direction engine.Direction, kind engine.Kind, peerID string) error
	DeleteTransportInfo(id string) error
	FindTransportInfoBySlot(direction engine.Direction, kind engine.Kind, peerID string) (*TransportInfo, error)
	ListTransportInfo() ([]*TransportInfo, error)

	Reset() error
}
