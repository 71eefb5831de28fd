// Package memory provides an in-memory store implementation.
package memory

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"meet/engine"
	"meet/store"
)

// Store is a memory-backed session state store.
type Store struct {
	db *memdb.MemDB
}

// New creates a new memory-backed store.
func New() *Store {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(err)
	}
	return &Store{db: db}
}

// CreateTrackInfo records a consumed track for a peer.
func (s *Store) CreateTrackInfo(id, peerID string, kind engine.Kind) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tblTracks, idxTrackID, id)
	if err != nil {
		return fmt.Errorf("find track by id: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%s: %w", id, store.ErrTrackAlreadyExists)
	}
	info := &store.TrackInfo{ID: id, PeerID: peerID, Kind: kind}
	if err := txn.Insert(tblTracks, info); err != nil {
		return fmt.Errorf("insert track: %w", err)
	}
	txn.Commit()
	return nil
}

// DeleteTrackInfo removes one track entry.
func (s *Store) DeleteTrackInfo(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tblTracks, idxTrackID, id)
	if err != nil {
		return fmt.Errorf("find track by id: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("%s: %w", id, store.ErrTrackNotFound)
	}
	if err := txn.Delete(tblTracks, raw); err != nil {
		return fmt.Errorf("delete track: %w", err)
	}
	txn.Commit()
	return nil
}

// FindTrackInfoByID finds a track by its id.
func (s *Store) FindTrackInfoByID(id string) (*store.TrackInfo, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tblTracks, idxTrackID, id)
	if err != nil {
		return nil, fmt.Errorf("find track by id: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", id, store.ErrTrackNotFound)
	}
	return raw.(*store.TrackInfo).DeepCopy(), nil
}

// FindTrackInfoByPeer returns every track registered to a peer.
func (s *Store) FindTrackInfoByPeer(peerID string) ([]*store.TrackInfo, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tblTracks, idxTrackPeerID, peerID)
	if err != nil {
		return nil, fmt.Errorf("find tracks by peer: %w", err)
	}
	var infos []*store.TrackInfo
	for raw := it.Next(); raw != nil; raw = it.Next() {
		infos = append(infos, raw.(*store.TrackInfo).DeepCopy())
	}
	return infos, nil
}

// DeleteTrackInfoByPeer removes every track registered to a peer.
func (s *Store) DeleteTrackInfoByPeer(peerID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(tblTracks, idxTrackPeerID, peerID); err != nil {
		return fmt.Errorf("delete tracks by peer: %w", err)
	}
	txn.Commit()
	return nil
}

// CreateTransportInfo records a live transport slot.
func (s *Store) CreateTransportInfo(id string, direction engine.Direction, kind engine.Kind, peerID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tblTransports, idxSlot, string(direction), string(kind), peerID)
	if err != nil {
		return fmt.Errorf("find transport by slot: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%s/%s/%s: %w", direction, kind, peerID, store.ErrTransportAlreadyExists)
	}
	info := &store.TransportInfo{ID: id, Direction: direction, Kind: kind, PeerID: peerID}
	if err := txn.Insert(tblTransports, info); err != nil {
		return fmt.Errorf("insert transport: %w", err)
	}
	txn.Commit()
	return nil
}

// DeleteTransportInfo removes one transport entry.
func (s *Store) DeleteTransportInfo(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tblTransports, idxTransportID, id)
	if err != nil {
		return fmt.Errorf("find transport by id: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("%s: %w", id, store.ErrTransportNotFound)
	}
	if err := txn.Delete(tblTransports, raw); err != nil {
		return fmt.Errorf("delete transport: %w", err)
	}
	txn.Commit()
	return nil
}

// FindTransportInfoBySlot finds the transport occupying a slot.
func (s *Store) FindTransportInfoBySlot(direction engine.Direction, kind engine.Kind, peerID string) (*store.TransportInfo, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tblTransports, idxSlot, string(direction), string(kind), peerID)
	if err != nil {
		return nil, fmt.Errorf("find transport by slot: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s/%s/%s: %w", direction, kind, peerID, store.ErrTransportNotFound)
	}
	return raw.(*store.TransportInfo).DeepCopy(), nil
}

// ListTransportInfo returns every live transport entry.
func (s *Store) ListTransportInfo() ([]*store.TransportInfo, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tblTransports, idxTransportID)
	if err != nil {
		return nil, fmt.Errorf("list transports: %w", err)
	}
	var infos []*store.TransportInfo
	for raw := it.Next(); raw != nil; raw = it.Next() {
		infos = append(infos, raw.(*store.TransportInfo).DeepCopy())
	}
	return infos, nil
}

// Reset drops all session state.
func (s *Store) Reset() error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	for _, tbl := range []string{tblTracks, tblTransports} {
		if _, err := txn.DeleteAll(tbl, "id"); err != nil {
			return fmt.Errorf("reset %s: %w", tbl, err)
		}
	}
	txn.Commit()
	return nil
}
