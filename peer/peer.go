// Package peer maintains the track-to-peer registry and the per-peer
// aggregate streams surfaced to the application.
package peer

import (
	"sync"

	"github.com/rs/zerolog/log"

	"meet/engine"
	"meet/store"
)

// Stream is the application-facing aggregate of one remote peer's tracks.
type Stream struct {
	PeerID string
	Tracks []engine.Track
}

// clone returns a copy with a fresh track slice. The application does
// identity-based change detection, so mutated streams are never handed out
// in place.
func (s *Stream) clone() *Stream {
	tracks := make([]engine.Track, len(s.Tracks))
	copy(tracks, s.Tracks)
	return &Stream{PeerID: s.PeerID, Tracks: tracks}
}

// Registry maps consumed tracks to their owning peers and keeps the ordered
// peer list. A Stream exists iff at least one live track is registered for
// that peer.
type Registry struct {
	localID string
	store   store.Store

	mu      sync.Mutex
	streams map[string]*Stream
	order   []string
	active  string

	onChange func([]*Stream)
}

// NewRegistry creates a registry for one session. localID is the fallback
// for the active video selection.
func NewRegistry(localID string, st store.Store) *Registry {
	return &Registry{
		localID: localID,
		store:   st,
		streams: make(map[string]*Stream),
		active:  localID,
	}
}

// OnChange registers a callback invoked with a snapshot of the peer list
// after every mutation. Must be set before the registry is shared.
func (r *Registry) OnChange(fn func([]*Stream)) {
	r.onChange = fn
}

// AddTrack registers a consumed track under its peer and upserts the peer's
// aggregate stream into the list.
func (r *Registry) AddTrack(peerID string, track engine.Track) error {
	if err := r.store.CreateTrackInfo(track.ID(), peerID, track.Kind()); err != nil {
		return err
	}

	r.mu.Lock()
	s, ok := r.streams[peerID]
	if !ok {
		s = &Stream{PeerID: peerID}
		r.streams[peerID] = s
		r.order = append(r.order, peerID)
	}
	next := s.clone()
	next.Tracks = append(next.Tracks, track)
	r.streams[peerID] = next
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	log.Debug().Str("peer", peerID).Str("track", track.ID()).
		Str("kind", string(track.Kind())).Msg("track registered")
	r.notify(snapshot)
	return nil
}

// RemoveTrack drops one track, stops it, and removes the peer when it was
// the last one registered.
func (r *Registry) RemoveTrack(trackID string) {
	info, err := r.store.FindTrackInfoByID(trackID)
	if err != nil {
		return
	}
	if err := r.store.DeleteTrackInfo(trackID); err != nil {
		log.Warn().Err(err).Str("track", trackID).Msg("failed to drop track entry")
	}

	r.mu.Lock()
	if s, ok := r.streams[info.PeerID]; ok {
		next := s.clone()
		for i, t := range next.Tracks {
			if t.ID() == trackID {
				t.Stop()
				next.Tracks = append(next.Tracks[:i], next.Tracks[i+1:]...)
				break
			}
		}
		r.streams[info.PeerID] = next
	}
	r.mu.Unlock()

	r.removePeerIfEmpty(info.PeerID)
}

// removePeerIfEmpty removes the peer's stream when no tracks
// remain registered for it. Removal stops all of the stream's tracks and
// falls the active selection back to the local peer if needed.
func (r *Registry) removePeerIfEmpty(peerID string) {
	infos, err := r.store.FindTrackInfoByPeer(peerID)
	if err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("failed to scan track registry")
		return
	}
	if len(infos) > 0 {
		r.mu.Lock()
		snapshot := r.snapshotLocked()
		r.mu.Unlock()
		r.notify(snapshot)
		return
	}
	r.RemovePeer(peerID)
}

// RemovePeer unconditionally drops a peer: stops its tracks, clears its
// registry entries and removes it from the list.
func (r *Registry) RemovePeer(peerID string) {
	if err := r.store.DeleteTrackInfoByPeer(peerID); err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("failed to clear track entries")
	}

	r.mu.Lock()
	s, ok := r.streams[peerID]
	if ok {
		for _, t := range s.Tracks {
			t.Stop()
		}
		delete(r.streams, peerID)
		for i, id := range r.order {
			if id == peerID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	if r.active == peerID {
		r.active = r.localID
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if ok {
		log.Info().Str("peer", peerID).Msg("peer removed")
		r.notify(snapshot)
	}
}

// Peers returns a snapshot of the peer list in join order.
func (r *Registry) Peers() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// SetActive selects the active video. Unknown ids are accepted; the local
// peer id is always valid.
func (r *Registry) SetActive(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = peerID
}

// Active returns the current active video selection.
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Reset stops every tracked stream and clears all state.
func (r *Registry) Reset() {
	r.mu.Lock()
	for _, s := range r.streams {
		for _, t := range s.Tracks {
			t.Stop()
		}
	}
	r.streams = make(map[string]*Stream)
	r.order = nil
	r.active = r.localID
	r.mu.Unlock()

	if err := r.store.Reset(); err != nil {
		log.Warn().Err(err).Msg("failed to reset session store")
	}
	r.notify(nil)
}

func (r *Registry) snapshotLocked() []*Stream {
	out := make([]*Stream, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.streams[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) notify(snapshot []*Stream) {
	if r.onChange != nil {
		r.onChange(snapshot)
	}
}
