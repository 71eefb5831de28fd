package peer_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"meet/engine"
	"meet/peer"
	"meet/store"
	"meet/store/memory"
)

type fakeTrack struct {
	id      string
	kind    engine.Kind
	stopped atomic.Bool
}

func newFakeTrack(id string, kind engine.Kind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind}
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() engine.Kind { return t.kind }
func (t *fakeTrack) Live() bool { return !t.stopped.Load() }
func (t *fakeTrack) Stop() { t.stopped.Store(true) }

func TestAddTrack(t *testing.T) {
	t.Run("given new peer when track added then stream appears", func(t *testing.T) {
		r := peer.NewRegistry("local", memory.New())

		err := r.AddTrack("bob", newFakeTrack("t1", engine.Video))

		assert.NoError(t, err)
		peers := r.Peers()
		assert.Len(t, peers, 1)
		assert.Equal(t, "bob", peers[0].PeerID)
		assert.Len(t, peers[0].Tracks, 1)
	})

	t.Run("given existing peer when second track added then one stream with two tracks", func(t *testing.T) {
		r := peer.NewRegistry("local", memory.New())
		assert.NoError(t, r.AddTrack("bob", newFakeTrack("t1", engine.Video)))

		err := r.AddTrack("bob", newFakeTrack("t2", engine.Audio))

		assert.NoError(t, err)
		peers := r.Peers()
		assert.Len(t, peers, 1)
		assert.Len(t, peers[0].Tracks, 2)
	})

	t.Run("given duplicate track id when added then error", func(t *testing.T) {
		r := peer.NewRegistry("local", memory.New())
		assert.NoError(t, r.AddTrack("bob", newFakeTrack("t1", engine.Video)))

		err := r.AddTrack("carol", newFakeTrack("t1", engine.Video))

		assert.ErrorIs(t, err, store.ErrTrackAlreadyExists)
	})

	t.Run("given mutation when observed then snapshot is fresh", func(t *testing.T) {
		r := peer.NewRegistry("local", memory.New())
		assert.NoError(t, r.AddTrack("bob", newFakeTrack("t1", engine.Video)))
		before := r.Peers()

		assert.NoError(t, r.AddTrack("bob", newFakeTrack("t2", engine.Audio)))

		assert.Len(t, before[0].Tracks, 1, "earlier snapshot must not mutate")
	})
}

func TestRemoveTrack(t *testing.T) {
	t.Run("given peer with two tracks when one removed then peer stays", func(t *testing.T) {
		r := peer.NewRegistry("local", memory.New())
		video := newFakeTrack("t1", engine.Video)
		assert.NoError(t, r.AddTrack("bob", video))
		assert.NoError(t, r.AddTrack("bob", newFakeTrack("t2", engine.Audio)))

		r.RemoveTrack("t1")

		peers := r.Peers()
		assert.Len(t, peers, 1)
		assert.Len(t, peers[0].Tracks, 1)
		assert.False(t, video.Live(), "removed track must be stopped")
	})

	t.Run("given peer with one track when removed then peer disappears", func(t *testing.T) {
		r := peer.NewRegistry("local", memory.New())
		assert.NoError(t, r.AddTrack("bob", newFakeTrack("t1", engine.Video)))

		r.RemoveTrack("t1")

		assert.Empty(t, r.Peers())
	})

	t.Run("given unknown track when removed then no-op", func(t *testing.T) {
		r := peer.NewRegistry("local", memory.New())
		assert.NoError(t, r.AddTrack("bob", newFakeTrack("t1", engine.Video)))

		r.RemoveTrack("missing")

		assert.Len(t, r.Peers(), 1)
	})
}

func TestActivePeer(t *testing.T) {
	t.Run("given fresh registry when queried then local peer is active", func(t *testing.T) {
		r := peer.NewRegistry("local", memory.New())

		assert.Equal(t, "local", r.Active())
	})

	t.Run("given active remote peer when removed then falls back to local", func(t *testing.T) {
		r := peer.NewRegistry("local", memory.New())
		assert.NoError(t, r.AddTrack("bob", newFakeTrack("t1", engine.Video)))
		r.SetActive("bob")

		r.RemovePeer("bob")

		assert.Equal(t, "local", r.Active())
	})

	t.Run("given other peer removed when active elsewhere then selection stays", func(t *testing.T) {
		r := peer.NewRegistry("local", memory.New())
		assert.NoError(t, r.AddTrack("bob", newFakeTrack("t1", engine.Video)))
		assert.NoError(t, r.AddTrack("carol", newFakeTrack("t2", engine.Video)))
		r.SetActive("carol")

		r.RemovePeer("bob")

		assert.Equal(t, "carol", r.Active())
	})
}

func TestOnChange(t *testing.T) {
	t.Run("given observer when tracks change then notified with snapshots", func(t *testing.T) {
		r := peer.NewRegistry("local", memory.New())
		var calls atomic.Int32
		r.OnChange(func([]*peer.Stream) { calls.Add(1) })

		assert.NoError(t, r.AddTrack("bob", newFakeTrack("t1", engine.Video)))
		r.RemoveTrack("t1")

		assert.GreaterOrEqual(t, calls.Load(), int32(2))
	})
}

func TestReset(t *testing.T) {
	t.Run("given populated registry when reset then empty and tracks stopped", func(t *testing.T) {
		st := memory.New()
		r := peer.NewRegistry("local", st)
		track := newFakeTrack("t1", engine.Video)
		assert.NoError(t, r.AddTrack("bob", track))

		r.Reset()

		assert.Empty(t, r.Peers())
		assert.False(t, track.Live())
		_, err := st.FindTrackInfoByID("t1")
		assert.ErrorIs(t, err, store.ErrTrackNotFound)
	})
}
