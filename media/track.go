package media

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"meet/engine"
)

// LocalTrack is a capture track backed by a static RTP track. The capture
// pipeline feeds it via WriteRTP.
type LocalTrack struct {
	id     string
	kind   engine.Kind
	width  int
	height int
	rtp    *webrtc.TrackLocalStaticRTP
	live   atomic.Bool
}

// NewVideoTrack creates a local video track for the given MIME type. width
// and height tell the capture pipeline what to deliver.
func NewVideoTrack(id, streamID, mimeType string, width, height int) (*LocalTrack, error) {
	track, err := newLocalTrack(id, streamID, engine.Video, webrtc.RTPCodecCapability{
		MimeType:  mimeType,
		ClockRate: 90000,
	})
	if err != nil {
		return nil, err
	}
	track.width, track.height = width, height
	return track, nil
}

// NewAudioTrack creates a local Opus audio track.
func NewAudioTrack(id, streamID string) (*LocalTrack, error) {
	return newLocalTrack(id, streamID, engine.Audio, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	})
}

func newLocalTrack(id, streamID string, kind engine.Kind, capability webrtc.RTPCodecCapability) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}
	lt := &LocalTrack{id: id, kind: kind, rtp: track}
	lt.live.Store(true)
	return lt, nil
}

// ID returns the track id.
func (t *LocalTrack) ID() string {
	return t.id
}

// Kind returns the media kind.
func (t *LocalTrack) Kind() engine.Kind {
	return t.kind
}

// Dimensions returns the capture width and height, zero for audio.
func (t *LocalTrack) Dimensions() (int, int) {
	return t.width, t.height
}

// Live reports whether capture is still running.
func (t *LocalTrack) Live() bool {
	return t.live.Load()
}

// Stop ends capture. Writes after Stop are rejected.
func (t *LocalTrack) Stop() {
	t.live.Store(false)
}

// WriteRTP feeds one captured packet into the track.
func (t *LocalTrack) WriteRTP(p *rtp.Packet) error {
	if !t.live.Load() {
		return engine.ErrTrackEnded
	}
	if err := t.rtp.WriteRTP(p); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("failed to write rtp packet: %w", err)
	}
	return nil
}

// remoteTrack is a consumed track. It stays live from creation; the reader
// loop marks it ended when the remote side goes away.
type remoteTrack struct {
	id   string
	kind engine.Kind
	live atomic.Bool

	mu     sync.Mutex
	remote *webrtc.TrackRemote
}

func newRemoteTrack(id string, kind engine.Kind) *remoteTrack {
	rt := &remoteTrack{id: id, kind: kind}
	rt.live.Store(true)
	return rt
}

func (t *remoteTrack) ID() string {
	return t.id
}

func (t *remoteTrack) Kind() engine.Kind {
	return t.kind
}

func (t *remoteTrack) Live() bool {
	return t.live.Load()
}

func (t *remoteTrack) Stop() {
	t.live.Store(false)
}

// bind attaches the incoming track and starts the reader loop.
func (t *remoteTrack) bind(remote *webrtc.TrackRemote) {
	t.mu.Lock()
	t.remote = remote
	t.mu.Unlock()

	go func() {
		for {
			if _, _, err := remote.ReadRTP(); err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Str("trackID", t.id).Msg("remote track read ended")
				}
				t.live.Store(false)
				return
			}
			if !t.live.Load() {
				return
			}
		}
	}()
}

// LocalStream bundles the capture tracks handed to a session.
type LocalStream struct {
	tracks []engine.Track
}

// NewLocalStream creates a stream over the given tracks.
func NewLocalStream(tracks ...engine.Track) *LocalStream {
	return &LocalStream{tracks: tracks}
}

// Tracks returns the stream's tracks.
func (s *LocalStream) Tracks() []engine.Track {
	return s.tracks
}
