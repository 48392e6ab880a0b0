// Package media owns local capture: streams of tracks that can be attached to
// a peer connection and individually enabled or disabled without renegotiation.
package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
)

var (
	// ErrNoDevice is returned when no capture device of a requested kind exists.
	ErrNoDevice = errors.New("no capture device")
	// ErrPermissionDenied is returned when the user declines capture.
	ErrPermissionDenied = errors.New("permission denied")
)

// Track is one local media track. While disabled, the track stays attached to
// the connection but every outbound packet is dropped.
type Track struct {
	inner   pion.TrackLocal
	enabled atomic.Bool
	stopped atomic.Bool
	stop    func()
}

// NewTrack wraps a pion local track. stop, if non-nil, releases the capture
// source and is called at most once.
func NewTrack(local pion.TrackLocal, stop func()) *Track {
	t := &Track{inner: local, stop: stop}
	t.enabled.Store(true)
	return t
}

// Local returns the track to hand to a peer connection.
func (t *Track) Local() pion.TrackLocal { return &gatedTrack{TrackLocal: t.inner, owner: t} }

// ID returns the track id.
func (t *Track) ID() string { return t.inner.ID() }

// Kind returns audio or video.
func (t *Track) Kind() pion.RTPCodecType { return t.inner.Kind() }

// Enabled reports whether outbound packets are forwarded.
func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled flips packet forwarding.
func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

// Stopped reports whether Stop was called.
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Stop releases the capture source. It is idempotent.
func (t *Track) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	if t.stop != nil {
		t.stop()
	}
}

// Stream groups the tracks produced by one capture request.
type Stream struct {
	id     string
	tracks []*Track

	mu      sync.Mutex
	stopped bool
}

// NewStream creates a stream with the given id and tracks.
func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// Tracks returns every track of the stream.
func (s *Stream) Tracks() []*Track { return s.tracks }

// VideoTracks returns the video tracks of the stream.
func (s *Stream) VideoTracks() []*Track { return s.byKind(pion.RTPCodecTypeVideo) }

// AudioTracks returns the audio tracks of the stream.
func (s *Stream) AudioTracks() []*Track { return s.byKind(pion.RTPCodecTypeAudio) }

func (s *Stream) byKind(kind pion.RTPCodecType) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// SetVideoEnabled enables or disables every video track.
func (s *Stream) SetVideoEnabled(on bool) {
	for _, t := range s.VideoTracks() {
		t.SetEnabled(on)
	}
}

// SetAudioEnabled enables or disables every audio track.
func (s *Stream) SetAudioEnabled(on bool) {
	for _, t := range s.AudioTracks() {
		t.SetEnabled(on)
	}
}

// Stop stops every track. It is idempotent.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	for _, t := range s.tracks {
		t.Stop()
	}
}

// Stopped reports whether Stop was called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// gatedTrack interposes on the write stream of every binding so disabled
// tracks drop packets.
type gatedTrack struct {
	pion.TrackLocal
	owner *Track
}

func (g *gatedTrack) Bind(ctx pion.TrackLocalContext) (pion.RTPCodecParameters, error) {
	return g.TrackLocal.Bind(&gatedContext{TrackLocalContext: ctx, owner: g.owner})
}

func (g *gatedTrack) Unbind(ctx pion.TrackLocalContext) error {
	return g.TrackLocal.Unbind(&gatedContext{TrackLocalContext: ctx, owner: g.owner})
}

type gatedContext struct {
	pion.TrackLocalContext
	owner *Track
}

func (c *gatedContext) WriteStream() pion.TrackLocalWriter {
	return &gatedWriter{w: c.TrackLocalContext.WriteStream(), owner: c.owner}
}

type gatedWriter struct {
	w     pion.TrackLocalWriter
	owner *Track
}

func (g *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !g.owner.Enabled() || g.owner.Stopped() {
		return len(payload), nil
	}
	return g.w.WriteRTP(header, payload)
}

func (g *gatedWriter) Write(b []byte) (int, error) {
	if !g.owner.Enabled() || g.owner.Stopped() {
		return len(b), nil
	}
	return g.w.Write(b)
}
