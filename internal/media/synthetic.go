package media

import (
	"context"
	"fmt"
	"time"

	"teleconsult/native/internal/domain"

	"github.com/golang/glog"
	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	defaultFrameInterval = 33 * time.Millisecond
	audioFrameInterval   = 20 * time.Millisecond
)

var (
	syntheticVideoFrame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
	opusSilenceFrame    = []byte{0xf8, 0xff, 0xfe}
)

// Synthetic produces VP8 and Opus tracks fed with placeholder frames. It
// stands in for camera and microphone on headless hosts and in tests.
type Synthetic struct {
	// FrameInterval paces video samples. Zero means ~30 fps.
	FrameInterval time.Duration
	// Deny, when set, makes every capture fail as if the user declined.
	Deny error
	// Idle skips the sample pumps; tracks exist but carry no packets.
	Idle bool
}

// NewSynthetic returns a synthetic capturer with default pacing.
func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

// GetUserMedia returns a stream with the tracks requested by c.
func (s *Synthetic) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Deny != nil {
		return nil, &domain.MediaAccessDeniedError{Err: s.Deny}
	}
	if c.Video == nil && !c.Audio {
		return nil, &domain.MediaAccessDeniedError{Err: ErrNoDevice}
	}

	streamID := "local-" + uuid.NewString()
	var tracks []*Track

	if c.Video != nil {
		t, err := s.newTrack(pion.MimeTypeVP8, "video", streamID, syntheticVideoFrame, s.frameInterval())
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Audio {
		t, err := s.newTrack(pion.MimeTypeOpus, "audio", streamID, opusSilenceFrame, audioFrameInterval)
		if err != nil {
			for _, prev := range tracks {
				prev.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}

	glog.Infof("[media] synthetic capture started: stream=%s tracks=%d", streamID, len(tracks))
	return NewStream(streamID, tracks...), nil
}

func (s *Synthetic) frameInterval() time.Duration {
	if s.FrameInterval > 0 {
		return s.FrameInterval
	}
	return defaultFrameInterval
}

func (s *Synthetic) newTrack(mime, id, streamID string, frame []byte, interval time.Duration) (*Track, error) {
	local, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", id, err)
	}
	if s.Idle {
		return NewTrack(local, nil), nil
	}

	done := make(chan struct{})
	go pump(local, frame, interval, done)
	return NewTrack(local, func() { close(done) }), nil
}

func pump(track *pion.TrackLocalStaticSample, frame []byte, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
				glog.V(2).Infof("[media] write sample on %s: %v", track.ID(), err)
			}
		}
	}
}
