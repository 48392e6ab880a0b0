//go:build mediadevices

package media

import (
	"context"
	"fmt"

	"teleconsult/native/internal/domain"

	"github.com/golang/glog"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"
)

// Device captures camera and microphone through pion/mediadevices.
type Device struct {
	selector *mediadevices.CodecSelector
}

// NewDevice prepares VP8 and Opus encoders for device capture.
func NewDevice(videoBitRate int) (*Device, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if videoBitRate > 0 {
		vpxParams.BitRate = videoBitRate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Device{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureMediaEngine registers the encoder codecs with a pion media engine.
func (d *Device) ConfigureMediaEngine(m *pion.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

// GetUserMedia opens the devices requested by c.
func (d *Device) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, &domain.MediaAccessDeniedError{Err: ErrNoDevice}
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if v := c.Video; v != nil {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if v.Width > 0 {
				mc.Width = prop.IntRanged{Max: v.Width, Ideal: v.Width}
			}
			if v.Height > 0 {
				mc.Height = prop.IntRanged{Max: v.Height, Ideal: v.Height}
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, &domain.MediaAccessDeniedError{Err: err}
	}

	var tracks []*Track
	for _, mt := range ms.GetTracks() {
		mt := mt
		mt.OnEnded(func(err error) {
			if err != nil {
				glog.Warningf("[media] device track %s ended: %v", mt.ID(), err)
			}
		})
		tracks = append(tracks, NewTrack(mt, func() { _ = mt.Close() }))
	}
	if len(tracks) == 0 {
		return nil, &domain.MediaAccessDeniedError{Err: ErrNoDevice}
	}

	glog.Infof("[media] device capture started: tracks=%d", len(tracks))
	return NewStream(tracks[0].inner.StreamID(), tracks...), nil
}
