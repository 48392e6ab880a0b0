//go:build !mediadevices

package main

import (
	"errors"

	"teleconsult/native/internal/config"
	"teleconsult/native/internal/media"

	pion "github.com/pion/webrtc/v4"
)

// newCapturer returns the capturer for cfg and the codec registration it needs.
func newCapturer(cfg *config.Config) (media.Capturer, func(*pion.MediaEngine) error, error) {
	if cfg.CaptureSource == config.CaptureDevice {
		return nil, nil, errors.New("device capture requires building with -tags mediadevices")
	}
	return media.NewSynthetic(), nil, nil
}
