//go:build mediadevices

package main

import (
	"teleconsult/native/internal/config"
	"teleconsult/native/internal/media"

	pion "github.com/pion/webrtc/v4"
)

const videoBitRate = 1_000_000

// newCapturer returns the capturer for cfg and the codec registration it needs.
func newCapturer(cfg *config.Config) (media.Capturer, func(*pion.MediaEngine) error, error) {
	if cfg.CaptureSource != config.CaptureDevice {
		return media.NewSynthetic(), nil, nil
	}
	dev, err := media.NewDevice(videoBitRate)
	if err != nil {
		return nil, nil, err
	}
	return dev, dev.ConfigureMediaEngine, nil
}
