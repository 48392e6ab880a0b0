package domain

import (
	"fmt"
	"time"
)

// Lifecycle is the controller-owned record of the current call.
type Lifecycle struct {
	Active            bool
	StartedAt         *time.Time
	DurationSeconds   int
	LocalVideoEnabled bool
	LocalAudioEnabled bool
}

// InitialLifecycle returns the record of a view with no call in progress.
func InitialLifecycle() Lifecycle {
	return Lifecycle{
		LocalVideoEnabled: true,
		LocalAudioEnabled: true,
	}
}

// FormatDuration renders seconds as mm:ss.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
