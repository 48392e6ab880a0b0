package media

import "context"

// Capturer acquires local media. Implementations return a
// *domain.MediaAccessDeniedError when the user declines or no device exists.
type Capturer interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// FacingMode selects the front or rear camera.
type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// VideoConstraints describe the preferred camera mode.
type VideoConstraints struct {
	Width      int
	Height     int
	FacingMode FacingMode
}

// Constraints describe a capture request. A nil Video requests no video.
type Constraints struct {
	Video *VideoConstraints
	Audio bool
}

// DefaultConstraints asks for 720p from the front camera plus audio.
func DefaultConstraints() Constraints {
	return Constraints{
		Video: &VideoConstraints{Width: 1280, Height: 720, FacingMode: FacingUser},
		Audio: true,
	}
}
