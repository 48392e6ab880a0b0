package call

import (
	"teleconsult/native/internal/webrtc"

	pion "github.com/pion/webrtc/v4"
)

// EventType tags a controller notification.
type EventType string

const (
	EventMediaDenied           EventType = "media-denied"
	EventCallStarted           EventType = "call-started"
	EventCallEnded             EventType = "call-ended"
	EventCallFailed            EventType = "call-failed"
	EventRemoteStream          EventType = "remote-stream"
	EventTransportDisconnected EventType = "transport-disconnected"
	EventTransportRestored     EventType = "transport-restored"
	EventPeerJoined            EventType = "peer-joined"
	EventPeerLeft              EventType = "peer-left"
	EventConnectionState       EventType = "connection-state"
)

// Event is what the view layer observes. Only the fields relevant to Type are set.
type Event struct {
	Type   EventType
	Err    error
	PeerID string
	Stream *webrtc.RemoteStream
	State  pion.PeerConnectionState
}
