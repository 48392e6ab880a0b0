package domain

// Event names a frame on the relay websocket.
type Event string

const (
	EventJoinRoom     Event = "join-room"
	EventLeaveRoom    Event = "leave-room"
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICECandidate Event = "ice-candidate"

	// Sent by the relay only.
	EventJoined     Event = "joined"
	EventPeerJoined Event = "peer-joined"
	EventPeerLeft   Event = "peer-left"
	EventError      Event = "error"
)

// Frame is the JSON envelope exchanged with the relay. On join-room, From
// announces the sender's participant id. The relay stamps From with that id
// (or the ticket's user id) on everything it forwards.
type Frame struct {
	Event     Event                `json:"event"`
	RoomID    string               `json:"roomId,omitempty"`
	From      string               `json:"from,omitempty"`
	Offer     *SDPPayload          `json:"offer,omitempty"`
	Answer    *SDPPayload          `json:"answer,omitempty"`
	Candidate *ICECandidatePayload `json:"candidate,omitempty"`
	PeerID    string               `json:"peerId,omitempty"`
	Members   int                  `json:"members,omitempty"`
	Error     string               `json:"error,omitempty"`
}
