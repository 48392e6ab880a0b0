package domain

import "strconv"

// MessageType tags a signaling message.
type MessageType string

const (
	MessageOffer  MessageType = "offer"
	MessageAnswer MessageType = "answer"
	MessageICE    MessageType = "ice"
	MessageJoin   MessageType = "join"
	MessageLeave  MessageType = "leave"
)

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies a candidate for de-duplication.
func (c ICECandidatePayload) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := -1
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	return mid + "|" + strconv.Itoa(idx) + "|" + c.Candidate
}

// Message is a signaling message relayed between the two participants of a room.
// Exactly one of Offer, Answer or Candidate is set, depending on Type.
type Message struct {
	Type      MessageType          `json:"type"`
	RoomID    string               `json:"roomId,omitempty"`
	From      string               `json:"from,omitempty"`
	Offer     *SDPPayload          `json:"offer,omitempty"`
	Answer    *SDPPayload          `json:"answer,omitempty"`
	Candidate *ICECandidatePayload `json:"candidate,omitempty"`
}
