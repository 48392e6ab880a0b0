// Package signal implements domain.Channel over two transports: an
// in-process broadcast hub and a websocket relay client.
package signal

import "teleconsult/native/internal/domain"

// ChannelName derives the broadcast channel name for a room.
func ChannelName(roomID string) string {
	return "consultation-" + roomID
}

// toFrame maps an outbound message onto its relay event.
func toFrame(msg domain.Message) (domain.Frame, bool) {
	f := domain.Frame{
		RoomID:    msg.RoomID,
		Offer:     msg.Offer,
		Answer:    msg.Answer,
		Candidate: msg.Candidate,
	}
	switch msg.Type {
	case domain.MessageOffer:
		f.Event = domain.EventOffer
	case domain.MessageAnswer:
		f.Event = domain.EventAnswer
	case domain.MessageICE:
		f.Event = domain.EventICECandidate
	case domain.MessageJoin:
		f.Event = domain.EventJoinRoom
	case domain.MessageLeave:
		f.Event = domain.EventLeaveRoom
	default:
		return domain.Frame{}, false
	}
	return f, true
}

// toMessage maps an inbound relay frame onto a message. Relay notifications
// about peers surface as join and leave messages from that peer.
func toMessage(f domain.Frame) (domain.Message, bool) {
	msg := domain.Message{
		RoomID:    f.RoomID,
		From:      f.From,
		Offer:     f.Offer,
		Answer:    f.Answer,
		Candidate: f.Candidate,
	}
	switch f.Event {
	case domain.EventOffer:
		msg.Type = domain.MessageOffer
	case domain.EventAnswer:
		msg.Type = domain.MessageAnswer
	case domain.EventICECandidate:
		msg.Type = domain.MessageICE
	case domain.EventPeerJoined:
		msg.Type = domain.MessageJoin
	case domain.EventPeerLeft:
		msg.Type = domain.MessageLeave
	default:
		return domain.Message{}, false
	}
	if msg.From == "" {
		msg.From = f.PeerID
	}
	return msg, true
}
