package domain

import "context"

// Channel relays signaling messages between the two participants of a room.
type Channel interface {
	// Join registers this participant as a member of roomID.
	Join(ctx context.Context, roomID string) error
	// Send transmits msg to the other member(s) of the joined room. The peer
	// does not need to be present; undeliverable messages may be dropped.
	Send(ctx context.Context, msg Message) error
	// OnMessage sets the handler for inbound messages. The last registration wins.
	OnMessage(handler func(Message))
	// OnDisconnected sets the handler for transport-level disconnects.
	OnDisconnected(handler func(error))
	// Close releases the channel. It is idempotent.
	Close() error
}

// Reconnector is implemented by channels that can re-establish a dropped transport.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// TicketFetcher retrieves relay credentials from the ticket API.
type TicketFetcher interface {
	FetchTicket(ctx context.Context, req TicketRequest) (*Ticket, error)
}
