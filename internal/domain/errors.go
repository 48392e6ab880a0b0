package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleContinuation marks an asynchronous negotiation step that resolved
	// after its session was closed. Callers discard it silently.
	ErrStaleContinuation = errors.New("stale continuation")
	// ErrSessionClosed is returned by verbs called on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidState is returned when a negotiation verb is called out of order.
	ErrInvalidState = errors.New("invalid negotiation state")
	// ErrTransportDisconnected reports a lost signaling transport.
	ErrTransportDisconnected = errors.New("signaling transport disconnected")
	// ErrNotJoined is returned by Send on a channel that has not joined a room.
	ErrNotJoined = errors.New("channel has not joined a room")
	// ErrChannelClosed is returned by operations on a closed channel.
	ErrChannelClosed = errors.New("channel closed")
	// ErrMediaUnavailable is returned by StartCall while a media error is pending retry.
	ErrMediaUnavailable = errors.New("local media unavailable")
)

// MediaAccessDeniedError reports that local capture could not be acquired,
// either because the user declined or because no device exists.
type MediaAccessDeniedError struct {
	Err error
}

func (e *MediaAccessDeniedError) Error() string {
	return fmt.Sprintf("media access denied: %v", e.Err)
}

func (e *MediaAccessDeniedError) Unwrap() error { return e.Err }

// NegotiationError reports that the peer connection rejected a description or candidate.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
