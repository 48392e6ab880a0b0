// Package webrtc negotiates one peer connection per call: offers, answers and
// ICE candidates, independent of how they reach the remote side.
package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/media"

	"github.com/golang/glog"
	pion "github.com/pion/webrtc/v4"
)

// State is the negotiation state of a Session.
type State string

const (
	StateNew            State = "new"
	StateOffering       State = "offering"
	StateAwaitingAnswer State = "awaiting-answer"
	StateAnswering      State = "answering"
	StateConnected      State = "connected"
	StateClosed         State = "closed"
)

// RemoteStream groups the inbound tracks that share a stream id.
type RemoteStream struct {
	id string

	mu      sync.Mutex
	tracks  []RemoteTrack
	onTrack func(RemoteTrack)
}

// ID returns the remote stream id.
func (r *RemoteStream) ID() string { return r.id }

// Tracks returns the tracks received so far.
func (r *RemoteStream) Tracks() []RemoteTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RemoteTrack(nil), r.tracks...)
}

// OnTrack sets a handler for tracks of this stream. Tracks that already
// arrived are replayed to it.
func (r *RemoteStream) OnTrack(handler func(RemoteTrack)) {
	r.mu.Lock()
	r.onTrack = handler
	existing := append([]RemoteTrack(nil), r.tracks...)
	r.mu.Unlock()

	for _, t := range existing {
		handler(t)
	}
}

func (r *RemoteStream) add(t RemoteTrack) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	h := r.onTrack
	r.mu.Unlock()

	if h != nil {
		h(t)
	}
}

// Session wraps one Connection and its negotiation verbs.
type Session struct {
	conn Connection

	// op serializes negotiation verbs. Close never takes it.
	op sync.Mutex

	mu           sync.Mutex
	state        State
	remoteSet    bool
	attached     map[string]bool
	seen         map[string]bool
	pending      []domain.ICECandidatePayload
	localPending []domain.ICECandidatePayload
	streams      map[string]*RemoteStream
	onCandidate  func(domain.ICECandidatePayload)
	onStream     func(*RemoteStream)
	onConnState  func(pion.PeerConnectionState)
}

// NewSession takes ownership of conn.
func NewSession(conn Connection) *Session {
	s := &Session{
		conn:     conn,
		state:    StateNew,
		attached: make(map[string]bool),
		seen:     make(map[string]bool),
		streams:  make(map[string]*RemoteStream),
	}

	conn.OnICECandidate(s.handleLocalCandidate)
	conn.OnTrack(s.handleTrack)
	conn.OnConnectionStateChange(s.handleConnState)

	return s
}

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnLocalCandidate sets the handler for locally gathered candidates.
// Candidates gathered before a handler is set are delivered on registration.
func (s *Session) OnLocalCandidate(handler func(domain.ICECandidatePayload)) {
	s.mu.Lock()
	s.onCandidate = handler
	queued := s.localPending
	s.localPending = nil
	s.mu.Unlock()

	for _, c := range queued {
		handler(c)
	}
}

// OnRemoteStream sets the handler called once per distinct remote stream.
func (s *Session) OnRemoteStream(handler func(*RemoteStream)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStream = handler
}

// OnConnectionState sets the handler for peer connection state changes.
func (s *Session) OnConnectionState(handler func(pion.PeerConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnState = handler
}

// AttachLocalTracks adds every track of stream for outbound transmission.
// A stream can be attached once per session.
func (s *Session) AttachLocalTracks(stream *media.Stream) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.attached[stream.ID()] {
		s.mu.Unlock()
		return fmt.Errorf("attach stream %s: %w", stream.ID(), domain.ErrInvalidState)
	}
	s.attached[stream.ID()] = true
	s.mu.Unlock()

	for _, t := range stream.Tracks() {
		if err := s.conn.AddTrack(t.Local()); err != nil {
			return &domain.NegotiationError{Op: "add track", Err: err}
		}
	}

	glog.V(1).Infof("[webrtc] attached %d local tracks from stream %s", len(stream.Tracks()), stream.ID())
	return nil
}

// CreateOffer generates an offer, sets it locally and returns it.
func (s *Session) CreateOffer() (domain.SDPPayload, error) {
	s.op.Lock()
	defer s.op.Unlock()

	if err := s.transition(StateNew, StateOffering); err != nil {
		return domain.SDPPayload{}, err
	}

	offer, err := s.conn.CreateOffer()
	if s.isClosed() {
		return domain.SDPPayload{}, domain.ErrStaleContinuation
	}
	if err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{Op: "create offer", Err: err}
	}

	err = s.conn.SetLocalDescription(offer)
	if s.isClosed() {
		return domain.SDPPayload{}, domain.ErrStaleContinuation
	}
	if err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{Op: "set local description", Err: err}
	}

	s.mu.Lock()
	if s.state == StateOffering {
		s.state = StateAwaitingAnswer
	}
	s.mu.Unlock()

	glog.Infof("[webrtc] local SDP offer set")
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer applies offer remotely, then generates an answer, sets it
// locally and returns it. A session answers at most once.
func (s *Session) CreateAnswer(offer domain.SDPPayload) (domain.SDPPayload, error) {
	s.op.Lock()
	defer s.op.Unlock()

	if err := s.transition(StateNew, StateAnswering); err != nil {
		return domain.SDPPayload{}, err
	}
	if offer.Type != "" && offer.Type != pion.SDPTypeOffer.String() {
		return domain.SDPPayload{}, &domain.NegotiationError{
			Op:  "set remote description",
			Err: fmt.Errorf("unexpected description type %q", offer.Type),
		}
	}

	if err := s.applyRemote(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return domain.SDPPayload{}, err
	}

	answer, err := s.conn.CreateAnswer()
	if s.isClosed() {
		return domain.SDPPayload{}, domain.ErrStaleContinuation
	}
	if err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{Op: "create answer", Err: err}
	}

	err = s.conn.SetLocalDescription(answer)
	if s.isClosed() {
		return domain.SDPPayload{}, domain.ErrStaleContinuation
	}
	if err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{Op: "set local description", Err: err}
	}

	glog.Infof("[webrtc] local SDP answer set")
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// ApplyRemoteAnswer completes a negotiation started with CreateOffer.
func (s *Session) ApplyRemoteAnswer(answer domain.SDPPayload) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return domain.ErrSessionClosed
	case s.state != StateAwaitingAnswer || s.remoteSet:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("apply answer in state %s: %w", st, domain.ErrInvalidState)
	}
	s.mu.Unlock()

	if answer.Type != "" && answer.Type != pion.SDPTypeAnswer.String() {
		return &domain.NegotiationError{
			Op:  "set remote description",
			Err: fmt.Errorf("unexpected description type %q", answer.Type),
		}
	}

	if err := s.applyRemote(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return err
	}

	glog.Infof("[webrtc] remote SDP answer set")
	return nil
}

// AddRemoteCandidate applies a candidate from the peer. Candidates that arrive
// before the remote description are queued and applied in order once it is
// set. A candidate delivered more than once is applied once.
func (s *Session) AddRemoteCandidate(c domain.ICECandidatePayload) error {
	s.op.Lock()
	defer s.op.Unlock()

	key := c.Key()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.seen[key] {
		s.mu.Unlock()
		glog.V(2).Infof("[webrtc] duplicate remote candidate ignored: %s", c.Candidate)
		return nil
	}
	s.seen[key] = true
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		glog.V(2).Infof("[webrtc] remote candidate queued until remote description is set")
		return nil
	}
	s.mu.Unlock()

	return s.addCandidate(c)
}

// Close tears down the connection. Events stop and in-flight negotiation
// steps resolve as stale. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.pending = nil
	s.localPending = nil
	s.mu.Unlock()

	glog.Infof("[webrtc] closing session")
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return domain.ErrSessionClosed
	}
	if s.state != from {
		return fmt.Errorf("%s in state %s: %w", to, s.state, domain.ErrInvalidState)
	}
	s.state = to
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

// applyRemote sets the remote description and flushes queued candidates.
// Callers hold s.op.
func (s *Session) applyRemote(desc pion.SessionDescription) error {
	err := s.conn.SetRemoteDescription(desc)
	if s.isClosed() {
		return domain.ErrStaleContinuation
	}
	if err != nil {
		return &domain.NegotiationError{Op: "set remote description", Err: err}
	}

	s.mu.Lock()
	s.remoteSet = true
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(queued) > 0 {
		glog.V(1).Infof("[webrtc] flushing %d queued remote candidates", len(queued))
	}
	for _, c := range queued {
		if err := s.addCandidate(c); err != nil {
			if errors.Is(err, domain.ErrStaleContinuation) {
				return err
			}
			glog.Warningf("[webrtc] queued candidate rejected: %v", err)
		}
	}
	return nil
}

func (s *Session) addCandidate(c domain.ICECandidatePayload) error {
	err := s.conn.AddICECandidate(toInit(c))
	if s.isClosed() {
		return domain.ErrStaleContinuation
	}
	if err != nil {
		return &domain.NegotiationError{Op: "add ice candidate", Err: err}
	}
	glog.V(2).Infof("[webrtc] added remote ICE candidate: %s", c.Candidate)
	return nil
}

func (s *Session) handleLocalCandidate(init pion.ICECandidateInit) {
	c := fromInit(init)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	h := s.onCandidate
	if h == nil {
		s.localPending = append(s.localPending, c)
	}
	s.mu.Unlock()

	if h != nil {
		glog.V(2).Infof("[webrtc] local ICE candidate: %s", c.Candidate)
		h(c)
	}
}

func (s *Session) handleTrack(t RemoteTrack) {
	id := t.StreamID
	if id == "" {
		id = t.ID
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	rs, known := s.streams[id]
	if !known {
		rs = &RemoteStream{id: id}
		s.streams[id] = rs
		s.state = StateConnected
	}
	h := s.onStream
	s.mu.Unlock()

	rs.add(t)
	if !known {
		glog.Infof("[webrtc] remote stream %s available", id)
		if h != nil {
			h(rs)
		}
	}
}

func (s *Session) handleConnState(state pion.PeerConnectionState) {
	glog.Infof("[webrtc] peer connection state: %s", state.String())

	s.mu.Lock()
	closed := s.state == StateClosed
	h := s.onConnState
	s.mu.Unlock()

	if !closed && h != nil {
		h(state)
	}
}
