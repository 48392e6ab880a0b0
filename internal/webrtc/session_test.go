package webrtc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/media"

	pion "github.com/pion/webrtc/v4"
)

func newTestStream(t *testing.T) *media.Stream {
	t.Helper()
	s, err := (&media.Synthetic{Idle: true}).GetUserMedia(context.Background(), media.DefaultConstraints())
	if err != nil {
		t.Fatalf("GetUserMedia: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func candidate(s string) domain.ICECandidatePayload {
	mid := "0"
	idx := uint16(0)
	return domain.ICECandidatePayload{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}

func TestSession_OfferAnswerPairing(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	linkFakes(a, b)
	caller, callee := NewSession(a), NewSession(b)

	if err := caller.AttachLocalTracks(newTestStream(t)); err != nil {
		t.Fatalf("caller attach: %v", err)
	}
	if err := callee.AttachLocalTracks(newTestStream(t)); err != nil {
		t.Fatalf("callee attach: %v", err)
	}

	caller.OnLocalCandidate(func(c domain.ICECandidatePayload) {
		if err := callee.AddRemoteCandidate(c); err != nil {
			t.Errorf("callee add candidate: %v", err)
		}
	})
	callee.OnLocalCandidate(func(c domain.ICECandidatePayload) {
		if err := caller.AddRemoteCandidate(c); err != nil {
			t.Errorf("caller add candidate: %v", err)
		}
	})

	var callerStreams, calleeStreams atomic.Int32
	caller.OnRemoteStream(func(*RemoteStream) { callerStreams.Add(1) })
	callee.OnRemoteStream(func(*RemoteStream) { calleeStreams.Add(1) })

	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != "offer" || offer.SDP != "offer-from-a" {
		t.Errorf("unexpected offer %+v", offer)
	}
	if caller.State() != StateAwaitingAnswer {
		t.Errorf("expected awaiting-answer, got %s", caller.State())
	}

	answer, err := callee.CreateAnswer(offer)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if answer.Type != "answer" {
		t.Errorf("expected answer type, got %q", answer.Type)
	}

	if err := caller.ApplyRemoteAnswer(answer); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}

	if n := callerStreams.Load(); n != 1 {
		t.Errorf("expected caller remote stream once, got %d", n)
	}
	if n := calleeStreams.Load(); n != 1 {
		t.Errorf("expected callee remote stream once, got %d", n)
	}
	if caller.State() != StateConnected || callee.State() != StateConnected {
		t.Errorf("expected both connected, got %s and %s", caller.State(), callee.State())
	}

	aCands, _, _ := a.snapshot()
	bCands, _, _ := b.snapshot()
	if len(aCands) != 1 || len(bCands) != 1 {
		t.Errorf("expected one candidate applied per side, got a=%d b=%d", len(aCands), len(bCands))
	}
}

func TestSession_CandidatesBeforeRemoteDescription(t *testing.T) {
	conn := newFakeConn("a")
	s := NewSession(conn)

	first := candidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host")
	second := candidate("candidate:2 1 udp 1 10.0.0.2 5000 typ host")

	for _, c := range []domain.ICECandidatePayload{first, first, second} {
		if err := s.AddRemoteCandidate(c); err != nil {
			t.Fatalf("AddRemoteCandidate before remote description: %v", err)
		}
	}
	if cands, _, _ := conn.snapshot(); len(cands) != 0 {
		t.Fatalf("expected candidates queued, got %d applied", len(cands))
	}

	if _, err := s.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := s.ApplyRemoteAnswer(domain.SDPPayload{Type: "answer", SDP: "answer-from-b"}); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}

	cands, _, _ := conn.snapshot()
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates after flush, got %d", len(cands))
	}
	if cands[0].Candidate != first.Candidate || cands[1].Candidate != second.Candidate {
		t.Errorf("expected queued order preserved, got %q then %q", cands[0].Candidate, cands[1].Candidate)
	}

	if err := s.AddRemoteCandidate(first); err != nil {
		t.Fatalf("AddRemoteCandidate duplicate: %v", err)
	}
	third := candidate("candidate:3 1 udp 1 10.0.0.3 5000 typ host")
	if err := s.AddRemoteCandidate(third); err != nil {
		t.Fatalf("AddRemoteCandidate after remote description: %v", err)
	}
	if cands, _, _ := conn.snapshot(); len(cands) != 3 {
		t.Errorf("expected 3 distinct candidates applied, got %d", len(cands))
	}
}

func TestSession_StaleOfferDiscarded(t *testing.T) {
	conn := newFakeConn("a")
	conn.offerGate = make(chan struct{})
	s := NewSession(conn)

	done := make(chan error, 1)
	go func() {
		_, err := s.CreateOffer()
		done <- err
	}()

	<-conn.entered
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(conn.offerGate)

	if err := <-done; !errors.Is(err, domain.ErrStaleContinuation) {
		t.Fatalf("expected ErrStaleContinuation, got %v", err)
	}
	if _, setLocal, _ := conn.snapshot(); setLocal != 0 {
		t.Errorf("expected SetLocalDescription never called after close, got %d", setLocal)
	}
}

func TestSession_StaleAnswerDiscarded(t *testing.T) {
	conn := newFakeConn("b")
	conn.answerGate = make(chan struct{})
	s := NewSession(conn)

	done := make(chan error, 1)
	go func() {
		_, err := s.CreateAnswer(domain.SDPPayload{Type: "offer", SDP: "offer-from-a"})
		done <- err
	}()

	<-conn.entered
	_ = s.Close()
	close(conn.answerGate)

	if err := <-done; !errors.Is(err, domain.ErrStaleContinuation) {
		t.Fatalf("expected ErrStaleContinuation, got %v", err)
	}
	if _, setLocal, _ := conn.snapshot(); setLocal != 0 {
		t.Errorf("expected SetLocalDescription never called after close, got %d", setLocal)
	}
}

func TestSession_OutOfOrderVerbs(t *testing.T) {
	s := NewSession(newFakeConn("a"))
	if err := s.ApplyRemoteAnswer(domain.SDPPayload{Type: "answer", SDP: "x"}); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for answer before offer, got %v", err)
	}

	answerer := NewSession(newFakeConn("b"))
	if _, err := answerer.CreateAnswer(domain.SDPPayload{Type: "offer", SDP: "offer-from-a"}); err != nil {
		t.Fatalf("first CreateAnswer: %v", err)
	}
	if _, err := answerer.CreateAnswer(domain.SDPPayload{Type: "offer", SDP: "offer-from-a"}); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState when answering twice, got %v", err)
	}
	if _, err := answerer.CreateOffer(); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for offer on answering session, got %v", err)
	}

	offerer := NewSession(newFakeConn("c"))
	if _, err := offerer.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := offerer.CreateOffer(); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for second offer, got %v", err)
	}
}

func TestSession_AttachSameStreamTwice(t *testing.T) {
	s := NewSession(newFakeConn("a"))
	stream := newTestStream(t)

	if err := s.AttachLocalTracks(stream); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := s.AttachLocalTracks(stream); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second attach, got %v", err)
	}
}

func TestSession_NegotiationErrors(t *testing.T) {
	s := NewSession(newFakeConn("b"))
	_, err := s.CreateAnswer(domain.SDPPayload{Type: "offer", SDP: ""})

	var neg *domain.NegotiationError
	if !errors.As(err, &neg) {
		t.Fatalf("expected NegotiationError, got %v", err)
	}
	if neg.Op != "set remote description" {
		t.Errorf("expected set remote description op, got %q", neg.Op)
	}

	offerer := NewSession(newFakeConn("a"))
	if _, err := offerer.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := offerer.ApplyRemoteAnswer(domain.SDPPayload{Type: "offer", SDP: "x"}); !errors.As(err, &neg) {
		t.Errorf("expected NegotiationError for wrong description type, got %v", err)
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	conn := newFakeConn("a")
	s := NewSession(conn)

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, _, closes := conn.snapshot(); closes != 1 {
		t.Errorf("expected connection closed once, got %d", closes)
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed state, got %s", s.State())
	}

	if _, err := s.CreateOffer(); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed from CreateOffer, got %v", err)
	}
	if err := s.AddRemoteCandidate(candidate("candidate:1")); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed from AddRemoteCandidate, got %v", err)
	}
	if err := s.AttachLocalTracks(newTestStream(t)); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed from AttachLocalTracks, got %v", err)
	}
}

func TestSession_RemoteStreamOncePerStreamID(t *testing.T) {
	s := NewSession(newFakeConn("a"))

	var fired []*RemoteStream
	s.OnRemoteStream(func(rs *RemoteStream) { fired = append(fired, rs) })

	s.handleTrack(RemoteTrack{ID: "video", StreamID: "remote-1", Kind: pion.RTPCodecTypeVideo})
	s.handleTrack(RemoteTrack{ID: "audio", StreamID: "remote-1", Kind: pion.RTPCodecTypeAudio})
	s.handleTrack(RemoteTrack{ID: "screen", StreamID: "remote-2", Kind: pion.RTPCodecTypeVideo})

	if len(fired) != 2 {
		t.Fatalf("expected 2 remote streams, got %d", len(fired))
	}
	if fired[0].ID() != "remote-1" || len(fired[0].Tracks()) != 2 {
		t.Errorf("expected remote-1 with 2 tracks, got %s with %d", fired[0].ID(), len(fired[0].Tracks()))
	}

	var replayed int
	fired[0].OnTrack(func(RemoteTrack) { replayed++ })
	if replayed != 2 {
		t.Errorf("expected existing tracks replayed, got %d", replayed)
	}

	_ = s.Close()
	s.handleTrack(RemoteTrack{ID: "late", StreamID: "remote-3", Kind: pion.RTPCodecTypeVideo})
	if len(fired) != 2 {
		t.Errorf("expected no remote stream after close, got %d", len(fired))
	}
}

func TestSession_LocalCandidatesQueuedUntilHandler(t *testing.T) {
	conn := newFakeConn("a")
	s := NewSession(conn)

	if _, err := s.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	var got []domain.ICECandidatePayload
	s.OnLocalCandidate(func(c domain.ICECandidatePayload) { got = append(got, c) })

	if len(got) != 1 {
		t.Fatalf("expected 1 queued local candidate, got %d", len(got))
	}
	if got[0].SDPMid == nil || *got[0].SDPMid != "0" {
		t.Errorf("expected sdpMid carried through, got %+v", got[0])
	}
}

func TestSession_ConnectionStateForwarded(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	linkFakes(a, b)
	s := NewSession(a)

	var states []pion.PeerConnectionState
	s.OnConnectionState(func(st pion.PeerConnectionState) { states = append(states, st) })

	if _, err := s.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := s.ApplyRemoteAnswer(domain.SDPPayload{Type: "answer", SDP: "answer-from-b"}); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}

	if len(states) != 1 || states[0] != pion.PeerConnectionStateConnected {
		t.Errorf("expected connected state forwarded, got %v", states)
	}
}
