package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/media"
	"teleconsult/native/internal/webrtc"

	pion "github.com/pion/webrtc/v4"
)

// fakeNet hands out fake connections that find each other through the name
// embedded in their SDP.
type fakeNet struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFakeNet() *fakeNet {
	return &fakeNet{conns: make(map[string]*fakeConn)}
}

func (n *fakeNet) lookup(sdp string) *fakeConn {
	i := strings.LastIndex(sdp, "-from-")
	if i < 0 {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[sdp[i+len("-from-"):]]
}

// fakeFactory creates connections named prefix1, prefix2...
type fakeFactory struct {
	net    *fakeNet
	prefix string

	mu      sync.Mutex
	created []*fakeConn
	// offerGate and answerGate are installed on the next connection.
	offerGate  chan struct{}
	answerGate chan struct{}
	entered    chan struct{}
}

func newFakeFactory(n *fakeNet, prefix string) *fakeFactory {
	return &fakeFactory{net: n, prefix: prefix, entered: make(chan struct{}, 1)}
}

func (f *fakeFactory) NewConnection() (webrtc.Connection, error) {
	f.mu.Lock()
	conn := &fakeConn{
		name:       fmt.Sprintf("%s%d", f.prefix, len(f.created)+1),
		net:        f.net,
		offerGate:  f.offerGate,
		answerGate: f.answerGate,
		entered:    f.entered,
	}
	f.created = append(f.created, conn)
	f.mu.Unlock()

	f.net.mu.Lock()
	f.net.conns[conn.name] = conn
	f.net.mu.Unlock()
	return conn, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

var errFakeClosed = errors.New("fake: connection closed")

type fakeConn struct {
	name string
	net  *fakeNet

	mu            sync.Mutex
	peer          *fakeConn
	tracks        []pion.TrackLocal
	local         *pion.SessionDescription
	remote        *pion.SessionDescription
	candidates    []pion.ICECandidateInit
	setLocalCalls int
	closed        bool
	tracksFired   bool

	onICE   func(pion.ICECandidateInit)
	onTrack func(webrtc.RemoteTrack)
	onState func(pion.PeerConnectionState)

	offerGate  chan struct{}
	answerGate chan struct{}
	entered    chan struct{}
}

func (f *fakeConn) AddTrack(track pion.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errFakeClosed
	}
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakeConn) CreateOffer() (pion.SessionDescription, error) {
	f.wait(f.offerGate)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return pion.SessionDescription{}, errFakeClosed
	}
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "offer-from-" + f.name}, nil
}

func (f *fakeConn) CreateAnswer() (pion.SessionDescription, error) {
	f.wait(f.answerGate)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return pion.SessionDescription{}, errFakeClosed
	}
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: "answer-from-" + f.name}, nil
}

func (f *fakeConn) wait(gate chan struct{}) {
	if gate == nil {
		return
	}
	f.entered <- struct{}{}
	<-gate
}

func (f *fakeConn) SetLocalDescription(desc pion.SessionDescription) error {
	f.mu.Lock()
	f.setLocalCalls++
	if f.closed {
		f.mu.Unlock()
		return errFakeClosed
	}
	f.local = &desc
	onICE := f.onICE
	f.mu.Unlock()

	if onICE != nil {
		mid := "0"
		idx := uint16(0)
		onICE(pion.ICECandidateInit{
			Candidate:     "candidate:" + f.name + " 1 udp 2130706431 10.0.0.1 5000 typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		})
	}
	f.maybeFireTracks()
	return nil
}

func (f *fakeConn) SetRemoteDescription(desc pion.SessionDescription) error {
	if desc.SDP == "" {
		return errors.New("fake: empty SDP")
	}
	peer := f.net.lookup(desc.SDP)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errFakeClosed
	}
	f.remote = &desc
	f.peer = peer
	f.mu.Unlock()

	f.maybeFireTracks()
	return nil
}

func (f *fakeConn) AddICECandidate(c pion.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errFakeClosed
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeConn) OnICECandidate(h func(pion.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = h
}

func (f *fakeConn) OnTrack(h func(webrtc.RemoteTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = h
}

func (f *fakeConn) OnConnectionStateChange(h func(pion.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = h
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) maybeFireTracks() {
	f.mu.Lock()
	if f.tracksFired || f.local == nil || f.remote == nil || f.peer == nil {
		f.mu.Unlock()
		return
	}
	f.tracksFired = true
	peer, onTrack, onState := f.peer, f.onTrack, f.onState
	f.mu.Unlock()

	peer.mu.Lock()
	remote := append([]pion.TrackLocal(nil), peer.tracks...)
	peer.mu.Unlock()

	if onState != nil {
		onState(pion.PeerConnectionStateConnected)
	}
	if onTrack == nil {
		return
	}
	for _, t := range remote {
		onTrack(webrtc.RemoteTrack{ID: t.ID(), StreamID: t.StreamID(), Kind: t.Kind()})
	}
}

func (f *fakeConn) snapshot() (candidates, setLocal int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates), f.setLocalCalls, f.closed
}

// fakeChannel records outbound messages and lets tests inject inbound ones.
type fakeChannel struct {
	mu      sync.Mutex
	room    string
	sent    []domain.Message
	handler func(domain.Message)
	onDisc  func(error)
	closed  int
}

func (f *fakeChannel) Join(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = roomID
	return nil
}

func (f *fakeChannel) Send(_ context.Context, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed > 0 {
		return domain.ErrChannelClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) OnMessage(h func(domain.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeChannel) OnDisconnected(h func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisc = h
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeChannel) deliver(msg domain.Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(msg)
}

func (f *fakeChannel) disconnect(err error) {
	f.mu.Lock()
	h := f.onDisc
	f.mu.Unlock()
	h(err)
}

func (f *fakeChannel) sentOfType(t domain.MessageType) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// reconnectingChannel fails the first failures reconnects.
type reconnectingChannel struct {
	*fakeChannel

	mu       sync.Mutex
	failures int
	calls    int
}

func (r *reconnectingChannel) Reconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return fmt.Errorf("dial: %w", domain.ErrTransportDisconnected)
	}
	return nil
}

func (r *reconnectingChannel) reconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// stubCapturer produces idle synthetic streams unless deny is set.
type stubCapturer struct {
	mu    sync.Mutex
	deny  error
	calls int
}

func (s *stubCapturer) GetUserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	s.mu.Lock()
	s.calls++
	deny := s.deny
	s.mu.Unlock()
	return (&media.Synthetic{Idle: true, Deny: deny}).GetUserMedia(ctx, c)
}

func (s *stubCapturer) setDeny(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deny = err
}

func (s *stubCapturer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
