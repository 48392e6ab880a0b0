package webrtc

import (
	"errors"
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"
)

// fakeConn emulates a peer connection. Two fakes linked with linkFakes deliver
// each other's local tracks once both descriptions are set on a side.
type fakeConn struct {
	name string

	mu             sync.Mutex
	peer           *fakeConn
	tracks         []pion.TrackLocal
	local          *pion.SessionDescription
	remote         *pion.SessionDescription
	candidates     []pion.ICECandidateInit
	setLocalCalls  int
	setRemoteCalls int
	closeCalls     int
	closed         bool
	tracksFired    bool

	onICE   func(pion.ICECandidateInit)
	onTrack func(RemoteTrack)
	onState func(pion.PeerConnectionState)

	// offerGate and answerGate, when set, block generation until closed.
	offerGate  chan struct{}
	answerGate chan struct{}
	entered    chan struct{}
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{name: name, entered: make(chan struct{}, 1)}
}

func linkFakes(a, b *fakeConn) {
	a.peer = b
	b.peer = a
}

var errFakeClosed = errors.New("fake: connection closed")

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
	if f.remote == nil {
		return pion.SessionDescription{}, errors.New("fake: no remote offer")
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
			Candidate:     fmt.Sprintf("candidate:%s 1 udp 2130706431 10.0.0.1 5000 typ host", f.name),
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		})
	}
	f.maybeFireTracks()
	return nil
}

func (f *fakeConn) SetRemoteDescription(desc pion.SessionDescription) error {
	f.mu.Lock()
	f.setRemoteCalls++
	if f.closed {
		f.mu.Unlock()
		return errFakeClosed
	}
	if desc.SDP == "" {
		f.mu.Unlock()
		return errors.New("fake: empty SDP")
	}
	f.remote = &desc
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
	if f.remote == nil {
		return errors.New("fake: remote description not set")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeConn) OnICECandidate(h func(pion.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = h
}

func (f *fakeConn) OnTrack(h func(RemoteTrack)) {
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
	f.closeCalls++
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) maybeFireTracks() {
	f.mu.Lock()
	if f.tracksFired || f.local == nil || f.remote == nil || f.peer == nil {
		f.mu.Unlock()
		return
	}
	f.tracksFired = true
	onTrack, onState := f.onTrack, f.onState
	f.mu.Unlock()

	f.peer.mu.Lock()
	remote := append([]pion.TrackLocal(nil), f.peer.tracks...)
	f.peer.mu.Unlock()

	if onState != nil {
		onState(pion.PeerConnectionStateConnected)
	}
	if onTrack == nil {
		return
	}
	for _, t := range remote {
		onTrack(RemoteTrack{ID: t.ID(), StreamID: t.StreamID(), Kind: t.Kind()})
	}
}

func (f *fakeConn) snapshot() (candidates []pion.ICECandidateInit, setLocal, closeCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pion.ICECandidateInit(nil), f.candidates...), f.setLocalCalls, f.closeCalls
}
