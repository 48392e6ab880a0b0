package main

import (
	"context"
	"errors"
	"io"
	"time"

	"teleconsult/native/internal/call"
	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/media"
	"teleconsult/native/internal/webrtc"

	"github.com/golang/glog"
	pion "github.com/pion/webrtc/v4"
)

// participant reacts to controller events the way the consultation view does:
// the doctor calls when the patient shows up, and either side hangs up when
// the other leaves.
type participant struct {
	name   string
	role   domain.Role
	ctrl   *call.Controller
	ctx    context.Context
	caller bool
	// recorder, when set, stores remote media instead of discarding it.
	recorder *media.Recorder
}

func newParticipant(ctx context.Context, name string, role domain.Role, ctrl *call.Controller, rec *media.Recorder) *participant {
	p := &participant{
		name:     name,
		role:     role,
		ctrl:     ctrl,
		ctx:      ctx,
		caller:   role == domain.RoleDoctor,
		recorder: rec,
	}
	ctrl.OnEvent(p.handle)
	go p.reportDuration()
	return p
}

func (p *participant) start() {
	if err := p.ctrl.StartCall(p.ctx); err != nil {
		glog.Errorf("[main] %s: start call: %v", p.name, err)
	}
}

func (p *participant) handle(ev call.Event) {
	switch ev.Type {
	case call.EventPeerJoined:
		glog.Infof("[main] %s: peer %s joined", p.name, ev.PeerID)
		if p.caller {
			go p.start()
		}
	case call.EventPeerLeft:
		glog.Infof("[main] %s: peer %s left", p.name, ev.PeerID)
		p.ctrl.EndCall()
	case call.EventCallStarted:
		glog.Infof("[main] %s: call started", p.name)
	case call.EventCallEnded:
		glog.Infof("[main] %s: call ended", p.name)
	case call.EventCallFailed:
		glog.Errorf("[main] %s: call failed: %v", p.name, ev.Err)
	case call.EventMediaDenied:
		glog.Errorf("[main] %s: camera or microphone unavailable: %v", p.name, ev.Err)
	case call.EventRemoteStream:
		glog.Infof("[main] %s: receiving remote stream %s", p.name, ev.Stream.ID())
		ev.Stream.OnTrack(func(t webrtc.RemoteTrack) {
			if t.Remote != nil {
				go p.consume(t.Remote)
			}
		})
	case call.EventConnectionState:
		glog.Infof("[main] %s: peer connection %s", p.name, ev.State)
		if ev.State == pion.PeerConnectionStateFailed || ev.State == pion.PeerConnectionStateClosed {
			glog.Warningf("[main] %s: media path %s, hanging up", p.name, ev.State)
			go p.redial()
		}
	case call.EventTransportDisconnected:
		glog.Errorf("[main] %s: signaling unavailable: %v", p.name, ev.Err)
	case call.EventTransportRestored:
		glog.Infof("[main] %s: signaling restored", p.name)
	}
}

// redial ends the broken call. The caller then calls again; the answerer
// waits for the next offer.
func (p *participant) redial() {
	p.ctrl.EndCall()
	if p.caller && p.ctx.Err() == nil {
		p.start()
	}
}

func (p *participant) reportDuration() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if lc := p.ctrl.Lifecycle(); lc.Active {
				glog.Infof("[main] %s: in call %s (video=%t mic=%t)",
					p.name, domain.FormatDuration(lc.DurationSeconds), lc.LocalVideoEnabled, lc.LocalAudioEnabled)
			}
		}
	}
}

func (p *participant) consume(track *pion.TrackRemote) {
	if p.recorder == nil {
		drain(p.name, track)
		return
	}
	name := p.name + "-" + track.Kind().String() + "-" + time.Now().Format("150405")
	n, err := p.recorder.Record(track, name, track.Codec())
	if errors.Is(err, media.ErrUnsupportedCodec) {
		glog.Warningf("[main] %s: %v, discarding", p.name, err)
		drain(p.name, track)
		return
	}
	if err != nil {
		glog.Warningf("[main] %s: recording stopped after %d packets: %v", p.name, n, err)
		return
	}
	glog.Infof("[main] %s: recorded %d %s packets", p.name, n, track.Kind())
}

// drain consumes a remote track so its buffers never fill and logs throughput.
func drain(name string, track *pion.TrackRemote) {
	glog.Infof("[main] %s: remote %s track %s (%s)", name, track.Kind(), track.ID(), track.Codec().MimeType)

	var packets, bytes int
	last := time.Now()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				glog.V(1).Infof("[main] %s: read %s track: %v", name, track.Kind(), err)
			}
			glog.Infof("[main] %s: remote %s track ended after %d packets", name, track.Kind(), packets)
			return
		}
		packets++
		bytes += len(pkt.Payload)

		if time.Since(last) >= 5*time.Second {
			glog.V(1).Infof("[main] %s: %s %d packets, %d payload bytes", name, track.Kind(), packets, bytes)
			last = time.Now()
		}
	}
}
