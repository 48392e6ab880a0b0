package webrtc

import (
	"fmt"
	"strings"
	"time"

	"teleconsult/native/internal/domain"

	"github.com/golang/glog"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
)

// RemoteTrack describes one inbound track. Remote is nil for connections that
// are not backed by pion.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     pion.RTPCodecType
	Remote   *pion.TrackRemote
}

// Connection is the part of a peer connection a Session drives.
type Connection interface {
	AddTrack(track pion.TrackLocal) error
	CreateOffer() (pion.SessionDescription, error)
	CreateAnswer() (pion.SessionDescription, error)
	SetLocalDescription(desc pion.SessionDescription) error
	SetRemoteDescription(desc pion.SessionDescription) error
	AddICECandidate(c pion.ICECandidateInit) error
	OnICECandidate(handler func(pion.ICECandidateInit))
	OnTrack(handler func(RemoteTrack))
	OnConnectionStateChange(handler func(pion.PeerConnectionState))
	Close() error
}

// Options configures the pion API shared by every connection of a process.
type Options struct {
	ICEServers []domain.ICEServer
	// ConfigureMedia registers codecs. Nil registers pion's defaults.
	ConfigureMedia func(m *pion.MediaEngine) error
	// IncludeLoopback gathers loopback candidates, for same-host calls.
	IncludeLoopback bool
	// KeyframeInterval is how often a picture loss indication is sent for
	// each inbound video track. Zero means 3s, negative disables it.
	KeyframeInterval time.Duration

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// API creates pion-backed connections.
type API struct {
	api              *pion.API
	config           pion.Configuration
	includeLoopback  bool
	keyframeInterval time.Duration
}

// NewAPI registers codecs and interceptors and applies ICE settings.
func NewAPI(opts Options) (*API, error) {
	m := &pion.MediaEngine{}
	if opts.ConfigureMedia != nil {
		if err := opts.ConfigureMedia(m); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := pion.SettingEngine{}
	disconnected, failed, keepAlive := opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval
	if disconnected == 0 {
		disconnected = 30 * time.Second
	}
	if failed == 0 {
		failed = 120 * time.Second
	}
	if keepAlive == 0 {
		keepAlive = 2 * time.Second
	}
	se.SetICETimeouts(disconnected, failed, keepAlive)
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	keyframe := opts.KeyframeInterval
	if keyframe == 0 {
		keyframe = 3 * time.Second
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	return &API{
		api: api,
		config: pion.Configuration{
			ICEServers:   ToPionICEServers(opts.ICEServers),
			BundlePolicy: pion.BundlePolicyMaxBundle,
		},
		includeLoopback:  opts.IncludeLoopback,
		keyframeInterval: keyframe,
	}, nil
}

// NewConnection creates a fresh peer connection.
func (a *API) NewConnection() (Connection, error) {
	pc, err := a.api.NewPeerConnection(a.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		glog.V(1).Infof("[webrtc] ICE connection state: %s", state.String())
	})

	return &pionConnection{pc: pc, includeLoopback: a.includeLoopback, keyframeInterval: a.keyframeInterval}, nil
}

// ToPionICEServers converts ticket ICE servers to pion's configuration type.
func ToPionICEServers(servers []domain.ICEServer) []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

type pionConnection struct {
	pc               *pion.PeerConnection
	includeLoopback  bool
	keyframeInterval time.Duration
}

func (c *pionConnection) AddTrack(track pion.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}

	// RTCP must be read for interceptors like NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *pionConnection) CreateOffer() (pion.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConnection) CreateAnswer() (pion.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConnection) SetLocalDescription(desc pion.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConnection) SetRemoteDescription(desc pion.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConnection) AddICECandidate(init pion.ICECandidateInit) error {
	return c.pc.AddICECandidate(init)
}

func (c *pionConnection) OnICECandidate(handler func(pion.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *pion.ICECandidate) {
		if cand == nil {
			glog.V(1).Infof("[webrtc] ICE gathering complete")
			return
		}

		init := cand.ToJSON()
		if !c.includeLoopback && isLoopback(init.Candidate) {
			glog.V(1).Infof("[webrtc] filtering loopback ICE candidate")
			return
		}
		handler(init)
	})
}

func (c *pionConnection) OnTrack(handler func(RemoteTrack)) {
	c.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		glog.Infof("[webrtc] got track: kind=%s codec=%s stream=%s", track.Kind(), codec.MimeType, track.StreamID())
		if track.Kind() == pion.RTPCodecTypeVideo && c.keyframeInterval > 0 {
			go c.requestKeyframes(track.SSRC())
		}
		handler(RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind(),
			Remote:   track,
		})
	})
}

// requestKeyframes sends a PLI for ssrc every keyframeInterval until the
// connection is closed.
func (c *pionConnection) requestKeyframes(ssrc pion.SSRC) {
	ticker := time.NewTicker(c.keyframeInterval)
	defer ticker.Stop()

	for range ticker.C {
		if err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}); err != nil {
			glog.V(1).Infof("[webrtc] stop keyframe requests for ssrc %d: %v", ssrc, err)
			return
		}
	}
}

func (c *pionConnection) OnConnectionStateChange(handler func(pion.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(handler)
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}

func toInit(c domain.ICECandidatePayload) pion.ICECandidateInit {
	return pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromInit(init pion.ICECandidateInit) domain.ICECandidatePayload {
	return domain.ICECandidatePayload{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}
