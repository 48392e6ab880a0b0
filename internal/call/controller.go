// Package call drives one consultation: local media, the peer session and the
// signaling exchange between the two participants of a room.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/media"
	"teleconsult/native/internal/webrtc"

	"github.com/golang/glog"
	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
)

var (
	ErrNotInitialized   = errors.New("controller not initialized")
	ErrCallInProgress   = errors.New("call already in progress")
	ErrControllerClosed = errors.New("controller closed")
)

const (
	defaultTickInterval = time.Second
	defaultBackoff      = time.Second
	defaultMaxBackoff   = 60 * time.Second
	reconnectTimeout    = 10 * time.Second
	leaveTimeout        = 2 * time.Second
)

// ConnectionFactory creates peer connections. *webrtc.API implements it.
type ConnectionFactory interface {
	NewConnection() (webrtc.Connection, error)
}

// Options configures a Controller.
type Options struct {
	Channel     domain.Channel
	Connections ConnectionFactory
	Capturer    media.Capturer
	// Constraints for capture. The zero value means media.DefaultConstraints.
	Constraints media.Constraints

	// ParticipantID is stamped as "from" on outbound messages. Generated when empty.
	ParticipantID string
	// StrictOfferFilter drops inbound messages carrying our own participant id.
	StrictOfferFilter bool

	// ReconnectAttempts bounds transport recovery. Zero reports disconnects
	// without retrying.
	ReconnectAttempts   int
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration

	// TickInterval drives the call duration counter. Defaults to one second.
	TickInterval time.Duration
	Now          func() time.Time
}

// Controller is the only component the view layer talks to.
type Controller struct {
	channel     domain.Channel
	conns       ConnectionFactory
	capturer    media.Capturer
	constraints media.Constraints
	id          string
	strict      bool

	reconnectAttempts int
	backoff           time.Duration
	maxBackoff        time.Duration
	tick              time.Duration
	now               func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	epoch        uint64
	roomID       string
	initialized  bool
	closed       bool
	reconnecting bool
	session      *webrtc.Session
	peer         string
	stream       *media.Stream
	remote       *webrtc.RemoteStream
	lifecycle    domain.Lifecycle
	mediaErr     error
	connState    pion.PeerConnectionState
	stopTick     chan struct{}
	handler      func(Event)
}

// New validates opts and fills defaults.
func New(opts Options) (*Controller, error) {
	if opts.Channel == nil {
		return nil, errors.New("call: channel is required")
	}
	if opts.Connections == nil {
		return nil, errors.New("call: connection factory is required")
	}
	if opts.Capturer == nil {
		return nil, errors.New("call: capturer is required")
	}

	c := &Controller{
		channel:           opts.Channel,
		conns:             opts.Connections,
		capturer:          opts.Capturer,
		constraints:       opts.Constraints,
		id:                opts.ParticipantID,
		strict:            opts.StrictOfferFilter,
		reconnectAttempts: opts.ReconnectAttempts,
		backoff:           opts.ReconnectBackoff,
		maxBackoff:        opts.MaxReconnectBackoff,
		tick:              opts.TickInterval,
		now:               opts.Now,
		lifecycle:         domain.InitialLifecycle(),
		connState:         pion.PeerConnectionStateNew,
	}
	if c.constraints.Video == nil && !c.constraints.Audio {
		c.constraints = media.DefaultConstraints()
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = defaultMaxBackoff
	}
	if c.tick <= 0 {
		c.tick = defaultTickInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// ParticipantID returns the id stamped on outbound messages.
func (c *Controller) ParticipantID() string { return c.id }

// OnEvent sets the notification handler. The last registration wins.
func (c *Controller) OnEvent(handler func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Lifecycle returns a copy of the current call record.
func (c *Controller) Lifecycle() domain.Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle
}

// RemoteStream returns the peer's stream, or nil before it arrives.
func (c *Controller) RemoteStream() *webrtc.RemoteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// LocalStream returns the held local stream, or nil.
func (c *Controller) LocalStream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// MediaError returns the pending capture failure, if any.
func (c *Controller) MediaError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaErr
}

// ConnectionState returns the last reported peer connection state.
func (c *Controller) ConnectionState() pion.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// Initialize registers the inbound handlers and joins roomID.
func (c *Controller) Initialize(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.initialized {
		c.mu.Unlock()
		return fmt.Errorf("initialize room %s: already joined %s", roomID, c.roomID)
	}
	c.roomID = roomID
	c.initialized = true
	c.mu.Unlock()

	c.channel.OnMessage(c.handleMessage)
	c.channel.OnDisconnected(c.handleDisconnect)

	if err := c.channel.Join(ctx, roomID); err != nil {
		c.mu.Lock()
		c.initialized = false
		c.mu.Unlock()
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	glog.Infof("[call] initialized room=%s participant=%s", roomID, c.id)
	return nil
}

// PrepareMedia acquires local media ahead of a call, e.g. for a preview. The
// stream is reused by the next call.
func (c *Controller) PrepareMedia(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	epoch := c.epoch
	c.mu.Unlock()

	_, err := c.acquireMedia(ctx, epoch)
	if errors.Is(err, domain.ErrStaleContinuation) {
		return nil
	}
	return err
}

// RetryMedia clears a pending media error by acquiring again.
func (c *Controller) RetryMedia(ctx context.Context) error {
	glog.Infof("[call] retrying media acquisition")
	return c.PrepareMedia(ctx)
}

// StartCall acquires media, opens a session and sends an offer to the room.
func (c *Controller) StartCall(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrControllerClosed
	case !c.initialized:
		c.mu.Unlock()
		return ErrNotInitialized
	case c.mediaErr != nil:
		c.mu.Unlock()
		return fmt.Errorf("start call: %w", domain.ErrMediaUnavailable)
	case c.session != nil:
		c.mu.Unlock()
		return ErrCallInProgress
	}
	epoch, roomID := c.epoch, c.roomID
	c.mu.Unlock()

	glog.Infof("[call] starting call in room %s", roomID)

	sess, err := c.openSession(ctx, epoch)
	if err != nil {
		if errors.Is(err, domain.ErrStaleContinuation) {
			return nil
		}
		return err
	}

	offer, err := sess.CreateOffer()
	if err != nil {
		c.handleNegotiationError(epoch, "create offer", err)
		if errors.Is(err, domain.ErrStaleContinuation) {
			return nil
		}
		return err
	}
	if !c.current(epoch) {
		return nil
	}

	msg := domain.Message{Type: domain.MessageOffer, RoomID: roomID, From: c.id, Offer: &offer}
	if err := c.channel.Send(ctx, msg); err != nil {
		err = fmt.Errorf("send offer: %w", err)
		glog.Errorf("[call] %v", err)
		c.fail(epoch, err)
		return err
	}

	c.activate(epoch)
	sess.OnLocalCandidate(c.forwardCandidate(sess))
	return nil
}

// ToggleVideo flips the local video tracks and returns the new state.
func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lifecycle.LocalVideoEnabled = !c.lifecycle.LocalVideoEnabled
	if c.stream != nil {
		c.stream.SetVideoEnabled(c.lifecycle.LocalVideoEnabled)
	}
	glog.V(1).Infof("[call] video enabled=%t", c.lifecycle.LocalVideoEnabled)
	return c.lifecycle.LocalVideoEnabled
}

// ToggleMic flips the local audio tracks and returns the new state.
func (c *Controller) ToggleMic() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lifecycle.LocalAudioEnabled = !c.lifecycle.LocalAudioEnabled
	if c.stream != nil {
		c.stream.SetAudioEnabled(c.lifecycle.LocalAudioEnabled)
	}
	glog.V(1).Infof("[call] audio enabled=%t", c.lifecycle.LocalAudioEnabled)
	return c.lifecycle.LocalAudioEnabled
}

// EndCall stops local media, closes the session and resets the call record.
// It is safe to call at any time.
func (c *Controller) EndCall() {
	if c.teardown() {
		glog.Infof("[call] call ended")
		c.emit(Event{Type: EventCallEnded})
	}
}

// Close ends any call, announces our departure and releases the channel.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	roomID, joined := c.roomID, c.initialized
	c.mu.Unlock()

	c.EndCall()
	c.cancel()

	if joined {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		err := c.channel.Send(ctx, domain.Message{Type: domain.MessageLeave, RoomID: roomID, From: c.id})
		cancel()
		if err != nil {
			glog.V(1).Infof("[call] leave not delivered: %v", err)
		}
	}

	if err := c.channel.Close(); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}
	glog.Infof("[call] controller closed")
	return nil
}

// teardown releases the call resources and reports whether anything was held.
func (c *Controller) teardown() bool {
	c.mu.Lock()
	c.epoch++
	sess, stream, stop := c.session, c.stream, c.stopTick
	hadCall := sess != nil || c.lifecycle.Active
	c.session = nil
	c.peer = ""
	c.stream = nil
	c.remote = nil
	c.stopTick = nil
	c.lifecycle = domain.InitialLifecycle()
	c.connState = pion.PeerConnectionStateNew
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if stream != nil {
		stream.Stop()
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			glog.Warningf("[call] close session: %v", err)
		}
	}
	return hadCall
}

func (c *Controller) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.epoch == epoch
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h(ev)
	}
}

// acquireMedia returns the held stream or captures a new one.
func (c *Controller) acquireMedia(ctx context.Context, epoch uint64) (*media.Stream, error) {
	c.mu.Lock()
	if c.stream != nil && !c.stream.Stopped() {
		s := c.stream
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	stream, err := c.capturer.GetUserMedia(ctx, c.constraints)
	if err != nil {
		var denied *domain.MediaAccessDeniedError
		if !errors.As(err, &denied) {
			return nil, fmt.Errorf("acquire media: %w", err)
		}
		c.mu.Lock()
		current := !c.closed && c.epoch == epoch
		if current {
			c.mediaErr = err
		}
		c.mu.Unlock()

		if !current {
			return nil, domain.ErrStaleContinuation
		}
		glog.Warningf("[call] %v", err)
		c.emit(Event{Type: EventMediaDenied, Err: err})
		return nil, err
	}

	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		stream.Stop()
		return nil, domain.ErrStaleContinuation
	}
	if c.stream != nil && !c.stream.Stopped() {
		existing := c.stream
		c.mu.Unlock()
		stream.Stop()
		return existing, nil
	}
	c.stream = stream
	c.mediaErr = nil
	stream.SetVideoEnabled(c.lifecycle.LocalVideoEnabled)
	stream.SetAudioEnabled(c.lifecycle.LocalAudioEnabled)
	c.mu.Unlock()

	glog.Infof("[call] local media ready: stream=%s tracks=%d", stream.ID(), len(stream.Tracks()))
	return stream, nil
}

// openSession acquires media, creates a session with local tracks attached
// and installs it as the call's session.
func (c *Controller) openSession(ctx context.Context, epoch uint64) (*webrtc.Session, error) {
	stream, err := c.acquireMedia(ctx, epoch)
	if err != nil {
		return nil, err
	}

	conn, err := c.conns.NewConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	sess := webrtc.NewSession(conn)
	sess.OnRemoteStream(c.remoteStreamHandler(sess))
	sess.OnConnectionState(c.connStateHandler(sess))

	if err := sess.AttachLocalTracks(stream); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("attach local tracks: %w", err)
	}

	c.mu.Lock()
	switch {
	case c.closed || c.epoch != epoch:
		c.mu.Unlock()
		_ = sess.Close()
		return nil, domain.ErrStaleContinuation
	case c.session != nil:
		c.mu.Unlock()
		_ = sess.Close()
		return nil, ErrCallInProgress
	}
	c.session = sess
	c.mu.Unlock()

	return sess, nil
}

func (c *Controller) remoteStreamHandler(sess *webrtc.Session) func(*webrtc.RemoteStream) {
	return func(rs *webrtc.RemoteStream) {
		c.mu.Lock()
		if c.session != sess {
			c.mu.Unlock()
			return
		}
		c.remote = rs
		c.mu.Unlock()

		glog.Infof("[call] remote stream %s attached", rs.ID())
		c.emit(Event{Type: EventRemoteStream, Stream: rs})
	}
}

func (c *Controller) connStateHandler(sess *webrtc.Session) func(pion.PeerConnectionState) {
	return func(state pion.PeerConnectionState) {
		c.mu.Lock()
		if c.session != sess {
			c.mu.Unlock()
			return
		}
		c.connState = state
		c.mu.Unlock()

		if state == pion.PeerConnectionStateFailed {
			glog.Warningf("[call] peer connection failed")
		}
		c.emit(Event{Type: EventConnectionState, State: state})
	}
}

// forwardCandidate sends local candidates of sess to the room.
func (c *Controller) forwardCandidate(sess *webrtc.Session) func(domain.ICECandidatePayload) {
	return func(cand domain.ICECandidatePayload) {
		c.mu.Lock()
		if c.session != sess {
			c.mu.Unlock()
			return
		}
		roomID := c.roomID
		c.mu.Unlock()

		msg := domain.Message{Type: domain.MessageICE, RoomID: roomID, From: c.id, Candidate: &cand}
		if err := c.channel.Send(c.ctx, msg); err != nil {
			glog.Warningf("[call] send ICE candidate: %v", err)
		}
	}
}

// activate marks the call active and starts the duration timer.
func (c *Controller) activate(epoch uint64) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch || c.lifecycle.Active {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.lifecycle.Active = true
	c.lifecycle.StartedAt = &now
	c.lifecycle.DurationSeconds = 0
	stop := make(chan struct{})
	c.stopTick = stop
	roomID := c.roomID
	c.mu.Unlock()

	go c.tickLoop(epoch, stop)

	glog.Infof("[call] call active in room %s", roomID)
	c.emit(Event{Type: EventCallStarted})
}

func (c *Controller) tickLoop(epoch uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.epoch != epoch || !c.lifecycle.Active {
				c.mu.Unlock()
				return
			}
			c.lifecycle.DurationSeconds++
			d := c.lifecycle.DurationSeconds
			c.mu.Unlock()

			glog.V(2).Infof("[call] duration %s", domain.FormatDuration(d))
		}
	}
}

// fail ends the call of epoch and reports err.
func (c *Controller) fail(epoch uint64, err error) {
	if !c.current(epoch) {
		return
	}
	c.teardown()
	c.emit(Event{Type: EventCallFailed, Err: err})
}

func (c *Controller) handleNegotiationError(epoch uint64, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrStaleContinuation):
		glog.V(1).Infof("[call] %s resolved after teardown, discarded", op)
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrSessionClosed):
		glog.Warningf("[call] %s: %v", op, err)
	default:
		glog.Errorf("[call] %s failed: %v", op, err)
		c.fail(epoch, err)
	}
}

func (c *Controller) handleMessage(msg domain.Message) {
	if c.strict && msg.From != "" && msg.From == c.id {
		glog.V(1).Infof("[call] dropping own %s message", msg.Type)
		return
	}

	switch msg.Type {
	case domain.MessageOffer:
		c.handleOffer(msg)
	case domain.MessageAnswer:
		c.handleAnswer(msg)
	case domain.MessageICE:
		c.handleCandidate(msg)
	case domain.MessageJoin:
		glog.Infof("[call] peer %s joined", msg.From)
		c.emit(Event{Type: EventPeerJoined, PeerID: msg.From})
	case domain.MessageLeave:
		glog.Infof("[call] peer %s left", msg.From)
		c.emit(Event{Type: EventPeerLeft, PeerID: msg.From})
	default:
		glog.Warningf("[call] unhandled message type: %s", msg.Type)
	}
}

func (c *Controller) handleOffer(msg domain.Message) {
	if msg.Offer == nil {
		glog.Warningf("[call] offer message without description")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	epoch, roomID, sess := c.epoch, c.roomID, c.session
	renegotiate := sess != nil && c.peer != "" && msg.From != c.id
	c.mu.Unlock()

	glog.Infof("[call] offer received from %s", msg.From)

	if renegotiate {
		var ok bool
		if epoch, ok = c.replaceSession(sess, msg.From); !ok {
			return
		}
		sess = nil
	}

	if sess == nil {
		var err error
		sess, err = c.openSession(c.ctx, epoch)
		if err != nil {
			if !errors.Is(err, domain.ErrStaleContinuation) {
				glog.Errorf("[call] cannot answer offer: %v", err)
			}
			return
		}
	}

	answer, err := sess.CreateAnswer(*msg.Offer)
	if err != nil {
		c.handleNegotiationError(epoch, "answer offer", err)
		return
	}
	if !c.current(epoch) {
		return
	}

	reply := domain.Message{Type: domain.MessageAnswer, RoomID: roomID, From: c.id, Answer: &answer}
	if err := c.channel.Send(c.ctx, reply); err != nil {
		err = fmt.Errorf("send answer: %w", err)
		glog.Errorf("[call] %v", err)
		c.fail(epoch, err)
		return
	}
	c.setPeer(epoch, msg.From)

	c.activate(epoch)
	sess.OnLocalCandidate(c.forwardCandidate(sess))
}

func (c *Controller) handleAnswer(msg domain.Message) {
	if msg.Answer == nil {
		glog.Warningf("[call] answer message without description")
		return
	}

	c.mu.Lock()
	epoch, sess := c.epoch, c.session
	c.mu.Unlock()

	if sess == nil {
		glog.Warningf("[call] answer received without a session, ignoring")
		return
	}
	if err := sess.ApplyRemoteAnswer(*msg.Answer); err != nil {
		c.handleNegotiationError(epoch, "apply answer", err)
		return
	}
	c.setPeer(epoch, msg.From)
}

// setPeer records who completed the negotiation of the current session.
func (c *Controller) setPeer(epoch uint64, from string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.epoch != epoch {
		return
	}
	if from == "" {
		from = "unknown"
	}
	c.peer = from
}

// replaceSession drops a negotiated session so that a fresh offer from the
// peer can be answered. Local media is kept. It returns the epoch of the new
// call.
func (c *Controller) replaceSession(old *webrtc.Session, from string) (uint64, bool) {
	c.mu.Lock()
	if c.closed || c.session != old {
		c.mu.Unlock()
		return 0, false
	}
	glog.Infof("[call] new offer from %s replaces the session negotiated with %s", from, c.peer)
	c.epoch++
	epoch, stop, wasActive := c.epoch, c.stopTick, c.lifecycle.Active
	c.session = nil
	c.peer = ""
	c.remote = nil
	c.stopTick = nil
	c.connState = pion.PeerConnectionStateNew
	c.lifecycle.Active = false
	c.lifecycle.StartedAt = nil
	c.lifecycle.DurationSeconds = 0
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if err := old.Close(); err != nil {
		glog.Warningf("[call] close session: %v", err)
	}
	if wasActive {
		c.emit(Event{Type: EventCallEnded})
	}
	return epoch, true
}

func (c *Controller) handleCandidate(msg domain.Message) {
	if msg.Candidate == nil {
		glog.Warningf("[call] ice message without candidate")
		return
	}

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		glog.V(1).Infof("[call] dropping ICE candidate received without a session")
		return
	}
	if err := sess.AddRemoteCandidate(*msg.Candidate); err != nil {
		if errors.Is(err, domain.ErrStaleContinuation) || errors.Is(err, domain.ErrSessionClosed) {
			return
		}
		glog.Warningf("[call] remote candidate rejected: %v", err)
	}
}

func (c *Controller) handleDisconnect(cause error) {
	glog.Warningf("[call] signaling transport lost: %v", cause)

	rc, ok := c.channel.(domain.Reconnector)
	if !ok || c.reconnectAttempts <= 0 {
		c.emit(Event{Type: EventTransportDisconnected, Err: cause})
		return
	}

	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go c.reconnect(rc, cause)
}

// reconnect retries the transport with exponential backoff.
func (c *Controller) reconnect(rc domain.Reconnector, cause error) {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	backoff := c.backoff
	for attempt := 1; attempt <= c.reconnectAttempts; attempt++ {
		glog.Infof("[call] reconnection attempt #%d", attempt)

		ctx, cancel := context.WithTimeout(c.ctx, reconnectTimeout)
		err := rc.Reconnect(ctx)
		cancel()
		if err == nil {
			glog.Infof("[call] reconnected on attempt #%d", attempt)
			c.emit(Event{Type: EventTransportRestored})
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		if attempt == c.reconnectAttempts {
			break
		}

		glog.Warningf("[call] reconnect failed: %v (retrying in %v)", err, backoff)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}

	glog.Errorf("[call] giving up after %d reconnection attempts", c.reconnectAttempts)
	c.emit(Event{Type: EventTransportDisconnected, Err: cause})
}
