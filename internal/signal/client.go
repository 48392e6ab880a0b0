package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"teleconsult/native/internal/domain"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// ErrJoinRejected is returned by Join when the relay refuses the room.
var ErrJoinRejected = errors.New("join rejected by relay")

const writeWait = 10 * time.Second

// ClientOptions configures a relay Client.
type ClientOptions struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token is sent as a bearer token when set.
	Token string
	// ParticipantID is announced on join so the relay stamps it as From.
	// Empty leaves the relay's peer id.
	ParticipantID string
	// PingInterval defaults to 25s.
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// Client is a Channel backed by the relay websocket.
type Client struct {
	url          string
	token        string
	participant  string
	pingInterval time.Duration
	dialer       *websocket.Dialer

	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	connDone     chan struct{}
	roomID       string
	peerID       string
	members      int
	joinAck      chan error
	handler      func(domain.Message)
	onDisconnect func(error)
	closed       bool
}

// NewClient creates a relay client. Nothing is dialed until Join.
func NewClient(opts ClientOptions) *Client {
	c := &Client{
		url:          opts.URL,
		token:        opts.Token,
		participant:  opts.ParticipantID,
		pingInterval: opts.PingInterval,
		dialer:       opts.Dialer,
	}
	if c.pingInterval <= 0 {
		c.pingInterval = 25 * time.Second
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	return c
}

// PeerID returns the id the relay assigned on the last join.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Members returns the room size the relay reported on the last join,
// including this client.
func (c *Client) Members() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members
}

// Join dials the relay if needed, sends join-room and waits for the relay to
// confirm membership.
func (c *Client) Join(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		var err error
		if conn, err = c.connect(ctx); err != nil {
			return err
		}
	}

	ack := make(chan error, 1)
	c.mu.Lock()
	c.roomID = roomID
	c.joinAck = ack
	c.mu.Unlock()

	if err := c.writeFrame(conn, domain.Frame{Event: domain.EventJoinRoom, RoomID: roomID, From: c.participant}); err != nil {
		return err
	}

	select {
	case err := <-ack:
		if err != nil {
			return err
		}
		glog.Infof("[signal] joined room %s as %s", roomID, c.PeerID())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for join: %w", ctx.Err())
	}
}

// Send maps msg onto its relay event and writes it.
func (c *Client) Send(_ context.Context, msg domain.Message) error {
	f, ok := toFrame(msg)
	if !ok {
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	conn := c.conn
	if f.RoomID == "" {
		f.RoomID = c.roomID
	}
	c.mu.Unlock()

	if conn == nil {
		return domain.ErrNotJoined
	}
	return c.writeFrame(conn, f)
}

// OnMessage sets the inbound message handler. The last registration wins.
func (c *Client) OnMessage(handler func(domain.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// OnDisconnected sets the handler for a dropped relay connection.
func (c *Client) OnDisconnected(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = handler
}

// Reconnect drops the current connection, dials again and re-joins the last room.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	old := c.detachLocked()
	room := c.roomID
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	glog.Infof("[signal] reconnecting to %s", c.url)
	if room == "" {
		_, err := c.connect(ctx)
		return err
	}
	return c.Join(ctx, room)
}

// Close shuts down the websocket connection. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.detachLocked()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return conn.Close()
}

// detachLocked forgets the current connection and stops its loops.
func (c *Client) detachLocked() *websocket.Conn {
	conn := c.conn
	if c.connDone != nil {
		close(c.connDone)
	}
	c.conn = nil
	c.connDone = nil
	return conn
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	glog.Infof("[signal] connecting to %s", c.url)

	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, domain.ErrChannelClosed
	}
	if c.conn != nil {
		prev := c.detachLocked()
		defer prev.Close()
	}
	done := make(chan struct{})
	c.conn = conn
	c.connDone = done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)

	return conn, nil
}

func (c *Client) writeFrame(conn *websocket.Conn, f domain.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	glog.V(2).Infof("[signal] >>> %s", data)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", f.Event, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			glog.Warningf("[signal] read error: %v", err)
			c.dropped(conn, err)
			return
		}

		glog.V(2).Infof("[signal] <<< %s", data)

		var f domain.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			glog.Errorf("[signal] unmarshal error: %v", err)
			continue
		}

		c.dispatch(f)
	}
}

// dropped reports a connection lost without Close or Reconnect.
func (c *Client) dropped(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	h := c.onDisconnect
	ack := c.joinAck
	c.joinAck = nil
	c.mu.Unlock()

	conn.Close()

	err := fmt.Errorf("%w: %v", domain.ErrTransportDisconnected, cause)
	if ack != nil {
		ack <- err
	}
	if h != nil {
		h(err)
	}
}

func (c *Client) dispatch(f domain.Frame) {
	switch f.Event {
	case domain.EventJoined:
		c.mu.Lock()
		c.peerID = f.PeerID
		c.members = f.Members
		ack := c.joinAck
		c.joinAck = nil
		c.mu.Unlock()

		glog.V(1).Infof("[signal] relay confirmed join: room=%s members=%d", f.RoomID, f.Members)
		if ack != nil {
			ack <- nil
		}

	case domain.EventError:
		glog.Warningf("[signal] relay error: %s", f.Error)

		c.mu.Lock()
		ack := c.joinAck
		c.joinAck = nil
		c.mu.Unlock()

		if ack != nil {
			ack <- fmt.Errorf("%w: %s", ErrJoinRejected, f.Error)
		}

	default:
		msg, ok := toMessage(f)
		if !ok {
			glog.Warningf("[signal] unhandled event: %s", f.Event)
			return
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()

		if h != nil {
			h(msg)
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				glog.Warningf("[signal] ping error: %v", err)
				return
			}
		}
	}
}
