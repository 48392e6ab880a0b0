// Package relay is the networked signaling relay: it forwards offer, answer
// and ice-candidate frames between the members of a room.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"teleconsult/native/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultRoomCapacity admits exactly the two participants of a consultation.
const DefaultRoomCapacity = 2

// Options configures a Server.
type Options struct {
	AllowedOrigins []string
	RoomCapacity   int
	SignalPath     string
	Presence       Presence
	Issuer         *Issuer
}

// Server routes frames between peers of the same room.
type Server struct {
	capacity   int
	signalPath string
	origins    []string
	presence   Presence
	issuer     *Issuer
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

// NewServer creates a relay server. Missing presence and issuer default to
// in-memory presence and open access.
func NewServer(opts Options) *Server {
	s := &Server{
		capacity:   opts.RoomCapacity,
		signalPath: opts.SignalPath,
		origins:    opts.AllowedOrigins,
		presence:   opts.Presence,
		issuer:     opts.Issuer,
		rooms:      make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are checked by OriginFilter.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if s.capacity <= 0 {
		s.capacity = DefaultRoomCapacity
	}
	if s.signalPath == "" {
		s.signalPath = "/ws"
	}
	if s.presence == nil {
		s.presence = NewMemoryPresence()
	}
	if s.issuer == nil {
		s.issuer = NewIssuer("", 0, s.signalPath, domain.DefaultICEServers)
	}
	return s
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(OriginFilter(s.origins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/tickets", s.handleTicket)
		api.GET("/rooms/:roomId", s.handleRoom)
	}

	router.GET(s.signalPath, TicketAuth(s.issuer), s.handleSignaling)

	return router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		glog.Infof("[relay] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	glog.Infof("[relay] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases the presence store.
func (s *Server) Close() error {
	return s.presence.Close()
}

func (s *Server) handleTicket(c *gin.Context) {
	var req domain.TicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be doctor or patient"})
		return
	}

	ticket, err := s.issuer.Issue(req)
	if err != nil {
		glog.Errorf("[relay] issue ticket: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue ticket"})
		return
	}

	glog.Infof("[relay] ticket issued: user=%s role=%s room=%s", req.UserID, req.Role, req.RoomID)
	c.JSON(http.StatusCreated, ticket)
}

func (s *Server) handleRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	members, err := s.presence.Count(c.Request.Context(), roomID)
	if err != nil {
		glog.Errorf("[relay] count members: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read room"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roomId":   roomID,
		"members":  members,
		"capacity": s.capacity,
	})
}

func (s *Server) handleSignaling(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("[relay] upgrade: %v", err)
		return
	}

	p := newPeer(uuid.NewString(), conn, claimsFrom(c))
	glog.V(1).Infof("[relay] peer %s connected", p.id)

	go p.writePump()
	s.readPump(p)
}

func (s *Server) readPump(p *peer) {
	defer func() {
		s.leave(p)
		p.close()
		glog.V(1).Infof("[relay] peer %s disconnected", p.id)
	}()

	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Warningf("[relay] read from peer %s: %v", p.id, err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f domain.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			glog.Warningf("[relay] malformed frame from peer %s: %v", p.id, err)
			p.sendFrame(domain.Frame{Event: domain.EventError, Error: "malformed frame"})
			continue
		}

		s.route(p, f)
	}
}

func (s *Server) route(p *peer, f domain.Frame) {
	switch f.Event {
	case domain.EventJoinRoom:
		s.join(p, f.RoomID, f.From)

	case domain.EventLeaveRoom:
		s.leave(p)

	case domain.EventOffer, domain.EventAnswer, domain.EventICECandidate:
		if p.room == nil {
			p.sendFrame(domain.Frame{Event: domain.EventError, Error: "not in a room"})
			return
		}
		f.From = p.participant
		f.RoomID = p.room.id
		glog.V(2).Infof("[relay] %s from %s in %s", f.Event, p.id, p.room.id)
		p.room.broadcast(f, p.id)

	default:
		glog.Warningf("[relay] unknown event %q from peer %s", f.Event, p.id)
		p.sendFrame(domain.Frame{Event: domain.EventError, Error: "unknown event"})
	}
}

// join admits p to roomID. participant is the id the peer announced; a
// ticket's user id takes precedence.
func (s *Server) join(p *peer, roomID, participant string) {
	if roomID == "" {
		p.sendFrame(domain.Frame{Event: domain.EventError, Error: "roomId is required"})
		return
	}
	if p.claims != nil && p.claims.RoomID != roomID {
		p.sendFrame(domain.Frame{Event: domain.EventError, RoomID: roomID, Error: ErrTicketRoom.Error()})
		return
	}
	if p.room != nil {
		if p.room.id == roomID {
			p.sendFrame(domain.Frame{Event: domain.EventJoined, RoomID: roomID, PeerID: p.id, Members: p.room.size()})
			return
		}
		s.leave(p)
	}

	r, members, ok := s.admit(p, roomID)
	if !ok {
		glog.Infof("[relay] room %s is full, rejecting peer %s", roomID, p.id)
		p.sendFrame(domain.Frame{Event: domain.EventError, RoomID: roomID, Error: "room is full"})
		return
	}
	p.room = r
	switch {
	case p.claims != nil && p.claims.UserID != "":
		p.participant = p.claims.UserID
	case participant != "":
		p.participant = participant
	}

	if err := s.presence.Add(context.Background(), roomID, p.id); err != nil {
		glog.Warningf("[relay] presence: %v", err)
	}

	glog.Infof("[relay] peer %s joined room %s (%d/%d)", p.id, roomID, members, s.capacity)
	p.sendFrame(domain.Frame{Event: domain.EventJoined, RoomID: roomID, PeerID: p.id, Members: members})
	r.broadcast(domain.Frame{Event: domain.EventPeerJoined, RoomID: roomID, PeerID: p.id, From: p.participant, Members: members}, p.id)
}

func (s *Server) leave(p *peer) {
	r := p.room
	if r == nil {
		return
	}
	p.room = nil

	remaining := r.remove(p)
	s.releaseIfEmpty(r)

	if err := s.presence.Remove(context.Background(), r.id, p.id); err != nil {
		glog.Warningf("[relay] presence: %v", err)
	}

	glog.Infof("[relay] peer %s left room %s", p.id, r.id)
	r.broadcast(domain.Frame{Event: domain.EventPeerLeft, RoomID: r.id, PeerID: p.id, From: p.participant, Members: remaining}, p.id)
}

// admit adds p to the room, creating it on first join.
func (s *Server) admit(p *peer, id string) (*room, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		r = newRoom(id)
		s.rooms[id] = r
	}
	members, added := r.add(p, s.capacity)
	return r, members, added
}

func (s *Server) releaseIfEmpty(r *room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.size() == 0 && s.rooms[r.id] == r {
		delete(s.rooms, r.id)
	}
}
