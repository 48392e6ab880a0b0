package relay

import (
	"encoding/json"
	"sync"
	"time"

	"teleconsult/native/internal/domain"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// room holds the peers currently joined under one room id.
type room struct {
	id string

	mu    sync.RWMutex
	peers map[string]*peer
}

func newRoom(id string) *room {
	return &room{id: id, peers: make(map[string]*peer)}
}

// add joins p unless the room already holds capacity peers.
func (r *room) add(p *peer, capacity int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if capacity > 0 && len(r.peers) >= capacity {
		return len(r.peers), false
	}
	r.peers[p.id] = p
	return len(r.peers), true
}

// remove drops p and reports how many peers remain.
func (r *room) remove(p *peer) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, p.id)
	return len(r.peers)
}

func (r *room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// broadcast sends f to every peer except excludeID.
func (r *room) broadcast(f domain.Frame, excludeID string) {
	data, err := json.Marshal(f)
	if err != nil {
		glog.Errorf("[relay] marshal frame: %v", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, p := range r.peers {
		if id != excludeID {
			p.enqueue(data)
		}
	}
}

// peer is one websocket connection.
type peer struct {
	id     string
	conn   *websocket.Conn
	claims *TicketClaims
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	// participant is stamped as From on forwarded frames.
	participant string

	// room is only touched by the read pump.
	room *room
}

func newPeer(id string, conn *websocket.Conn, claims *TicketClaims) *peer {
	return &peer{
		id:          id,
		participant: id,
		conn:        conn,
		claims:      claims,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
}

func (p *peer) enqueue(data []byte) {
	select {
	case <-p.done:
	case p.send <- data:
	default:
		glog.Warningf("[relay] send buffer full for peer %s, dropping frame", p.id)
	}
}

func (p *peer) sendFrame(f domain.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		glog.Errorf("[relay] marshal frame: %v", err)
		return
	}
	p.enqueue(data)
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case <-p.done:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				glog.Warningf("[relay] write to peer %s: %v", p.id, err)
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
