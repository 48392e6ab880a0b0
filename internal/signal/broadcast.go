package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"teleconsult/native/internal/domain"

	"github.com/golang/glog"
)

const defaultQueueSize = 64

// Hub fans messages out between Broadcast channels of one process. Members
// are grouped by channel name; a message reaches every other member of the
// sender's group and is never echoed to the sender.
type Hub struct {
	queueSize int

	mu      sync.Mutex
	members map[string]map[*Broadcast]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		queueSize: defaultQueueSize,
		members:   make(map[string]map[*Broadcast]struct{}),
	}
}

func (h *Hub) subscribe(name string, b *Broadcast) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.members[name]
	if !ok {
		group = make(map[*Broadcast]struct{})
		h.members[name] = group
	}
	group[b] = struct{}{}
}

func (h *Hub) unsubscribe(name string, b *Broadcast) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group := h.members[name]
	delete(group, b)
	if len(group) == 0 {
		delete(h.members, name)
	}
}

func (h *Hub) publish(name string, from *Broadcast, data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for b := range h.members[name] {
		if b == from {
			continue
		}
		select {
		case b.queue <- data:
			delivered++
		default:
			glog.Warningf("[signal] broadcast queue full on %s, dropping message", name)
		}
	}
	return delivered
}

// Broadcast is a same-process channel. Messages are serialized on send, so
// each receiver gets its own copy.
type Broadcast struct {
	hub   *Hub
	queue chan []byte
	done  chan struct{}

	mu      sync.Mutex
	name    string
	handler func(domain.Message)
	closed  bool
}

// NewBroadcast creates a channel on hub. It receives nothing until Join.
func NewBroadcast(hub *Hub) *Broadcast {
	b := &Broadcast{
		hub:   hub,
		queue: make(chan []byte, hub.queueSize),
		done:  make(chan struct{}),
	}
	go b.deliverLoop()
	return b
}

// Join listens on the channel derived from roomID, leaving any previous one.
func (b *Broadcast) Join(_ context.Context, roomID string) error {
	name := ChannelName(roomID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return domain.ErrChannelClosed
	}
	if b.name == name {
		return nil
	}
	if b.name != "" {
		b.hub.unsubscribe(b.name, b)
	}
	b.name = name
	b.hub.subscribe(name, b)

	glog.Infof("[signal] joined broadcast channel %s", name)
	return nil
}

// Send posts msg to every other member of the joined channel. A message sent
// while no other member listens is dropped.
func (b *Broadcast) Send(_ context.Context, msg domain.Message) error {
	b.mu.Lock()
	closed, name := b.closed, b.name
	b.mu.Unlock()

	if closed {
		return domain.ErrChannelClosed
	}
	if name == "" {
		return domain.ErrNotJoined
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	n := b.hub.publish(name, b, data)
	glog.V(2).Infof("[signal] >>> %s (%d receivers) %s", name, n, data)
	return nil
}

// OnMessage sets the inbound message handler. The last registration wins.
func (b *Broadcast) OnMessage(handler func(domain.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// OnDisconnected is accepted for interface parity. An in-process channel
// never loses its transport.
func (b *Broadcast) OnDisconnected(func(error)) {}

// Close leaves the channel and stops delivery. It is idempotent.
func (b *Broadcast) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.name != "" {
		b.hub.unsubscribe(b.name, b)
	}
	close(b.done)
	return nil
}

func (b *Broadcast) deliverLoop() {
	for {
		select {
		case <-b.done:
			return
		case data := <-b.queue:
			var msg domain.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				glog.Errorf("[signal] unmarshal broadcast message: %v", err)
				continue
			}

			b.mu.Lock()
			h, closed := b.handler, b.closed
			b.mu.Unlock()

			if closed || h == nil {
				continue
			}
			glog.V(2).Infof("[signal] <<< %s", data)
			h(msg)
		}
	}
}
