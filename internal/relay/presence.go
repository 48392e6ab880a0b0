package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const presenceTTL = 24 * time.Hour

// Presence mirrors room membership so it can be queried outside the process
// that holds the websocket connections.
type Presence interface {
	Add(ctx context.Context, roomID, peerID string) error
	Remove(ctx context.Context, roomID, peerID string) error
	Count(ctx context.Context, roomID string) (int, error)
	Close() error
}

// RedisPresence keeps one member set per room.
type RedisPresence struct {
	client *redis.Client
}

// RedisOptions addresses the presence store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisPresence connects to Redis and verifies the connection.
func NewRedisPresence(ctx context.Context, opts RedisOptions) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisPresence{client: client}, nil
}

func peersKey(roomID string) string {
	return "room:" + roomID + ":peers"
}

func (p *RedisPresence) Add(ctx context.Context, roomID, peerID string) error {
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), peerID)
	pipe.Expire(ctx, peersKey(roomID), presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add peer %s to %s: %w", peerID, roomID, err)
	}
	return nil
}

func (p *RedisPresence) Remove(ctx context.Context, roomID, peerID string) error {
	if err := p.client.SRem(ctx, peersKey(roomID), peerID).Err(); err != nil {
		return fmt.Errorf("remove peer %s from %s: %w", peerID, roomID, err)
	}
	return nil
}

func (p *RedisPresence) Count(ctx context.Context, roomID string) (int, error) {
	n, err := p.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count peers in %s: %w", roomID, err)
	}
	return int(n), nil
}

func (p *RedisPresence) Close() error {
	return p.client.Close()
}

// MemoryPresence is used when no Redis is configured.
type MemoryPresence struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

// NewMemoryPresence creates an empty in-memory store.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{rooms: make(map[string]map[string]struct{})}
}

func (p *MemoryPresence) Add(_ context.Context, roomID, peerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	peers, ok := p.rooms[roomID]
	if !ok {
		peers = make(map[string]struct{})
		p.rooms[roomID] = peers
	}
	peers[peerID] = struct{}{}
	return nil
}

func (p *MemoryPresence) Remove(_ context.Context, roomID, peerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.rooms[roomID], peerID)
	if len(p.rooms[roomID]) == 0 {
		delete(p.rooms, roomID)
	}
	return nil
}

func (p *MemoryPresence) Count(_ context.Context, roomID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rooms[roomID]), nil
}

func (p *MemoryPresence) Close() error { return nil }
