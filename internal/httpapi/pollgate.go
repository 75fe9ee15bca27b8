package httpapi

import (
	"context"
	"sync"
	"time"

	"call-signaling/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PollGate caps how many long-polls one recipient may hold open at once.
// Acquire returns a lease token that must be handed back to Release.
type PollGate interface {
	Acquire(ctx context.Context, key string) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string)
}

type MemoryPollGate struct {
	mu    sync.Mutex
	limit int
	held  map[string]map[string]struct{}
}

func NewMemoryPollGate(limit int) *MemoryPollGate {
	return &MemoryPollGate{limit: limit, held: make(map[string]map[string]struct{})}
}

func (g *MemoryPollGate) Acquire(ctx context.Context, key string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.held[key]) >= g.limit {
		return "", false, nil
	}
	if g.held[key] == nil {
		g.held[key] = make(map[string]struct{})
	}
	token := uuid.NewString()
	g.held[key][token] = struct{}{}
	return token, true, nil
}

func (g *MemoryPollGate) Release(ctx context.Context, key, token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held[key], token)
	if len(g.held[key]) == 0 {
		delete(g.held, key)
	}
}

// RedisPollGate shares the cap across instances. Leases expire after ttl so a
// crashed instance cannot hold slots forever.
type RedisPollGate struct {
	rdb    *redis.Client
	prefix string
	limit  int
	ttl    time.Duration
}

func NewRedisPollGate(rdb *redis.Client, prefix string, limit int, ttl time.Duration) *RedisPollGate {
	return &RedisPollGate{rdb: rdb, prefix: prefix, limit: limit, ttl: ttl}
}

func (g *RedisPollGate) key(k string) string { return g.prefix + ":pollgate:" + k }

func (g *RedisPollGate) Acquire(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := utils.AcquireSlot(ctx, g.rdb, g.key(key), token, g.limit, g.ttl)
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

func (g *RedisPollGate) Release(ctx context.Context, key, token string) {
	_ = utils.ReleaseSlot(context.WithoutCancel(ctx), g.rdb, g.key(key), token)
}
