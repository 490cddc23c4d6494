package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"smart_bays/internal/clock"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Dedup remembers which notification keys have already been sent.
type Dedup interface {
	// Claim returns true the first time key is seen within the TTL.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a later send may go through.
	Release(ctx context.Context, key string) error
}

// LRUDedup is an in-process dedup bounded by both size and age. Age is
// measured on clk.
type LRUDedup struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	clock clock.Clock
}

func NewLRUDedup(maxKeys int, ttl time.Duration, clk clock.Clock) (*LRUDedup, error) {
	c, err := lru.New[string, time.Time](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("notify.NewLRUDedup: %w", err)
	}
	return &LRUDedup{cache: c, ttl: ttl, clock: clk}, nil
}

func (d *LRUDedup) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	if addedAt, ok := d.cache.Get(key); ok && now.Sub(addedAt) < d.ttl {
		return false, nil
	}
	d.cache.Add(key, now)
	return true, nil
}

func (d *LRUDedup) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(key)
	return nil
}

// RedisDedup shares dedup state across processes with SETNX + TTL.
type RedisDedup struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDedup(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisDedup {
	return &RedisDedup{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (d *RedisDedup) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.prefix+key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("RedisDedup.Claim: %w", err)
	}
	return ok, nil
}

func (d *RedisDedup) Release(ctx context.Context, key string) error {
	if err := d.rdb.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("RedisDedup.Release: %w", err)
	}
	return nil
}
