// Package dedup suppresses webhook notifications the bridge has already
// handled. The platform retries deliveries, so each notification id must be
// processed at most once.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultCapacity is how many ids the in-memory deduper remembers.
const DefaultCapacity = 1000

// DefaultRedisTTL bounds how long a shared id is remembered.
const DefaultRedisTTL = 24 * time.Hour

// Deduper records ids and reports whether they were seen before.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
}

// Memory is a bounded LRU of recent ids for single-instance deployments.
type Memory struct {
	cache *lru.Cache[string, struct{}]
}

func NewMemory(capacity int) (*Memory, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("dedup: new lru: %w", err)
	}
	return &Memory{cache: c}, nil
}

func (m *Memory) Seen(_ context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	seen, _ := m.cache.ContainsOrAdd(id, struct{}{})
	return seen, nil
}

// Len returns the number of remembered ids.
func (m *Memory) Len() int { return m.cache.Len() }

// redisAPI is the subset of *goredis.Client used by Redis.
type redisAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
}

// Redis shares seen ids across instances with SET NX EX. Redis failures
// fail open: the id is treated as unseen.
type Redis struct {
	rdb    redisAPI
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

func NewRedis(rdb redisAPI, prefix string, ttl time.Duration, log *slog.Logger) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("dedup: redis client must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "bridge:webhook:"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl, log: log}, nil
}

func (r *Redis) Seen(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	added, err := r.rdb.SetNX(ctx, r.prefix+id, 1, r.ttl).Result()
	if err != nil {
		r.log.Warn("dedup: redis setnx failed, treating as unseen", "id", id, "err", err)
		return false, nil
	}
	return !added, nil
}

// DialRedis connects and pings a Redis server.
func DialRedis(ctx context.Context, addr string) (*goredis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("dedup: redis address is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("dedup: redis ping: %w", err)
	}
	return rdb, nil
}
