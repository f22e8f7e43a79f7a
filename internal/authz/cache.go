package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DecisionCache stores relationship check verdicts for a TTL so hot
// request paths do not hit the remote policy engine on every call.
// Only definitive verdicts are cached; check errors never are.
type DecisionCache interface {
	// Get returns the cached verdict for key. The second return
	// value reports whether a verdict was present.
	Get(ctx context.Context, key string) (bool, bool)

	// Set stores a verdict for key.
	Set(ctx context.Context, key string, allowed bool)

	// Close releases cache resources.
	Close() error
}

// DecisionKey builds the cache key for one relationship check.
func DecisionKey(user, relation, object string) string {
	return user + "|" + relation + "|" + object
}

// memoryCache is the default in-process decision cache.
type memoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	allowed   bool
	expiresAt time.Time
}

// NewMemoryCache creates an in-process decision cache.
func NewMemoryCache(ttl time.Duration) DecisionCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &memoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (c *memoryCache) Get(_ context.Context, key string) (bool, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return false, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return false, false
	}
	return entry.allowed, true
}

func (c *memoryCache) Set(_ context.Context, key string, allowed bool) {
	c.mu.Lock()
	c.entries[key] = memoryEntry{
		allowed:   allowed,
		expiresAt: c.now().Add(c.ttl),
	}
	c.mu.Unlock()
}

func (c *memoryCache) Close() error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
	return nil
}

// redisCache is a shared decision cache for multi-replica deployments.
type redisCache struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
}

// NewRedisCache creates a redis-backed decision cache.
func NewRedisCache(addr string, ttl time.Duration) (DecisionCache, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &redisCache{
		client:    client,
		ttl:       ttl,
		keyPrefix: "authz:decision:",
	}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) (bool, bool) {
	value, err := c.client.Get(ctx, c.keyPrefix+key).Result()
	if err != nil {
		// Misses and transport errors both fall through to the
		// remote check.
		return false, false
	}
	return value == "1", true
}

func (c *redisCache) Set(ctx context.Context, key string, allowed bool) {
	value := "0"
	if allowed {
		value = "1"
	}
	// Best effort; a failed write only costs a future remote check.
	_ = c.client.Set(ctx, c.keyPrefix+key, value, c.ttl).Err()
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

// noopCache disables decision caching.
type noopCache struct{}

// NewNoopCache returns a cache that stores nothing.
func NewNoopCache() DecisionCache { return noopCache{} }

func (noopCache) Get(context.Context, string) (bool, bool) { return false, false }
func (noopCache) Set(context.Context, string, bool)        {}
func (noopCache) Close() error                             { return nil }

var (
	_ DecisionCache = (*memoryCache)(nil)
	_ DecisionCache = (*redisCache)(nil)
	_ DecisionCache = noopCache{}
)
