package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores reputations by IP.
type Cache interface {
	Get(ctx context.Context, ip string) (*Reputation, bool, error)
	Set(ctx context.Context, ip string, rep *Reputation) error
}

func cacheKey(ip string) string {
	return "sentinel:reputation:" + strings.ToLower(ip)
}

// MemoryCache provides thread-safe in-process caching for reputation
// lookups. It is used when Redis is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memoryCacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryCacheEntry struct {
	rep       Reputation
	expiresAt time.Time
}

// NewMemoryCache creates a MemoryCache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*memoryCacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a copy of the cached reputation for ip.
func (c *MemoryCache) Get(_ context.Context, ip string) (*Reputation, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[cacheKey(ip)]
	if !exists || c.now().After(entry.expiresAt) {
		return nil, false, nil
	}
	rep := entry.rep
	return &rep, true, nil
}

// Set stores rep for ip.
func (c *MemoryCache) Set(_ context.Context, ip string, rep *Reputation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(ip)] = &memoryCacheEntry{
		rep:       *rep,
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

// Cleanup removes expired entries.
func (c *MemoryCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (c *MemoryCache) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// Len returns the number of entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// redisKV is the subset of the go-redis client the cache needs.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache shares reputations between server instances.
type RedisCache struct {
	client redisKV
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache. *redis.Client satisfies client.
func NewRedisCache(client redisKV, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Get reads and decodes the cached reputation for ip.
func (c *RedisCache) Get(ctx context.Context, ip string) (*Reputation, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(ip)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var rep Reputation
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, false, fmt.Errorf("decoding cached reputation: %w", err)
	}
	return &rep, true, nil
}

// Set encodes rep and stores it with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, ip string, rep *Reputation) error {
	raw, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding reputation: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(ip), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
