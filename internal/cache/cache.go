// Package cache maps canonicalized filter sequences to previously
// computed query results for a bounded time-to-live. Empty results are
// cached too, so repeated empty scans are avoided within the window.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandwichfarm/nopub/internal/config"
)

// Cache stores serialized result sets keyed by canonical filter keys.
// Entries expire after their TTL; there is no write-time invalidation
// (accepted staleness tradeoff, bounded by the TTL).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration)
	Close() error
}

// New builds the configured cache driver.
func New(cfg *config.Cache) (Cache, error) {
	switch cfg.Driver {
	case "memory":
		return newMemoryCache(), nil
	case "redis":
		return newRedisCache(cfg.RedisAddr), nil
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", cfg.Driver)
	}
}

// hashKey bounds key length; canonical filter keys can be arbitrarily
// long.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	done    chan struct{}
	once    sync.Once
}

func newMemoryCache() *memoryCache {
	c := &memoryCache{
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	k := hashKey(key)
	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, k)
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

func (c *memoryCache) Put(_ context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	c.entries[hashKey(key)] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *memoryCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for k, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *memoryCache) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

const redisKeyPrefix = "nopub:req:"

type redisCache struct {
	client *redis.Client
}

func newRedisCache(addr string) *redisCache {
	return &redisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Get treats any redis error as a miss; the caller falls back to storage.
func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.client.Get(ctx, redisKeyPrefix+hashKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	return value, true
}

func (c *redisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	// Best effort; a failed put just means the next identical request
	// queries storage again.
	c.client.Set(ctx, redisKeyPrefix+hashKey(key), value, ttl)
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
