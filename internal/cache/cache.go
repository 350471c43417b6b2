// Package cache stores computed detail payloads with a fixed expiration.
// Entries are written with add semantics: an unexpired entry is never
// replaced, so every reader sees the same bytes until the entry expires.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidTTL is returned by Add for non-positive TTLs.
var ErrInvalidTTL = errors.New("cache: ttl must be positive")

// Cache defines the interface for payload caching implementations.
// Get returns the stored bytes if present and not expired. Add stores value
// only if key has no unexpired entry; losing the race is not an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Pinger is implemented by backends with a reachability check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// InMemoryCache implements Cache using a mutex-guarded map. Expired entries
// are removed on access.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(time.Now)
}

// NewInMemoryCacheWithClock is NewInMemoryCache with an injectable clock.
func NewInMemoryCacheWithClock(now func() time.Time) *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  now,
	}
}

// Get returns (copy of value, true, nil) on hit and (nil, false, nil) on miss
// or expiry.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.data, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// Add stores a copy of value unless key holds an unexpired entry.
func (c *InMemoryCache) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.data[key]; ok && now.Before(entry.expiresAt) {
		return nil
	}
	c.data[key] = cacheEntry{
		value:     append([]byte(nil), value...),
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
