package dedup

import (
	"context"
	"sync"
	"time"
)

// Cache stores last-seen timestamps for inbound keys.
type Cache interface {
	// CheckAndSet reports whether key was recorded less than window before now.
	// When it was not, the key is recorded at now. The check and the write are atomic.
	CheckAndSet(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error)
	// Sweep drops entries recorded before cutoff and returns how many were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// MemoryCache is a single-process Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]time.Time)}
}

func (c *MemoryCache) CheckAndSet(_ context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seen, ok := c.entries[key]; ok && now.Sub(seen) < window {
		return true, nil
	}
	c.entries[key] = now
	return false, nil
}

func (c *MemoryCache) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, seen := range c.entries {
		if seen.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len is the number of tracked keys.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) Close() error { return nil }
