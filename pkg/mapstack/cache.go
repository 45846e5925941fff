package mapstack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Cache stores resolved results by key.
type Cache interface {
	Get(ctx context.Context, key string) (*Result, bool, error)
	Set(ctx context.Context, key string, res *Result) error
	Clear(ctx context.Context) error
}

// CacheKey hashes a topic and its ordered source identifiers.
func CacheKey(topic string, identifiers []string) string {
	h := sha256.New()
	h.Write([]byte(topic))
	for _, id := range identifiers {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Result
}

// NewMemoryCache creates an empty memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*Result)}
}

// Get returns a copy of the cached result.
func (c *MemoryCache) Get(_ context.Context, key string) (*Result, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	res, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return res.Clone(), true, nil
}

// Set stores a copy of res.
func (c *MemoryCache) Set(_ context.Context, key string, res *Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = res.Clone()
	return nil
}

// Clear drops every entry.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Result)
	return nil
}

// Len returns the number of cached results.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
