package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// resultCache holds successful results for cacheable tools. Entries are
// keyed per (tool, user, params hash) so one user's cached read never leaks
// to another. Uses sync.Map for lock-free reads on the hot path.
type resultCache struct {
	store sync.Map // map[string]*resultCacheEntry
}

type resultCacheEntry struct {
	data      any
	expiresAt time.Time
}

func newResultCache() *resultCache {
	return &resultCache{}
}

// resultCacheKey builds the lookup key for one invocation shape.
func resultCacheKey(toolName, userID string, params json.RawMessage) string {
	sum := sha256.Sum256(params)
	return toolName + ":" + userID + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached data for the key, or ok=false when absent or
// expired. Expired entries are dropped on read.
func (c *resultCache) Get(key string) (any, bool) {
	val, ok := c.store.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*resultCacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.store.Delete(key)
		return nil, false
	}
	return entry.data, true
}

// Set stores a successful result with the given TTL.
func (c *resultCache) Set(key string, data any, ttl time.Duration) {
	c.store.Store(key, &resultCacheEntry{
		data:      data,
		expiresAt: time.Now().Add(ttl),
	})
}

// DeleteTool removes every entry belonging to a tool.
func (c *resultCache) DeleteTool(toolName string) {
	prefix := toolName + ":"
	c.store.Range(func(key, _ any) bool {
		if k, ok := key.(string); ok && len(k) > len(prefix) && k[:len(prefix)] == prefix {
			c.store.Delete(key)
		}
		return true
	})
}
