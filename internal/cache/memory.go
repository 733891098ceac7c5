package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TTLMode selects the expiry reference for the in-memory tier.
type TTLMode string

const (
	// TTLSliding refreshes an entry's lifetime on every hit.
	TTLSliding TTLMode = "sliding"
	// TTLAbsolute expires an entry a fixed interval after it was stored.
	TTLAbsolute TTLMode = "absolute"
)

// MemoryStats reports in-memory cache observability counters.
type MemoryStats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
	Inflight  int     `json:"inflight_count"`
}

// MemoryCache is the thread-safe in-memory tier: LRU over at most maxSize
// entries with a TTL, plus single-flight de-duplication so N concurrent
// misses for one key compute the value exactly once.
type MemoryCache struct {
	mu      sync.Mutex
	lru     *expirable.LRU[string, json.RawMessage]
	mode    TTLMode
	ttl     time.Duration
	maxSize int
	stats struct {
		hits      int64
		misses    int64
		evictions int64
	}
	inflight map[string]chan struct{}
}

// NewMemoryCache creates the in-memory tier.
func NewMemoryCache(maxSize int, ttl time.Duration, mode TTLMode) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	c := &MemoryCache{
		mode:     mode,
		ttl:      ttl,
		maxSize:  maxSize,
		inflight: make(map[string]chan struct{}),
	}
	c.lru = expirable.NewLRU[string, json.RawMessage](maxSize, func(string, json.RawMessage) {
		c.stats.evictions++
	}, ttl)
	return c
}

// Get returns the cached payload for key, or ok=false on miss or expiry.
func (c *MemoryCache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.lru.Get(key)
	if !ok {
		c.stats.misses++
		return nil, false
	}

	// Sliding TTL: a hit restarts the entry's lifetime.
	if c.mode == TTLSliding {
		c.lru.Add(key, value)
	}
	c.stats.hits++
	return value, true
}

// Set stores a payload under key.
func (c *MemoryCache) Set(key string, value json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, value)
}

// Clear drops every entry and any in-flight markers.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	for key, done := range c.inflight {
		close(done)
		delete(c.inflight, key)
	}
}

// InvalidatePrefix drops all keys starting with prefix.
func (c *MemoryCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.lru.Remove(key)
		}
	}
}

// Stats returns the observability counters.
func (c *MemoryCache) Stats() MemoryStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.stats.hits + c.stats.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.stats.hits) / float64(total)
	}
	return MemoryStats{
		Size:      c.lru.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.stats.hits,
		Misses:    c.stats.misses,
		Evictions: c.stats.evictions,
		HitRate:   rate,
		Inflight:  len(c.inflight),
	}
}

// BeginInflight marks key as being computed. Returns true when the caller
// is the leader; false means another worker is already computing it and the
// caller should WaitInflight then re-check the cache.
func (c *MemoryCache) BeginInflight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inflight[key]; busy {
		return false
	}
	c.inflight[key] = make(chan struct{})
	return true
}

// EndInflight signals completion, waking every follower.
func (c *MemoryCache) EndInflight(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if done, ok := c.inflight[key]; ok {
		close(done)
		delete(c.inflight, key)
	}
}

// WaitInflight blocks until the leader finishes or the timeout expires.
// After waking — for either reason — the follower MUST re-check the cache
// and, on a miss, become its own leader. On timeout the stale marker is
// cleared so the follower's next BeginInflight succeeds: a dead leader
// cannot livelock its followers.
func (c *MemoryCache) WaitInflight(key string, timeout time.Duration) {
	c.mu.Lock()
	done, ok := c.inflight[key]
	c.mu.Unlock()

	if !ok {
		return
	}

	select {
	case <-done:
	case <-time.After(timeout):
		c.mu.Lock()
		// Only clear the marker we actually waited on; a newer leader's
		// marker stays untouched.
		if current, ok := c.inflight[key]; ok && current == done {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
	}
}
