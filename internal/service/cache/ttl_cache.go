package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type entry struct {
	v   any
	exp time.Time
}

// TTLCache is a small in-process map with per-entry expiry. When full, an
// insert evicts expired entries first and then an arbitrary one.
type TTLCache struct {
	mu    sync.RWMutex
	m     map[string]entry
	max   int
	clock clock.Clock
}

func NewTTLCache(clk clock.Clock, maxEntries int) *TTLCache {
	if clk == nil {
		clk = clock.New()
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &TTLCache{m: make(map[string]entry), max: maxEntries, clock: clk}
}

func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && c.clock.Now().After(e.exp) {
		c.mu.Lock()
		delete(c.m, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

// Set stores v for ttl; ttl <= 0 never expires.
func (c *TTLCache) Set(key string, v any, ttl time.Duration) {
	now := c.clock.Now()
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[key]; !ok && len(c.m) >= c.max {
		c.evictLocked(now)
	}
	c.m[key] = entry{v: v, exp: exp}
}

func (c *TTLCache) evictLocked(now time.Time) {
	for k, e := range c.m {
		if !e.exp.IsZero() && now.After(e.exp) {
			delete(c.m, k)
		}
	}
	if len(c.m) < c.max {
		return
	}
	for k := range c.m {
		delete(c.m, k)
		return
	}
}

func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
