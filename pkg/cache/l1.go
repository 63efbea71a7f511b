package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pixelmint/gatekeeper/pkg/access"
)

const (
	defaultL1Size = 10000
	defaultL1TTL  = time.Minute
)

// L1Cache is the in-process decision cache: an expirable LRU checked
// before any network tier. It answers in-memory, so lookups carry no
// timeout budget.
type L1Cache struct {
	lru    *expirable.LRU[string, access.Decision]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewL1Cache creates an L1 cache holding up to size decisions for at
// most ttl each. Zero values fall back to defaults.
func NewL1Cache(size int, ttl time.Duration) *L1Cache {
	if size <= 0 {
		size = defaultL1Size
	}
	if ttl <= 0 {
		ttl = defaultL1TTL
	}
	return &L1Cache{
		lru: expirable.NewLRU[string, access.Decision](size, nil, ttl),
	}
}

// Get returns the cached decision for key. Decisions past their own
// expiry are dropped even if the LRU has not evicted them yet.
func (c *L1Cache) Get(key string) (access.Decision, bool) {
	decision, ok := c.lru.Get(key)
	if ok && decision.Expired(time.Now()) {
		c.lru.Remove(key)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return access.Decision{}, false
	}
	c.hits.Add(1)
	return decision, true
}

// Set stores a decision.
func (c *L1Cache) Set(key string, decision access.Decision) {
	c.lru.Add(key, decision)
}

// PurgePattern removes every key matching the glob pattern and returns
// the number removed.
func (c *L1Cache) PurgePattern(pattern string) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		if matchKey(pattern, key) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Purge drops everything.
func (c *L1Cache) Purge() {
	c.lru.Purge()
}

// Len returns the current entry count.
func (c *L1Cache) Len() int {
	return c.lru.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *L1Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
