package ledger

import (
	"sync"
	"time"

	"github.com/openfroyo/broker/pkg/engine"
)

type cacheKey struct {
	scope string
	dim   engine.Dimension
}

type cacheEntry struct {
	quota   engine.Quota
	expires time.Time
}

// quotaCache holds quota rows for admission checks.
type quotaCache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
	now     func() time.Time
}

func newQuotaCache(now func() time.Time) *quotaCache {
	return &quotaCache{entries: make(map[cacheKey]cacheEntry), now: now}
}

func (c *quotaCache) get(scope string, dim engine.Dimension) (*engine.Quota, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{scope, dim}
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	q := e.quota
	return &q, true
}

func (c *quotaCache) put(q *engine.Quota, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{q.Scope, q.Dimension}] = cacheEntry{quota: *q, expires: c.now().Add(ttl)}
}

func (c *quotaCache) invalidate(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.scope == scope {
			delete(c.entries, k)
		}
	}
}

func (c *quotaCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]cacheEntry)
}
