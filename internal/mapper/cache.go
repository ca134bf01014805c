package mapper

import (
	"strconv"
	"sync"
	"time"

	"github.com/jeniawhite/noobaa-core/internal/metrics"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"golang.org/x/sync/singleflight"
)

type cacheEntry struct {
	mapper  *TieringMapper
	builtAt time.Time
}

// Cache holds tiering mappers keyed by policy ID and revision. Entries live
// for ttl; a policy change bumps the revision, so the old entry is simply no
// longer asked for and is swept once expired.
type Cache struct {
	ttl  time.Duration
	now  func() time.Time
	opts *options

	mu      sync.RWMutex
	entries map[string]cacheEntry
	builds  singleflight.Group
}

func newCache(ttl time.Duration, now func() time.Time, opts *options) *Cache {
	return &Cache{
		ttl:     ttl,
		now:     now,
		opts:    opts,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(policy *types.TieringPolicy) string {
	return policy.ID + "@" + strconv.FormatUint(policy.Revision, 10)
}

// Get returns the mapper for policy, building it once per key when missing
// or expired. Concurrent misses for the same key share one build.
func (c *Cache) Get(policy *types.TieringPolicy) (*TieringMapper, error) {
	if policy == nil {
		return NewTieringMapper(policy, c.opts)
	}
	key := cacheKey(policy)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.fresh(e) {
		metrics.MapperCacheOps.WithLabelValues("hit").Inc()
		return e.mapper, nil
	}
	metrics.MapperCacheOps.WithLabelValues("miss").Inc()

	v, err, _ := c.builds.Do(key, func() (interface{}, error) {
		tm, err := NewTieringMapper(policy, c.opts)
		if err != nil {
			return nil, err
		}
		c.store(key, tm)
		return tm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*TieringMapper), nil
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) fresh(e cacheEntry) bool {
	return c.ttl <= 0 || c.now().Sub(e.builtAt) < c.ttl
}

func (c *Cache) store(key string, tm *TieringMapper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !c.fresh(e) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{mapper: tm, builtAt: c.now()}
}
