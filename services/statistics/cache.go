package statistics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "economy_statistics_cache_hits_total",
		Help: "Overview requests served from cache.",
	})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "economy_statistics_cache_miss_total",
		Help: "Overview requests that recomputed the projection.",
	})
)

type cached struct {
	overview *Overview
	storedAt time.Time
}

// overviewCache keys overviews by window. A zero ttl disables caching.
type overviewCache struct {
	mu    sync.RWMutex
	items map[int]cached
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group
}

func newOverviewCache(ttl time.Duration) *overviewCache {
	return &overviewCache{
		items: make(map[int]cached),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *overviewCache) get(windowDays int) (*Overview, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[windowDays]
	if !ok || c.now().Sub(v.storedAt) > c.ttl {
		return nil, false
	}
	return v.overview, true
}

func (c *overviewCache) set(windowDays int, o *Overview) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[windowDays] = cached{overview: o, storedAt: c.now()}
}

func (c *overviewCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
}
