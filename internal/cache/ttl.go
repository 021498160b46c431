// Package cache provides the short-lived read-through caches that sit in front
// of distribution configuration and agent skill lookups.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// TTL is a read-through cache keyed by string with a fixed entry lifetime.
// Loader errors are returned to every waiting caller and never stored.
type TTL[V any] struct {
	name  string
	lru   *expirable.LRU[string, V]
	group singleflight.Group
	// gen moves on every invalidation so loads that started earlier do not
	// repopulate a key that was just dropped. mu orders the compare-and-add of
	// a load against the bump-and-remove of an invalidation.
	mu     sync.Mutex
	gen    uint64
	hits   atomic.Uint64
	misses atomic.Uint64
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Name   string `json:"name"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// HitRate returns hits/(hits+misses), 0 when the cache was never consulted.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// New builds a cache holding at most size entries (0 means unbounded) for ttl.
func New[V any](name string, size int, ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		name: name,
		lru:  expirable.NewLRU[string, V](size, nil, ttl),
	}
}

// Get returns the cached value for key, calling load on a miss. Concurrent
// misses for the same key share one load, which ignores the cancellation of
// whichever caller started it.
func (c *TTL[V]) Get(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	loadCtx := context.WithoutCancel(ctx)
	res, err, _ := c.group.Do(key, func() (any, error) {
		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.lru.Add(key, v)
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Invalidate drops a single key.
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.group.Forget(key)
	c.lru.Remove(key)
}

// Purge drops every entry.
func (c *TTL[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Purge()
}

func (c *TTL[V]) Stats() Stats {
	return Stats{
		Name:   c.name,
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.lru.Len(),
	}
}
