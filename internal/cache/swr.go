// Package cache holds a TTL cache that keeps serving expired entries while
// one caller reloads them.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SWR is a TTL-based in-memory cache with stale-while-revalidate.
// Uses sync.Map for lock-free reads on the hot path.
type SWR[V any] struct {
	store sync.Map // map[string]*entry[V]
	ttl   time.Duration
	now   func() time.Time
}

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	refreshing atomic.Bool
}

// Result holds the result of a cache lookup.
type Result[V any] struct {
	Value        V
	Hit          bool // fresh or stale value found
	NeedsRefresh bool // expired, and this reader won the right to reload it
}

// New creates a cache with the given TTL.
func New[V any](ttl time.Duration) *SWR[V] {
	return &SWR[V]{ttl: ttl, now: time.Now}
}

// Get performs a non-blocking lookup. Stale entries are still returned;
// only the first stale reader is told to refresh.
func (c *SWR[V]) Get(key string) Result[V] {
	val, ok := c.store.Load(key)
	if !ok {
		return Result[V]{}
	}

	e := val.(*entry[V])
	if c.now().Before(e.expiresAt) {
		return Result[V]{Value: e.value, Hit: true}
	}
	return Result[V]{
		Value:        e.value,
		Hit:          true,
		NeedsRefresh: e.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a value with a fresh TTL.
func (c *SWR[V]) Set(key string, value V) {
	c.store.Store(key, &entry[V]{value: value, expiresAt: c.now().Add(c.ttl)})
}

// Delete removes an entry.
func (c *SWR[V]) Delete(key string) {
	c.store.Delete(key)
}

// Refresh reloads key with load. A failed load evicts the entry so the next
// reader goes back to the source synchronously.
func (c *SWR[V]) Refresh(ctx context.Context, key string, load func(context.Context) (V, error)) error {
	v, err := load(ctx)
	if err != nil {
		c.Delete(key)
		return err
	}
	c.Set(key, v)
	return nil
}
