// Package cache tracks per-key recency for the tier-0 resident set and
// surfaces the least-recently-used batch for eviction.
package cache

import (
	"container/list"
	"sync"
)

// BatchCache is the recency-tracking contract the storage manager exposes
// for external introspection.
type BatchCache[K comparable] interface {
	// Touch marks keys as just accessed, adding them if absent.
	Touch(keys ...K)
	// EvictCandidates removes and returns up to n of the coldest keys.
	EvictCandidates(n int) []K
	// Remove drops a key from tracking. No-op if absent.
	Remove(key K)
	// Len returns the number of tracked keys.
	Len() int
}

// LRU is the default BatchCache: a doubly-linked recency list plus an
// index map. Its lock is scoped to cache mutation only, so it never
// serializes unrelated fast-path lookups.
type LRU[K comparable] struct {
	mu    sync.Mutex
	items map[K]*list.Element
	order *list.List // front = hottest
}

// NewLRU creates an empty recency cache.
func NewLRU[K comparable]() *LRU[K] {
	return &LRU[K]{
		items: make(map[K]*list.Element),
		order: list.New(),
	}
}

// Touch marks keys as just accessed, adding them if absent.
func (c *LRU[K]) Touch(keys ...K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if el, ok := c.items[key]; ok {
			c.order.MoveToFront(el)
			continue
		}
		c.items[key] = c.order.PushFront(key)
	}
}

// EvictCandidates removes and returns up to n of the coldest keys, coldest
// first.
func (c *LRU[K]) EvictCandidates(n int) []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.order.Len() {
		n = c.order.Len()
	}
	if n <= 0 {
		return nil
	}

	out := make([]K, 0, n)
	for len(out) < n {
		el := c.order.Back()
		if el == nil {
			break
		}
		key := el.Value.(K)
		c.order.Remove(el)
		delete(c.items, key)
		out = append(out, key)
	}
	return out
}

// Remove drops a key from tracking. No-op if absent.
func (c *LRU[K]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Len returns the number of tracked keys.
func (c *LRU[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
