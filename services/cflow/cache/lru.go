// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the bounded LRU that makes derived control-flow
// structures soft-cached.
//
// Recorders register every computed structure with a shared Evictor. When
// the evictor runs over capacity it calls the drop function of the least
// recently used entry, which clears the owning memo cell; the structure is
// recomputed on next access.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// LRUCache is a thread-safe LRU cache with generics support.
//
// Description:
//
//	Implements a fixed-size cache that evicts the least recently used
//	entries when capacity is reached. An optional eviction callback is
//	invoked for every entry removed for capacity reasons, after the
//	cache lock has been released, so callbacks may call back into the
//	cache.
//
// Thread Safety: All methods are safe for concurrent use.
//
// Performance:
//
//	| Operation | Complexity |
//	|-----------|------------|
//	| Get       | O(1)       |
//	| Set       | O(1)       |
//	| Delete    | O(1)       |
//	| Purge     | O(n)       |
type LRUCache[K comparable, V any] struct {
	mu       sync.RWMutex
	capacity int
	items    map[K]*list.Element
	order    *list.List // Front = most recent, Back = least recent
	onEvict  func(K, V)

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// Option configures an LRUCache.
type Option[K comparable, V any] func(*LRUCache[K, V])

// WithOnEvict registers fn to run for every capacity eviction.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *LRUCache[K, V]) {
		c.onEvict = fn
	}
}

// NewLRUCache creates a new LRU cache with the given capacity.
//
// Inputs:
//   - capacity: Maximum number of entries. Values <= 0 select 100.
//   - opts: Optional settings such as WithOnEvict.
//
// Outputs:
//   - *LRUCache[K, V]: The cache. Never nil.
func NewLRUCache[K comparable, V any](capacity int, opts ...Option[K, V]) *LRUCache[K, V] {
	if capacity <= 0 {
		capacity = 100
	}
	c := &LRUCache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a value and marks it as most recently used.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		c.hits.Add(1)
		return elem.Value.(*lruEntry[K, V]).value, true
	}

	c.misses.Add(1)
	var zero V
	return zero, false
}

// Set adds or updates a value. If the cache is full, the least recently
// used entry is evicted and the eviction callback runs for it.
func (c *LRUCache[K, V]) Set(key K, value V) {
	var evicted *lruEntry[K, V]

	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*lruEntry[K, V]).value = value
		c.mu.Unlock()
		return
	}
	if c.order.Len() >= c.capacity {
		evicted = c.evictOldest()
	}
	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
	c.mu.Unlock()

	if evicted != nil && c.onEvict != nil {
		c.onEvict(evicted.key, evicted.value)
	}
}

// Delete removes a key without running the eviction callback. It reports
// whether the key was present.
func (c *LRUCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
		return true
	}
	return false
}

// Purge clears all entries and resets the counters. The eviction callback
// does not run.
func (c *LRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*list.Element, c.capacity)
	c.order.Init()
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}

// Len returns the number of entries in the cache.
func (c *LRUCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Capacity returns the maximum number of entries.
func (c *LRUCache[K, V]) Capacity() int {
	return c.capacity
}

// Stats returns hit and miss counts since creation or the last purge.
//
// Thread Safety: Safe for concurrent use (lock-free).
func (c *LRUCache[K, V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Evictions returns the number of capacity evictions since creation or
// the last purge.
func (c *LRUCache[K, V]) Evictions() int64 {
	return c.evictions.Load()
}

// evictOldest removes and returns the least recently used entry.
// Caller must hold the write lock.
func (c *LRUCache[K, V]) evictOldest() *lruEntry[K, V] {
	elem := c.order.Back()
	if elem == nil {
		return nil
	}
	c.removeElement(elem)
	c.evictions.Add(1)
	return elem.Value.(*lruEntry[K, V])
}

// removeElement removes an element from both the list and map.
// Caller must hold the write lock.
func (c *LRUCache[K, V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry[K, V]).key)
}
