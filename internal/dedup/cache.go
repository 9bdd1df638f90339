// Package dedup holds the in-memory duplicate filters: the bounded LRU cache
// consulted before the ledger, and the small per-connection window used by
// the stream client.
package dedup

import (
	lru "github.com/hashicorp/golang-lru"
)

// DefaultCapacity is the number of event keys kept in memory.
const DefaultCapacity = 500

// Cache is a bounded recency set of handled event keys. It is a shortcut in
// front of the ledger and never authoritative.
// The underlying lru.Cache is internally locked.
type Cache struct {
	lru *lru.Cache
}

// NewCache returns a cache holding at most capacity keys.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New(capacity)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Cache{lru: c}
}

// Contains reports membership without touching recency.
func (c *Cache) Contains(key string) bool {
	return c.lru.Contains(key)
}

// Insert records key as handled and makes it most recent. The oldest key may
// be evicted.
func (c *Cache) Insert(key string) {
	c.lru.Add(key, struct{}{})
}

// Claim inserts key and reports whether this call was the one that added
// it. Concurrent callers racing on the same key see exactly one true.
func (c *Cache) Claim(key string) bool {
	found, _ := c.lru.ContainsOrAdd(key, struct{}{})
	return !found
}

// Warm inserts keys oldest-first so the newest end up most recent.
func (c *Cache) Warm(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		c.lru.Add(keys[i], struct{}{})
	}
}

func (c *Cache) Clear() { c.lru.Purge() }

func (c *Cache) Len() int { return c.lru.Len() }
