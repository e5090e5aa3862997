// Package stmtcache provides the per-connection prepared-statement LRU
// named in spec §4.8. It is a thin wrapper around the ecosystem's
// generic LRU implementation (the spec explicitly treats "a generic LRU
// cache" as an external collaborator, §1) — no cache eviction policy is
// reimplemented here.
package stmtcache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a bounded, SQL-text-keyed LRU of prepared statements scoped to
// exactly one Connection. It never outlives its connection: the owner
// calls Close when the connection closes, which runs evictFn for every
// remaining entry so every statement handle gets its COM_STMT_CLOSE.
type Cache[V any] struct {
	lru *lru.Cache[string, V]
}

// New creates a cache of the given size. evictFn runs synchronously for
// every entry removed — by capacity eviction, explicit Remove, or Close —
// so the caller can issue COM_STMT_CLOSE for the evicted statement.
func New[V any](size int, evictFn func(sql string, stmt V)) (*Cache[V], error) {
	if size <= 0 {
		size = 1
	}
	l, err := lru.NewWithEvict(size, func(key string, value V) {
		if evictFn != nil {
			evictFn(key, value)
		}
	})
	if err != nil {
		return nil, err
	}
	return &Cache[V]{lru: l}, nil
}

// Get returns the cached statement for sql, if any, and marks it as
// recently used.
func (c *Cache[V]) Get(sql string) (V, bool) {
	return c.lru.Get(sql)
}

// Put inserts/replaces the cached statement for sql, evicting the least
// recently used entry if the cache is at capacity.
func (c *Cache[V]) Put(sql string, stmt V) {
	c.lru.Add(sql, stmt)
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int { return c.lru.Len() }

// Close evicts every entry (running evictFn for each) and empties the
// cache. Idempotent. Safe to call after a COM_RESET_CONNECTION too:
// COM_STMT_CLOSE carries no response, so closing an id the server has
// already destroyed is a harmless no-op on the wire.
func (c *Cache[V]) Close() {
	c.lru.Purge()
}
