// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package elastic

import (
	"container/list"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result-cache defaults.
const (
	// DefaultCacheTTL is how long a cached page stays valid.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheMaxEntries bounds the number of cached pages.
	DefaultCacheMaxEntries = 256
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siem_mcp_query_cache_hits_total",
		Help: "Query result cache hits",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siem_mcp_query_cache_misses_total",
		Help: "Query result cache misses",
	})
)

// resultCache is an in-memory LRU with TTL, keyed by query fingerprint
// plus cursor position. Persistence is deliberately out of scope; a
// cached page never outlives the process.
type resultCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]*list.Element
	lru        *list.List
	now        func() time.Time
}

type cacheEntry struct {
	key       string
	result    QueryResult
	expiresAt time.Time
}

func newResultCache(ttl time.Duration, maxEntries int) *resultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	return &resultCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		now:        time.Now,
	}
}

func cacheKey(fp QueryFingerprint, cursor string, pageNumber int) string {
	return string(fp) + "|" + cursor + "|" + strconv.Itoa(pageNumber)
}

// get returns a copy of the cached page, or false on miss or expiry.
func (c *resultCache) get(key string) (QueryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		cacheMisses.Inc()
		return QueryResult{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.lru.Remove(elem)
		delete(c.entries, key)
		cacheMisses.Inc()
		return QueryResult{}, false
	}
	c.lru.MoveToFront(elem)
	cacheHits.Inc()
	return entry.result, true
}

// put stores a page, evicting the least recently used entry when full.
func (c *resultCache) put(key string, result QueryResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.result = result
		entry.expiresAt = c.now().Add(c.ttl)
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	elem := c.lru.PushFront(&cacheEntry{
		key:       key,
		result:    result,
		expiresAt: c.now().Add(c.ttl),
	})
	c.entries[key] = elem
}

// purge drops every cached page. Called when index discovery observes a
// changed index set: fingerprints derived from the old set can never
// match a new query, so their pages would only rot until TTL expiry.
func (c *resultCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}
