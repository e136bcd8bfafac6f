// Package cache implements the per-lease entity cache: a bounded map keyed by
// (record type, primary key) with touch-on-read timestamps and oldest-first
// eviction across every record type.
//
// A Cache belongs to exactly one lease and is not safe for concurrent use.
package cache

import (
	"reflect"
	"sort"
	"time"

	"github.com/joao-brasil/sqlease/internal/metrics"
	"github.com/joao-brasil/sqlease/pkg/dberr"
)

type entry struct {
	value   any
	touched time.Time
}

// Cache is the entity cache of one unit of work.
type Cache struct {
	entries map[reflect.Type]map[any]*entry
	size    int

	// maxEntries <= 0 disables the bound.
	maxEntries int
	// evictBatch is the minimum number of entries evicted when room is needed.
	evictBatch int

	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithEvictBatch evicts at least n entries whenever the cache is full.
func WithEvictBatch(n int) Option {
	return func(c *Cache) { c.evictBatch = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding at most maxEntries values.
func New(maxEntries int, opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[reflect.Type]map[any]*entry),
		maxEntries: maxEntries,
		evictBatch: 1,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value and refreshes its timestamp.
func (c *Cache) Get(t reflect.Type, key any) (any, bool) {
	if key == nil {
		return nil, false
	}
	e, ok := c.entries[t][key]
	if !ok {
		metrics.CacheOperations.WithLabelValues("miss").Inc()
		return nil, false
	}
	e.touched = c.now()
	metrics.CacheOperations.WithLabelValues("hit").Inc()
	return e.value, true
}

// Put stores value under (t, key), evicting the oldest entries first when a
// new key would exceed the bound.
func (c *Cache) Put(t reflect.Type, key any, value any) error {
	if key == nil {
		return dberr.New(dberr.KindIllegalArgument, "cache.put", "%s has no primary key", t)
	}
	if !reflect.TypeOf(key).Comparable() {
		return dberr.New(dberr.KindIllegalArgument, "cache.put", "primary key of type %T is not comparable", key)
	}

	inner, ok := c.entries[t]
	if !ok {
		inner = make(map[any]*entry)
		c.entries[t] = inner
	}
	if e, exists := inner[key]; exists {
		e.value = value
		e.touched = c.now()
		return nil
	}

	if c.maxEntries > 0 && c.size >= c.maxEntries {
		need := c.size - c.maxEntries + 1
		if need < c.evictBatch {
			need = c.evictBatch
		}
		c.evictOldest(need)
	}

	inner[key] = &entry{value: value, touched: c.now()}
	c.size++
	metrics.CacheOperations.WithLabelValues("put").Inc()
	return nil
}

// Remove deletes (t, key) if present.
func (c *Cache) Remove(t reflect.Type, key any) bool {
	inner, ok := c.entries[t]
	if !ok || key == nil {
		return false
	}
	if _, ok := inner[key]; !ok {
		return false
	}
	delete(inner, key)
	if len(inner) == 0 {
		delete(c.entries, t)
	}
	c.size--
	return true
}

// Len returns the number of cached values across every record type.
func (c *Cache) Len() int { return c.size }

// Clear drops every entry.
func (c *Cache) Clear() {
	clear(c.entries)
	c.size = 0
}

type victim struct {
	t       reflect.Type
	key     any
	touched time.Time
}

func (c *Cache) evictOldest(n int) {
	all := make([]victim, 0, c.size)
	for t, inner := range c.entries {
		for k, e := range inner {
			all = append(all, victim{t: t, key: k, touched: e.touched})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].touched.Before(all[j].touched) })

	if n > len(all) {
		n = len(all)
	}
	for _, v := range all[:n] {
		c.Remove(v.t, v.key)
	}
	metrics.CacheEvictions.Add(float64(n))
}
