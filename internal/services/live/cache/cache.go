// Package cache keeps the latest upstream payload per filter for a short
// freshness window.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/f1stats/pitwall/internal/services/live/filter"
)

// Entry is one cached payload.
type Entry struct {
	Filter    filter.Filter
	Payload   json.RawMessage
	FetchedAt time.Time
	TTL       time.Duration
}

// Fresh reports whether the entry is still valid at now.
func (e Entry) Fresh(now time.Time) bool {
	return !e.FetchedAt.IsZero() && now.Sub(e.FetchedAt) <= e.TTL
}

// Age returns how long ago the entry was fetched.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Cache is a TTL map keyed by filter. Expired entries are never returned,
// whether or not the sweeper has reclaimed them yet.
type Cache struct {
	mu      sync.RWMutex
	entries map[filter.Filter]Entry
	clock   func() time.Time
}

// New creates an empty cache. A nil clock uses time.Now.
func New(clock func() time.Time) *Cache {
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		entries: make(map[filter.Filter]Entry),
		clock:   clock,
	}
}

// Get returns the entry for f while it is fresh.
func (c *Cache) Get(f filter.Filter) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	c.mu.RLock()
	entry, ok := c.entries[f]
	c.mu.RUnlock()
	if !ok || !entry.Fresh(c.clock()) {
		return Entry{}, false
	}
	return entry, true
}

// Put stores payload for f stamped with the current time. A non-positive TTL
// evicts instead.
func (c *Cache) Put(f filter.Filter, payload json.RawMessage, ttl time.Duration) Entry {
	if c == nil {
		return Entry{}
	}
	if ttl <= 0 {
		c.Invalidate(f)
		return Entry{}
	}
	entry := Entry{
		Filter:    f,
		Payload:   append(json.RawMessage(nil), payload...),
		FetchedAt: c.clock(),
		TTL:       ttl,
	}
	c.mu.Lock()
	c.entries[f] = entry
	c.mu.Unlock()
	return entry
}

// Invalidate evicts the entry for f.
func (c *Cache) Invalidate(f filter.Filter) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, f)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	if c == nil {
		return 0
	}
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for f, entry := range c.entries {
		if !entry.Fresh(now) {
			delete(c.entries, f)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps every interval until ctx is canceled.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if c == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
