// Package buffercache implements the bounded-RAM buffer cache of spec.md
// §4.3: pin/unpin residency discipline over a storage.Storage, with a
// pluggable eviction Policy — a residency map plus an interchangeable
// Policy, the way spec.md's "runtime polymorphism" design note (§9)
// calls for.
package buffercache

import (
	"errors"
	"sync"

	"github.com/dbkernel/storage-engine/pkg/storage"
)

// ErrCacheSaturated is the fatal engine error raised when every resident
// page is pinned and a miss demands an eviction.
var ErrCacheSaturated = errors.New("buffercache: every resident page is pinned")

// entry is one resident page's cache-side bookkeeping.
type entry struct {
	page     *storage.Page
	dirty    bool
	pinCount int
}

// Stats holds diagnostic counters. Reset clears them without touching
// residency.
type Stats struct {
	Hits   uint64
	Misses uint64
	Loads  map[int32]uint64
}

// Cache is a bounded, pinned-page cache in front of a storage.Storage.
type Cache struct {
	mu       sync.Mutex
	storage  storage.Storage
	capacity int
	policy   Policy
	resident map[int32]*entry
	stats    Stats
}

// New constructs a Cache of the given capacity over backing storage, using
// policy for eviction decisions. capacity == 0 selects the "none" mode
// (no residency: every Get reads straight through).
func New(backing storage.Storage, capacity int, policy Policy) *Cache {
	return &Cache{
		storage:  backing,
		capacity: capacity,
		policy:   policy,
		resident: make(map[int32]*entry),
		stats:    Stats{Loads: make(map[int32]uint64)},
	}
}

// Capacity returns the maximum number of resident pages.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Stats returns a snapshot of the cache's diagnostic counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	loads := make(map[int32]uint64, len(c.stats.Loads))
	for k, v := range c.stats.Loads {
		loads[k] = v
	}
	return Stats{Hits: c.stats.Hits, Misses: c.stats.Misses, Loads: loads}
}

// ResetStats clears hit/miss/load counters without evicting anything.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{Loads: make(map[int32]uint64)}
}

// Get hands out a cached-page handle without incrementing the pin count.
func (c *Cache) Get(id int32) (*storage.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchLocked(id, false, true)
}

// GetAndPin increments the pin count; the caller must Unpin exactly once.
func (c *Cache) GetAndPin(id int32) (*storage.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchLocked(id, true, true)
}

// Unpin releases one pin on id. It is an error to unpin a page with no
// outstanding pins. In "none" mode there is no residency to track pins
// against, so Unpin is always a no-op.
func (c *Cache) Unpin(id int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity == 0 {
		return nil
	}
	e, ok := c.resident[id]
	if !ok {
		return errors.New("buffercache: unpin of non-resident page")
	}
	if e.pinCount <= 0 {
		return errors.New("buffercache: unpin count underflow")
	}
	e.pinCount--
	return nil
}

// MarkDirty flags the resident page id as dirty, so it is written through on
// eviction or flush.
func (c *Cache) MarkDirty(id int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.resident[id]; ok {
		e.dirty = true
	}
}

// Put persists a mutated page. In "none" mode it writes straight through
// immediately (there is no residency to buffer the write in); in resident
// mode it is equivalent to MarkDirty.
func (c *Cache) Put(page *storage.Page) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity == 0 {
		return c.storage.Write(page)
	}
	if e, ok := c.resident[page.ID()]; ok {
		e.dirty = true
	}
	return nil
}

// Load bulk-prefetches n pages starting at start without pinning them;
// hit/miss counters are not updated for prefetch.
func (c *Cache) Load(start int32, n int32) error {
	return c.storage.BulkRead(start, n, func(p *storage.Page) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.resident[p.ID()]; ok {
			return nil
		}
		if c.capacity > 0 && len(c.resident) >= c.capacity {
			return nil // prefetch never evicts
		}
		c.admitLocked(p)
		return nil
	})
}

// Flush writes every dirty cached page through to storage.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.resident {
		if e.dirty {
			if err := c.storage.Write(e.page); err != nil {
				return err
			}
			e.dirty = false
		}
		_ = id
	}
	return nil
}

// Close flushes (in "none" mode, the caller's write-through already
// happened).
func (c *Cache) Close() error {
	if c.capacity == 0 {
		return nil
	}
	return c.Flush()
}

func (c *Cache) fetchLocked(id int32, pin bool, countStats bool) (*storage.Page, error) {
	if c.capacity == 0 {
		// "none" mode: read straight through every time.
		p, err := c.storage.Read(id)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	if e, ok := c.resident[id]; ok {
		if countStats {
			c.stats.Hits++
		}
		c.policy.OnAccess(id)
		if pin {
			e.pinCount++
		}
		return e.page, nil
	}
	if countStats {
		c.stats.Misses++
	}
	c.stats.Loads[id]++
	p, err := c.storage.Read(id)
	if err != nil {
		return nil, err
	}
	if len(c.resident) >= c.capacity {
		if err := c.evictLocked(); err != nil {
			return nil, err
		}
	}
	e := c.admitLocked(p)
	if pin {
		e.pinCount++
	}
	return p, nil
}

func (c *Cache) admitLocked(p *storage.Page) *entry {
	e := &entry{page: p}
	c.resident[p.ID()] = e
	c.policy.OnAdmit(p.ID())
	return e
}

func (c *Cache) evictLocked() error {
	victim, ok := c.policy.SelectVictim(func(id int32) bool {
		e, found := c.resident[id]
		return found && e.pinCount > 0
	})
	if !ok {
		return ErrCacheSaturated
	}
	e := c.resident[victim]
	if e.dirty {
		if err := c.storage.Write(e.page); err != nil {
			return err
		}
	}
	delete(c.resident, victim)
	c.policy.OnRemove(victim)
	return nil
}
