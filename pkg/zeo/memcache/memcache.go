// Package memcache is a minimal in-process zeo.Cache used by this
// module's own tests and as a starting point for embedders that do not
// yet have a persistent cache. It is not the "on-disk persistent cache"
// spec.md §1 calls external and out of scope for the core — it exists
// only because the core needs something to verify against.
package memcache

import (
	"sync"

	"github.com/1-Hash/ZEO/pkg/zeo"
)

// Cache is a goroutine-safe, process-lifetime zeo.Cache.
type Cache struct {
	mu      sync.Mutex
	revs    map[zeo.Oid][]zeo.Revision
	lastTid zeo.Tid
	hasTid  bool
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{revs: make(map[zeo.Oid][]zeo.Revision)}
}

func (c *Cache) LoadBefore(oid zeo.Oid, tid zeo.Tid) (zeo.Revision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.revs[oid] {
		if r.Start < tid && (r.End == 0 || tid <= r.End) {
			return r, true
		}
	}
	return zeo.Revision{}, false
}

func (c *Cache) Store(oid zeo.Oid, rev zeo.Revision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revs[oid] = append(c.revs[oid], rev)
}

func (c *Cache) Invalidate(oid zeo.Oid, tid zeo.Tid, hasTid bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !hasTid {
		delete(c.revs, oid)
		return
	}
	revs := c.revs[oid]
	for i := range revs {
		if revs[i].End == 0 {
			revs[i].End = tid
		}
	}
	c.revs[oid] = revs
}

func (c *Cache) GetLastTid() (zeo.Tid, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTid, c.hasTid
}

func (c *Cache) SetLastTid(tid zeo.Tid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTid, c.hasTid = tid, true
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revs = make(map[zeo.Oid][]zeo.Revision)
	c.lastTid, c.hasTid = 0, false
}

func (c *Cache) Close() error { return nil }

// Len reports how many oids currently have at least one revision;
// used by tests to assert on cache-clearing behavior.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.revs)
}
