package store

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type cacheItem struct {
	page    Page
	expires time.Time
}

// listCache keeps first pages of vendor listings for a short TTL. Writes
// touching a vendor drop every cached page of that vendor and bump its
// generation, so a page read before the write is never stored after it.
type listCache struct {
	ttl   time.Duration
	mu    sync.RWMutex
	pages map[string]cacheItem
	gens  map[string]uint64
}

func newListCache(ttl time.Duration) *listCache {
	return &listCache{ttl: ttl, pages: make(map[string]cacheItem), gens: make(map[string]uint64)}
}

func (c *listCache) get(q VendorQuery) (Page, bool) {
	if c == nil || c.ttl <= 0 || q.Cursor != "" {
		return Page{}, false
	}
	c.mu.RLock()
	item, ok := c.pages[cacheKey(q)]
	c.mu.RUnlock()
	if !ok || time.Now().After(item.expires) {
		return Page{}, false
	}
	return item.page, true
}

// generation must be read before the page is loaded and handed to set.
func (c *listCache) generation(vendorID string) uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[vendorID]
}

func (c *listCache) set(q VendorQuery, page Page, gen uint64) {
	if c == nil || c.ttl <= 0 || q.Cursor != "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[q.VendorID] != gen {
		return
	}
	c.pages[cacheKey(q)] = cacheItem{page: page, expires: time.Now().Add(c.ttl)}
}

func (c *listCache) invalidateVendor(vendorID string) {
	if c == nil || vendorID == "" {
		return
	}
	prefix := vendorID + "|"
	c.mu.Lock()
	c.gens[vendorID]++
	for k := range c.pages {
		if strings.HasPrefix(k, prefix) {
			delete(c.pages, k)
		}
	}
	c.mu.Unlock()
}

func cacheKey(q VendorQuery) string {
	return fmt.Sprintf("%s|%s|%s|%d", q.VendorID, q.Status, q.Cursor, q.Limit)
}
