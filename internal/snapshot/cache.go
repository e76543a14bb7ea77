// Package snapshot turns extractions into rendered snapshots: a per-page
// mutation cache, the ref pruner, the differ and the formatters.
package snapshot

import (
	"context"
	"sync"
	"time"

	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/extract"
	"ubrowser-mcp-server/internal/metrics"
)

// DefaultStaleness bounds how long an entry is served without re-extracting.
const DefaultStaleness = 5 * time.Second

// CacheEntry is the last extraction of one page.
type CacheEntry struct {
	Elements      []extract.Element
	Hash          int32
	MutationCount int
	Timestamp     time.Time
	Scope         string
	Max           int
	stale         bool
}

// Cache is an arena of extraction results keyed by page id. Entries are
// dropped with Remove when the page closes.
type Cache struct {
	extractor Extractor
	staleness time.Duration
	metrics   *metrics.Collector
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*CacheEntry
}

// NewCache builds a cache over extractor. staleness <= 0 means DefaultStaleness.
func NewCache(extractor Extractor, staleness time.Duration, m *metrics.Collector) *Cache {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Cache{
		extractor: extractor,
		staleness: staleness,
		metrics:   m,
		now:       time.Now,
		entries:   make(map[string]*CacheEntry),
	}
}

// Get returns the page's elements, reusing the stored extraction when the
// scope and cap match, the mutation counter has not moved and the entry is
// younger than the staleness window.
func (c *Cache) Get(ctx context.Context, page browser.Page, scope string, maxElements int, skipCache bool) ([]extract.Element, error) {
	if maxElements <= 0 {
		maxElements = extract.DefaultMax
	}
	id := page.ID()

	count, err := c.extractor.MutationCount(ctx, page)
	if err != nil {
		count = -1
	}

	switch {
	case skipCache:
		c.metrics.RecordCacheLookup(metrics.CacheSkip)
	default:
		if entry, ok := c.valid(id, scope, maxElements, count); ok {
			c.metrics.RecordCacheLookup(metrics.CacheHit)
			return entry.Elements, nil
		}
		c.metrics.RecordCacheLookup(metrics.CacheMiss)
	}

	res, err := c.extractor.Extract(ctx, page, scope, maxElements)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		// The payload was just installed, so the counter starts now.
		if n, err := c.extractor.MutationCount(ctx, page); err == nil {
			count = n
		}
	}

	c.mu.Lock()
	c.entries[id] = &CacheEntry{
		Elements:      res.Elements,
		Hash:          res.Hash,
		MutationCount: count,
		Timestamp:     c.now(),
		Scope:         scope,
		Max:           maxElements,
	}
	c.mu.Unlock()
	return res.Elements, nil
}

func (c *Cache) valid(id, scope string, maxElements, count int) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok || entry.stale || count < 0 {
		return nil, false
	}
	if entry.Scope != scope || entry.Max != maxElements || entry.MutationCount != count {
		return nil, false
	}
	if c.now().Sub(entry.Timestamp) >= c.staleness {
		return nil, false
	}
	return entry, true
}

// Entry returns a copy of the stored entry for a page.
func (c *Cache) Entry(pageID string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[pageID]
	if !ok {
		return CacheEntry{}, false
	}
	return *entry, true
}

// Invalidate forces the next Get for the page to re-extract.
func (c *Cache) Invalidate(pageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[pageID]; ok {
		entry.stale = true
	}
}

// Remove frees the page's slot.
func (c *Cache) Remove(pageID string) {
	c.mu.Lock()
	delete(c.entries, pageID)
	c.mu.Unlock()
}

// Len returns the number of pages with a slot.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
