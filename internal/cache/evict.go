package cache

import (
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// Evict removes lowest-priority entries until at least targetBytes have
// been freed, returning the bytes actually freed. Ranking is
// least-recently-used first; among entries of equal age the
// uncompressed artifact goes first, since it costs more bytes and is
// no harder to reproduce. Entries with active readers are never
// removed, so the freed total can fall short of the target.
func (c *Cache) Evict(targetBytes int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	freed := c.evictLocked(targetBytes)
	if freed > 0 {
		c.saveIndexLocked()
	}
	return freed
}

// EnsureCapacity evicts until the cache fits within its byte budget.
func (c *Cache) EnsureCapacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	freed := c.evictLocked(c.size - c.capacity)
	if freed > 0 {
		c.saveIndexLocked()
	}
	return freed
}

// evictLocked does the ranking and removal. Caller holds c.mu.
func (c *Cache) evictLocked(targetBytes int64) int64 {
	if targetBytes <= 0 || len(c.index) == 0 {
		return 0
	}

	candidates := make([]*Entry, 0, len(c.index))
	for fp, entry := range c.index {
		if c.pins[fp] > 0 {
			continue
		}
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		// Tie-break: evict raw before compressed.
		return a.Format == FormatRaw && b.Format != FormatRaw
	})

	var freed int64
	for _, entry := range candidates {
		if freed >= targetBytes {
			break
		}
		freed += entry.Size
		c.removeLocked(entry)
		c.stats.Evictions++
		c.stats.LastEvict = time.Now()
		log.Debug("cache evict",
			"fingerprint", entry.Fingerprint.Short(),
			"size", humanize.Bytes(uint64(entry.Size)),
			"format", entry.Format,
			"age", time.Since(entry.LastAccess).Round(time.Second))
	}
	return freed
}
