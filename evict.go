package blobcache

import "github.com/meigma/blobcache/internal/journal"

// evict removes least recently used entries until the used space fits the
// capacity. The entry for keep is never evicted, so a single entry larger
// than the whole budget survives on its own. Callers hold the write lock.
func (c *Cache) evict(keep string) {
	for c.table.Used() > c.capacity {
		e, ok := c.table.Oldest()
		if !ok || e.Key == keep {
			// keep is the most recent entry; reaching it means nothing else is left.
			c.log.Debug("cache over budget", "key", keep, "used", c.table.Used(), "capacity", c.capacity)
			return
		}
		c.table.Remove(e.Key)
		if err := c.journal.Append(journal.Remove(e.Key)); err != nil {
			c.log.Warn("failed to journal eviction", "key", e.Key, "error", err)
		}
		if err := c.store.Remove(e.File); err != nil {
			c.log.Warn("failed to remove evicted file", "key", e.Key, "file", e.File, "error", err)
		}
		c.evictions++
		c.log.Debug("evict", "key", e.Key, "size", e.Size)
	}
}
