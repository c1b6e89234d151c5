package blobcache

import (
	"github.com/opencontainers/go-digest"

	"github.com/meigma/blobcache/internal/journal"
	"github.com/meigma/blobcache/internal/lru"
)

// maybeCompact rewrites the journal once the records that no longer describe
// a live entry reach both the configured threshold and the number of live
// entries. Failures are logged; the old journal stays in use.
func (c *Cache) maybeCompact() {
	live := c.table.Len()
	redundant := c.journal.Records() - live
	if redundant <= 0 || redundant < c.compactThreshold || redundant < live {
		return
	}
	if err := c.compact(); err != nil {
		c.log.Warn("journal compaction failed", "error", err)
	}
}

// compact replaces the journal with one clean record per live entry.
func (c *Cache) compact() error {
	before := c.journal.Size()
	snapshot := snapshotOf(c.table)
	if err := c.journal.Compact(snapshot); err != nil {
		return err
	}
	c.compactions++
	c.log.Info("compacted journal",
		"entries", len(snapshot),
		"before", before,
		"after", c.journal.Size(),
	)
	return nil
}

// snapshotOf returns one clean record per entry in recency order, which is
// what replay needs to rebuild the same table.
func snapshotOf(t *lru.Table) []journal.Record {
	entries := t.Entries()
	out := make([]journal.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, journal.Clean(e.Key, e.File, e.Size, digest.Digest(e.Digest)))
	}
	return out
}
