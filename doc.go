// Package blobcache provides a persistent, size-bounded cache that maps
// string keys to files on local disk.
//
// Entries survive process restarts: every mutation is recorded in an
// append-only journal inside the cache directory, and [Create] replays that
// journal, checks it against the files actually present, and removes
// anything it cannot account for. Once the summed size of all entries
// exceeds the configured capacity, the least recently used entries are
// evicted.
//
// # Quick Start
//
// Open a cache with a 1 GiB budget and store a file:
//
//	c, err := blobcache.Create("/var/cache/blobs", 1<<30)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	path, err := c.Put("layer-sha256-abc", "/tmp/download.bin")
//
// Look it up later, possibly from another process run:
//
//	path, err := c.Get("layer-sha256-abc")
//	if errors.Is(err, blobcache.ErrNotFound) {
//	    // fetch again
//	}
//
// # Writes
//
// [Cache.Put] copies the source into a temp file, flushes it, and renames it
// into place, so a reader never observes partial content. A failed write
// leaves the cache exactly as it was. Each committed file is digested with
// SHA-256; the digest is journaled and reported by [Cache.Records], and
// [WithVerifyOnOpen] re-checks it during recovery.
//
// # Budget
//
// The capacity is a soft limit. A single entry larger than the whole budget
// is still accepted: every other entry is evicted to make room and the cache
// stays over budget until that entry is replaced or removed.
//
// # Concurrency
//
// A Cache is safe for concurrent use by multiple goroutines. Mutations,
// including [Cache.Get] which updates recency, run one at a time. All
// operations block on disk I/O and start no background goroutines.
// Sharing one directory between processes is not supported.
package blobcache
