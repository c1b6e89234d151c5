package blobcache

import (
	"log/slog"
	"os"
)

const (
	defaultDirPerm               = 0o700
	defaultCompactionThreshold   = 2000
	defaultValidationConcurrency = 8
)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for cache events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.log = logger
	}
}

// WithDirPerm sets the permissions used when creating the cache directory.
// Defaults to 0o700.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithSync controls whether content files, the journal, and the directory
// are fsynced on every commit. Disabling it trades crash safety for speed
// and only makes sense for throwaway caches. Defaults to true.
func WithSync(enabled bool) Option {
	return func(c *Cache) {
		c.sync = enabled
	}
}

// WithCompactionThreshold sets the minimum number of redundant journal
// records before the journal is compacted. Compaction also waits until the
// redundant records outnumber the live entries. Defaults to 2000.
func WithCompactionThreshold(n int) Option {
	return func(c *Cache) {
		c.compactThreshold = n
	}
}

// WithVerifyOnOpen makes Create re-hash every entry and drop those whose
// content no longer matches the recorded digest.
func WithVerifyOnOpen(enabled bool) Option {
	return func(c *Cache) {
		c.verify = enabled
	}
}

// WithValidationConcurrency limits how many entries Create validates in
// parallel. Defaults to 8.
func WithValidationConcurrency(n int) Option {
	return func(c *Cache) {
		c.concurrency = n
	}
}
