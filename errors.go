package blobcache

import "errors"

// Sentinel errors for cache operations.
var (
	// ErrNotFound is returned when a key has no committed entry.
	ErrNotFound = errors.New("blobcache: not found")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("blobcache: cache is closed")

	// ErrInvalidKey is returned for an empty key or one that is not valid
	// UTF-8.
	ErrInvalidKey = errors.New("blobcache: invalid key")

	// ErrInvalidCapacity is returned when the capacity is not positive.
	ErrInvalidCapacity = errors.New("blobcache: capacity must be positive")
)
