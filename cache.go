package blobcache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"unicode/utf8"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/blobcache/internal/filestore"
	"github.com/meigma/blobcache/internal/journal"
	"github.com/meigma/blobcache/internal/lru"
)

// Cache is a journal-backed, size-bounded LRU cache of files.
// It is safe for concurrent use.
type Cache struct {
	mu sync.RWMutex

	dir      string
	capacity int64
	store    *filestore.Store
	journal  *journal.Writer
	table    *lru.Table
	closed   bool

	log              *slog.Logger
	dirPerm          os.FileMode
	sync             bool
	compactThreshold int
	verify           bool
	concurrency      int

	hits        uint64
	misses      uint64
	evictions   uint64
	compactions uint64
}

// RecordInfo describes one cache entry as returned by [Cache.Records].
type RecordInfo struct {
	Key string
	// FileName is the internal name of the content file.
	FileName string
	// Path is the absolute path of the content file.
	Path   string
	Size   int64
	Digest digest.Digest
	// LastAccess is the recency sequence of the entry's last put or get.
	// Larger values are more recent; it is not a timestamp.
	LastAccess uint64
}

// Stats is a point-in-time snapshot of cache usage.
type Stats struct {
	Capacity    int64
	Used        int64
	Free        int64
	JournalSize int64
	Entries     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Compactions uint64
}

// Create opens the cache rooted at dir, creating the directory if needed.
// An existing journal is replayed and checked against the files on disk;
// entries that cannot be validated are dropped and unreferenced files are
// removed. capacity is the byte budget for the summed size of all entries.
func Create(dir string, capacity int64, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("blobcache: dir is empty")
	}
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	c := &Cache{
		dir:              dir,
		capacity:         capacity,
		dirPerm:          defaultDirPerm,
		sync:             true,
		compactThreshold: defaultCompactionThreshold,
		concurrency:      defaultValidationConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.New(slog.DiscardHandler)
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	if c.compactThreshold < 0 {
		c.compactThreshold = 0
	}
	if err := c.recover(); err != nil {
		return nil, fmt.Errorf("blobcache: open %s: %w", dir, err)
	}
	return c, nil
}

// Put copies the file at src into the cache under key and returns the path
// of the cached copy. An existing entry for key is replaced. src is left
// untouched.
func (c *Cache) Put(key, src string) (string, error) {
	return c.put("put", key, func() (filestore.Staged, error) {
		return c.store.StageFile(src, false)
	}, c.store.Remove)
}

// Move is like Put but takes ownership of src: the file is renamed into the
// cache when it lives on the same filesystem and copied otherwise. src no
// longer exists after a successful Move.
func (c *Cache) Move(key, src string) (string, error) {
	return c.put("move", key, func() (filestore.Staged, error) {
		return c.store.StageFile(src, true)
	}, func(name string) error {
		c.store.Release(name, src)
		return nil
	})
}

// PutReader stores the content read from r under key and returns the path of
// the cached file.
func (c *Cache) PutReader(key string, r io.Reader) (string, error) {
	return c.put("put", key, func() (filestore.Staged, error) {
		return c.store.Stage(r)
	}, c.store.Remove)
}

// put runs the commit protocol shared by Put, Move and PutReader. undo
// disposes of the staged content, under whichever name it holds, when the
// write cannot be committed.
func (c *Cache) put(op, key string, stage func() (filestore.Staged, error), undo func(name string) error) (string, error) {
	if !validKey(key) {
		return "", ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}

	st, err := stage()
	if err != nil {
		return "", fmt.Errorf("blobcache: %s %q: %w", op, key, err)
	}
	final := st.Final()

	if err := c.journal.Append(journal.Dirty(key, final)); err != nil {
		_ = undo(st.Name)
		return "", fmt.Errorf("blobcache: %s %q: %w", op, key, err)
	}
	c.table.Begin(key, final)

	if _, err := c.store.Commit(st); err != nil {
		c.table.Abort(key)
		if ok, _ := c.store.Exists(final); ok {
			_ = undo(final)
		} else {
			_ = undo(st.Name)
		}
		return "", fmt.Errorf("blobcache: %s %q: %w", op, key, err)
	}

	if err := c.journal.Append(journal.Clean(key, final, st.Size, st.Digest)); err != nil {
		// The DIRTY record stays behind; recovery discards it along with the file.
		c.table.Abort(key)
		_ = undo(final)
		return "", fmt.Errorf("blobcache: %s %q: %w", op, key, err)
	}

	_, replaced, hadPrev, _ := c.table.Commit(key, final, st.Size, st.Digest.String())
	if hadPrev {
		if err := c.store.Remove(replaced.File); err != nil {
			c.log.Warn("failed to remove replaced file", "key", key, "file", replaced.File, "error", err)
		}
	}
	c.log.Debug("put", "key", key, "file", final, "size", st.Size, "replaced", hadPrev)

	c.evict(key)
	c.maybeCompact()
	return c.store.Path(final), nil
}

// Get returns the path of the file cached under key and marks the entry as
// most recently used. An entry whose file has disappeared is dropped and
// reported as not found.
func (c *Cache) Get(key string) (string, error) {
	if !validKey(key) {
		return "", ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	e, err := c.lookup(key)
	if err != nil {
		return "", err
	}
	return c.store.Path(e.File), nil
}

// Open is like Get but returns the cached file opened for reading. The file
// stays readable after the entry is evicted or replaced.
func (c *Cache) Open(key string) (*os.File, error) {
	if !validKey(key) {
		return nil, ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	e, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	f, err := c.store.Open(e.File)
	if err != nil {
		return nil, fmt.Errorf("blobcache: open %q: %w", key, err)
	}
	return f, nil
}

// lookup resolves key to a clean entry with a backing file and records the
// access. Callers hold the write lock.
func (c *Cache) lookup(key string) (lru.Entry, error) {
	e, ok := c.table.Get(key)
	if !ok {
		c.misses++
		c.log.Debug("miss", "key", key)
		return lru.Entry{}, fmt.Errorf("blobcache: get %q: %w", key, ErrNotFound)
	}
	present, err := c.store.Exists(e.File)
	if err != nil {
		return lru.Entry{}, fmt.Errorf("blobcache: get %q: %w", key, err)
	}
	if !present {
		c.misses++
		c.log.Warn("dropping entry with missing file", "key", key, "file", e.File)
		c.table.Remove(key)
		if err := c.journal.Append(journal.Remove(key)); err != nil {
			c.log.Warn("failed to journal removal", "key", key, "error", err)
		}
		return lru.Entry{}, fmt.Errorf("blobcache: get %q: %w", key, ErrNotFound)
	}

	if err := c.journal.Append(journal.Read(key)); err != nil {
		return lru.Entry{}, fmt.Errorf("blobcache: get %q: %w", key, err)
	}
	e, _ = c.table.Touch(key)
	c.hits++
	c.log.Debug("hit", "key", key, "size", e.Size)
	c.maybeCompact()
	return e, nil
}

// Delete removes the entry for key and its file. Deleting a key that is not
// cached is a no-op. When the removal cannot be journaled the entry is kept.
func (c *Cache) Delete(key string) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.table.Get(key); !ok {
		return nil
	}
	if err := c.journal.Append(journal.Remove(key)); err != nil {
		return fmt.Errorf("blobcache: delete %q: %w", key, err)
	}
	e, _ := c.table.Remove(key)
	c.log.Debug("delete", "key", key, "size", e.Size)
	err := c.store.Remove(e.File)
	c.maybeCompact()
	if err != nil {
		return fmt.Errorf("blobcache: delete %q: %w", key, err)
	}
	return nil
}

// Clear removes every entry and its file and starts a fresh journal.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	// Once the empty journal is in place, any file left behind is an orphan
	// that the next Create removes.
	if err := c.journal.Compact(nil); err != nil {
		return fmt.Errorf("blobcache: clear: %w", err)
	}
	entries := c.table.Entries()
	c.table.Reset()
	var errs []error
	for _, e := range entries {
		if err := c.store.Remove(e.File); err != nil {
			errs = append(errs, err)
		}
	}
	c.log.Info("cleared cache", "entries", len(entries))
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("blobcache: clear: %w", err)
	}
	return nil
}

// validKey reports whether key can be journaled and replayed unchanged.
// The journal is JSON, which cannot carry invalid UTF-8.
func validKey(key string) bool {
	return key != "" && utf8.ValidString(key)
}

// Keys returns the cached keys in no particular order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	return c.table.Keys()
}

// Records returns a snapshot of all entries ordered from least to most
// recently used. The first record is the next eviction candidate.
func (c *Cache) Records() []RecordInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	entries := c.table.Entries()
	out := make([]RecordInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, RecordInfo{
			Key:        e.Key,
			FileName:   e.File,
			Path:       c.store.Path(e.File),
			Size:       e.Size,
			Digest:     digest.Digest(e.Digest),
			LastAccess: e.Seq,
		})
	}
	return out
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Capacity returns the byte budget.
func (c *Cache) Capacity() int64 {
	return c.capacity
}

// UsedSpace returns the summed size of all entries.
func (c *Cache) UsedSpace() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table.Used()
}

// FreeSpace returns the budget left before eviction starts. It is zero while
// the cache is over budget.
func (c *Cache) FreeSpace() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return max(0, c.capacity-c.table.Used())
}

// JournalSize returns the current journal length in bytes.
func (c *Cache) JournalSize() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.journal.Size()
}

// Stats returns a snapshot of usage and activity counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	used := c.table.Used()
	return Stats{
		Capacity:    c.capacity,
		Used:        used,
		Free:        max(0, c.capacity-used),
		JournalSize: c.journal.Size(),
		Entries:     c.table.Len(),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Compactions: c.compactions,
	}
}

// Close releases the journal and directory handles. Further operations
// return ErrClosed. Close is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.journal.Close(), c.store.Close())
}
