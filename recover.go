package blobcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/blobcache/internal/filestore"
	"github.com/meigma/blobcache/internal/journal"
	"github.com/meigma/blobcache/internal/lru"
)

// recover rebuilds the in-memory state from the cache directory and leaves a
// journal on disk that describes exactly that state.
func (c *Cache) recover() error {
	store, err := filestore.Open(c.dir, c.dirPerm, filestore.WithSync(c.sync))
	if err != nil {
		return err
	}
	w, table, err := c.rebuild(store)
	if err != nil {
		_ = store.Close()
		return err
	}
	c.store, c.journal, c.table = store, w, table
	c.evict("")
	return nil
}

func (c *Cache) rebuild(store *filestore.Store) (*journal.Writer, *lru.Table, error) {
	root := store.Root()
	found, err := journal.Resolve(root)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve journal: %w", err)
	}

	res := &journal.Result{Table: lru.New()}
	if found {
		res, err = replayFile(store)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case !res.HeaderOK:
			c.log.Warn("journal header unreadable, starting empty")
		case res.Truncated:
			c.log.Warn("journal ends in an incomplete record", "valid_size", res.ValidSize)
		}
		if res.Discarded > 0 {
			c.log.Warn("discarded journal records", "count", res.Discarded)
		}
	}

	table := res.Table
	pending := table.Pending()
	for _, p := range pending {
		table.Abort(p.Key)
	}

	entries := table.Entries()
	bad, err := c.validate(store, entries)
	if err != nil {
		return nil, nil, err
	}
	dropped := 0
	for i, e := range entries {
		if bad[i] {
			table.Remove(e.Key)
			dropped++
		}
	}

	orphans, err := removeOrphans(store, table)
	if err != nil {
		return nil, nil, err
	}

	w, err := journal.Create(root, c.dir, snapshotOf(table), c.sync)
	if err != nil {
		return nil, nil, fmt.Errorf("rewrite journal: %w", err)
	}
	c.log.Info("recovered cache",
		"dir", c.dir,
		"entries", table.Len(),
		"used", table.Used(),
		"pending", len(pending),
		"dropped", dropped,
		"orphans", orphans,
	)
	return w, table, nil
}

func replayFile(store *filestore.Store) (*journal.Result, error) {
	f, err := store.Root().Open(journal.Name)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	res, err := journal.Replay(f)
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	return res, nil
}

// validate checks entries against their files in parallel and reports, per
// entry, whether it must be dropped.
func (c *Cache) validate(store *filestore.Store, entries []lru.Entry) ([]bool, error) {
	bad := make([]bool, len(entries))
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(c.concurrency)
	for i, e := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			reason, err := c.check(store, e)
			if err != nil {
				return fmt.Errorf("validate %q: %w", e.Key, err)
			}
			if reason != "" {
				bad[i] = true
				c.log.Warn("dropping cache entry", "key", e.Key, "file", e.File, "reason", reason)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bad, nil
}

// check returns a non-empty reason when e is not backed by a matching file.
// Errors other than a missing file are returned as is.
func (c *Cache) check(store *filestore.Store, e lru.Entry) (string, error) {
	info, err := store.Stat(e.File)
	if errors.Is(err, fs.ErrNotExist) {
		return "missing file", nil
	}
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "not a regular file", nil
	}
	if info.Size() != e.Size {
		return fmt.Sprintf("size mismatch: journal %d, file %d", e.Size, info.Size()), nil
	}
	if !c.verify || e.Digest == "" {
		return "", nil
	}
	ok, err := store.Verify(e.File, digest.Digest(e.Digest))
	if err != nil {
		return "verify failed: " + err.Error(), nil
	}
	if !ok {
		return "digest mismatch", nil
	}
	return "", nil
}

// removeOrphans deletes every file that no entry references, which includes
// staging files and the targets of pending writes.
func removeOrphans(store *filestore.Store, table *lru.Table) (int, error) {
	names, err := store.List()
	if err != nil {
		return 0, fmt.Errorf("list cache dir: %w", err)
	}
	live := make(map[string]struct{}, table.Len())
	for _, e := range table.Entries() {
		live[e.File] = struct{}{}
	}
	removed := 0
	for _, name := range names {
		if journal.IsJournalFile(name) {
			continue
		}
		if _, ok := live[name]; ok {
			continue
		}
		if err := store.Remove(name); err != nil {
			return removed, fmt.Errorf("remove orphan %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}
