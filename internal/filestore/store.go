// Package filestore manages the content files of a cache directory.
//
// Content is first staged into a temp file, flushed, and only then renamed to
// its final name, so a reader can never observe a partially written file.
// File names are derived from a sequential id and never from cache keys.
package filestore

import (
	_ "crypto/sha256" // digest.Canonical
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/blobcache/internal/platform"
)

const (
	// ContentSuffix marks committed content files.
	ContentSuffix = ".blob"
	// StagingSuffix marks files that are still being written.
	StagingSuffix = ".tmp"

	idLen       = 16
	copyBufSize = 128 << 10
)

var errNotRegular = errors.New("filestore: not a regular file")

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufSize)
		return &b
	},
}

// Staged describes a fully written, flushed temp file awaiting Commit.
type Staged struct {
	ID     uint64
	Name   string // temp file name
	Size   int64
	Digest digest.Digest
}

// Final returns the content file name the staged file will be committed to.
func (s Staged) Final() string {
	return ContentName(s.ID)
}

// Store is a directory of content files. It is not safe for concurrent use;
// callers serialize access.
type Store struct {
	dir    string
	root   *os.Root
	sync   bool
	nextID uint64
}

// Option configures a Store.
type Option func(*Store)

// WithSync controls whether staged files and the directory are fsynced.
// Defaults to true.
func WithSync(enabled bool) Option {
	return func(s *Store) {
		s.sync = enabled
	}
}

// Open opens the store rooted at dir, creating the directory when needed.
func Open(dir string, perm os.FileMode, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filestore: dir is empty")
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:  dir,
		root: root,
		sync: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	names, err := s.List()
	if err != nil {
		_ = root.Close()
		return nil, err
	}
	for _, name := range names {
		if id, ok := ParseID(name); ok && id >= s.nextID {
			s.nextID = id + 1
		}
	}
	return s, nil
}

// Close releases the directory handle.
func (s *Store) Close() error {
	return s.root.Close()
}

// Dir returns the directory the store is rooted at.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of a file in the store.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Root exposes the directory handle for siblings that keep their own files
// next to the content, such as the journal.
func (s *Store) Root() *os.Root {
	return s.root
}

// ContentName returns the committed file name for id.
func ContentName(id uint64) string {
	return fmt.Sprintf("%016x%s", id, ContentSuffix)
}

// StagingName returns the temp file name for id.
func StagingName(id uint64) string {
	return fmt.Sprintf("%016x%s", id, StagingSuffix)
}

// ParseID extracts the sequential id from a content or staging file name.
func ParseID(name string) (uint64, bool) {
	if len(name) != idLen+len(ContentSuffix) && len(name) != idLen+len(StagingSuffix) {
		return 0, false
	}
	if !strings.HasSuffix(name, ContentSuffix) && !strings.HasSuffix(name, StagingSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(name[:idLen], 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// IsStaging reports whether name is a temp file left by an unfinished write.
func IsStaging(name string) bool {
	_, ok := ParseID(name)
	return ok && strings.HasSuffix(name, StagingSuffix)
}

func (s *Store) allocate() uint64 {
	id := s.nextID
	s.nextID++
	return id
}

// Stage copies r into a new temp file, hashing the content on the way.
// On failure the temp file is removed.
func (s *Store) Stage(r io.Reader) (Staged, error) {
	id := s.allocate()
	name := StagingName(id)
	f, err := s.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return Staged{}, err
	}

	digester := digest.Canonical.Digester()
	bufp := bufPool.Get().(*[]byte) //nolint:errcheck // pool only holds *[]byte
	n, err := io.CopyBuffer(io.MultiWriter(f, digester.Hash()), r, *bufp)
	bufPool.Put(bufp)
	if err == nil && s.sync {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.root.Remove(name)
		return Staged{}, err
	}
	return Staged{ID: id, Name: name, Size: n, Digest: digester.Digest()}, nil
}

// StageFile stages the file at src. With move set, the file is renamed into
// the store when it lives on the same filesystem and copied otherwise; the
// source is gone after a successful move either way.
func (s *Store) StageFile(src string, move bool) (Staged, error) {
	if move {
		st, err := s.moveIn(src)
		if err == nil || !(platform.IsCrossDevice(err) || errors.Is(err, errNotRegular)) {
			return st, err
		}
	}
	f, err := os.Open(src) //nolint:gosec // src is supplied by the cache user on purpose
	if err != nil {
		return Staged{}, err
	}
	st, err := s.Stage(f)
	_ = f.Close()
	if err != nil {
		return Staged{}, err
	}
	if move {
		if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.Discard(st)
			return Staged{}, err
		}
	}
	return st, nil
}

func (s *Store) moveIn(src string) (Staged, error) {
	info, err := os.Lstat(src)
	if err != nil {
		return Staged{}, err
	}
	if !info.Mode().IsRegular() {
		// Symlinks are copied through so the cache never holds a link.
		return Staged{}, errNotRegular
	}
	id := s.allocate()
	name := StagingName(id)
	if err := os.Rename(src, s.Path(name)); err != nil {
		return Staged{}, err
	}
	f, err := s.root.Open(name)
	if err != nil {
		return Staged{}, s.restore(name, src, err)
	}
	digester := digest.Canonical.Digester()
	bufp := bufPool.Get().(*[]byte) //nolint:errcheck // pool only holds *[]byte
	n, err := io.CopyBuffer(digester.Hash(), f, *bufp)
	bufPool.Put(bufp)
	_ = f.Close()
	if err != nil {
		return Staged{}, s.restore(name, src, err)
	}
	return Staged{ID: id, Name: name, Size: n, Digest: digester.Digest()}, nil
}

// restore puts a moved source back where it came from after a failed stage.
func (s *Store) restore(name, src string, cause error) error {
	s.Release(name, src)
	return cause
}

// Release hands the file name back to dst, the path it was moved in from,
// after a write that will not be committed. The file is removed when the
// rename fails.
func (s *Store) Release(name, dst string) {
	if err := os.Rename(s.Path(name), dst); err != nil {
		_ = s.root.Remove(name)
	}
}

// Commit atomically renames a staged file to its final content name.
func (s *Store) Commit(st Staged) (string, error) {
	final := st.Final()
	if err := s.root.Rename(st.Name, final); err != nil {
		return "", err
	}
	if s.sync {
		if err := platform.SyncDir(s.dir); err != nil {
			return "", err
		}
	}
	return final, nil
}

// Discard removes a staged file that will not be committed.
func (s *Store) Discard(st Staged) {
	_ = s.root.Remove(st.Name)
}

// Remove unlinks name. A missing file is not an error.
func (s *Store) Remove(name string) error {
	if err := s.root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Stat returns file info for name.
func (s *Store) Stat(name string) (fs.FileInfo, error) {
	return s.root.Stat(name)
}

// Exists reports whether name is present as a regular file.
func (s *Store) Exists(name string) (bool, error) {
	info, err := s.root.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Open opens name for reading.
func (s *Store) Open(name string) (*os.File, error) {
	return s.root.Open(name)
}

// Verify re-hashes name and reports whether it still matches want.
func (s *Store) Verify(name string, want digest.Digest) (bool, error) {
	if err := want.Validate(); err != nil {
		return false, err
	}
	f, err := s.root.Open(name)
	if err != nil {
		return false, err
	}
	defer f.Close()

	verifier := want.Verifier()
	bufp := bufPool.Get().(*[]byte) //nolint:errcheck // pool only holds *[]byte
	_, err = io.CopyBuffer(verifier, f, *bufp)
	bufPool.Put(bufp)
	if err != nil {
		return false, err
	}
	return verifier.Verified(), nil
}

// List returns the names of all regular files in the store directory.
func (s *Store) List() ([]string, error) {
	entries, err := fs.ReadDir(s.root.FS(), ".")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
