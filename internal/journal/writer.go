package journal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/meigma/blobcache/internal/platform"
)

// Writer appends records to the canonical journal file.
type Writer struct {
	root    *os.Root
	dir     string
	f       *os.File
	size    int64
	records int
	sync    bool
	// err is set once the journal can no longer be appended to.
	err error
}

// ErrBroken is returned by a Writer whose journal file could not be reopened
// after compaction.
var ErrBroken = errors.New("journal: writer is broken")

// reopen is Open; tests replace it to simulate a failed reopen.
var reopen = Open

// Open opens the existing journal for appending. Bytes past validSize, left
// behind by an interrupted append, are cut off first. records is the number
// of record lines already in the file.
func Open(root *os.Root, dir string, validSize int64, records int, sync bool) (*Writer, error) {
	f, err := root.OpenFile(Name, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	size := info.Size()
	if size > validSize {
		if err := f.Truncate(validSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate journal: %w", err)
		}
		size = validSize
	}
	return &Writer{root: root, dir: dir, f: f, size: size, records: records, sync: sync}, nil
}

// Create writes a fresh journal holding the given clean records and opens it
// for appending.
func Create(root *os.Root, dir string, snapshot []Record, sync bool) (*Writer, error) {
	size, err := Rewrite(root, dir, snapshot, sync)
	if err != nil {
		return nil, err
	}
	return Open(root, dir, size, len(snapshot), sync)
}

// Append writes one record with a single write call. A failed write is
// rolled back so the next record starts on a clean line.
func (w *Writer) Append(rec Record) error {
	if w.err != nil {
		return w.err
	}
	line, err := encodeLine(rec)
	if err != nil {
		return err
	}
	n, err := w.f.Write(line)
	if err == nil && w.sync {
		err = w.f.Sync()
	}
	if err != nil {
		if n > 0 {
			_ = w.f.Truncate(w.size)
		}
		return fmt.Errorf("append journal: %w", err)
	}
	w.size += int64(n)
	w.records++
	return nil
}

// Size returns the current journal length in bytes.
func (w *Writer) Size() int64 {
	return w.size
}

// Records returns the number of records in the journal, including the
// compacted snapshot.
func (w *Writer) Records() int {
	return w.records
}

// Compact replaces the journal with one holding only snapshot, which must be
// one clean record per live entry in recency order. If the new journal
// cannot be reopened the writer is broken and every later call fails with
// ErrBroken; reopening the cache recovers from the journal on disk.
func (w *Writer) Compact(snapshot []Record) error {
	if w.err != nil {
		return w.err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	size, err := Rewrite(w.root, w.dir, snapshot, w.sync)
	if err != nil {
		// Rewrite leaves the old journal in place; keep appending to it.
		if openErr := w.swap(w.size, w.records); openErr != nil {
			return errors.Join(err, openErr)
		}
		return err
	}
	return w.swap(size, len(snapshot))
}

func (w *Writer) swap(size int64, records int) error {
	reopened, err := reopen(w.root, w.dir, size, records, w.sync)
	if err != nil {
		w.f = nil
		w.err = fmt.Errorf("%w: reopen: %w", ErrBroken, err)
		return w.err
	}
	*w = *reopened
	return nil
}

// Close closes the journal file.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}

// Rewrite atomically replaces the journal with a header and snapshot. The
// new content is written to TempName first; the old journal is parked as
// BackupName during the swap so that one complete journal exists at every
// point.
func Rewrite(root *os.Root, dir string, snapshot []Record, sync bool) (int64, error) {
	buf, err := encodeHeader(len(snapshot))
	if err != nil {
		return 0, err
	}
	for _, rec := range snapshot {
		line, encErr := encodeLine(rec)
		if encErr != nil {
			return 0, encErr
		}
		buf = append(buf, line...)
	}

	f, err := root.OpenFile(TempName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	_, err = f.Write(buf)
	if err == nil && sync {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = root.Remove(TempName)
		return 0, fmt.Errorf("write compacted journal: %w", err)
	}

	hadOld := true
	if err := root.Rename(Name, BackupName); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			_ = root.Remove(TempName)
			return 0, err
		}
		hadOld = false
	}
	if err := root.Rename(TempName, Name); err != nil {
		if hadOld {
			_ = root.Rename(BackupName, Name)
		}
		_ = root.Remove(TempName)
		return 0, err
	}
	if hadOld {
		_ = root.Remove(BackupName)
	}
	if sync {
		// A lost rename leaves TempName or BackupName behind, which Resolve
		// settles on the next open.
		_ = platform.SyncDir(dir)
	}
	return int64(len(buf)), nil
}

// Resolve settles the journal files left behind by an interrupted Rewrite and
// reports whether a canonical journal exists afterwards.
func Resolve(root *os.Root) (bool, error) {
	hasJournal, err := exists(root, Name)
	if err != nil {
		return false, err
	}
	hasBackup, err := exists(root, BackupName)
	if err != nil {
		return false, err
	}
	hasTemp, err := exists(root, TempName)
	if err != nil {
		return false, err
	}

	if hasBackup {
		if hasJournal {
			// The swap finished; only the cleanup of the backup is missing.
			if err := root.Remove(BackupName); err != nil {
				return false, err
			}
		} else {
			if err := root.Rename(BackupName, Name); err != nil {
				return false, err
			}
			hasJournal = true
		}
	}

	if hasTemp {
		if !hasJournal && tempComplete(root) {
			if err := root.Rename(TempName, Name); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := root.Remove(TempName); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
	}
	return hasJournal, nil
}

func tempComplete(root *os.Root) bool {
	f, err := root.Open(TempName)
	if err != nil {
		return false
	}
	defer f.Close()
	res, err := Replay(f)
	if err != nil {
		return false
	}
	return res.Complete()
}

func exists(root *os.Root, name string) (bool, error) {
	_, err := root.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
