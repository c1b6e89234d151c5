// Package testutil holds helpers shared by the cache tests.
package testutil

import (
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

// RandomBytes returns n pseudo-random bytes derived from seed.
func RandomBytes(seed uint64, n int) []byte {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]byte, n)
	for i := 0; i < n; i += 8 {
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], rng.Uint64())
		copy(data[i:], word[:])
	}
	return data
}

// WriteFile writes data to a new file named name under dir and returns its
// path.
func WriteFile(tb testing.TB, dir, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
	return path
}

// RandomFile writes size pseudo-random bytes to a file under tb.TempDir and
// returns its path and content.
func RandomFile(tb testing.TB, seed uint64, size int) (string, []byte) {
	tb.Helper()
	data := RandomBytes(seed, size)
	return WriteFile(tb, tb.TempDir(), "src.bin", data), data
}

// ReadFile returns the content of path.
func ReadFile(tb testing.TB, path string) []byte {
	tb.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test path
	if err != nil {
		tb.Fatalf("read %s: %v", path, err)
	}
	return data
}

// Truncate cuts the file at path down to size bytes.
func Truncate(tb testing.TB, path string, size int64) {
	tb.Helper()
	if err := os.Truncate(path, size); err != nil {
		tb.Fatalf("truncate %s: %v", path, err)
	}
}

// FileSize returns the size of the file at path.
func FileSize(tb testing.TB, path string) int64 {
	tb.Helper()
	info, err := os.Stat(path)
	if err != nil {
		tb.Fatalf("stat %s: %v", path, err)
	}
	return info.Size()
}

// FileNames returns the sorted names of the regular files in dir.
func FileNames(tb testing.TB, dir string) []string {
	tb.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		tb.Fatalf("read dir %s: %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names
}

// ErrReader is returned by FailingReader once its budget is spent.
var ErrReader = errors.New("testutil: read failed")

// FailingReader yields N zero bytes and then fails with ErrReader.
type FailingReader struct {
	N int
}

// Read implements io.Reader.
func (r *FailingReader) Read(p []byte) (int, error) {
	if r.N <= 0 {
		return 0, ErrReader
	}
	k := min(r.N, len(p))
	clear(p[:k])
	r.N -= k
	return k, nil
}
