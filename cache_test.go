package blobcache

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobcache/internal/journal"
	"github.com/meigma/blobcache/internal/testutil"
)

func newCache(t *testing.T, dir string, capacity int64, opts ...Option) *Cache {
	t.Helper()
	opts = append([]Option{WithSync(false)}, opts...)
	c, err := Create(dir, capacity, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// putBytes stores data under key and returns the cached path.
func putBytes(t *testing.T, c *Cache, key string, data []byte) string {
	t.Helper()
	path, err := c.PutReader(key, bytes.NewReader(data))
	require.NoError(t, err)
	return path
}

func recordKeys(c *Cache) []string {
	var keys []string
	for _, r := range c.Records() {
		keys = append(keys, r.Key)
	}
	return keys
}

// requireConsistent checks that the used space equals the summed entry sizes
// and that every entry is backed by a file of the recorded size.
func requireConsistent(t *testing.T, c *Cache) {
	t.Helper()
	var sum int64
	for _, r := range c.Records() {
		sum += r.Size
		assert.Equal(t, r.Size, testutil.FileSize(t, r.Path), "size of %s", r.Key)
	}
	require.Equal(t, sum, c.UsedSpace())
	require.Equal(t, len(c.Keys()), len(c.Records()))
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	_, err := Create(t.TempDir(), 0)
	require.ErrorIs(t, err, ErrInvalidCapacity)
	_, err = Create(t.TempDir(), -5)
	require.ErrorIs(t, err, ErrInvalidCapacity)
	_, err = Create("", 100)
	require.Error(t, err)
}

func TestCreateMakesDirAndJournal(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "cache")
	c := newCache(t, dir, 1000)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, []string{journal.Name}, testutil.FileNames(t, dir))
	assert.Positive(t, c.JournalSize())
	assert.Zero(t, c.UsedSpace())
	assert.Equal(t, int64(1000), c.FreeSpace())
	assert.Empty(t, c.Keys())
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	c := newCache(t, t.TempDir(), 1<<20)
	src, want := testutil.RandomFile(t, 1, 4096)

	path, err := c.Put("alpha", src)
	require.NoError(t, err)
	assert.Equal(t, want, testutil.ReadFile(t, path))
	assert.NotContains(t, filepath.Base(path), "alpha", "file names must not derive from keys")

	got, err := c.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, want, testutil.ReadFile(t, got))

	// Put copies: the source is still there.
	assert.Equal(t, want, testutil.ReadFile(t, src))
	assert.Equal(t, int64(4096), c.UsedSpace())
	requireConsistent(t, c)
}

func TestKeysWithUnsafeCharacters(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCache(t, dir, 1<<20)
	keys := []string{"../../etc/passwd", "a/b/c", "with\nnewline", "ünïcødé", `quote"d`}
	for i, key := range keys {
		putBytes(t, c, key, []byte{byte(i)})
	}
	require.NoError(t, c.Close())

	c = newCache(t, dir, 1<<20)
	got := c.Keys()
	slices.Sort(got)
	want := slices.Clone(keys)
	slices.Sort(want)
	assert.Equal(t, want, got)
}

func TestKeysWithInvalidUTF8(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCache(t, dir, 1<<20)
	putBytes(t, c, "a\uFFFD", []byte("kept"))

	for _, key := range []string{"a\xff", "a\xfe", "\xc3"} {
		_, err := c.PutReader(key, strings.NewReader("x"))
		require.ErrorIs(t, err, ErrInvalidKey, "%q", key)
		_, err = c.Get(key)
		require.ErrorIs(t, err, ErrInvalidKey, "%q", key)
		_, err = c.Open(key)
		require.ErrorIs(t, err, ErrInvalidKey, "%q", key)
		require.ErrorIs(t, c.Delete(key), ErrInvalidKey, "%q", key)
	}
	require.NoError(t, c.Close())

	c = newCache(t, dir, 1<<20)
	assert.Equal(t, []string{"a\uFFFD"}, c.Keys())
	got, err := c.Get("a\uFFFD")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(testutil.ReadFile(t, got)))
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	c := newCache(t, t.TempDir(), 1000)
	_, err := c.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Zero(t, stats.Hits)
}

func TestInvalidKey(t *testing.T) {
	t.Parallel()

	c := newCache(t, t.TempDir(), 1000)
	_, err := c.PutReader("", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = c.Get("")
	require.ErrorIs(t, err, ErrInvalidKey)
	require.ErrorIs(t, c.Delete(""), ErrInvalidKey)
}

func TestOpen(t *testing.T) {
	t.Parallel()

	c := newCache(t, t.TempDir(), 1000)
	putBytes(t, c, "k", []byte("streamed"))

	f, err := c.Open("k")
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(got))

	_, err = c.Open("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceUnlinksOldFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCache(t, dir, 1000)
	first := putBytes(t, c, "k", []byte("first version"))
	second := putBytes(t, c, "k", []byte("v2"))

	assert.NotEqual(t, first, second)
	_, err := os.Stat(first)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, "v2", string(testutil.ReadFile(t, second)))
	assert.Equal(t, int64(2), c.UsedSpace())
	assert.Equal(t, []string{"k"}, c.Keys())
	assert.Len(t, testutil.FileNames(t, dir), 2, "journal plus one content file")
}

func TestEvictionScenario(t *testing.T) {
	t.Parallel()

	c, err := Create(t.TempDir(), 500_000)
	require.NoError(t, err)
	defer c.Close()

	keys := []string{"f1", "f2", "f3", "f4", "f5"}
	for i, key := range keys {
		src, _ := testutil.RandomFile(t, uint64(i), 150_000)
		_, err := c.Put(key, src)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.UsedSpace(), int64(500_000))
		requireConsistent(t, c)

		switch i {
		case 2:
			assert.Equal(t, []string{"f1", "f2", "f3"}, recordKeys(c))
		case 3:
			assert.Equal(t, []string{"f2", "f3", "f4"}, recordKeys(c))
			assert.Len(t, c.Keys(), 3)
		}
	}
	assert.Equal(t, []string{"f3", "f4", "f5"}, recordKeys(c))
	assert.Equal(t, int64(450_000), c.UsedSpace())
	assert.Equal(t, int64(50_000), c.FreeSpace())
	assert.Equal(t, uint64(2), c.Stats().Evictions)

	_, err = c.Get("f1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvictionFollowsRecency(t *testing.T) {
	t.Parallel()

	c := newCache(t, t.TempDir(), 30)
	putBytes(t, c, "a", make([]byte, 10))
	putBytes(t, c, "b", make([]byte, 10))
	putBytes(t, c, "c", make([]byte, 10))

	_, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, recordKeys(c))

	putBytes(t, c, "d", make([]byte, 10))
	assert.Equal(t, []string{"c", "a", "d"}, recordKeys(c))

	// A replacement counts as a use as well.
	putBytes(t, c, "c", make([]byte, 10))
	putBytes(t, c, "e", make([]byte, 10))
	assert.Equal(t, []string{"d", "c", "e"}, recordKeys(c))
	requireConsistent(t, c)
}

func TestOversizedEntry(t *testing.T) {
	t.Parallel()

	c := newCache(t, t.TempDir(), 100)
	putBytes(t, c, "small", make([]byte, 50))
	putBytes(t, c, "huge", make([]byte, 250))

	assert.Equal(t, []string{"huge"}, c.Keys())
	assert.Equal(t, int64(250), c.UsedSpace())
	assert.Zero(t, c.FreeSpace())
	requireConsistent(t, c)

	// The next put pushes the oversized entry out.
	putBytes(t, c, "next", make([]byte, 10))
	assert.Equal(t, []string{"next"}, c.Keys())
	assert.Equal(t, int64(10), c.UsedSpace())
}

func TestRecordsOrderAndSequence(t *testing.T) {
	t.Parallel()

	c := newCache(t, t.TempDir(), 1000)
	for _, key := range []string{"a", "b", "c"} {
		putBytes(t, c, key, []byte(key))
	}
	_, err := c.Get("b")
	require.NoError(t, err)

	records := c.Records()
	require.Len(t, records, 3)
	assert.Equal(t, []string{"a", "c", "b"}, recordKeys(c))
	for i := 1; i < len(records); i++ {
		assert.Greater(t, records[i].LastAccess, records[i-1].LastAccess)
	}
	for _, r := range records {
		assert.NoError(t, r.Digest.Validate())
		assert.Equal(t, filepath.Join(c.Dir(), r.FileName), r.Path)
	}
}

func TestDeleteNeverInserted(t *testing.T) {
	t.Parallel()

	c := newCache(t, t.TempDir(), 1000)
	putBytes(t, c, "present", []byte("data"))
	before := c.Stats()

	require.NoError(t, c.Delete("never-inserted"))
	assert.Equal(t, before, c.Stats())
	assert.Equal(t, []string{"present"}, c.Keys())
}

func TestDelete(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCache(t, dir, 1000)
	path := putBytes(t, c, "k", []byte("bytes"))

	require.NoError(t, c.Delete("k"))
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Empty(t, c.Keys())
	assert.Zero(t, c.UsedSpace())
	_, err = c.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Close())
	c = newCache(t, dir, 1000)
	assert.Empty(t, c.Keys())
}

func TestDeleteKeepsEntryWhenJournalFails(t *testing.T) {
	t.Parallel()

	c := newCache(t, t.TempDir(), 1000)
	path := putBytes(t, c, "k", []byte("bytes"))
	require.NoError(t, c.journal.Close())

	require.Error(t, c.Delete("k"))
	assert.Equal(t, []string{"k"}, c.Keys())
	assert.Equal(t, int64(5), c.UsedSpace())
	assert.Equal(t, "bytes", string(testutil.ReadFile(t, path)))
}

func TestClear(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCache(t, dir, 1000)
	require.NoError(t, c.Clear(), "clearing an empty cache is a no-op")
	for _, key := range []string{"a", "b", "c"} {
		putBytes(t, c, key, []byte(key))
	}

	require.NoError(t, c.Clear())
	assert.Empty(t, c.Keys())
	assert.Zero(t, c.UsedSpace())
	assert.Equal(t, []string{journal.Name}, testutil.FileNames(t, dir))

	putBytes(t, c, "after", []byte("x"))
	require.NoError(t, c.Close())
	c = newCache(t, dir, 1000)
	assert.Equal(t, []string{"after"}, c.Keys())
}

func TestMove(t *testing.T) {
	t.Parallel()

	c := newCache(t, t.TempDir(), 1<<20)
	src, want := testutil.RandomFile(t, 7, 1000)

	path, err := c.Move("m", src)
	require.NoError(t, err)
	assert.Equal(t, want, testutil.ReadFile(t, path))
	_, err = os.Stat(src)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	requireConsistent(t, c)
}

func TestPutMissingSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCache(t, dir, 1000)
	putBytes(t, c, "keep", []byte("x"))
	before := c.JournalSize()

	_, err := c.Put("k", filepath.Join(t.TempDir(), "absent"))
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.Contains(t, err.Error(), `"k"`)
	assert.Equal(t, []string{"keep"}, c.Keys())
	assert.Equal(t, before, c.JournalSize())
}

func TestFailedWriteLeavesCacheUnchanged(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCache(t, dir, 1000)
	putBytes(t, c, "k", []byte("original"))
	files := testutil.FileNames(t, dir)

	_, err := c.PutReader("k", &testutil.FailingReader{N: 100})
	require.ErrorIs(t, err, testutil.ErrReader)

	got, err := c.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(testutil.ReadFile(t, got)))
	assert.Equal(t, files, testutil.FileNames(t, dir))
	requireConsistent(t, c)
}

func TestMissingFileSelfHeals(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCache(t, dir, 1000)
	path := putBytes(t, c, "gone", []byte("soon"))
	putBytes(t, c, "stays", []byte("here"))
	require.NoError(t, os.Remove(path))

	_, err := c.Get("gone")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"stays"}, c.Keys())
	assert.Equal(t, int64(4), c.UsedSpace())

	require.NoError(t, c.Close())
	c = newCache(t, dir, 1000)
	assert.Equal(t, []string{"stays"}, c.Keys())
}

func TestClosed(t *testing.T) {
	t.Parallel()

	c, err := Create(t.TempDir(), 1000, WithSync(false))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.PutReader("k", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Delete("k"), ErrClosed)
	assert.ErrorIs(t, c.Clear(), ErrClosed)
	assert.Nil(t, c.Keys())
	assert.Nil(t, c.Records())
}

func TestCompaction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCache(t, dir, 1000, WithCompactionThreshold(20))
	putBytes(t, c, "a", []byte("aaaa"))
	putBytes(t, c, "b", []byte("bb"))
	for range 100 {
		_, err := c.Get("a")
		require.NoError(t, err)
	}

	stats := c.Stats()
	assert.Positive(t, stats.Compactions)
	assert.Less(t, stats.JournalSize, int64(20*100), "journal must not keep every read")

	require.NoError(t, c.Close())
	c = newCache(t, dir, 1000)
	assert.Equal(t, []string{"b", "a"}, recordKeys(c))
	assert.Equal(t, int64(6), c.UsedSpace())
}

func TestConcurrentUse(t *testing.T) {
	t.Parallel()

	c := newCache(t, t.TempDir(), 2000, WithCompactionThreshold(50))
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Go(func() {
			for i := range 50 {
				key := string(rune('a' + (g+i)%12))
				switch i % 4 {
				case 0, 1:
					_, err := c.PutReader(key, bytes.NewReader(testutil.RandomBytes(uint64(g*100+i), 100+i)))
					assert.NoError(t, err)
				case 2:
					_, err := c.Get(key)
					if err != nil {
						assert.ErrorIs(t, err, ErrNotFound)
					}
				case 3:
					assert.NoError(t, c.Delete(key))
				}
				_ = c.Records()
				_ = c.FreeSpace()
			}
		})
	}
	wg.Wait()

	requireConsistent(t, c)
	assert.LessOrEqual(t, c.UsedSpace(), int64(2000))
}
