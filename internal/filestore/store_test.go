package filestore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobcache/internal/testutil"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache"), 0o700, WithSync(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEmptyDir(t *testing.T) {
	t.Parallel()

	_, err := Open("", 0o700)
	assert.Error(t, err)
}

func TestStageCommit(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	content := []byte("hello, cache")

	st, err := s.Stage(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), st.Size)
	assert.Equal(t, digest.FromBytes(content), st.Digest)
	assert.True(t, IsStaging(st.Name))

	// Staged content is not visible under its final name yet.
	ok, err := s.Exists(st.Final())
	require.NoError(t, err)
	assert.False(t, ok)

	final, err := s.Commit(st)
	require.NoError(t, err)
	assert.Equal(t, ContentName(st.ID), final)

	got, err := os.ReadFile(s.Path(final))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	ok, err = s.Exists(st.Name)
	require.NoError(t, err)
	assert.False(t, ok, "temp file should be gone after commit")
}

func TestStageFailureRemovesTemp(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	_, err := s.Stage(&testutil.FailingReader{N: 1000})
	require.ErrorIs(t, err, testutil.ErrReader)

	names, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStageFileCopy(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("copy me"), 0o600))

	st, err := s.StageFile(src, false)
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.Size)

	_, err = os.Stat(src)
	assert.NoError(t, err, "copy must leave the source in place")
}

func TestStageFileMove(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	src := filepath.Join(s.Dir(), "..", "move.bin")
	require.NoError(t, os.WriteFile(src, []byte("move me"), 0o600))

	st, err := s.StageFile(src, true)
	require.NoError(t, err)
	assert.Equal(t, digest.FromString("move me"), st.Digest)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "move must consume the source")

	final, err := s.Commit(st)
	require.NoError(t, err)
	got, err := os.ReadFile(s.Path(final))
	require.NoError(t, err)
	assert.Equal(t, "move me", string(got))
}

func TestStageFileMissingSource(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	_, err := s.StageFile(filepath.Join(t.TempDir(), "nope"), false)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = s.StageFile(filepath.Join(t.TempDir(), "nope"), true)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRemoveTolerantOfMissing(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	assert.NoError(t, s.Remove(ContentName(42)))
}

func TestVerify(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	st, err := s.Stage(strings.NewReader("integrity"))
	require.NoError(t, err)
	final, err := s.Commit(st)
	require.NoError(t, err)

	ok, err := s.Verify(final, st.Digest)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(s.Path(final), []byte("tampered!"), 0o600))
	ok, err = s.Verify(final, st.Digest)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Verify(final, digest.Digest("garbage"))
	assert.Error(t, err)
}

func TestOpenResumesIDs(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "cache")
	s, err := Open(dir, 0o700, WithSync(false))
	require.NoError(t, err)
	for range 3 {
		st, stageErr := s.Stage(strings.NewReader("x"))
		require.NoError(t, stageErr)
		_, err = s.Commit(st)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = Open(dir, 0o700, WithSync(false))
	require.NoError(t, err)
	defer s.Close()

	st, err := s.Stage(strings.NewReader("y"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.ID, "ids must not collide with existing files")
}

func TestParseID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   uint64
		ok   bool
	}{
		{ContentName(7), 7, true},
		{StagingName(255), 255, true},
		{"journal", 0, false},
		{"000000000000000z.blob", 0, false},
		{"0000000000000001.txt", 0, false},
		{"1.blob", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := ParseID(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestOpenReader(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	st, err := s.Stage(strings.NewReader("read back"))
	require.NoError(t, err)
	final, err := s.Commit(st)
	require.NoError(t, err)

	f, err := s.Open(final)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "read back", string(got))

	info, err := s.Stat(final)
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.Size())
}

func TestRelease(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	src := filepath.Join(s.Dir(), "..", "give-back.bin")
	require.NoError(t, os.WriteFile(src, []byte("mine"), 0o600))

	st, err := s.StageFile(src, true)
	require.NoError(t, err)
	s.Release(st.Name, src)

	got, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(got))
	ok, err := s.Exists(st.Name)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStageFileMoveSymlink(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "target.bin")
	link := filepath.Join(dir, "link.bin")
	require.NoError(t, os.WriteFile(target, []byte("behind a link"), 0o600))
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	st, err := s.StageFile(link, true)
	require.NoError(t, err)
	final, err := s.Commit(st)
	require.NoError(t, err)

	info, err := os.Lstat(s.Path(final))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular(), "cache must hold a copy, not the link")
	_, err = os.Lstat(link)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(target)
	assert.NoError(t, err, "the link target is not part of the move")
}
