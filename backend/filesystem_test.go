package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	err := fs.Write(ctx, "entries/replay/clips/abc", strings.NewReader("hello world"))
	require.NoError(t, err)

	rc, err := fs.Read(ctx, "entries/replay/clips/abc")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestFilesystemWriteOverwrites(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "entries/a", strings.NewReader("first")))
	require.NoError(t, fs.Write(ctx, "entries/a", strings.NewReader("second")))

	rc, err := fs.Read(ctx, "entries/a")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Read(context.Background(), "entries/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "entries/a", strings.NewReader("data")))
	require.NoError(t, fs.Delete(ctx, "entries/a"))

	exists, err := fs.Exists(ctx, "entries/a")
	require.NoError(t, err)
	assert.False(t, exists)

	// deleting a missing key is not an error
	require.NoError(t, fs.Delete(ctx, "entries/a"))
}

func TestFilesystemExists(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	exists, err := fs.Exists(ctx, "entries/a")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, fs.Write(ctx, "entries/a", strings.NewReader("data")))

	exists, err = fs.Exists(ctx, "entries/a")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "entries/replay/clips/a", strings.NewReader("1")))
	require.NoError(t, fs.Write(ctx, "entries/replay/clips/b", strings.NewReader("2")))
	require.NoError(t, fs.Write(ctx, "entries/replay/trailers/c", strings.NewReader("3")))
	require.NoError(t, fs.Write(ctx, "other/d", strings.NewReader("4")))

	keys, err := fs.List(ctx, "entries")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"entries/replay/clips/a",
		"entries/replay/clips/b",
		"entries/replay/trailers/c",
	}, keys)

	keys, err = fs.List(ctx, "entries/replay/clips")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = fs.List(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFilesystemListSkipsTempFiles(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "entries/a", strings.NewReader("data")))

	// simulate a crashed write
	tmpPath := filepath.Join(fs.Root(), "entries", ".tmp-12345")
	require.NoError(t, os.WriteFile(tmpPath, []byte("partial"), 0o644))

	keys, err := fs.List(ctx, "entries")
	require.NoError(t, err)
	assert.Equal(t, []string{"entries/a"}, keys)
}

func TestFilesystemSize(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "entries/a", strings.NewReader("12345")))

	size, err := fs.Size(ctx, "entries/a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	_, err = fs.Size(ctx, "entries/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
