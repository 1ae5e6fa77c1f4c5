package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pnr-status-sync/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "archive", "nested")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("BaseDirIsFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "unparsed/2024-01-10/abc.html", "text/html", strings.NewReader("<p>first</p>"))
	require.NoError(t, err)
	full := filepath.Join(dir, "unparsed", "2024-01-10", "abc.html")
	require.Equal(t, "file://"+full, uri)

	data, err := os.ReadFile(full)
	require.NoError(t, err)
	require.Equal(t, "<p>first</p>", string(data))

	// Same path means same content; the first write wins.
	again, err := store.PutObject(ctx, "unparsed/2024-01-10/abc.html", "text/html", strings.NewReader("<p>second</p>"))
	require.NoError(t, err)
	require.Equal(t, uri, again)
	data, err = os.ReadFile(full)
	require.NoError(t, err)
	require.Equal(t, "<p>first</p>", string(data))

	entries, err := os.ReadDir(filepath.Dir(full))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "  ", "", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "../escape.html", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "path traversal")
}
