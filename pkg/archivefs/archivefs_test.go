package archivefs

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/imagevault/pkg/model"
)

func TestIsSupportedImage(t *testing.T) {
	assert.True(t, IsSupportedImage("a.jpg"))
	assert.True(t, IsSupportedImage("A.JPEG"))
	assert.False(t, IsSupportedImage("notes.txt"))
}

func TestFolderReaderSkipsUnsupportedAndRestarts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("c"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.png"), []byte("bbbbb"), 0o644))

	r, err := Open(model.CollectionFolder, dir)
	require.NoError(t, err)

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// restartable: List() can be called twice with the same result.
	entries2, err := r.List()
	require.NoError(t, err)
	assert.Equal(t, entries, entries2)

	rc, err := r.Open(entries[0])
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.NotEmpty(t, b)
}

func TestZipReaderListsAndOpens(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "photos.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("a.jpg")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	w2, err := zw.Create("readme.txt")
	require.NoError(t, err)
	_, err = w2.Write([]byte("ignored"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	r, err := Open(model.CollectionZip, zipPath)
	require.NoError(t, err)
	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.jpg", entries[0].RelativePath)

	rc, err := r.Open(entries[0])
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestOpenUnsupportedArchiveType(t *testing.T) {
	_, err := Open(model.CollectionSevenZip, "/tmp/x.7z")
	require.Error(t, err)
	assert.True(t, model.Is(err, model.KindUnsupportedFormat))
}
