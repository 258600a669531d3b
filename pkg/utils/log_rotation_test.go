package utils

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingFile_RotatesAtSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "supersqlite.log")
	r, err := OpenRotatingFile(path, 1, 0, false)
	require.NoError(t, err)
	defer r.Close()

	line := []byte(strings.Repeat("x", 600*1024))
	_, err = r.Write(line)
	require.NoError(t, err)

	backups, err := r.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)

	// the second line would cross 1MB, so the first moves aside
	_, err = r.Write(line)
	require.NoError(t, err)

	backups, err = r.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(line)), info.Size())
}

func TestRotatingFile_OversizedWriteIntoEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	r, err := OpenRotatingFile(path, 1, 0, false)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Write(make([]byte, 2*1024*1024))
	require.NoError(t, err)

	backups, err := r.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRotatingFile_CompressAndPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	r, err := OpenRotatingFile(path, 0, 2, true)
	require.NoError(t, err)
	defer r.Close()

	for _, msg := range []string{"first\n", "second\n", "third\n"} {
		_, err := r.Write([]byte(msg))
		require.NoError(t, err)
		require.NoError(t, r.Rotate())
	}

	backups, err := r.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	for _, b := range backups {
		assert.True(t, strings.HasSuffix(b, ".gz"), b)
	}

	// the oldest backup was pruned; the next holds "second"
	f, err := os.Open(backups[0])
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(data))
}

func TestRotatingFile_AppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, []byte("existing\n"), 0600))

	r, err := OpenRotatingFile(path, 0, 0, false)
	require.NoError(t, err)
	_, err = r.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "existing\nnew\n", string(data))

	_, err = r.Write([]byte("late\n"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestOpenRotatingFile_RequiresPath(t *testing.T) {
	_, err := OpenRotatingFile("", 1, 1, false)
	assert.Error(t, err)
}
