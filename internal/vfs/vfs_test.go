package vfs

import (
	"context"
	stderr "errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasticityai/supersqlite/internal/cache"
	"github.com/plasticityai/supersqlite/internal/config"
	"github.com/plasticityai/supersqlite/internal/remote"
	"github.com/plasticityai/supersqlite/internal/testutil"
	"github.com/plasticityai/supersqlite/internal/transport"
	"github.com/plasticityai/supersqlite/pkg/errors"
	"github.com/plasticityai/supersqlite/pkg/health"
)

type gauge struct {
	mu   sync.Mutex
	open []int
}

func (g *gauge) RecordRead(bool, int)                              {}
func (g *gauge) RecordFetch(string, int64, time.Duration, error) {}
func (g *gauge) RecordPrefetch(string, string)                    {}
func (g *gauge) RecordBookkeepingError()                          {}
func (g *gauge) RecordUnmap()                                     {}

func (g *gauge) SetOpenHandles(n int) {
	g.mu.Lock()
	g.open = append(g.open, n)
	g.mu.Unlock()
}

func testOptions(t *testing.T) Options {
	opts := config.DefaultOptions()
	opts.SequentialCacheDefaultRead = 4096
	opts.SequentialCachePrefetch = false
	opts.RandomAccessCachePrefetch = false
	opts.TempDir = t.TempDir()
	return Options{
		Handle: remote.Config{
			VFS:     opts,
			Network: config.NetworkConfig{Timeout: 5 * time.Second, ReadIncrement: 4096, ImmediateRetries: 2},
		},
	}
}

func TestFileSystem_RefcountTeardown(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.RandomData(100000, 1))
	g := &gauge{}
	opts := testOptions(t)
	opts.Recorder = g
	fs := New(opts)
	ctx := context.Background()
	name := "file:" + srv.URL + "/remote.db"

	a, err := fs.Open(ctx, name, OpenMainDB|OpenReadOnly)
	require.NoError(t, err)
	b, err := fs.Open(ctx, srv.URL+"/remote.db", OpenMainDB)
	require.NoError(t, err)

	assert.Equal(t, 1, fs.OpenHandles())
	id := srv.URL + "/remote.db"
	assert.Equal(t, 2, fs.Refs(id))
	assert.Equal(t, int64(2), fs.Opens(id))

	got, err := a.Read(ctx, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, srv.Data[:100], got)

	require.NoError(t, a.Close())
	assert.Equal(t, 1, fs.OpenHandles())

	// the surviving open serves from the same cache
	got, err = b.Read(ctx, 100, 200)
	require.NoError(t, err)
	assert.Equal(t, srv.Data[200:300], got)
	assert.Equal(t, 1, srv.Requests())

	require.NoError(t, b.Close())
	assert.Equal(t, 0, fs.OpenHandles())
	assert.Equal(t, remote.StateClosed, b.Stats().State)

	_, err = b.Read(ctx, 100, 0)
	assert.True(t, stderr.Is(err, errors.ErrHandleClosed))

	// reopening builds a fresh handle with an empty cache
	c, err := fs.Open(ctx, name, OpenMainDB)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 0, c.Stats().Entries)
	_, err = c.Read(ctx, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Requests())

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, []int{1, 1, 0, 1}, g.open)
}

func TestFileSystem_DoubleCloseReleasesOnce(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.RandomData(1000, 2))
	fs := New(testOptions(t))
	ctx := context.Background()

	a, err := fs.Open(ctx, srv.URL, OpenMainDB)
	require.NoError(t, err)
	b, err := fs.Open(ctx, srv.URL, OpenMainDB)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, fs.Refs(srv.URL))
}

func TestFileSystem_OnlyMainDatabaseIsServiced(t *testing.T) {
	fs := New(testOptions(t))
	for _, flags := range []OpenFlag{OpenMainJournal, OpenWAL, OpenTempDB | OpenCreate} {
		f, err := fs.Open(context.Background(), "http://example.invalid/db-journal", flags)
		assert.NoError(t, err)
		assert.Nil(t, f)
	}
	assert.Equal(t, 0, fs.OpenHandles())
}

func TestFileSystem_ForcesReadOnly(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.RandomData(1000, 3))
	fs := New(testOptions(t))

	f, err := fs.Open(context.Background(), srv.URL, OpenMainDB|OpenReadWrite|OpenCreate)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, OpenMainDB|OpenReadOnly, f.Flags())
	assert.NoError(t, f.Write([]byte("x"), 0))
}

func TestFileSystem_InvalidResource(t *testing.T) {
	fs := New(testOptions(t))
	_, err := fs.Open(context.Background(), "/tmp/local.db", OpenMainDB)
	assert.True(t, stderr.Is(err, errors.ErrInvalidResource))
	assert.Equal(t, 0, fs.OpenHandles())
}

func TestFile_ReadAtAndSize(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.RandomData(5000, 4))
	fs := New(testOptions(t))
	ctx := context.Background()

	f, err := fs.Open(ctx, srv.URL, OpenMainDB)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.FileSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), n)

	buf := make([]byte, 100)
	got, err := f.ReadAt(buf, 1000)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
	assert.Equal(t, srv.Data[1000:1100], buf)

	got, err = f.ReadAt(buf, 4950)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 50, got)
	assert.Equal(t, srv.Data[4950:], buf[:50])
}

func TestFileSystem_SweepKeepsLiveHandles(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.RandomData(10000, 5))
	opts := testOptions(t)
	opts.Handle.VFS.UseMmap = true
	opts.GC.OrphanTTL = time.Minute
	ctx := context.Background()

	stale := filepath.Join(opts.Handle.VFS.TempDir, "0123456789abcdef_supersqlmmap")
	require.NoError(t, os.MkdirAll(stale, 0750))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fs := New(opts)
	f, err := fs.Open(ctx, srv.URL, OpenMainDB)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Read(ctx, 10, 0)
	require.NoError(t, err)

	// age the live directory too; it must survive because it is open
	live := fs.handles[srv.URL].handle.CacheDir()
	require.NoError(t, os.Chtimes(live, old, old))
	entries, err := os.ReadDir(live)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, os.Chtimes(filepath.Join(live, e.Name()), old, old))
	}

	removed, err := fs.Sweep()
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, removed)
	assert.DirExists(t, live)
	assert.NoDirExists(t, stale)
}

func TestFileSystem_SweepBlocksConcurrentOpen(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.RandomData(10000, 9))
	opts := testOptions(t)
	opts.Handle.VFS.UseMmap = true
	opts.GC.OrphanTTL = time.Minute
	ctx := context.Background()

	res, err := transport.ParseResource(srv.URL)
	require.NoError(t, err)
	dir := cache.Dir(opts.Handle.VFS.TempDir, res.CacheKey())
	require.NoError(t, os.MkdirAll(dir, 0750))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	fs := New(opts)
	opened := make(chan File, 1)
	done := make(chan struct{})
	fs.sweepOrphans = func(tempDir string, ttl time.Duration, keep func(string) bool) ([]string, error) {
		go func() {
			defer close(done)
			f, err := fs.Open(ctx, srv.URL, OpenMainDB)
			assert.NoError(t, err)
			opened <- f
		}()
		// give the open a chance to adopt the stale directory
		time.Sleep(50 * time.Millisecond)
		select {
		case <-done:
			t.Error("open completed while the sweep was running")
		default:
		}
		return cache.SweepOrphans(tempDir, ttl, keep)
	}

	removed, err := fs.Sweep()
	require.NoError(t, err)
	assert.Equal(t, []string{dir}, removed)

	f := <-opened
	require.NotNil(t, f)
	defer f.Close()
	assert.Equal(t, dir, fs.handles[srv.URL].handle.CacheDir())
	assert.DirExists(t, dir)

	got, err := f.Read(ctx, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, srv.Data[:100], got)
}

func TestFileSystem_Close(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.RandomData(1000, 6))
	fs := New(testOptions(t))
	ctx := context.Background()

	f, err := fs.Open(ctx, srv.URL, OpenMainDB)
	require.NoError(t, err)
	require.NoError(t, fs.Close())
	assert.Equal(t, 0, fs.OpenHandles())

	_, err = f.Read(ctx, 10, 0)
	assert.True(t, stderr.Is(err, errors.ErrHandleClosed))
	assert.NoError(t, f.Close())
}

func TestFileSystem_TracksHealth(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.RandomData(1000, 7))
	opts := testOptions(t)
	opts.Health = health.NewTracker(health.DefaultConfig())
	fs := New(opts)
	ctx := context.Background()

	f, err := fs.Open(ctx, srv.URL, OpenMainDB)
	require.NoError(t, err)
	assert.Equal(t, health.StateHealthy, opts.Health.GetState(srv.URL))

	_, err = f.Read(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, health.StateHealthy, opts.Health.GetState(srv.URL))

	require.NoError(t, f.Close())
	assert.Empty(t, opts.Health.GetAllComponents())
}

func TestFileSystem_StaleCloseKeepsNewHandle(t *testing.T) {
	srv := testutil.NewRangeServer(t, testutil.RandomData(1000, 8))
	fs := New(testOptions(t))
	ctx := context.Background()

	old, err := fs.Open(ctx, srv.URL, OpenMainDB)
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	fresh, err := fs.Open(ctx, srv.URL, OpenMainDB)
	require.NoError(t, err)
	defer fresh.Close()

	require.NoError(t, old.Close())
	assert.Equal(t, 1, fs.OpenHandles())
	_, err = fresh.Read(ctx, 10, 0)
	assert.NoError(t, err)
}
