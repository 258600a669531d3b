// Package vfs is the dispatcher between the host database engine and the
// remote file handles. Every open of the same remote file shares one
// reference-counted handle, and with it one cache.
package vfs

import (
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/plasticityai/supersqlite/internal/cache"
	"github.com/plasticityai/supersqlite/internal/config"
	"github.com/plasticityai/supersqlite/internal/remote"
	"github.com/plasticityai/supersqlite/internal/transport"
	"github.com/plasticityai/supersqlite/pkg/health"
	"github.com/plasticityai/supersqlite/pkg/utils"
)

// OpenFlag mirrors the open flags the host engine passes to a VFS
type OpenFlag uint32

const (
	OpenReadOnly    OpenFlag = 0x00000001
	OpenReadWrite   OpenFlag = 0x00000002
	OpenCreate      OpenFlag = 0x00000004
	OpenMainDB      OpenFlag = 0x00000100
	OpenTempDB      OpenFlag = 0x00000200
	OpenMainJournal OpenFlag = 0x00000800
	OpenWAL         OpenFlag = 0x00080000
)

// Recorder receives handle events and the number of open handles
type Recorder interface {
	remote.Recorder
	SetOpenHandles(n int)
}

// Options represents the dispatcher configuration
type Options struct {
	Handle   remote.Config
	GC       config.GCConfig
	Recorder Recorder

	// Health, when set, tracks every open identity from its read outcomes
	Health *health.Tracker
}

// File is one open of a remote database file
type File interface {
	io.ReaderAt

	// Read returns amount bytes at offset; fewer only at the end of the file
	Read(ctx context.Context, amount int, offset int64) ([]byte, error)

	// Write is accepted and ignored
	Write(data []byte, offset int64) error

	FileSize(ctx context.Context) (int64, error)

	// Flags returns the flags the file was opened with, forced read-only
	Flags() OpenFlag

	Stats() remote.Stats

	Close() error
}

type entry struct {
	refs   int
	handle *remote.Handle
}

// FileSystem maps each remote file identity to its shared handle
type FileSystem struct {
	opts   Options
	logger zerolog.Logger

	// mu guards handles; handle teardown runs outside it. Sweep holds it
	// throughout so no open can adopt a directory that is being removed.
	mu      sync.Mutex
	handles map[string]*entry

	opens *xsync.Map[string, *atomic.Int64]

	sweepOrphans func(tempDir string, ttl time.Duration, keep func(dir string) bool) ([]string, error)
}

// New creates a dispatcher. When configured, orphaned cache directories
// are swept first.
func New(opts Options) *FileSystem {
	fs := &FileSystem{
		opts:    opts,
		logger:  utils.GetLogger("vfs"),
		handles: make(map[string]*entry),
		opens:   xsync.NewMap[string, *atomic.Int64](),

		sweepOrphans: cache.SweepOrphans,
	}

	if opts.GC.SweepOnStart {
		if removed, err := fs.Sweep(); err != nil {
			fs.logger.Warn().Err(err).Msg("orphan cache sweep failed")
		} else if len(removed) > 0 {
			fs.logger.Info().Int("removed", len(removed)).Msg("removed orphaned cache directories")
		}
	}
	return fs
}

// Open opens the remote file named by name. Only main database opens are
// serviced; any other open returns a nil File and no error.
func (fs *FileSystem) Open(ctx context.Context, name string, flags OpenFlag) (File, error) {
	if flags&OpenMainDB == 0 {
		fs.logger.Debug().Str("name", name).Uint32("flags", uint32(flags)).Msg("ignoring non main database open")
		return nil, nil
	}

	res, err := transport.ParseResource(name)
	if err != nil {
		return nil, err
	}
	id := res.URL

	fs.mu.Lock()
	e, ok := fs.handles[id]
	if ok {
		e.refs++
	} else {
		var rec remote.Recorder
		if fs.opts.Recorder != nil {
			rec = fs.opts.Recorder
		}
		h, err := remote.New(ctx, name, fs.opts.Handle, rec)
		if err != nil {
			fs.mu.Unlock()
			return nil, err
		}
		e = &entry{refs: 1, handle: h}
		fs.handles[id] = e
		if fs.opts.Health != nil {
			fs.opts.Health.RegisterComponent(id)
		}
	}
	refs, open := e.refs, len(fs.handles)
	fs.mu.Unlock()

	c, _ := fs.opens.LoadOrStore(id, new(atomic.Int64))
	c.Add(1)
	fs.setOpenHandles(open)

	fs.logger.Debug().Str("url", id).Int("refs", refs).Msg("opened")

	flags = flags&^(OpenReadWrite|OpenCreate) | OpenReadOnly
	return &file{fs: fs, id: id, entry: e, flags: flags}, nil
}

// release drops one reference; the last one tears the handle down
func (fs *FileSystem) release(id string, e *entry) error {
	fs.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && fs.handles[id] == e {
		delete(fs.handles, id)
		fs.unregister(id)
	}
	refs, open := e.refs, len(fs.handles)
	fs.mu.Unlock()

	fs.logger.Debug().Str("url", id).Int("refs", refs).Msg("closed")
	if !last {
		return nil
	}

	fs.setOpenHandles(open)
	return e.handle.Close()
}

// OpenHandles returns the number of live handles
func (fs *FileSystem) OpenHandles() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.handles)
}

// Identities returns the identities with a live handle, sorted
func (fs *FileSystem) Identities() []string {
	fs.mu.Lock()
	ids := make([]string, 0, len(fs.handles))
	for id := range fs.handles {
		ids = append(ids, id)
	}
	fs.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Refs returns the reference count of identity, zero when it is not open
func (fs *FileSystem) Refs(id string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if e, ok := fs.handles[id]; ok {
		return e.refs
	}
	return 0
}

// Opens returns how many times identity has been opened
func (fs *FileSystem) Opens(id string) int64 {
	if c, ok := fs.opens.Load(id); ok {
		return c.Load()
	}
	return 0
}

// Sweep removes orphaned cache directories older than the configured TTL.
// Directories of live handles are kept.
func (fs *FileSystem) Sweep() ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.sweepOrphans(fs.opts.Handle.VFS.TempDir, fs.opts.GC.OrphanTTL, func(dir string) bool {
		for _, e := range fs.handles {
			if e.handle.CacheDir() == dir {
				return true
			}
		}
		return false
	})
}

// Close tears down every live handle regardless of its references
func (fs *FileSystem) Close() error {
	fs.mu.Lock()
	handles := fs.handles
	fs.handles = make(map[string]*entry)
	for id := range handles {
		fs.unregister(id)
	}
	fs.mu.Unlock()

	var firstErr error
	for id, e := range handles {
		if err := e.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		fs.logger.Debug().Str("url", id).Msg("handle torn down on shutdown")
	}
	fs.setOpenHandles(0)
	return firstErr
}

func (fs *FileSystem) setOpenHandles(n int) {
	if fs.opts.Recorder != nil {
		fs.opts.Recorder.SetOpenHandles(n)
	}
}

func (fs *FileSystem) unregister(id string) {
	if fs.opts.Health != nil {
		fs.opts.Health.UnregisterComponent(id)
	}
}

// observe feeds a read outcome to the health tracker
func (fs *FileSystem) observe(id string, err error) {
	if fs.opts.Health == nil {
		return
	}
	if err != nil {
		fs.opts.Health.RecordError(id, err)
		return
	}
	fs.opts.Health.RecordSuccess(id)
}

type file struct {
	fs     *FileSystem
	id     string
	entry  *entry
	flags  OpenFlag
	closed atomic.Bool
}

func (f *file) Read(ctx context.Context, amount int, offset int64) ([]byte, error) {
	data, err := f.entry.handle.Read(ctx, amount, offset)
	f.fs.observe(f.id, err)
	return data, err
}

// ReadAt implements io.ReaderAt. A read ending past the end of the file
// returns io.EOF with the bytes that exist.
func (f *file) ReadAt(p []byte, off int64) (int, error) {
	data, err := f.Read(context.Background(), len(p), off)
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) Write(data []byte, offset int64) error {
	return f.entry.handle.Write(data, offset)
}

func (f *file) FileSize(ctx context.Context) (int64, error) {
	n, err := f.entry.handle.Size(ctx)
	f.fs.observe(f.id, err)
	return n, err
}

func (f *file) Flags() OpenFlag { return f.flags }

func (f *file) Stats() remote.Stats { return f.entry.handle.Stats() }

// Close releases this open. It is safe to call more than once.
func (f *file) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return f.fs.release(f.id, f.entry)
}
