package fuse

import (
	"context"
	stderr "errors"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/plasticityai/supersqlite/internal/vfs"
	"github.com/plasticityai/supersqlite/pkg/errors"
)

const (
	fileMode = 0444
	dirMode  = 0555
)

// safeInt64ToUint64 converts int64 to uint64, clamping negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// FileSystem exposes one remote database file as a read-only file inside
// the mount root.
type FileSystem struct {
	file    vfs.File
	name    string
	uid     uint32
	gid     uint32
	mounted time.Time

	stats Stats
}

// Stats tracks filesystem operation counts
type Stats struct {
	Lookups   atomic.Int64
	Opens     atomic.Int64
	Reads     atomic.Int64
	BytesRead atomic.Int64
	Errors    atomic.Int64
}

// NewFileSystem creates a filesystem serving file under name
func NewFileSystem(file vfs.File, name string, uid, gid uint32) *FileSystem {
	return &FileSystem{
		file:    file,
		name:    name,
		uid:     uid,
		gid:     gid,
		mounted: time.Now(),
	}
}

// Root returns the root directory node
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &dirNode{fsys: fsys}
}

// Name returns the name of the file inside the mount
func (fsys *FileSystem) Name() string {
	return fsys.name
}

// GetStats returns a snapshot of the operation counts
func (fsys *FileSystem) GetStats() FilesystemStats {
	return FilesystemStats{
		Lookups:   fsys.stats.Lookups.Load(),
		Opens:     fsys.stats.Opens.Load(),
		Reads:     fsys.stats.Reads.Load(),
		BytesRead: fsys.stats.BytesRead.Load(),
		Errors:    fsys.stats.Errors.Load(),
	}
}

func (fsys *FileSystem) fillAttr(out *fuse.Attr, mode uint32, size int64) {
	out.Mode = mode
	out.Size = safeInt64ToUint64(size)
	out.Uid = fsys.uid
	out.Gid = fsys.gid
	out.Nlink = 1
	out.SetTimes(&fsys.mounted, &fsys.mounted, &fsys.mounted)
}

// dirNode is the mount root holding the single file
type dirNode struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeOnAdder   = (*dirNode)(nil)
	_ fs.NodeGetattrer = (*dirNode)(nil)
)

func (n *dirNode) OnAdd(ctx context.Context) {
	child := n.NewPersistentInode(ctx, &fileNode{fsys: n.fsys}, fs.StableAttr{Mode: fuse.S_IFREG})
	n.AddChild(n.fsys.name, child, false)
}

func (n *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fsys.fillAttr(&out.Attr, fuse.S_IFDIR|dirMode, 0)
	out.Nlink = 2
	return 0
}

// fileNode serves reads of the remote file through the cache
type fileNode struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeGetattrer = (*fileNode)(nil)
	_ fs.NodeOpener    = (*fileNode)(nil)
	_ fs.NodeReader    = (*fileNode)(nil)
)

// Getattr reports the remote size; a failed size request surfaces as EIO
func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f.fsys.stats.Lookups.Add(1)
	size, err := f.fsys.file.FileSize(ctx)
	if err != nil {
		f.fsys.stats.Errors.Add(1)
		return toErrno(err)
	}
	f.fsys.fillAttr(&out.Attr, fuse.S_IFREG|fileMode, size)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	f.fsys.stats.Opens.Add(1)
	// the remote file is immutable, so the kernel page cache may keep it
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f.fsys.stats.Reads.Add(1)
	data, err := f.fsys.file.Read(ctx, len(dest), off)
	if err != nil {
		f.fsys.stats.Errors.Add(1)
		return nil, toErrno(err)
	}
	f.fsys.stats.BytesRead.Add(int64(len(data)))
	return fuse.ReadResultData(data), 0
}

// toErrno maps a read failure to the errno reported to the kernel
func toErrno(err error) syscall.Errno {
	if stderr.Is(err, context.Canceled) {
		return syscall.EINTR
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeHandleClosed:
		return syscall.EBADF
	case errors.ErrCodeOperationCanceled:
		return syscall.EINTR
	case errors.ErrCodeReadOnly:
		return syscall.EROFS
	default:
		return syscall.EIO
	}
}
