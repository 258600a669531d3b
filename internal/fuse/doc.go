/*
Package fuse mounts a remote database file as a read-only file in a local
directory, so that an unmodified database engine can open it by path.

The mount root is a directory holding exactly one regular file. Reads on
that file go through the vfs layer and therefore through the range cache
and prefetcher of the shared remote handle:

	┌──────────────────────────┐
	│  database engine (open)  │
	└──────────────────────────┘
	             │  read(2)
	┌──────────────────────────┐
	│     kernel FUSE driver   │
	└──────────────────────────┘
	             │
	┌──────────────────────────┐
	│  fileNode.Read           │  ← this package
	└──────────────────────────┘
	             │
	┌──────────────────────────┐
	│  vfs.File / remote cache │
	└──────────────────────────┘

The mount is always read-only. Opens asking for write access fail with
EROFS, and the kernel is told it may keep the page cache between opens
because the remote file never changes under a handle.

Usage:

	fsys := fuse.NewFileSystem(file, "data.db", uint32(os.Getuid()), uint32(os.Getgid()))
	mm := fuse.NewMountManager(fsys, "/mnt/remote", cfg.Mount)
	if err := mm.Mount(ctx); err != nil {
		return err
	}
	defer mm.Unmount()
	mm.Wait()
*/
package fuse
