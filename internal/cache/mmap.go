package cache

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// MmapEntry keeps its payload in a file under the resource's cache
// directory. The file name is the entry's only metadata record.
type MmapEntry struct {
	dir    string
	pool   *MmapPool
	meta   Metadata
	name   string
	length int64
}

// NewMmapEntry creates an entry whose file has not been written yet
func NewMmapEntry(dir string, pool *MmapPool, meta Metadata) *MmapEntry {
	return &MmapEntry{
		dir:  dir,
		pool: pool,
		meta: meta,
		name: meta.EncodeName(),
	}
}

// OpenMmapEntry adopts a file already present in dir
func OpenMmapEntry(dir string, pool *MmapPool, name string, length int64) (*MmapEntry, error) {
	meta, err := DecodeName(name)
	if err != nil {
		return nil, bookkeeping(err, "open", "undecodable cache file name")
	}
	return &MmapEntry{
		dir:    dir,
		pool:   pool,
		meta:   meta,
		name:   name,
		length: length,
	}, nil
}

// Path returns the current file path of the entry
func (e *MmapEntry) Path() string {
	return filepath.Join(e.dir, e.name)
}

func (e *MmapEntry) ID() uuid.UUID { return e.meta.ID }

func (e *MmapEntry) Meta() Metadata { return e.meta }

func (e *MmapEntry) Len() int64 { return e.length }

// SetMeta renames the file to the name encoding m
func (e *MmapEntry) SetMeta(m Metadata) error {
	m.ID = e.meta.ID
	e.meta = m

	name := m.EncodeName()
	if name == e.name {
		return nil
	}
	if err := os.Rename(e.Path(), filepath.Join(e.dir, name)); err != nil {
		return bookkeeping(err, "rename", "failed to rename cache file")
	}
	e.name = name
	return nil
}

func (e *MmapEntry) ReadRange(rel, n int64) ([]byte, error) {
	if err := checkRange(e.length, rel, n); err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	data, err := e.pool.ReadAt(e.meta.ID, e.Path(), e.length, rel, n)
	if err != nil {
		return nil, bookkeeping(err, "read", "failed to read mapped cache file")
	}
	return data, nil
}

// Write creates the file, syncs it and registers a fresh mapping
func (e *MmapEntry) Write(data []byte, requested, amount int64) ([]byte, error) {
	out := requestedSlice(data, e.meta.Start, requested, amount)

	f, err := os.OpenFile(e.Path(), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return out, bookkeeping(err, "write", "failed to create cache file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return out, bookkeeping(err, "write", "failed to write cache file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return out, bookkeeping(err, "write", "failed to sync cache file")
	}
	if err := f.Close(); err != nil {
		return out, bookkeeping(err, "write", "failed to close cache file")
	}
	e.length = int64(len(data))

	if e.length > 0 {
		mapped, err := mapFile(e.Path(), e.length)
		if err != nil {
			return out, bookkeeping(err, "write", "failed to map cache file")
		}
		e.pool.Register(e.meta.ID, mapped)
	}
	return out, nil
}

func (e *MmapEntry) Close() error {
	e.pool.Drop(e.meta.ID)
	return nil
}

func (e *MmapEntry) Remove() error {
	e.pool.Drop(e.meta.ID)
	if err := os.Remove(e.Path()); err != nil && !os.IsNotExist(err) {
		return bookkeeping(err, "remove", "failed to remove cache file")
	}
	return nil
}
