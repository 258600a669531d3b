package cache

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"
)

// MmapPool bounds the number of open memory mappings. Mappings are keyed by
// entry identity, so renaming an entry's file never strands a pool slot.
type MmapPool struct {
	mu      sync.Mutex
	maps    *lru.Cache[uuid.UUID, []byte]
	unmaps  atomic.Int64
	onUnmap func()
}

// NewMmapPool creates a pool of at most size mappings. onUnmap, if not nil,
// is called after every mapping is released.
func NewMmapPool(size int, onUnmap func()) (*MmapPool, error) {
	if size <= 0 {
		size = 1
	}
	p := &MmapPool{onUnmap: onUnmap}
	maps, err := lru.NewWithEvict[uuid.UUID, []byte](size, p.release)
	if err != nil {
		return nil, fmt.Errorf("failed to create mmap pool: %w", err)
	}
	p.maps = maps
	return p, nil
}

func (p *MmapPool) release(_ uuid.UUID, data []byte) {
	_ = unix.Munmap(data)
	p.unmaps.Add(1)
	if p.onUnmap != nil {
		p.onUnmap()
	}
}

// Register installs a fresh mapping for id, releasing any previous one and
// evicting the least recently used mapping when the pool is full.
func (p *MmapPool) Register(id uuid.UUID, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maps.Remove(id)
	p.maps.Add(id, data)
}

// ReadAt copies n bytes at off from the mapping of id, mapping path first
// when id is not currently open.
func (p *MmapPool) ReadAt(id uuid.UUID, path string, size, off, n int64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, ok := p.maps.Get(id)
	if !ok {
		var err error
		data, err = mapFile(path, size)
		if err != nil {
			return nil, err
		}
		p.maps.Add(id, data)
	}

	if off < 0 || n < 0 || off+n > int64(len(data)) {
		return nil, fmt.Errorf("range [%d,%d) outside mapping of %d bytes", off, off+n, len(data))
	}
	out := make([]byte, n)
	copy(out, data[off:off+n])
	return out, nil
}

// Drop releases the mapping of id if it is open
func (p *MmapPool) Drop(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maps.Remove(id)
}

// Contains reports whether id currently has an open mapping
func (p *MmapPool) Contains(id uuid.UUID) bool {
	return p.maps.Contains(id)
}

// Len returns the number of open mappings
func (p *MmapPool) Len() int {
	return p.maps.Len()
}

// Unmaps returns the number of mappings released so far
func (p *MmapPool) Unmaps() int64 {
	return p.unmaps.Load()
}

// Close releases every mapping
func (p *MmapPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maps.Purge()
}

// mapFile maps size bytes of path read-only
func mapFile(path string, size int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	_ = unix.Madvise(data, unix.MADV_RANDOM)
	return data, nil
}
