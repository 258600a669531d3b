package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plasticityai/supersqlite/pkg/utils"
)

// StoreConfig represents the cache store configuration
type StoreConfig struct {
	UseMmap       bool
	Dir           string
	MaxMappings   int
	TTL           time.Duration
	PurgeInterval time.Duration

	// OnBookkeeping is called with every cache file failure
	OnBookkeeping func(error)
	// OnUnmap is called after every released mapping
	OnUnmap func()
}

// Store holds the entries of one resource. It is not safe for concurrent
// use; the owning handle serializes access.
type Store struct {
	cfg       StoreConfig
	entries   []Entry
	pool      *MmapPool
	coverage  *Coverage
	lastPurge time.Time
	logger    zerolog.Logger
}

// NewStore creates a store. With the mmap backend the cache directory is
// created and any entries already persisted in it are adopted.
func NewStore(cfg StoreConfig) (*Store, error) {
	s := &Store{
		cfg:       cfg,
		coverage:  NewCoverage(),
		lastPurge: time.Now(),
		logger:    utils.GetLogger("cache"),
	}

	if !cfg.UseMmap {
		return s, nil
	}

	pool, err := NewMmapPool(cfg.MaxMappings, cfg.OnUnmap)
	if err != nil {
		return nil, err
	}
	s.pool = pool

	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	s.load()

	return s, nil
}

func (s *Store) load() {
	files, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		s.report(bookkeeping(err, "load", "failed to list cache directory"))
		return
	}

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), FileSuffix) {
			continue
		}
		info, err := f.Info()
		if err != nil {
			s.report(bookkeeping(err, "load", "failed to stat cache file"))
			continue
		}
		e, err := OpenMmapEntry(s.cfg.Dir, s.pool, f.Name(), info.Size())
		if err != nil {
			s.report(err)
			continue
		}
		s.entries = append(s.entries, e)
	}

	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].Meta().Touched.Before(s.entries[j].Meta().Touched)
	})
	s.rebuildCoverage()

	if len(s.entries) > 0 {
		s.logger.Debug().Int("entries", len(s.entries)).Str("dir", s.cfg.Dir).Msg("adopted persisted cache entries")
	}
}

// Find returns the newest entry covering [offset, offset+amount), or nil
func (s *Store) Find(offset, amount int64) Entry {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if Covers(s.entries[i], offset, amount) {
			return s.entries[i]
		}
	}
	return nil
}

// Entries returns the entries newest first
func (s *Store) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[len(s.entries)-1-i] = e
	}
	return out
}

// Len returns the number of entries
func (s *Store) Len() int {
	return len(s.entries)
}

// Create stores a fetched window as a new entry and returns the amount
// bytes at requested. A failed cache file never loses the data: the entry
// falls back to process memory.
func (s *Store) Create(meta Metadata, data []byte, requested, amount int64) []byte {
	var e Entry
	if s.cfg.UseMmap {
		e = NewMmapEntry(s.cfg.Dir, s.pool, meta)
	} else {
		e = NewBufferEntry(meta)
	}

	out, err := e.Write(data, requested, amount)
	if err != nil {
		s.report(err)
		if rerr := e.Remove(); rerr != nil {
			s.report(rerr)
		}
		e = NewBufferEntry(meta)
		out, _ = e.Write(data, requested, amount)
	}

	s.entries = append(s.entries, e)
	s.coverage.Add(meta.Start, meta.Start+e.Len())
	return out
}

// Update replaces the metadata of e, persisting it for the mmap backend
func (s *Store) Update(e Entry, meta Metadata) {
	if err := e.SetMeta(meta); err != nil {
		s.report(err)
	}
}

// Purge removes entries untouched for longer than the TTL, at most once per
// purge interval. The entry with id skip is never removed.
func (s *Store) Purge(now time.Time, skip uuid.UUID) int {
	if now.Sub(s.lastPurge) < s.cfg.PurgeInterval {
		return 0
	}
	s.lastPurge = now

	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.ID() != skip && now.Sub(e.Meta().Touched) > s.cfg.TTL {
			if err := e.Remove(); err != nil {
				s.report(err)
			}
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept

	if removed > 0 {
		s.rebuildCoverage()
	}
	return removed
}

// SetLength records the resource length for coverage accounting
func (s *Store) SetLength(n int64) {
	s.coverage.SetLength(n)
}

// Covered reports whether [start, end) is entirely held by entries
func (s *Store) Covered(start, end int64) bool {
	return s.coverage.Covered(start, end)
}

// OpenMappings returns the number of open mappings
func (s *Store) OpenMappings() int {
	if s.pool == nil {
		return 0
	}
	return s.pool.Len()
}

// Close releases every mapping. Persisted files stay on disk.
func (s *Store) Close() {
	for _, e := range s.entries {
		if err := e.Close(); err != nil {
			s.report(err)
		}
	}
	s.entries = nil
	if s.pool != nil {
		s.pool.Close()
	}
}

// Dir returns the cache directory, empty for the buffer backend
func (s *Store) Dir() string {
	if !s.cfg.UseMmap {
		return ""
	}
	return filepath.Clean(s.cfg.Dir)
}

func (s *Store) rebuildCoverage() {
	s.coverage.Reset()
	for _, e := range s.entries {
		start := e.Meta().Start
		s.coverage.Add(start, start+e.Len())
	}
}

func (s *Store) report(err error) {
	s.logger.Warn().Err(err).Msg("cache bookkeeping failed")
	if s.cfg.OnBookkeeping != nil {
		s.cfg.OnBookkeeping(err)
	}
}
