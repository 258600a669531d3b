package cache

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/plasticityai/supersqlite/pkg/errors"
)

// Entry is one fetched byte range. Its payload is written once and never
// changes afterwards; only its metadata moves.
type Entry interface {
	// ID is the stable identity of the entry
	ID() uuid.UUID

	// Meta returns a copy of the entry's access-pattern state
	Meta() Metadata

	// SetMeta replaces the access-pattern state. The in-memory state is
	// always updated; a returned error reports a failed persist only.
	SetMeta(Metadata) error

	// Len is the number of payload bytes
	Len() int64

	// ReadRange copies n bytes starting at rel, relative to the entry start
	ReadRange(rel, n int64) ([]byte, error)

	// Write stores the whole fetched window and returns the amount bytes
	// at the absolute offset requested.
	Write(data []byte, requested, amount int64) ([]byte, error)

	// Close releases resources without deleting persisted state
	Close() error

	// Remove releases resources and deletes persisted state
	Remove() error
}

// Covers reports whether e holds every byte of [offset, offset+amount)
func Covers(e Entry, offset, amount int64) bool {
	rel := offset - e.Meta().Start
	return rel >= 0 && rel+amount <= e.Len()
}

// requestedSlice returns the caller's part of a written window
func requestedSlice(data []byte, start, requested, amount int64) []byte {
	rel := requested - start
	if rel < 0 || rel > int64(len(data)) {
		return nil
	}
	end := min(rel+amount, int64(len(data)))
	out := make([]byte, end-rel)
	copy(out, data[rel:end])
	return out
}

func checkRange(length, rel, n int64) error {
	if rel < 0 || n < 0 || rel+n > length {
		return fmt.Errorf("range [%d,%d) outside entry of %d bytes", rel, rel+n, length)
	}
	return nil
}

func bookkeeping(err error, op, msg string) error {
	return errors.Wrap(errors.ErrCodeCacheBookkeeping, err, msg).
		WithComponent("cache").
		WithOperation(op)
}

// BufferEntry keeps its payload in process memory
type BufferEntry struct {
	meta Metadata
	data []byte
}

// NewBufferEntry creates an empty in-memory entry
func NewBufferEntry(meta Metadata) *BufferEntry {
	return &BufferEntry{meta: meta}
}

func (e *BufferEntry) ID() uuid.UUID { return e.meta.ID }

func (e *BufferEntry) Meta() Metadata { return e.meta }

func (e *BufferEntry) SetMeta(m Metadata) error {
	m.ID = e.meta.ID
	e.meta = m
	return nil
}

func (e *BufferEntry) Len() int64 { return int64(len(e.data)) }

func (e *BufferEntry) ReadRange(rel, n int64) ([]byte, error) {
	if err := checkRange(e.Len(), rel, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, e.data[rel:rel+n])
	return out, nil
}

func (e *BufferEntry) Write(data []byte, requested, amount int64) ([]byte, error) {
	e.data = data
	return requestedSlice(data, e.meta.Start, requested, amount), nil
}

func (e *BufferEntry) Close() error { return nil }

func (e *BufferEntry) Remove() error {
	e.data = nil
	return nil
}
