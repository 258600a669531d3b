package cache

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// FileSuffix ends every mmap entry file name
	FileSuffix = ".supersqlmmap"
	// DirSuffix ends every per-resource cache directory name
	DirSuffix = "_supersqlmmap"

	// NoHit marks an entry whose last hit span is unknown. It encodes as "inf".
	NoHit int64 = math.MaxInt64

	noHitToken = "inf"
	nameFields = 9
)

// Metadata is the access-pattern state of one cache entry. For the mmap
// backend it is persisted solely in the entry's file name.
type Metadata struct {
	Start          int64
	Direction      int
	LastStart      int64
	LastEnd        int64
	ForwardAmount  int64
	BackwardAmount int64
	HitAmount      int64
	Touched        time.Time
	ID             uuid.UUID
}

// NewMetadata returns metadata for a fresh entry at start
func NewMetadata(start int64, direction int) Metadata {
	return Metadata{
		Start:     start,
		Direction: direction,
		LastStart: NoHit,
		Touched:   time.Now(),
		ID:        uuid.New(),
	}
}

// EncodeName renders the file name for m
func (m Metadata) EncodeName() string {
	lastStart := strconv.FormatInt(m.LastStart, 10)
	if m.LastStart == NoHit {
		lastStart = noHitToken
	}

	return fmt.Sprintf("%d_%d_%s_%d_%d_%d_%d_%d_%s%s",
		m.Start,
		m.Direction,
		lastStart,
		m.LastEnd,
		m.ForwardAmount,
		m.BackwardAmount,
		m.HitAmount,
		m.Touched.Unix(),
		m.ID.String(),
		FileSuffix,
	)
}

// DecodeName parses a file name produced by EncodeName
func DecodeName(name string) (Metadata, error) {
	base := filepath.Base(name)
	trimmed, ok := strings.CutSuffix(base, FileSuffix)
	if !ok {
		return Metadata{}, fmt.Errorf("%q does not end in %s", base, FileSuffix)
	}

	parts := strings.Split(trimmed, "_")
	if len(parts) != nameFields {
		return Metadata{}, fmt.Errorf("%q has %d fields, want %d", base, len(parts), nameFields)
	}

	ints := make([]int64, 8)
	for i := 0; i < 8; i++ {
		if i == 2 && parts[i] == noHitToken {
			ints[i] = NoHit
			continue
		}
		v, err := strconv.ParseInt(parts[i], 10, 64)
		if err != nil {
			return Metadata{}, fmt.Errorf("%q field %d: %w", base, i, err)
		}
		ints[i] = v
	}

	id, err := uuid.Parse(parts[8])
	if err != nil {
		return Metadata{}, fmt.Errorf("%q id: %w", base, err)
	}

	if ints[1] < -1 || ints[1] > 1 {
		return Metadata{}, fmt.Errorf("%q direction %d out of range", base, ints[1])
	}

	return Metadata{
		Start:          ints[0],
		Direction:      int(ints[1]),
		LastStart:      ints[2],
		LastEnd:        ints[3],
		ForwardAmount:  ints[4],
		BackwardAmount: ints[5],
		HitAmount:      ints[6],
		Touched:        time.Unix(ints[7], 0),
		ID:             id,
	}, nil
}

// Dir returns the cache directory of a resource under tempDir
func Dir(tempDir, cacheKey string) string {
	return filepath.Join(tempDir, cacheKey+DirSuffix)
}
