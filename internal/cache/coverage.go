package cache

import (
	"github.com/RoaringBitmap/roaring"
)

// PageSize is the granularity of the coverage bitmap
const PageSize = 4096

// Coverage tracks which pages of the resource are held by some entry. A
// page counts as covered only when an entry holds all of its bytes.
type Coverage struct {
	pages  *roaring.Bitmap
	length int64
}

// NewCoverage creates an empty coverage map
func NewCoverage() *Coverage {
	return &Coverage{pages: roaring.New()}
}

// SetLength records the resource length so the final partial page can be
// counted as covered.
func (c *Coverage) SetLength(n int64) {
	c.length = n
}

// Add marks the pages fully inside [start, end)
func (c *Coverage) Add(start, end int64) {
	if start < 0 {
		start = 0
	}
	first := (start + PageSize - 1) / PageSize
	last := end / PageSize
	if c.length > 0 && end >= c.length {
		last = (c.length + PageSize - 1) / PageSize
	}
	if last > first {
		c.pages.AddRange(uint64(first), uint64(last))
	}
}

// Covered reports whether every page touching [start, end) is covered
func (c *Coverage) Covered(start, end int64) bool {
	if start < 0 {
		start = 0
	}
	if c.length > 0 && end > c.length {
		end = c.length
	}
	if end <= start {
		return true
	}
	first := start / PageSize
	last := (end + PageSize - 1) / PageSize

	want := roaring.New()
	want.AddRange(uint64(first), uint64(last))
	return want.AndCardinality(c.pages) == uint64(last-first)
}

// Reset clears every page
func (c *Coverage) Reset() {
	c.pages.Clear()
}

// Pages returns the number of covered pages
func (c *Coverage) Pages() uint64 {
	return c.pages.GetCardinality()
}
