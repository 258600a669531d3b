// Package predictor decides how large the next fetch window should be and
// where random access is clustering.
package predictor

import (
	"time"

	"github.com/plasticityai/supersqlite/internal/cache"
)

// Direction of an access pattern
const (
	Backward = -1
	Unknown  = 0
	Forward  = 1
)

// SequentialConfig represents the sequential window settings
type SequentialConfig struct {
	DefaultRead       int64
	GapTolerance      int64
	MaxRead           int64
	ExponentialGrowth bool
}

// Momentum is the sequential read state carried from one entry to the next
type Momentum struct {
	Forward  int64
	Backward int64
	Hit      int64
}

// Continuation describes a miss that continues the read pattern of an
// existing entry.
type Continuation struct {
	Direction int
	Momentum  Momentum
	Window    int64
}

// Sequential tracks per-entry hit momentum and sizes fetch windows
type Sequential struct {
	cfg SequentialConfig
}

// NewSequential creates a sequential predictor
func NewSequential(cfg SequentialConfig) *Sequential {
	return &Sequential{cfg: cfg}
}

// Window clamps a momentum amount into [DefaultRead, MaxRead]
func (s *Sequential) Window(amount int64) int64 {
	w := max(amount, s.cfg.DefaultRead)
	if s.cfg.MaxRead > 0 {
		w = min(w, s.cfg.MaxRead)
	}
	return w
}

// DefaultWindow is the window used when no pattern is known
func (s *Sequential) DefaultWindow() int64 {
	return s.cfg.DefaultRead
}

// Hit records a read of [offset, offset+amount) served by the entry with
// metadata m. It returns the updated metadata and the window for the next
// fetch.
func (s *Sequential) Hit(m cache.Metadata, offset, amount int64, now time.Time) (cache.Metadata, int64) {
	start := offset - m.Start
	end := start + amount

	if m.LastStart != cache.NoHit {
		if start >= m.LastEnd {
			m.ForwardAmount += amount
		}
		if end <= m.LastStart {
			m.BackwardAmount += amount
		}
	}

	switch {
	case m.ForwardAmount > m.BackwardAmount:
		m.Direction = Forward
	case m.BackwardAmount > m.ForwardAmount:
		m.Direction = Backward
	}

	m.HitAmount = max(m.HitAmount, m.ForwardAmount, m.BackwardAmount)
	m.LastStart = start
	m.LastEnd = end
	m.Touched = now

	return m, s.Window(m.HitAmount)
}

// Continue classifies a miss of [offset, offset+amount) against the
// entries. A miss within the gap tolerance after an entry's last hit
// continues forward, one before it continues backward. The candidate with
// the largest momentum wins.
func (s *Sequential) Continue(entries []cache.Entry, offset, amount int64) (Continuation, bool) {
	var (
		best  Continuation
		found bool
	)
	small := 2 * s.cfg.DefaultRead

	for _, e := range entries {
		m := e.Meta()
		if m.LastStart == cache.NoHit {
			continue
		}
		start := offset - m.Start
		end := start + amount

		dir := Unknown
		switch {
		case start >= m.LastEnd && start-m.LastEnd < s.cfg.GapTolerance:
			dir = Forward
		case end <= m.LastStart && m.LastStart-end < s.cfg.GapTolerance:
			dir = Backward
		default:
			continue
		}

		if found && m.HitAmount <= best.Momentum.Hit {
			continue
		}

		mom := Momentum{Forward: m.ForwardAmount, Backward: m.BackwardAmount, Hit: m.HitAmount}
		if m.Direction != dir {
			mom = Momentum{Forward: small, Backward: small, Hit: small}
		}
		best = Continuation{Direction: dir, Momentum: mom}
		found = true
	}

	if !found {
		return Continuation{}, false
	}

	if s.cfg.ExponentialGrowth {
		best.Momentum.Forward = s.grow(best.Momentum.Forward)
		best.Momentum.Backward = s.grow(best.Momentum.Backward)
		best.Momentum.Hit = s.grow(best.Momentum.Hit)
	}
	best.Window = s.Window(best.Momentum.Hit)
	return best, true
}

func (s *Sequential) grow(n int64) int64 {
	n *= 2
	if s.cfg.MaxRead > 0 {
		n = min(n, s.cfg.MaxRead)
	}
	return n
}
