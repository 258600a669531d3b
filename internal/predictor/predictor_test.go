package predictor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasticityai/supersqlite/internal/cache"
)

func testSequential(growth bool) *Sequential {
	return NewSequential(SequentialConfig{
		DefaultRead:       4096,
		GapTolerance:      1 << 20,
		MaxRead:           64 * 1024,
		ExponentialGrowth: growth,
	})
}

func entryWith(start int64, length int, meta func(*cache.Metadata)) cache.Entry {
	m := cache.NewMetadata(start, Forward)
	if meta != nil {
		meta(&m)
	}
	e := cache.NewBufferEntry(m)
	e.Write(make([]byte, length), start, 0)
	return e
}

func TestSequential_Window(t *testing.T) {
	s := testSequential(true)
	tests := []struct {
		in, want int64
	}{
		{0, 4096},
		{100, 4096},
		{10000, 10000},
		{1 << 30, 64 * 1024},
	}
	for _, tt := range tests {
		if got := s.Window(tt.in); got != tt.want {
			t.Errorf("Window(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSequential_HitForward(t *testing.T) {
	s := testSequential(true)
	now := time.Now()

	m := cache.NewMetadata(1000, Forward)
	m.LastStart, m.LastEnd, m.HitAmount = 0, 100, 4096

	m, window := s.Hit(m, 1100, 100, now)
	assert.Equal(t, int64(100), m.ForwardAmount)
	assert.Equal(t, int64(0), m.BackwardAmount)
	assert.Equal(t, Forward, m.Direction)
	assert.Equal(t, int64(100), m.LastStart)
	assert.Equal(t, int64(200), m.LastEnd)
	assert.Equal(t, int64(4096), window)
	assert.Equal(t, now, m.Touched)

	// re-reading the same span moves no counter
	m2, _ := s.Hit(m, 1100, 100, now)
	assert.Equal(t, m.ForwardAmount, m2.ForwardAmount)
	assert.Equal(t, m.BackwardAmount, m2.BackwardAmount)
}

func TestSequential_HitBackwardFlipsDirection(t *testing.T) {
	s := testSequential(true)
	now := time.Now()

	m := cache.NewMetadata(0, Forward)
	m.LastStart, m.LastEnd = 9000, 9100

	for i := int64(1); i <= 3; i++ {
		m, _ = s.Hit(m, 9000-i*100, 100, now)
	}
	assert.Equal(t, Backward, m.Direction)
	assert.Equal(t, int64(300), m.BackwardAmount)
	assert.Equal(t, int64(300), m.HitAmount)
}

func TestSequential_HitWithoutHistory(t *testing.T) {
	s := testSequential(true)
	m := cache.NewMetadata(0, Unknown)

	m, window := s.Hit(m, 50, 10, time.Now())
	assert.Equal(t, int64(0), m.ForwardAmount)
	assert.Equal(t, int64(0), m.BackwardAmount)
	assert.Equal(t, Unknown, m.Direction)
	assert.Equal(t, int64(50), m.LastStart)
	assert.Equal(t, int64(4096), window)
}

func TestSequential_Continue(t *testing.T) {
	s := testSequential(true)

	forward := entryWith(0, 8192, func(m *cache.Metadata) {
		m.Direction = Forward
		m.LastStart, m.LastEnd = 8000, 8192
		m.ForwardAmount, m.HitAmount = 5000, 5000
	})

	c, ok := s.Continue([]cache.Entry{forward}, 8192, 100)
	require.True(t, ok)
	assert.Equal(t, Forward, c.Direction)
	assert.Equal(t, int64(10000), c.Momentum.Hit)
	assert.Equal(t, int64(10000), c.Momentum.Forward)
	assert.Equal(t, int64(10000), c.Window)

	// a backward continuation of a forward entry restarts from a small read
	c, ok = s.Continue([]cache.Entry{forward}, 7000, 100)
	require.True(t, ok)
	assert.Equal(t, Backward, c.Direction)
	assert.Equal(t, int64(2*2*4096), c.Momentum.Hit)

	// too far away
	_, ok = s.Continue([]cache.Entry{forward}, 8192+2<<20, 100)
	assert.False(t, ok)
}

func TestSequential_ContinueGrowthCapped(t *testing.T) {
	s := testSequential(true)
	e := entryWith(0, 100, func(m *cache.Metadata) {
		m.LastStart, m.LastEnd = 0, 100
		m.HitAmount, m.ForwardAmount = 60*1024, 60*1024
	})

	c, ok := s.Continue([]cache.Entry{e}, 100, 10)
	require.True(t, ok)
	assert.Equal(t, int64(64*1024), c.Momentum.Hit)
	assert.Equal(t, int64(64*1024), c.Window)

	flat := testSequential(false)
	c, ok = flat.Continue([]cache.Entry{e}, 100, 10)
	require.True(t, ok)
	assert.Equal(t, int64(60*1024), c.Window)
}

func TestSequential_ContinuePicksLargestMomentum(t *testing.T) {
	s := testSequential(false)
	small := entryWith(0, 100, func(m *cache.Metadata) {
		m.LastStart, m.LastEnd, m.HitAmount = 0, 100, 5000
	})
	large := entryWith(50, 100, func(m *cache.Metadata) {
		m.LastStart, m.LastEnd, m.HitAmount = 0, 100, 9000
	})
	noHit := entryWith(0, 100, nil)

	c, ok := s.Continue([]cache.Entry{small, noHit, large}, 200, 10)
	require.True(t, ok)
	assert.Equal(t, int64(9000), c.Window)
}

func testTracker() *ClusterTracker {
	return NewClusterTracker(ClusterConfig{
		Range:         100 << 20,
		TTL:           time.Minute,
		PurgeInterval: 5 * time.Second,
	})
}

func TestClusterTracker_HotspotTriggersOnce(t *testing.T) {
	tr := testTracker()
	now := time.Now()
	offsets := []int64{50000, 50050, 49980, 50100}

	var triggers []int
	var hot Hotspot
	for i := 0; i < 400; i++ {
		h, ok := tr.Miss(offsets[i%len(offsets)], now)
		if ok {
			triggers = append(triggers, i)
			hot = h
		}
		require.Equal(t, 1, tr.Len(), "cluster lost at miss %d", i)
	}

	assert.Equal(t, []int{31}, triggers)
	assert.Equal(t, int64(49964), hot.Offset)
	assert.Equal(t, int64(180), hot.Amount)
	assert.InDelta(t, 50000, hot.Offset+hot.Amount/2, 100)
	assert.True(t, tr.Clusters()[0].Prefetched)
}

func TestClusterTracker_SequentialDriftIsDropped(t *testing.T) {
	tr := testTracker()
	now := time.Now()

	for i := int64(0); i < 10; i++ {
		_, ok := tr.Miss(1000+i*1000, now)
		assert.False(t, ok)
	}
	assert.Equal(t, 0, tr.Len())
}

func TestClusterTracker_SeparateClustersStaySorted(t *testing.T) {
	tr := NewClusterTracker(ClusterConfig{Range: 1000, TTL: time.Minute, PurgeInterval: time.Second})
	now := time.Now()

	for _, o := range []int64{500000, 10000, 250000, 10100, 499900} {
		tr.Miss(o, now)
	}
	clusters := tr.Clusters()
	require.Len(t, clusters, 3)
	for i := 1; i < len(clusters); i++ {
		assert.Less(t, clusters[i-1].Offset, clusters[i].Offset)
	}
	assert.Equal(t, 1, clusters[0].Forward)
	assert.Equal(t, 1, clusters[2].Backward)
}

func TestClusterTracker_Purge(t *testing.T) {
	tr := testTracker()
	start := time.Now()

	tr.Miss(1000, start)
	tr.Miss(900000000, start.Add(50*time.Second))
	require.Equal(t, 2, tr.Len())

	// the first cluster is stale by now, the second is not
	tr.Miss(500000000, start.Add(90*time.Second))
	clusters := tr.Clusters()
	require.Len(t, clusters, 2)
	assert.Equal(t, float64(500000000), clusters[0].Offset)
}
