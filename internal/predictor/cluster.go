package predictor

import (
	"math"
	"sort"
	"time"
)

const (
	// a cluster this lopsided is sequential drift
	driftRatio    = 2
	driftMinCount = 8

	hotspotMinPerSide = 2
	hotspotMinCount   = 30
)

// ClusterConfig represents the random-access tracker settings
type ClusterConfig struct {
	Range         int64
	TTL           time.Duration
	PurgeInterval time.Duration
}

// Cluster is an approximate record of where misses occur
type Cluster struct {
	Offset     float64
	Spread     float64
	Forward    int
	Backward   int
	LastSeen   time.Time
	Prefetched bool
}

// Hotspot is a region worth prefetching in the background
type Hotspot struct {
	Offset int64
	Amount int64
}

// ClusterTracker groups non-sequential misses into clusters kept sorted by
// offset. It is not safe for concurrent use.
type ClusterTracker struct {
	cfg       ClusterConfig
	clusters  []*Cluster
	lastPurge time.Time
}

// NewClusterTracker creates an empty tracker
func NewClusterTracker(cfg ClusterConfig) *ClusterTracker {
	return &ClusterTracker{cfg: cfg, lastPurge: time.Now()}
}

// Miss records a miss at offset. It reports a hotspot the first time the
// cluster absorbing the miss shows balanced, frequent misses.
func (t *ClusterTracker) Miss(offset int64, now time.Time) (Hotspot, bool) {
	t.purge(now)

	o := float64(offset)
	idx := sort.Search(len(t.clusters), func(i int) bool {
		return t.clusters[i].Offset >= o
	})

	nearest := -1
	for _, i := range []int{idx - 1, idx} {
		if i < 0 || i >= len(t.clusters) {
			continue
		}
		if nearest < 0 || math.Abs(t.clusters[i].Offset-o) < math.Abs(t.clusters[nearest].Offset-o) {
			nearest = i
		}
	}

	if nearest >= 0 {
		c := t.clusters[nearest]
		dist := math.Abs(c.Offset - o)
		if dist <= float64(t.cfg.Range) {
			return t.merge(nearest, o, dist, now)
		}
	}

	t.clusters = append(t.clusters, nil)
	copy(t.clusters[idx+1:], t.clusters[idx:])
	t.clusters[idx] = &Cluster{Offset: o, LastSeen: now}
	return Hotspot{}, false
}

func (t *ClusterTracker) merge(i int, o, dist float64, now time.Time) (Hotspot, bool) {
	c := t.clusters[i]
	if o > c.Offset {
		c.Forward++
	}
	if o < c.Offset {
		c.Backward++
	}
	if dist > c.Spread {
		c.Spread = (dist + c.Spread) / 2
	}
	c.Offset = (o + c.Offset) / 2
	c.LastSeen = now

	total := c.Forward + c.Backward
	if total > driftMinCount && (c.Forward >= c.Backward*driftRatio || c.Backward >= c.Forward*driftRatio) {
		t.remove(i)
		return Hotspot{}, false
	}

	// the mean moved, keep the order
	t.resort(i)

	if !c.Prefetched && c.Forward > hotspotMinPerSide && c.Backward > hotspotMinPerSide && total > hotspotMinCount {
		c.Prefetched = true
		return Hotspot{
			Offset: max(int64(c.Offset-c.Spread), 0),
			Amount: int64(c.Spread * 2),
		}, true
	}
	return Hotspot{}, false
}

func (t *ClusterTracker) resort(i int) {
	for i > 0 && t.clusters[i-1].Offset > t.clusters[i].Offset {
		t.clusters[i-1], t.clusters[i] = t.clusters[i], t.clusters[i-1]
		i--
	}
	for i < len(t.clusters)-1 && t.clusters[i+1].Offset < t.clusters[i].Offset {
		t.clusters[i+1], t.clusters[i] = t.clusters[i], t.clusters[i+1]
		i++
	}
}

func (t *ClusterTracker) remove(i int) {
	copy(t.clusters[i:], t.clusters[i+1:])
	t.clusters[len(t.clusters)-1] = nil
	t.clusters = t.clusters[:len(t.clusters)-1]
}

// purge drops clusters unseen for the TTL, at most once per purge interval
func (t *ClusterTracker) purge(now time.Time) {
	if now.Sub(t.lastPurge) <= t.cfg.PurgeInterval {
		return
	}
	t.lastPurge = now

	kept := t.clusters[:0]
	for _, c := range t.clusters {
		if now.Sub(c.LastSeen) <= t.cfg.TTL {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(t.clusters); i++ {
		t.clusters[i] = nil
	}
	t.clusters = kept
}

// Clusters returns a copy of the clusters in offset order
func (t *ClusterTracker) Clusters() []Cluster {
	out := make([]Cluster, len(t.clusters))
	for i, c := range t.clusters {
		out[i] = *c
	}
	return out
}

// Len returns the number of clusters
func (t *ClusterTracker) Len() int {
	return len(t.clusters)
}
