// Package remote implements the read path of one remote file: cache lookup,
// adaptive window sizing on a miss, retries, and the hand-off of sequential
// and hotspot prefetches to the scheduler.
//
// A Handle is safe for concurrent use. Its cache state is guarded by one
// mutex that is never held across a network request.
package remote

import (
	"context"
	stderr "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/plasticityai/supersqlite/internal/cache"
	"github.com/plasticityai/supersqlite/internal/circuit"
	"github.com/plasticityai/supersqlite/internal/config"
	"github.com/plasticityai/supersqlite/internal/predictor"
	"github.com/plasticityai/supersqlite/internal/prefetch"
	"github.com/plasticityai/supersqlite/internal/transport"
	"github.com/plasticityai/supersqlite/pkg/errors"
	"github.com/plasticityai/supersqlite/pkg/retry"
	"github.com/plasticityai/supersqlite/pkg/utils"
)

// State is the lifecycle state of a handle
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Config represents everything a handle needs at open time
type Config struct {
	VFS     config.Options
	Network config.NetworkConfig
	Breaker config.CircuitBreakerConfig
}

// Recorder receives handle events for export. All methods must be safe
// for concurrent use.
type Recorder interface {
	RecordRead(hit bool, bytes int)
	RecordFetch(slot string, bytes int64, d time.Duration, err error)
	RecordPrefetch(class, outcome string)
	RecordBookkeepingError()
	RecordUnmap()
}

// Stats is a point-in-time view of a handle
type Stats struct {
	State             State
	Hits              int64
	Misses            int64
	Fetches           int64
	FetchErrors       int64
	BytesFetched      int64
	BookkeepingErrors int64
	Prefetches        map[string]int64
	Entries           int
	OpenMappings      int
	Clusters          int
	Window            int64
	Direction         int
}

// Handle is the shared runtime state of one remote file: its connections,
// cache entries, access predictors and background prefetches.
type Handle struct {
	res     transport.Resource
	opts    config.Options
	logger  zerolog.Logger
	rec     Recorder
	conns   *transport.Manager
	sched   *prefetch.Scheduler
	breaker *circuit.Breaker
	retrier *retry.Retryer

	// mu guards everything below
	mu          sync.Mutex
	state       State
	store       *cache.Store
	seq         *predictor.Sequential
	clusters    *predictor.ClusterTracker
	cacheAmount int64
	direction   int

	hits         atomic.Int64
	misses       atomic.Int64
	fetches      atomic.Int64
	fetchErrors  atomic.Int64
	bytesFetched atomic.Int64
	bookkeeping  atomic.Int64
	prefetches   *xsync.Map[string, *atomic.Int64]
}

// New opens a handle for the remote file named by name. The name may carry
// a prefix before the URL.
func New(ctx context.Context, name string, cfg Config, rec Recorder) (*Handle, error) {
	res, err := transport.ParseResource(name)
	if err != nil {
		return nil, err
	}

	opts := cfg.VFS.Normalize()
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "invalid vfs options").
			WithComponent("remote")
	}

	h := &Handle{
		res:        res,
		opts:       opts,
		rec:        rec,
		logger:     utils.GetLogger("remote").With().Str("url", res.URL).Logger(),
		prefetches: xsync.NewMap[string, *atomic.Int64](),
	}

	dial, err := transport.NewDialer(ctx, res, cfg.Network)
	if err != nil {
		return nil, err
	}
	h.conns, err = transport.NewManager(dial,
		transport.WithReadIncrement(cfg.Network.ReadIncrement),
		transport.WithObserver(h),
	)
	if err != nil {
		return nil, err
	}

	h.store, err = cache.NewStore(cache.StoreConfig{
		UseMmap:       opts.UseMmap,
		Dir:           cache.Dir(opts.TempDir, res.CacheKey()),
		MaxMappings:   opts.MmapMaxFiles,
		TTL:           opts.CacheTTL,
		PurgeInterval: opts.TTLPurgeInterval,
		OnBookkeeping: h.countBookkeeping,
		OnUnmap:       h.onUnmap,
	})
	if err != nil {
		h.conns.Close()
		return nil, errors.Wrap(errors.ErrCodeCacheBookkeeping, err, "failed to open cache store").
			WithComponent("remote")
	}

	h.seq = predictor.NewSequential(predictor.SequentialConfig{
		DefaultRead:       opts.SequentialCacheDefaultRead,
		GapTolerance:      opts.SequentialCacheGapTolerance,
		MaxRead:           opts.SequentialCacheMaxRead,
		ExponentialGrowth: opts.SequentialCacheExponentialReadGrowth,
	})
	h.clusters = predictor.NewClusterTracker(predictor.ClusterConfig{
		Range:         opts.RandomAccessCacheRange,
		TTL:           opts.RandomAccessHitTrackerTTL,
		PurgeInterval: opts.TTLPurgeInterval,
	})
	h.cacheAmount = h.seq.DefaultWindow()

	if cfg.Breaker.Enabled {
		h.breaker = circuit.New(res.URL, circuit.Config{
			FailureThreshold: uint32(max(cfg.Breaker.FailureThreshold, 0)),
			Timeout:          cfg.Breaker.Timeout,
			OnStateChange: func(name string, from, to circuit.State) {
				h.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("prefetch breaker changed state")
			},
		})
	}

	h.sched = prefetch.NewScheduler(prefetch.Config{
		HotspotLimit: opts.PrefetchThreadLimit,
		Breaker:      h.breaker,
		Covered:      h.covered,
		Observer:     h,
	}, h.conns.Fetch, h.storePrefetch)

	h.retrier = retry.New(retry.Config{
		MaxAttempts:      opts.MaxNetworkRetries,
		ImmediateRetries: cfg.Network.ImmediateRetries,
		InitialDelay:     opts.NetworkRetryDelay,
		MaxDelay:         opts.NetworkRetryDelay,
		Multiplier:       1,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeNetworkTransient,
			errors.ErrCodeConnectionClosed,
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			h.logger.Info().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("network error, reconnecting")
			if rerr := h.conns.Reconnect(transport.SlotPrimary); rerr != nil {
				h.logger.Warn().Err(rerr).Msg("reconnect failed")
			}
		},
	})

	h.logger.Debug().
		Bool("mmap", opts.UseMmap).
		Str("dir", h.store.Dir()).
		Int("entries", h.store.Len()).
		Msg("opened remote file")
	return h, nil
}

// Resource returns the parsed identity of the remote file
func (h *Handle) Resource() transport.Resource {
	return h.res
}

// Read returns amount bytes at offset. Fewer bytes are returned only at the
// end of the file.
func (h *Handle) Read(ctx context.Context, amount int, offset int64) ([]byte, error) {
	if offset < 0 {
		return nil, errors.NewError(errors.ErrCodeInternalError, "negative read offset").
			WithComponent("remote").
			WithDetail("offset", offset)
	}
	if h.State() != StateOpen {
		return nil, h.closedError("read")
	}
	if amount <= 0 {
		return []byte{}, nil
	}

	var out []byte
	err := h.retrier.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		if h.opts.ShouldCache {
			out, err = h.readOnce(ctx, int64(amount), offset)
		} else {
			out, err = h.readDirect(ctx, int64(amount), offset)
		}
		return err
	})
	if err != nil {
		return nil, h.readError(err, offset, amount)
	}
	return out, nil
}

func (h *Handle) readError(err error, offset int64, amount int) error {
	if stderr.Is(err, errors.ErrRetryExhausted) {
		h.logger.Error().Err(err).Int64("offset", offset).Int("amount", amount).Msg("could not reach the server")
		return errors.Wrap(errors.ErrCodeNetworkUnavailable, err, "could not reach the server").
			WithComponent("remote").
			WithOperation("read").
			WithContext("url", h.res.URL)
	}
	return err
}

// plan is the outcome of classifying a miss
type plan struct {
	start, end int64
	direction  int
	window     int64
	momentum   predictor.Momentum
	hotspot    *predictor.Hotspot
}

func (h *Handle) readOnce(ctx context.Context, amount, offset int64) ([]byte, error) {
	now := time.Now()

	h.mu.Lock()
	if h.state != StateOpen {
		h.mu.Unlock()
		return nil, h.closedError("read")
	}
	if n, ok := h.conns.KnownLength(); ok {
		if offset >= n {
			h.mu.Unlock()
			return []byte{}, nil
		}
		amount = min(amount, n-offset)
	}

	if e := h.store.Find(offset, amount); e != nil {
		data, err := h.hit(e, offset, amount, now)
		if err == nil {
			h.mu.Unlock()
			h.hits.Add(1)
			if h.rec != nil {
				h.rec.RecordRead(true, len(data))
			}
			return data, nil
		}
		h.reportBookkeeping(err)
	}

	p := h.planMiss(offset, amount, now)
	h.mu.Unlock()

	h.misses.Add(1)
	h.trace().
		Int64("offset", offset).
		Int64("amount", amount).
		Int64("fetch_start", p.start).
		Int64("fetch_end", p.end).
		Int("direction", p.direction).
		Msg("cache miss")

	h.sched.CancelSequential()
	if p.hotspot != nil {
		h.scheduleHotspot(*p.hotspot)
	}

	data, err := h.conns.RequestRange(ctx, transport.SlotPrimary, p.start, p.end-1)
	if err != nil {
		return nil, err
	}
	if n, ok := h.conns.KnownLength(); ok && int64(len(data)) < min(p.end, n)-p.start {
		return nil, errors.NewError(errors.ErrCodeNetworkTransient, "short range response").
			WithComponent("remote").
			WithOperation("read").
			WithDetail("expected", min(p.end, n)-p.start).
			WithDetail("received", len(data))
	}

	h.mu.Lock()
	if h.state != StateOpen {
		h.mu.Unlock()
		return sliceOf(data, offset-p.start, amount), nil
	}
	meta := cache.NewMetadata(p.start, p.direction)
	meta.LastStart = offset - p.start
	meta.LastEnd = meta.LastStart + amount
	meta.ForwardAmount = p.momentum.Forward
	meta.BackwardAmount = p.momentum.Backward
	meta.HitAmount = max(p.momentum.Hit, p.window)
	meta.Touched = now
	out := h.store.Create(meta, data, offset, amount)
	h.store.Purge(now, meta.ID)
	next, ok := h.nextSequential(p, int64(len(data)))
	h.mu.Unlock()

	if h.rec != nil {
		h.rec.RecordRead(false, len(out))
	}
	if ok {
		outcome := h.sched.Schedule(next)
		h.trace().
			Int64("offset", next.Offset).
			Int64("amount", next.Amount).
			Str("outcome", string(outcome)).
			Msg("sequential prefetch")
	}
	return out, nil
}

// hit serves a read from e and advances its momentum. Must hold h.mu.
func (h *Handle) hit(e cache.Entry, offset, amount int64, now time.Time) ([]byte, error) {
	meta, window := h.seq.Hit(e.Meta(), offset, amount, now)
	data, err := e.ReadRange(offset-meta.Start, amount)
	if err != nil {
		return nil, err
	}
	h.store.Update(e, meta)
	if meta.Direction != predictor.Unknown {
		h.direction = meta.Direction
	}
	h.cacheAmount = window
	h.store.Purge(now, e.ID())

	h.trace().
		Int64("offset", offset).
		Int64("amount", amount).
		Int64("entry", meta.Start).
		Int64("window", window).
		Msg("cache hit")
	return data, nil
}

// planMiss classifies a miss and computes its fetch window. Must hold h.mu.
func (h *Handle) planMiss(offset, amount int64, now time.Time) plan {
	p := plan{direction: h.direction}

	if c, ok := h.seq.Continue(h.store.Entries(), offset, amount); ok {
		h.direction = c.Direction
		h.cacheAmount = c.Window
		p.direction = c.Direction
		p.momentum = c.Momentum
	} else {
		h.cacheAmount = h.seq.DefaultWindow()
		if h.opts.RandomAccessCachePrefetch {
			if hs, ok := h.clusters.Miss(offset, now); ok {
				p.hotspot = &hs
			}
		}
	}
	p.window = h.cacheAmount

	if p.direction >= 0 {
		p.start = offset
		p.end = offset + max(p.window, amount)
	} else {
		p.start = max(offset-p.window, 0)
		p.end = offset + amount
	}
	if n, ok := h.conns.KnownLength(); ok {
		p.end = min(p.end, n)
	}
	return p
}

// nextSequential returns the window following a fetch in its direction.
// Must hold h.mu.
func (h *Handle) nextSequential(p plan, fetched int64) (prefetch.Request, bool) {
	if !h.opts.SequentialCachePrefetch || p.window <= 0 {
		return prefetch.Request{}, false
	}

	req := prefetch.Request{Class: prefetch.Sequential, Direction: p.direction}
	if p.direction >= 0 {
		req.Direction = predictor.Forward
		req.Offset = p.start + fetched
		req.Amount = p.window
		if fetched < p.end-p.start {
			// the server ran out of bytes
			return prefetch.Request{}, false
		}
	} else {
		if p.start == 0 {
			return prefetch.Request{}, false
		}
		req.Offset = max(p.start-p.window, 0)
		req.Amount = p.start - req.Offset
	}

	if n, ok := h.conns.KnownLength(); ok {
		if req.Offset >= n {
			return prefetch.Request{}, false
		}
		req.Amount = min(req.Amount, n-req.Offset)
	}
	return req, req.Amount > 0
}

func (h *Handle) scheduleHotspot(hs predictor.Hotspot) {
	req := prefetch.Request{Class: prefetch.Hotspot, Offset: hs.Offset, Amount: hs.Amount}
	if n, ok := h.conns.KnownLength(); ok {
		if req.Offset >= n {
			return
		}
		req.Amount = min(req.Amount, n-req.Offset)
	}
	outcome := h.sched.Schedule(req)
	h.logger.Debug().
		Int64("offset", req.Offset).
		Int64("amount", req.Amount).
		Str("outcome", string(outcome)).
		Msg("hotspot detected")
}

// storePrefetch is the scheduler sink
func (h *Handle) storePrefetch(t *prefetch.Task, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateOpen || t.Cancelled() || len(data) == 0 {
		return
	}

	req := t.Request()
	meta := cache.NewMetadata(req.Offset, req.Direction)
	switch {
	case req.Class == prefetch.Hotspot:
		// no hit span until a foreground read lands in it
	case req.Direction < 0:
		meta.LastStart, meta.LastEnd = int64(len(data)), int64(len(data))
		meta.BackwardAmount = req.Amount
	default:
		meta.LastStart, meta.LastEnd = 0, 0
		meta.ForwardAmount = req.Amount
	}
	meta.HitAmount = req.Amount
	h.store.Create(meta, data, req.Offset, 0)
}

func (h *Handle) readDirect(ctx context.Context, amount, offset int64) ([]byte, error) {
	if n, ok := h.conns.KnownLength(); ok {
		if offset >= n {
			return []byte{}, nil
		}
		amount = min(amount, n-offset)
	}
	h.misses.Add(1)
	data, err := h.conns.RequestRange(ctx, transport.SlotPrimary, offset, offset+amount-1)
	if err != nil {
		return nil, err
	}
	out := sliceOf(data, 0, amount)
	if h.rec != nil {
		h.rec.RecordRead(false, len(out))
	}
	return out, nil
}

// Size returns the length of the remote file, memoized after the first
// success.
func (h *Handle) Size(ctx context.Context) (int64, error) {
	if h.State() != StateOpen {
		return 0, h.closedError("size")
	}

	var n int64
	err := h.retrier.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		n, err = h.conns.Length(ctx)
		return err
	})
	if err != nil {
		return 0, h.readError(err, 0, 0)
	}

	h.mu.Lock()
	if h.state == StateOpen {
		h.store.SetLength(n)
	}
	h.mu.Unlock()
	return n, nil
}

// Write is a no-op: remote files are read-only
func (h *Handle) Write(data []byte, offset int64) error {
	return nil
}

// State returns the lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Close cancels background prefetches, waits for them to stop and releases
// every connection and mapping. Persisted cache files stay on disk.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.state != StateOpen {
		h.mu.Unlock()
		return nil
	}
	h.state = StateClosing
	h.mu.Unlock()

	h.sched.Close()
	err := h.conns.Close()

	h.mu.Lock()
	h.store.Close()
	h.state = StateClosed
	h.mu.Unlock()

	h.logger.Debug().Msg("closed remote file")
	return err
}

// CacheDir returns the on-disk cache directory, empty for the buffer backend
func (h *Handle) CacheDir() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.Dir()
}

// Stats returns a snapshot of the handle counters
func (h *Handle) Stats() Stats {
	s := Stats{
		Hits:              h.hits.Load(),
		Misses:            h.misses.Load(),
		Fetches:           h.fetches.Load(),
		FetchErrors:       h.fetchErrors.Load(),
		BytesFetched:      h.bytesFetched.Load(),
		BookkeepingErrors: h.bookkeeping.Load(),
		Prefetches:        make(map[string]int64),
	}
	h.prefetches.Range(func(k string, v *atomic.Int64) bool {
		s.Prefetches[k] = v.Load()
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	s.State = h.state
	s.Entries = h.store.Len()
	s.OpenMappings = h.store.OpenMappings()
	s.Clusters = h.clusters.Len()
	s.Window = h.cacheAmount
	s.Direction = h.direction
	return s
}

// RecordFetch implements transport.FetchObserver
func (h *Handle) RecordFetch(slot string, bytes int64, d time.Duration, err error) {
	h.fetches.Add(1)
	h.bytesFetched.Add(bytes)
	if err != nil {
		h.fetchErrors.Add(1)
	}
	if h.rec != nil {
		h.rec.RecordFetch(slot, bytes, d, err)
	}
}

// RecordPrefetch implements prefetch.Observer
func (h *Handle) RecordPrefetch(class, outcome string) {
	c, _ := h.prefetches.LoadOrStore(class+"/"+outcome, new(atomic.Int64))
	c.Add(1)
	if h.rec != nil {
		h.rec.RecordPrefetch(class, outcome)
	}
	if outcome != string(prefetch.OutcomeStarted) {
		h.trace().Str("class", class).Str("outcome", outcome).Msg("prefetch")
	}
}

func (h *Handle) covered(start, end int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateOpen {
		return false
	}
	return h.store.Covered(start, end)
}

// countBookkeeping is the store callback. The store logs the failure itself.
func (h *Handle) countBookkeeping(err error) {
	h.bookkeeping.Add(1)
	if h.rec != nil {
		h.rec.RecordBookkeepingError()
	}
}

func (h *Handle) reportBookkeeping(err error) {
	h.logger.Warn().Err(err).Msg("cache entry unreadable, fetching again")
	h.countBookkeeping(err)
}

func (h *Handle) onUnmap() {
	if h.rec != nil {
		h.rec.RecordUnmap()
	}
}

// trace returns an event only when per-read tracing is on; methods on a nil
// event are no-ops.
func (h *Handle) trace() *zerolog.Event {
	if !h.opts.TraceLog {
		return nil
	}
	return h.logger.Info()
}

func (h *Handle) closedError(op string) error {
	return errors.NewError(errors.ErrCodeHandleClosed, "remote file is closed").
		WithComponent("remote").
		WithOperation(op).
		WithContext("url", h.res.URL)
}

func sliceOf(data []byte, rel, n int64) []byte {
	if rel < 0 || rel >= int64(len(data)) {
		return []byte{}
	}
	end := min(rel+n, int64(len(data)))
	out := make([]byte, end-rel)
	copy(out, data[rel:end])
	return out
}
