package prefetch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/plasticityai/supersqlite/internal/circuit"
	"github.com/plasticityai/supersqlite/internal/transport"
	"github.com/plasticityai/supersqlite/pkg/utils"
)

// Class separates the two kinds of background fetch
type Class int

const (
	// Sequential prefetches the next window in the read direction
	Sequential Class = iota
	// Hotspot prefetches a region receiving frequent random misses
	Hotspot
)

// String returns the class name used in logs and metrics
func (c Class) String() string {
	if c == Sequential {
		return "sequential"
	}
	return "hotspot"
}

// Slot returns the connection slot dedicated to the class
func (c Class) Slot() transport.SlotID {
	if c == Sequential {
		return transport.SlotSequential
	}
	return transport.SlotRandom
}

// Outcome of a prefetch request
type Outcome string

const (
	OutcomeStarted        Outcome = "started"
	OutcomeCompleted      Outcome = "completed"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeFailed         Outcome = "failed"
	OutcomeDroppedLimit   Outcome = "dropped_limit"
	OutcomeDroppedBreaker Outcome = "dropped_breaker"
	OutcomeDroppedCovered Outcome = "dropped_covered"
	OutcomeDroppedClosed  Outcome = "dropped_closed"
)

// Request describes one background fetch of [Offset, Offset+Amount)
type Request struct {
	Class     Class
	Direction int
	Offset    int64
	Amount    int64
}

// Fetcher performs a ranged fetch of [start, end] inclusive on slot,
// polling cancelled between read increments.
type Fetcher func(ctx context.Context, slot transport.SlotID, start, end int64, cancelled func() bool) ([]byte, error)

// Sink stores the data of a finished task. It must drop the data when the
// task reports cancelled.
type Sink func(t *Task, data []byte)

// Observer receives every prefetch outcome
type Observer interface {
	RecordPrefetch(class string, outcome string)
}

// Config represents the scheduler configuration
type Config struct {
	// HotspotLimit bounds concurrent hotspot tasks
	HotspotLimit int
	// Breaker, if set, rejects fetches while the remote keeps failing
	Breaker *circuit.Breaker
	// Covered, if set, reports ranges already held by the cache
	Covered func(start, end int64) bool
	Observer Observer
}

// Task is one running background fetch
type Task struct {
	id        uint64
	req       Request
	cancelled atomic.Bool
	done      chan struct{}
}

// Request returns what the task fetches
func (t *Task) Request() Request { return t.req }

// Cancelled reports whether the task was asked to stop
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Cancel asks the task to stop at its next read increment
func (t *Task) Cancel() { t.cancelled.Store(true) }

// Done is closed when the task has stopped
func (t *Task) Done() <-chan struct{} { return t.done }

// Scheduler runs the background fetches of one handle
type Scheduler struct {
	cfg    Config
	fetch  Fetcher
	sink   Sink
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	sequential *Task
	closed     bool

	tasks    *xsync.Map[uint64, *Task]
	hotspots atomic.Int32
	nextID   atomic.Uint64
}

// NewScheduler creates a scheduler that fetches with fetch and stores
// results with sink.
func NewScheduler(cfg Config, fetch Fetcher, sink Sink) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		fetch:  fetch,
		sink:   sink,
		logger: utils.GetLogger("prefetch"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  xsync.NewMap[uint64, *Task](),
	}
}

// Schedule starts a background fetch for req, or drops it. Scheduling a
// sequential task cancels the running one.
func (s *Scheduler) Schedule(req Request) Outcome {
	outcome := s.schedule(req)
	s.record(req.Class, outcome)
	return outcome
}

func (s *Scheduler) schedule(req Request) Outcome {
	if req.Amount <= 0 {
		return OutcomeDroppedCovered
	}
	if s.cfg.Covered != nil && s.cfg.Covered(req.Offset, req.Offset+req.Amount) {
		return OutcomeDroppedCovered
	}
	if s.cfg.Breaker != nil && !s.cfg.Breaker.Ready() {
		return OutcomeDroppedBreaker
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return OutcomeDroppedClosed
	}

	if req.Class == Hotspot && !s.acquireHotspot() {
		return OutcomeDroppedLimit
	}

	t := &Task{
		id:   s.nextID.Add(1),
		req:  req,
		done: make(chan struct{}),
	}
	if req.Class == Sequential {
		if s.sequential != nil {
			s.sequential.Cancel()
		}
		s.sequential = t
	}

	s.tasks.Store(t.id, t)
	s.wg.Add(1)
	go s.run(t)
	return OutcomeStarted
}

func (s *Scheduler) acquireHotspot() bool {
	for {
		n := s.hotspots.Load()
		if int(n) >= s.cfg.HotspotLimit {
			return false
		}
		if s.hotspots.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Scheduler) run(t *Task) {
	defer s.wg.Done()
	defer close(t.done)
	defer s.tasks.Delete(t.id)
	if t.req.Class == Hotspot {
		defer s.hotspots.Add(-1)
	}

	req := t.req
	log := s.logger.With().
		Str("class", req.Class.String()).
		Int64("offset", req.Offset).
		Int64("amount", req.Amount).
		Logger()
	log.Debug().Msg("prefetch started")

	var data []byte
	fetch := func() error {
		var err error
		data, err = s.fetch(s.ctx, req.Class.Slot(), req.Offset, req.Offset+req.Amount-1, t.Cancelled)
		return err
	}

	var err error
	if s.cfg.Breaker != nil {
		err = s.cfg.Breaker.Execute(fetch)
	} else {
		err = fetch()
	}

	switch {
	case t.Cancelled():
		log.Debug().Msg("prefetch cancelled")
		s.record(req.Class, OutcomeCancelled)
	case err != nil:
		log.Debug().Err(err).Msg("prefetch failed")
		s.record(req.Class, OutcomeFailed)
	default:
		s.sink(t, data)
		log.Debug().Int("bytes", len(data)).Msg("prefetch finished")
		s.record(req.Class, OutcomeCompleted)
	}
}

// CancelSequential cancels the running sequential task, if any
func (s *Scheduler) CancelSequential() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sequential != nil {
		s.sequential.Cancel()
		s.sequential = nil
	}
}

// Active returns the number of running tasks
func (s *Scheduler) Active() int {
	return s.tasks.Size()
}

// ActiveHotspots returns the number of running hotspot tasks
func (s *Scheduler) ActiveHotspots() int {
	return int(s.hotspots.Load())
}

// Close cancels every task and waits until all of them have stopped
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	s.sequential = nil
	s.mu.Unlock()

	s.tasks.Range(func(_ uint64, t *Task) bool {
		t.Cancel()
		return true
	})
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) record(c Class, o Outcome) {
	if s.cfg.Observer != nil {
		s.cfg.Observer.RecordPrefetch(c.String(), string(o))
	}
}
