// Package transport fetches byte ranges of remote files over HTTP(S) and S3.
package transport

import (
	"context"
	stderr "errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plasticityai/supersqlite/pkg/errors"
	"github.com/plasticityai/supersqlite/pkg/utils"
)

// SlotID names one of the three connections held per resource
type SlotID int

const (
	// SlotPrimary serves synchronous foreground reads
	SlotPrimary SlotID = iota
	// SlotSequential serves the sequential prefetch task
	SlotSequential
	// SlotRandom serves hotspot prefetch tasks
	SlotRandom

	numSlots
)

// String returns the slot name used in logs and metrics
func (s SlotID) String() string {
	switch s {
	case SlotPrimary:
		return "primary"
	case SlotSequential:
		return "sequential"
	case SlotRandom:
		return "random"
	default:
		return "unknown"
	}
}

// DefaultReadIncrement is the body read size between cancellation checks
const DefaultReadIncrement = 64 * 1024

// FetchObserver receives one call per completed range request
type FetchObserver interface {
	RecordFetch(slot string, bytes int64, duration time.Duration, err error)
}

type slot struct {
	// use serializes requests on the slot
	use sync.Mutex

	mu         sync.Mutex
	idle       *sync.Cond
	conn       Conn
	busy       int
	terminated bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// Manager owns the connections to one remote resource
type Manager struct {
	dial      Dialer
	increment int
	observer  FetchObserver
	logger    zerolog.Logger

	slots [numSlots]*slot

	// lengthMu guards only the memo, never a size request
	lengthMu    sync.Mutex
	length      int64
	lengthKnown bool

	closeMu sync.RWMutex
	closed  bool
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithReadIncrement sets the body read size between cancellation checks
func WithReadIncrement(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.increment = n
		}
	}
}

// WithObserver sets the fetch observer
func WithObserver(o FetchObserver) ManagerOption {
	return func(m *Manager) {
		m.observer = o
	}
}

// NewManager dials all three slots
func NewManager(dial Dialer, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		dial:      dial,
		increment: DefaultReadIncrement,
		logger:    utils.GetLogger("transport"),
	}
	for _, opt := range opts {
		opt(m)
	}

	for i := range m.slots {
		conn, err := dial()
		if err != nil {
			m.Close()
			return nil, err
		}
		s := &slot{conn: conn}
		s.idle = sync.NewCond(&s.mu)
		s.ctx, s.cancel = context.WithCancel(context.Background())
		m.slots[i] = s
	}

	return m, nil
}

// RequestRange fetches bytes [start, end] inclusive on the given slot
func (m *Manager) RequestRange(ctx context.Context, id SlotID, start, end int64) ([]byte, error) {
	return m.Fetch(ctx, id, start, end, nil)
}

// Fetch fetches bytes [start, end] inclusive on the given slot, reading the
// body in increments. When cancelled reports true between increments the
// partial body is discarded, the slot is reconnected and ErrCanceled is
// returned.
func (m *Manager) Fetch(ctx context.Context, id SlotID, start, end int64, cancelled func() bool) ([]byte, error) {
	m.closeMu.RLock()
	if m.closed {
		m.closeMu.RUnlock()
		return nil, handleClosed("fetch")
	}
	s := m.slots[id]
	m.closeMu.RUnlock()

	s.use.Lock()
	defer s.use.Unlock()

	conn, sctx, err := s.acquire()
	if err != nil {
		return nil, err
	}

	began := time.Now()
	data, err := m.fetch(ctx, sctx, conn, start, end, cancelled)
	s.release()

	if m.observer != nil {
		m.observer.RecordFetch(id.String(), int64(len(data)), time.Since(began), err)
	}

	if stderr.Is(err, errors.ErrCanceled) && cancelled != nil && cancelled() {
		// a partly consumed body leaves the connection unusable
		if rerr := m.Reconnect(id); rerr != nil {
			m.logger.Debug().Err(rerr).Str("slot", id.String()).Msg("reconnect after cancel failed")
		}
	}
	return data, err
}

func (m *Manager) fetch(ctx, sctx context.Context, conn Conn, start, end int64, cancelled func() bool) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sctx, cancel)
	defer stop()

	body, err := conn.GetRange(ctx, start, end)
	if err != nil {
		if sctx.Err() != nil {
			return nil, slotTerminated("get_range")
		}
		return nil, err
	}
	defer body.Close()

	var buf []byte
	if end >= start {
		buf = make([]byte, 0, end-start+1)
	}
	chunk := make([]byte, m.increment)
	for {
		if cancelled != nil && cancelled() {
			return nil, errors.NewError(errors.ErrCodeOperationCanceled, "fetch cancelled").
				WithComponent("transport").
				WithOperation("fetch")
		}
		n, rerr := body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if sctx.Err() != nil {
				return nil, slotTerminated("read_body")
			}
			return nil, networkError(ctx, rerr, "read_body")
		}
	}

	return buf, nil
}

// Length returns the content length of the resource, memoized after the
// first success.
func (m *Manager) Length(ctx context.Context) (int64, error) {
	if n, ok := m.KnownLength(); ok {
		return n, nil
	}

	m.closeMu.RLock()
	if m.closed {
		m.closeMu.RUnlock()
		return 0, handleClosed("size")
	}
	s := m.slots[SlotPrimary]
	m.closeMu.RUnlock()

	s.use.Lock()
	defer s.use.Unlock()

	// another caller may have published it while we waited for the slot
	if n, ok := m.KnownLength(); ok {
		return n, nil
	}

	conn, sctx, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer s.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sctx, cancel)
	defer stop()

	n, err := conn.Size(ctx)
	if err != nil {
		return 0, err
	}

	m.lengthMu.Lock()
	m.length = n
	m.lengthKnown = true
	m.lengthMu.Unlock()
	return n, nil
}

// KnownLength returns the memoized length without any network request
func (m *Manager) KnownLength() (int64, bool) {
	m.lengthMu.Lock()
	defer m.lengthMu.Unlock()
	return m.length, m.lengthKnown
}

// Reconnect terminates the slot, waits until no request is using it and
// replaces its connection.
func (m *Manager) Reconnect(id SlotID) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return handleClosed("reconnect")
	}
	return m.reconnect(m.slots[id])
}

func (m *Manager) reconnect(s *slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.terminated = true
	s.cancel()
	for s.busy > 0 {
		s.idle.Wait()
	}

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	conn, err := m.dial()
	if err != nil {
		return err
	}
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.terminated = false
	return nil
}

// Terminate marks the slot terminated. Requests in flight on it are aborted
// and later requests fail until the slot is reconnected.
func (m *Manager) Terminate(id SlotID) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if s := m.slots[id]; s != nil {
		s.terminate()
	}
}

// Close terminates every slot and closes its connection
func (m *Manager) Close() error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	m.closeMu.Unlock()

	for _, s := range m.slots {
		if s == nil {
			continue
		}
		s.terminate()
		s.mu.Lock()
		for s.busy > 0 {
			s.idle.Wait()
		}
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *slot) acquire() (Conn, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.conn == nil {
		return nil, nil, slotTerminated("acquire")
	}
	s.busy++
	return s.conn, s.ctx, nil
}

func (s *slot) release() {
	s.mu.Lock()
	s.busy--
	if s.busy == 0 {
		s.idle.Broadcast()
	}
	s.mu.Unlock()
}

func (s *slot) terminate() {
	s.mu.Lock()
	s.terminated = true
	s.cancel()
	s.mu.Unlock()
}

func slotTerminated(op string) error {
	return errors.NewError(errors.ErrCodeConnectionClosed, "connection slot terminated").
		WithComponent("transport").
		WithOperation(op)
}

func handleClosed(op string) error {
	return errors.NewError(errors.ErrCodeHandleClosed, "connection manager closed").
		WithComponent("transport").
		WithOperation(op)
}
