// Package testutil provides HTTP servers that stand in for remote database
// files in tests.
package testutil

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Range is one observed ranged request. End is -1 for open ranges.
type Range struct {
	Start int64
	End   int64
}

// RangeServer serves a fixed byte sequence and honours Range headers. It
// records every request so tests can tell cache hits from network fetches.
type RangeServer struct {
	*httptest.Server

	Data []byte

	mu          sync.Mutex
	ranges      []Range
	plain       int
	status      int
	ignoreRange bool
	chunkDelay  time.Duration
	plainDelay  time.Duration
}

// NewRangeServer starts a server for data and closes it when the test ends
func NewRangeServer(t testing.TB, data []byte) *RangeServer {
	t.Helper()
	s := &RangeServer{Data: data}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// RandomData returns n deterministic pseudo-random bytes
func RandomData(n int, seed int64) []byte {
	data := make([]byte, n)
	r := rand.New(rand.NewSource(seed))
	r.Read(data)
	return data
}

// SetStatus makes every later request answer with status
func (s *RangeServer) SetStatus(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetIgnoreRange makes the server answer 200 with the whole body
func (s *RangeServer) SetIgnoreRange(ignore bool) {
	s.mu.Lock()
	s.ignoreRange = ignore
	s.mu.Unlock()
}

// SetChunkDelay slows the body down to one 1 KiB chunk per delay
func (s *RangeServer) SetChunkDelay(d time.Duration) {
	s.mu.Lock()
	s.chunkDelay = d
	s.mu.Unlock()
}

// SetPlainDelay holds back the response to requests without a Range header,
// such as size requests, by d
func (s *RangeServer) SetPlainDelay(d time.Duration) {
	s.mu.Lock()
	s.plainDelay = d
	s.mu.Unlock()
}

// Ranges returns the ranged requests seen so far
func (s *RangeServer) Ranges() []Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Requests returns the number of requests seen so far, ranged or not
func (s *RangeServer) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ranges) + s.plain
}

// Reset forgets the recorded requests
func (s *RangeServer) Reset() {
	s.mu.Lock()
	s.ranges = nil
	s.plain = 0
	s.mu.Unlock()
}

func (s *RangeServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.status
	ignore := s.ignoreRange
	delay := s.chunkDelay
	plainDelay := s.plainDelay
	rng, ranged := parseRange(r.Header.Get("Range"))
	if ranged {
		s.ranges = append(s.ranges, rng)
	} else {
		s.plain++
	}
	s.mu.Unlock()

	if !ranged && plainDelay > 0 {
		select {
		case <-time.After(plainDelay):
		case <-r.Context().Done():
			return
		}
	}

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	size := int64(len(s.Data))
	body := s.Data
	code := http.StatusOK

	if ranged && !ignore {
		if rng.Start >= size {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		end := rng.End
		if end < 0 || end >= size {
			end = size - 1
		}
		body = s.Data[rng.Start : end+1]
		code = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, end, size))
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}

	if delay <= 0 {
		w.Write(body)
		return
	}

	flusher, _ := w.(http.Flusher)
	for len(body) > 0 {
		n := min(1024, len(body))
		if _, err := w.Write(body[:n]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		body = body[n:]
		time.Sleep(delay)
	}
}

func parseRange(h string) (Range, bool) {
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return Range{}, false
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return Range{}, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return Range{}, false
	}
	end := int64(-1)
	if last != "" {
		if end, err = strconv.ParseInt(last, 10, 64); err != nil {
			return Range{}, false
		}
	}
	return Range{Start: start, End: end}, true
}

// ResetServer accepts requests and drops the connection without answering
type ResetServer struct {
	*httptest.Server
	attempts atomic.Int64
}

// NewResetServer starts a server whose every request fails at the
// connection level
func NewResetServer(t testing.TB) *ResetServer {
	t.Helper()
	s := &ResetServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.attempts.Add(1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("response writer does not support hijacking")
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(s.Close)
	return s
}

// Attempts returns the number of requests received
func (s *ResetServer) Attempts() int64 {
	return s.attempts.Load()
}
