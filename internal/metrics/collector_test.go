package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/plasticityai/supersqlite/pkg/errors"
	"github.com/plasticityai/supersqlite/pkg/health"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "test",
	})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return c
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "supersqlite",
			Subsystem: "test",
		}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.config != config {
			t.Error("collector.config does not match input config")
		}
		if collector.Registry() == nil {
			t.Error("collector registry is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 9090 {
			t.Errorf("default port = %d, want 9090", collector.config.Port)
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
		if collector.config.Namespace != "supersqlite" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "supersqlite")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		if collector.Registry() != nil {
			t.Error("disabled collector should not have registry")
		}
	})
}

func TestRecordRead(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordRead(true, 100)
	c.RecordRead(true, 200)
	c.RecordRead(false, 4096)

	if got := testutil.ToFloat64(c.readCounter.WithLabelValues("hit")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.readCounter.WithLabelValues("miss")); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
}

func TestRecordFetch(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordFetch("primary", 4096, 10*time.Millisecond, nil)
	c.RecordFetch("primary", 8192, 30*time.Millisecond, nil)
	c.RecordFetch("sequential", 0, time.Millisecond, errors.NewError(errors.ErrCodeOperationCanceled, "cancelled"))

	if got := testutil.ToFloat64(c.fetchBytes.WithLabelValues("primary")); got != 12288 {
		t.Errorf("primary bytes = %v, want 12288", got)
	}
	if got := testutil.ToFloat64(c.fetchCounter.WithLabelValues("sequential", "cancelled")); got != 1 {
		t.Errorf("cancelled fetches = %v, want 1", got)
	}

	slots := c.Slots()
	primary := slots["primary"]
	if primary.Count != 2 || primary.Errors != 0 {
		t.Errorf("primary = %+v", primary)
	}
	if primary.AvgDuration != 20*time.Millisecond {
		t.Errorf("primary avg = %v, want 20ms", primary.AvgDuration)
	}
	if slots["sequential"].Errors != 1 {
		t.Errorf("sequential errors = %d, want 1", slots["sequential"].Errors)
	}

	c.ResetSlots()
	if len(c.Slots()) != 0 {
		t.Error("ResetSlots left summaries behind")
	}
}

func TestRecordPrefetchAndCacheEvents(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordPrefetch("hotspot", "started")
	c.RecordPrefetch("hotspot", "dropped_limit")
	c.RecordPrefetch("hotspot", "dropped_limit")
	c.RecordBookkeepingError()
	c.RecordUnmap()
	c.RecordUnmap()
	c.SetOpenHandles(3)

	if got := testutil.ToFloat64(c.prefetchCounter.WithLabelValues("hotspot", "dropped_limit")); got != 2 {
		t.Errorf("dropped = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.bookkeepingErrors); got != 1 {
		t.Errorf("bookkeeping = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.unmaps); got != 2 {
		t.Errorf("unmaps = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.openHandles); got != 3 {
		t.Errorf("open handles = %v, want 3", got)
	}
}

func TestDisabledAndNilCollector(t *testing.T) {
	t.Parallel()

	disabled, _ := NewCollector(&Config{Enabled: false})
	var none *Collector

	for _, c := range []*Collector{disabled, none} {
		// Should not panic
		c.RecordRead(true, 1)
		c.RecordFetch("primary", 1, time.Millisecond, nil)
		c.RecordPrefetch("sequential", "started")
		c.RecordBookkeepingError()
		c.RecordUnmap()
		c.SetOpenHandles(1)
		if err := c.Start(context.Background()); err != nil {
			t.Errorf("Start() error = %v", err)
		}
		if err := c.Stop(context.Background()); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
		if len(c.Slots()) != 0 {
			t.Error("disabled collector tracked a fetch")
		}
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "success"},
		{"status", errors.NewError(errors.ErrCodeHTTPStatus, "404"), "http_status"},
		{"transient", errors.NewError(errors.ErrCodeNetworkTransient, "reset"), "transient"},
		{"cancelled", errors.NewError(errors.ErrCodeOperationCanceled, "stop"), "cancelled"},
		{"closed slot", errors.NewError(errors.ErrCodeConnectionClosed, "terminated"), "closed"},
		{"plain", context.DeadlineExceeded, "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)
	c.RecordRead(false, 10)
	c.RecordFetch("primary", 4096, time.Millisecond, nil)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(body.String(), `test_reads_total{result="miss"} 1`) {
		t.Errorf("metrics output missing read counter:\n%s", body.String())
	}

	resp, err = http.Get(srv.URL + "/debug/slots")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var view struct {
		Slots []struct {
			Name  string `json:"name"`
			Count int64  `json:"count"`
		} `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if len(view.Slots) != 1 || view.Slots[0].Name != "primary" || view.Slots[0].Count != 1 {
		t.Errorf("slot summary = %+v", view.Slots)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestHealthHandlerReportsTracker(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)
	tracker := health.NewTracker(health.DefaultConfig())
	tracker.RegisterComponent("http://example.com/remote.db")
	c.SetHealth(tracker)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	get := func() (int, string) {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var view struct {
			Status string `json:"status"`
			Files  []struct {
				Name string `json:"name"`
			} `json:"files"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			t.Fatal(err)
		}
		if len(view.Files) != 1 {
			t.Errorf("files = %d, want 1", len(view.Files))
		}
		return resp.StatusCode, view.Status
	}

	if code, status := get(); code != http.StatusOK || status != "healthy" {
		t.Errorf("health = %d %s, want 200 healthy", code, status)
	}

	tracker.RecordError("http://example.com/remote.db", errors.ErrNetworkUnavailable)
	if code, status := get(); code != http.StatusServiceUnavailable || status != "unavailable" {
		t.Errorf("health = %d %s, want 503 unavailable", code, status)
	}
}
