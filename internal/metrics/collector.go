package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/plasticityai/supersqlite/pkg/errors"
	"github.com/plasticityai/supersqlite/pkg/health"
	"github.com/plasticityai/supersqlite/pkg/utils"
)

// Collector exports cache and fetch metrics. A nil or disabled Collector
// accepts every call and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   zerolog.Logger

	// Prometheus metrics
	readCounter       *prometheus.CounterVec
	readSize          prometheus.Histogram
	fetchCounter      *prometheus.CounterVec
	fetchDuration     *prometheus.HistogramVec
	fetchBytes        *prometheus.CounterVec
	prefetchCounter   *prometheus.CounterVec
	bookkeepingErrors prometheus.Counter
	unmaps            prometheus.Counter
	openHandles       prometheus.Gauge

	// Internal tracking
	health    *health.Tracker
	slots     map[string]*SlotMetrics
	lastReset time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// SlotMetrics summarizes the fetches of one connection slot
type SlotMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	Bytes         int64         `json:"bytes"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastFetch     time.Time     `json:"last_fetch"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "supersqlite",
			Labels:    make(map[string]string),
		}
	}

	if config.Path == "" {
		config.Path = "/metrics"
	}

	c := &Collector{
		config:    config,
		logger:    utils.GetLogger("metrics"),
		slots:     make(map[string]*SlotMetrics),
		lastReset: time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// Registry returns the registry holding every metric, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Handler returns the HTTP handler serving the metrics endpoints
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/slots", c.debugSlotsHandler)
	return mux
}

// Start starts the metrics server
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	c.logger.Info().Str("addr", c.server.Addr).Str("path", c.config.Path).Msg("metrics server started")

	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordRead records a foreground read served from the cache or the network
func (c *Collector) RecordRead(hit bool, bytes int) {
	if !c.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.readCounter.With(prometheus.Labels{"result": result}).Inc()
	if bytes > 0 {
		c.readSize.Observe(float64(bytes))
	}
}

// RecordFetch records one ranged request on a connection slot
func (c *Collector) RecordFetch(slot string, bytes int64, d time.Duration, err error) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	m, ok := c.slots[slot]
	if !ok {
		m = &SlotMetrics{}
		c.slots[slot] = m
	}
	m.Count++
	m.Bytes += bytes
	m.TotalDuration += d
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.LastFetch = time.Now()
	if err != nil {
		m.Errors++
	}
	c.mu.Unlock()

	c.fetchCounter.With(prometheus.Labels{
		"slot":   slot,
		"status": classifyError(err),
	}).Inc()
	c.fetchDuration.With(prometheus.Labels{"slot": slot}).Observe(d.Seconds())
	if bytes > 0 {
		c.fetchBytes.With(prometheus.Labels{"slot": slot}).Add(float64(bytes))
	}
}

// RecordPrefetch records a prefetch outcome
func (c *Collector) RecordPrefetch(class, outcome string) {
	if !c.enabled() {
		return
	}
	c.prefetchCounter.With(prometheus.Labels{
		"class":   class,
		"outcome": outcome,
	}).Inc()
}

// RecordBookkeepingError records a failed cache file operation
func (c *Collector) RecordBookkeepingError() {
	if !c.enabled() {
		return
	}
	c.bookkeepingErrors.Inc()
}

// RecordUnmap records a released mapping
func (c *Collector) RecordUnmap() {
	if !c.enabled() {
		return
	}
	c.unmaps.Inc()
}

// SetOpenHandles updates the number of live remote file handles
func (c *Collector) SetOpenHandles(n int) {
	if !c.enabled() {
		return
	}
	c.openHandles.Set(float64(n))
}

// SetHealth makes the health endpoint report the state of tracker
func (c *Collector) SetHealth(tracker *health.Tracker) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.health = tracker
	c.mu.Unlock()
}

// Slots returns a copy of the per-slot fetch summaries
func (c *Collector) Slots() map[string]SlotMetrics {
	out := make(map[string]SlotMetrics)
	if c == nil {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.slots {
		out[k] = *v
	}
	return out
}

// ResetSlots clears the per-slot summaries
func (c *Collector) ResetSlots() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots = make(map[string]*SlotMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}

	c.readCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("reads_total", "Foreground reads by cache result")),
		[]string{"result"},
	)

	sizeOpts := opts("read_size_bytes", "Size of foreground reads in bytes")
	c.readSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   sizeOpts.Namespace,
		Subsystem:   sizeOpts.Subsystem,
		Name:        sizeOpts.Name,
		Help:        sizeOpts.Help,
		ConstLabels: sizeOpts.ConstLabels,
		Buckets:     prometheus.ExponentialBuckets(512, 2, 16), // 512B to 16MB
	})

	c.fetchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("fetches_total", "Ranged requests by connection slot and status")),
		[]string{"slot", "status"},
	)

	durOpts := opts("fetch_duration_seconds", "Duration of ranged requests in seconds")
	c.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   durOpts.Namespace,
			Subsystem:   durOpts.Subsystem,
			Name:        durOpts.Name,
			Help:        durOpts.Help,
			ConstLabels: durOpts.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"slot"},
	)

	c.fetchBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("fetch_bytes_total", "Bytes received by connection slot")),
		[]string{"slot"},
	)

	c.prefetchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("prefetches_total", "Background prefetches by class and outcome")),
		[]string{"class", "outcome"},
	)

	c.bookkeepingErrors = prometheus.NewCounter(
		prometheus.CounterOpts(opts("cache_bookkeeping_errors_total", "Failed cache file operations")),
	)
	c.unmaps = prometheus.NewCounter(
		prometheus.CounterOpts(opts("mmap_unmaps_total", "Released cache file mappings")),
	)
	c.openHandles = prometheus.NewGauge(
		prometheus.GaugeOpts(opts("open_handles", "Live remote file handles")),
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.readCounter,
		c.readSize,
		c.fetchCounter,
		c.fetchDuration,
		c.fetchBytes,
		c.prefetchCounter,
		c.bookkeepingErrors,
		c.unmaps,
		c.openHandles,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// classifyError maps a fetch error to the status label
func classifyError(err error) string {
	if err == nil {
		return "success"
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeHTTPStatus:
		return "http_status"
	case errors.ErrCodeNetworkTransient:
		return "transient"
	case errors.ErrCodeOperationCanceled:
		return "cancelled"
	case errors.ErrCodeConnectionClosed, errors.ErrCodeHandleClosed:
		return "closed"
	default:
		return "other"
	}
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	tracker := c.health
	c.mu.RUnlock()

	view := struct {
		Status  string                   `json:"status"`
		Service string                   `json:"service"`
		Files   []health.ComponentHealth `json:"files,omitempty"`
	}{Status: health.StateHealthy.String(), Service: "supersqlite"}

	status := http.StatusOK
	if tracker != nil {
		overall := tracker.GetOverallHealth()
		view.Status = overall.String()
		view.Files = tracker.GetAllComponents()
		if overall == health.StateUnavailable {
			status = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(view); err != nil {
		c.logger.Debug().Err(err).Msg("failed to write health status")
	}
}

func (c *Collector) debugSlotsHandler(w http.ResponseWriter, r *http.Request) {
	slots := c.Slots()
	names := make([]string, 0, len(slots))
	for name := range slots {
		names = append(names, name)
	}
	sort.Strings(names)

	c.mu.RLock()
	since := c.lastReset
	c.mu.RUnlock()

	type slotView struct {
		Name string `json:"name"`
		SlotMetrics
	}
	view := struct {
		Uptime string     `json:"uptime"`
		Slots  []slotView `json:"slots"`
	}{Uptime: time.Since(since).Round(time.Second).String()}
	for _, name := range names {
		view.Slots = append(view.Slots, slotView{Name: name, SlotMetrics: slots[name]})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		c.logger.Debug().Err(err).Msg("failed to write slot summary")
	}
}
