package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/plasticityai/supersqlite/pkg/utils"
)

const (
	kib = 1024
	mib = 1024 * kib
)

// Configuration represents the complete application configuration
type Configuration struct {
	VFS            Options              `yaml:"vfs"`
	Network        NetworkConfig        `yaml:"network"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Logging        utils.LogConfig      `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Mount          MountConfig          `yaml:"mount"`
	GC             GCConfig             `yaml:"gc"`
}

// Options are the per-resource cache and prefetch options supplied at open
// time.
type Options struct {
	ShouldCache                          bool          `yaml:"should_cache"`
	NetworkRetryDelay                    time.Duration `yaml:"network_retry_delay"`
	MaxNetworkRetries                    int           `yaml:"max_network_retries"`
	SequentialCacheDefaultRead           int64         `yaml:"sequential_cache_default_read"`
	SequentialCacheGapTolerance          int64         `yaml:"sequential_cache_gap_tolerance"`
	SequentialCacheMaxRead               int64         `yaml:"sequential_cache_max_read"`
	SequentialCacheExponentialReadGrowth bool          `yaml:"sequential_cache_exponential_read_growth"`
	PrefetchThreadLimit                  int           `yaml:"prefetch_thread_limit"`
	SequentialCachePrefetch              bool          `yaml:"sequential_cache_prefetch"`
	RandomAccessCachePrefetch            bool          `yaml:"random_access_cache_prefetch"`
	RandomAccessCacheRange               int64         `yaml:"random_access_cache_range"`
	RandomAccessHitTrackerTTL            time.Duration `yaml:"random_access_hit_tracker_ttl"`
	CacheTTL                             time.Duration `yaml:"cache_ttl"`
	TTLPurgeInterval                     time.Duration `yaml:"ttl_purge_interval"`
	UseMmap                              bool          `yaml:"use_mmap"`
	MmapMaxFiles                         int           `yaml:"mmap_max_files"`
	TempDir                              string        `yaml:"temp_dir"`
	TraceLog                             bool          `yaml:"trace_log"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	ReadIncrement    int           `yaml:"read_increment"`
	ImmediateRetries int           `yaml:"immediate_retries"`
	S3               S3Config      `yaml:"s3"`
}

// S3Config configures s3:// resources
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Anonymous       bool   `yaml:"anonymous"`
}

// CircuitBreakerConfig represents the breaker guarding background prefetches
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// MountConfig represents FUSE mount settings
type MountConfig struct {
	FSName       string        `yaml:"fsname"`
	FileName     string        `yaml:"file_name"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// GCConfig represents orphaned cache directory cleanup
type GCConfig struct {
	SweepOnStart bool          `yaml:"sweep_on_start"`
	OrphanTTL    time.Duration `yaml:"orphan_ttl"`
}

// DefaultOptions returns the per-resource defaults
func DefaultOptions() Options {
	return Options{
		ShouldCache:                          true,
		NetworkRetryDelay:                    10 * time.Second,
		MaxNetworkRetries:                    10,
		SequentialCacheDefaultRead:           8 * kib,
		SequentialCacheGapTolerance:          10 * mib,
		SequentialCacheMaxRead:               20 * mib,
		SequentialCacheExponentialReadGrowth: true,
		PrefetchThreadLimit:                  3,
		SequentialCachePrefetch:              true,
		RandomAccessCachePrefetch:            true,
		RandomAccessCacheRange:               100 * mib,
		RandomAccessHitTrackerTTL:            60 * time.Second,
		CacheTTL:                             60 * time.Second,
		TTLPurgeInterval:                     5 * time.Second,
		UseMmap:                              false,
		MmapMaxFiles:                         10,
		TempDir:                              os.TempDir(),
		TraceLog:                             false,
	}
}

// Normalize applies the option interactions: the retry budget never drops
// below four attempts, and disabling the cache disables both prefetch classes
// and the default read window.
func (o Options) Normalize() Options {
	if o.MaxNetworkRetries < 4 {
		o.MaxNetworkRetries = 4
	}
	if !o.ShouldCache {
		o.SequentialCachePrefetch = false
		o.RandomAccessCachePrefetch = false
		o.SequentialCacheDefaultRead = 0
	}
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
	if o.MmapMaxFiles <= 0 {
		o.MmapMaxFiles = 1
	}
	return o
}

// Validate validates the per-resource options
func (o Options) Validate() error {
	if o.SequentialCacheDefaultRead < 0 {
		return fmt.Errorf("sequential_cache_default_read must not be negative")
	}
	if o.SequentialCacheMaxRead < o.SequentialCacheDefaultRead {
		return fmt.Errorf("sequential_cache_max_read (%d) must be at least sequential_cache_default_read (%d)",
			o.SequentialCacheMaxRead, o.SequentialCacheDefaultRead)
	}
	if o.SequentialCacheGapTolerance < 0 || o.RandomAccessCacheRange < 0 {
		return fmt.Errorf("gap tolerance and random access range must not be negative")
	}
	if o.PrefetchThreadLimit < 0 {
		return fmt.Errorf("prefetch_thread_limit must not be negative")
	}
	if o.NetworkRetryDelay < 0 {
		return fmt.Errorf("network_retry_delay must not be negative")
	}
	if o.CacheTTL <= 0 || o.RandomAccessHitTrackerTTL <= 0 {
		return fmt.Errorf("cache_ttl and random_access_hit_tracker_ttl must be greater than 0")
	}
	return nil
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		VFS: DefaultOptions(),
		Network: NetworkConfig{
			Timeout:          60 * time.Second,
			ReadIncrement:    64 * kib,
			ImmediateRetries: 2,
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
		},
		Logging: utils.LogConfig{
			Level:  "INFO",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "supersqlite",
		},
		Mount: MountConfig{
			FSName:       "supersqlite",
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
		GC: GCConfig{
			SweepOnStart: true,
			OrphanTTL:    24 * time.Hour,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Logging
	if val := os.Getenv("SUPERSQLITE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("SUPERSQLITE_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
	if val := os.Getenv("SUPERSQLITE_LOG_FILE"); val != "" {
		c.Logging.File = val
	}

	// Cache and prefetch
	if val := os.Getenv("SUPERSQLITE_SHOULD_CACHE"); val != "" {
		c.VFS.ShouldCache = parseBool(val)
	}
	if val := os.Getenv("SUPERSQLITE_USE_MMAP"); val != "" {
		c.VFS.UseMmap = parseBool(val)
	}
	if val := os.Getenv("SUPERSQLITE_TEMP_DIR"); val != "" {
		c.VFS.TempDir = val
	}
	if val := os.Getenv("SUPERSQLITE_TRACE_LOG"); val != "" {
		c.VFS.TraceLog = parseBool(val)
	}
	if val := os.Getenv("SUPERSQLITE_MAX_NETWORK_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.VFS.MaxNetworkRetries = n
		}
	}
	if val := os.Getenv("SUPERSQLITE_NETWORK_RETRY_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.VFS.NetworkRetryDelay = d
		}
	}
	if val := os.Getenv("SUPERSQLITE_MMAP_MAX_FILES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.VFS.MmapMaxFiles = n
		}
	}
	if val := os.Getenv("SUPERSQLITE_PREFETCH_THREAD_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.VFS.PrefetchThreadLimit = n
		}
	}
	if val := os.Getenv("SUPERSQLITE_CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.VFS.CacheTTL = d
		}
	}

	// Network
	if val := os.Getenv("SUPERSQLITE_NETWORK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Network.Timeout = d
		}
	}
	if val := os.Getenv("SUPERSQLITE_S3_REGION"); val != "" {
		c.Network.S3.Region = val
	}
	if val := os.Getenv("SUPERSQLITE_S3_ENDPOINT"); val != "" {
		c.Network.S3.Endpoint = val
	}

	// Metrics
	if val := os.Getenv("SUPERSQLITE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = parseBool(val)
	}
	if val := os.Getenv("SUPERSQLITE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if err := c.VFS.Validate(); err != nil {
		return err
	}

	if c.Network.Timeout <= 0 {
		return fmt.Errorf("network timeout must be greater than 0")
	}
	if c.Network.ReadIncrement <= 0 {
		return fmt.Errorf("read_increment must be greater than 0")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	if _, err := utils.ParseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Logging.Level)
	}

	if c.Mount.FileName != "" {
		if err := utils.ValidateFileName(c.Mount.FileName); err != nil {
			return fmt.Errorf("invalid mount file_name: %w", err)
		}
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "" && format != "console" && format != "json" {
		return fmt.Errorf("invalid log format: %s (must be console or json)", c.Logging.Format)
	}

	return nil
}

func parseBool(val string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	return err == nil && b
}
