/*
Package config loads the supersqlite configuration.

Settings come from three sources, applied in order: built-in defaults
(NewDefault), a YAML file (LoadFromFile) and SUPERSQLITE_* environment
variables (LoadFromEnv). Validate checks the merged result.

The vfs section holds the per-resource cache and prefetch Options. They are
copied into every remote handle at open time and pass through
Options.Normalize first, which enforces the option interactions: at least
four fetch attempts, and no prefetching or default read window when caching
is off.

Example file:

	vfs:
	  should_cache: true
	  sequential_cache_default_read: 8192
	  sequential_cache_max_read: 20971520
	  sequential_cache_gap_tolerance: 10485760
	  sequential_cache_exponential_read_growth: true
	  sequential_cache_prefetch: true
	  random_access_cache_prefetch: true
	  random_access_cache_range: 104857600
	  prefetch_thread_limit: 3
	  use_mmap: true
	  mmap_max_files: 10
	  temp_dir: /var/cache/supersqlite
	network:
	  timeout: 60s
	  read_increment: 65536
	  s3:
	    region: us-east-1
	logging:
	  level: INFO
	  format: json
	  file: /var/log/supersqlite.log
	  max_size_mb: 100
	  max_backups: 5
	metrics:
	  enabled: true
	  port: 9090

Durations are written in Go duration syntax ("10s", "1m").

Environment overrides:

	SUPERSQLITE_LOG_LEVEL=DEBUG
	SUPERSQLITE_USE_MMAP=true
	SUPERSQLITE_TEMP_DIR=/tmp/supersqlite
	SUPERSQLITE_NETWORK_TIMEOUT=30s
	SUPERSQLITE_S3_ENDPOINT=http://localhost:9000
	SUPERSQLITE_METRICS_ENABLED=true
*/
package config
