package adapter

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/plasticityai/supersqlite/internal/config"
	"github.com/plasticityai/supersqlite/internal/fuse"
	"github.com/plasticityai/supersqlite/internal/metrics"
	"github.com/plasticityai/supersqlite/internal/remote"
	"github.com/plasticityai/supersqlite/internal/transport"
	"github.com/plasticityai/supersqlite/internal/vfs"
	"github.com/plasticityai/supersqlite/pkg/errors"
	"github.com/plasticityai/supersqlite/pkg/health"
	"github.com/plasticityai/supersqlite/pkg/utils"
)

// Adapter wires one remote database file to a local read-only mount
type Adapter struct {
	uri        string
	resource   transport.Resource
	mountPoint string
	config     *config.Configuration
	logger     zerolog.Logger

	mu      sync.Mutex
	metrics *metrics.Collector
	fs      *vfs.FileSystem
	file    vfs.File
	mount   *fuse.MountManager
	started bool
}

// New creates a new adapter instance
func New(ctx context.Context, resourceURI, mountPoint string, cfg *config.Configuration) (*Adapter, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}

	res, err := transport.ParseResource(resourceURI)
	if err != nil {
		return nil, fmt.Errorf("invalid resource: %w", err)
	}

	if mountPoint == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "mount point is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigValidation, err, "invalid configuration")
	}

	return &Adapter{
		uri:        resourceURI,
		resource:   res,
		mountPoint: mountPoint,
		config:     cfg,
		logger:     utils.GetLogger("adapter"),
	}, nil
}

// NewFileSystem builds the dispatcher for cfg. A nil recorder or tracker
// records nothing.
func NewFileSystem(cfg *config.Configuration, rec vfs.Recorder, tracker *health.Tracker) *vfs.FileSystem {
	return vfs.New(vfs.Options{
		Handle: remote.Config{
			VFS:     cfg.VFS,
			Network: cfg.Network,
			Breaker: cfg.CircuitBreaker,
		},
		GC:       cfg.GC,
		Recorder: rec,
		Health:   tracker,
	})
}

// NewCollector builds the metrics collector described by cfg
func NewCollector(cfg config.MetricsConfig) (*metrics.Collector, error) {
	return metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Enabled,
		Port:      cfg.Port,
		Path:      cfg.Path,
		Namespace: cfg.Namespace,
		Labels:    make(map[string]string),
	})
}

// Start opens the remote file and mounts it
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("adapter already started")
	}

	a.logger.Info().
		Str("url", a.resource.URL).
		Str("mount_point", a.mountPoint).
		Bool("should_cache", a.config.VFS.ShouldCache).
		Bool("use_mmap", a.config.VFS.UseMmap).
		Msg("starting")

	collector, err := NewCollector(a.config.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	a.metrics = collector

	tracker := health.NewTracker(health.DefaultConfig())
	tracker.AddStateChangeCallback(func(name string, old, next health.HealthState, err error) {
		a.logger.Warn().Err(err).
			Str("url", name).
			Str("from", old.String()).
			Str("to", next.String()).
			Msg("remote health changed")
	})
	collector.SetHealth(tracker)

	a.fs = NewFileSystem(a.config, collector, tracker)
	file, err := a.fs.Open(ctx, a.uri, vfs.OpenMainDB|vfs.OpenReadOnly)
	if err != nil {
		a.teardown(ctx)
		return err
	}
	a.file = file

	// fail before mounting when the server cannot report a size
	size, err := file.FileSize(ctx)
	if err != nil {
		a.teardown(ctx)
		return err
	}

	name := a.config.Mount.FileName
	if name == "" {
		name = a.resource.BaseName()
	}
	if err := utils.ValidateFileName(name); err != nil {
		a.teardown(ctx)
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "cannot name the mounted file")
	}
	fsys := fuse.NewFileSystem(file, name, uint32(os.Getuid()), uint32(os.Getgid()))
	a.mount = fuse.NewMountManager(fsys, a.mountPoint, a.config.Mount)
	if err := a.mount.Mount(ctx); err != nil {
		a.mount = nil
		a.teardown(ctx)
		return err
	}

	a.started = true
	a.logger.Info().Str("file", name).Int64("size", size).Msg("started")
	return nil
}

// Wait blocks until the mount is gone
func (a *Adapter) Wait() {
	a.mu.Lock()
	mount := a.mount
	a.mu.Unlock()
	if mount != nil {
		mount.Wait()
	}
}

// Stop unmounts and releases every resource
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.logger.Info().Msg("stopping")

	var firstErr error
	if a.mount != nil && a.mount.IsMounted() {
		if err := a.mount.Unmount(); err != nil {
			firstErr = err
		}
	}
	if err := a.teardown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	a.started = false

	a.logger.Info().Msg("stopped")
	return firstErr
}

// Stats returns the stats of the mounted file
func (a *Adapter) Stats() remote.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return remote.Stats{}
	}
	return a.file.Stats()
}

func (a *Adapter) teardown(ctx context.Context) error {
	var firstErr error
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			firstErr = err
		}
		a.file = nil
	}
	if a.fs != nil {
		if err := a.fs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.fs = nil
	}
	if err := a.metrics.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	a.metrics = nil
	return firstErr
}
