package fuse

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog"

	"github.com/plasticityai/supersqlite/internal/config"
	"github.com/plasticityai/supersqlite/pkg/errors"
	"github.com/plasticityai/supersqlite/pkg/utils"
)

// maxRead bounds the size of a single kernel read request
const maxRead = 128 * 1024

// FilesystemStats represents filesystem operation statistics
type FilesystemStats struct {
	Lookups   int64 `json:"lookups"`
	Opens     int64 `json:"opens"`
	Reads     int64 `json:"reads"`
	BytesRead int64 `json:"bytes_read"`
	Errors    int64 `json:"errors"`
}

// MountManager manages the FUSE mount of one filesystem
type MountManager struct {
	filesystem *FileSystem
	mountPoint string
	config     config.MountConfig
	logger     zerolog.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// NewMountManager creates a mount manager for mountPoint
func NewMountManager(filesystem *FileSystem, mountPoint string, cfg config.MountConfig) *MountManager {
	if cfg.FSName == "" {
		cfg.FSName = "supersqlite"
	}
	return &MountManager{
		filesystem: filesystem,
		mountPoint: filepath.Clean(mountPoint),
		config:     cfg,
		logger:     utils.GetLogger("fuse"),
	}
}

// Mount mounts the filesystem and serves it in the background
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return errors.NewError(errors.ErrCodeMountFailed, "filesystem is already mounted")
	}

	if err := m.validateMountPoint(); err != nil {
		return errors.Wrap(errors.ErrCodeMountFailed, err, "invalid mount point")
	}

	server, err := fs.Mount(m.mountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return errors.Wrap(errors.ErrCodeMountFailed, err, "failed to mount filesystem")
	}

	m.server = server
	m.mounted = true
	m.logger.Info().
		Str("mount_point", m.mountPoint).
		Str("file", m.filesystem.Name()).
		Msg("filesystem mounted")

	go func() {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
		}
		m.mu.Unlock()
		m.logger.Debug().Str("mount_point", m.mountPoint).Msg("FUSE server stopped")
	}()

	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy unmount
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn().Err(err).Msg("normal unmount failed, trying forced unmount")
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (forced unmount also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	m.logger.Info().Str("mount_point", m.mountPoint).Msg("filesystem unmounted")
	return nil
}

// IsMounted reports whether the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// GetMountPoint returns the mount point
func (m *MountManager) GetMountPoint() string {
	return m.mountPoint
}

// Wait blocks until the FUSE server stops
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() FilesystemStats {
	if m.filesystem == nil {
		return FilesystemStats{}
	}
	return m.filesystem.GetStats()
}

func (m *MountManager) validateMountPoint() error {
	if m.mountPoint == "" || m.mountPoint == "." {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.mountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.mountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.mountPoint)
	}

	entries, err := os.ReadDir(m.mountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.logger.Warn().Str("mount_point", m.mountPoint).Msg("mount point is not empty")
	}

	if isMounted("/proc/mounts", m.mountPoint) {
		return fmt.Errorf("mount point %s is already mounted", m.mountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	attrTimeout := m.config.AttrTimeout
	entryTimeout := m.config.EntryTimeout

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:         m.config.FSName,
			FsName:       m.config.FSName,
			Debug:        m.config.Debug,
			AllowOther:   m.config.AllowOther,
			MaxReadAhead: maxRead,
			Logger:       utils.NewLogLogger("fuse"),
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
		Logger:       utils.NewLogLogger("fuse"),
	}

	opts.Options = append(opts.Options, "ro")
	return opts
}

func (m *MountManager) forceUnmount() error {
	if err := syscall.Unmount(m.mountPoint, syscall.MNT_DETACH); err == nil {
		return nil
	}
	return syscall.Unmount(m.mountPoint, syscall.MNT_FORCE)
}

// isMounted reports whether mountPoint appears as a mount target in the
// given mounts table
func isMounted(table, mountPoint string) bool {
	f, err := os.Open(table)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 1 && fields[1] == mountPoint {
			return true
		}
	}
	return false
}
