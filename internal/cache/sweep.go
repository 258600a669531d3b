package cache

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SweepOrphans deletes cache directories under tempDir whose newest file is
// older than ttl. Directories for which keep returns true are left alone.
// It returns the removed directories.
func SweepOrphans(tempDir string, ttl time.Duration, keep func(dir string) bool) ([]string, error) {
	dirs, err := os.ReadDir(tempDir)
	if err != nil {
		return nil, bookkeeping(err, "sweep", "failed to list temp directory")
	}

	var removed []string
	now := time.Now()
	for _, d := range dirs {
		if !d.IsDir() || !strings.HasSuffix(d.Name(), DirSuffix) {
			continue
		}
		path := filepath.Join(tempDir, d.Name())
		if keep != nil && keep(path) {
			continue
		}

		newest, err := newestModTime(path)
		if err != nil {
			continue
		}
		if now.Sub(newest) <= ttl {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			return removed, bookkeeping(err, "sweep", "failed to remove orphaned cache directory")
		}
		removed = append(removed, path)
	}
	return removed, nil
}

func newestModTime(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()

	files, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	for _, f := range files {
		fi, err := f.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, nil
}
