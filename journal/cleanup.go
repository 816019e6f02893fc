package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	DirsRemoved   int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes scan log directories under logDir whose journal was
// last written before cutoff. keep is consulted per scan id and may
// protect directories of scans that are still known.
func Cleanup(logDir string, cutoff time.Time, keep func(scanID string) bool) (CleanupStats, error) {
	stats := CleanupStats{}

	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to list log directory: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		scanID := e.Name()
		if keep != nil && keep(scanID) {
			continue
		}

		dir := filepath.Join(logDir, scanID)
		modTime, ok := lastWrite(dir)
		if !ok || !modTime.Before(cutoff) {
			continue
		}

		size := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", dir, err)
		}

		stats.DirsRemoved++
		stats.BytesFreed += size
		if stats.OldestRemoved.IsZero() || modTime.Before(stats.OldestRemoved) {
			stats.OldestRemoved = modTime
		}
		if modTime.After(stats.NewestRemoved) {
			stats.NewestRemoved = modTime
		}
	}

	return stats, nil
}

// lastWrite returns the newest modification time of the files in dir
func lastWrite(dir string) (time.Time, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, false
	}

	var newest time.Time
	found := false
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !found || info.ModTime().After(newest) {
			newest = info.ModTime()
			found = true
		}
	}
	if !found {
		info, err := os.Stat(dir)
		if err != nil {
			return time.Time{}, false
		}
		return info.ModTime(), true
	}
	return newest, true
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
