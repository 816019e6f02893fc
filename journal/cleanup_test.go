package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeJournal(t *testing.T, dir, scanID string) {
	t.Helper()
	j, err := Open(dir, scanID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_ = j.Append(EntryStateChanged, "", nil)
	_ = j.Close()
}

func TestCleanup_MissingDir(t *testing.T) {
	stats, err := Cleanup(filepath.Join(t.TempDir(), "missing"), time.Now(), nil)
	if err != nil {
		t.Errorf("Cleanup failed on missing directory: %v", err)
	}
	if stats.DirsRemoved != 0 {
		t.Errorf("Expected nothing removed, got %d", stats.DirsRemoved)
	}
}

func TestCleanup_AllNew(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, "scan_new")

	stats, err := Cleanup(dir, time.Now().Add(-24*time.Hour), nil)
	if err != nil {
		t.Errorf("Cleanup failed: %v", err)
	}
	if stats.DirsRemoved != 0 {
		t.Errorf("Expected 0 removed, got %d", stats.DirsRemoved)
	}
	if _, err := os.Stat(filepath.Join(dir, "scan_new")); err != nil {
		t.Errorf("scan_new should remain: %v", err)
	}
}

func TestCleanup_MixedAges(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().AddDate(0, 0, -3)

	for _, id := range []string{"scan_old", "scan_kept", "scan_new"} {
		writeJournal(t, dir, id)
	}
	for _, id := range []string{"scan_old", "scan_kept"} {
		_ = os.Chtimes(Path(dir, id), old, old)
	}

	stats, err := Cleanup(dir, time.Now().AddDate(0, 0, -1), func(id string) bool {
		return id == "scan_kept"
	})
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	if stats.DirsRemoved != 1 {
		t.Errorf("Expected 1 removed, got %d", stats.DirsRemoved)
	}
	if stats.BytesFreed <= 0 {
		t.Errorf("Expected bytes freed, got %d", stats.BytesFreed)
	}
	if stats.OldestRemoved.Sub(old).Abs() > time.Second {
		t.Errorf("OldestRemoved = %v, want %v", stats.OldestRemoved, old)
	}

	if _, err := os.Stat(filepath.Join(dir, "scan_old")); !os.IsNotExist(err) {
		t.Error("scan_old should be removed")
	}
	for _, id := range []string{"scan_kept", "scan_new"} {
		if _, err := os.Stat(filepath.Join(dir, id)); err != nil {
			t.Errorf("%s should remain: %v", id, err)
		}
	}
}
