package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/yairfalse/sweep/ingest"
	"github.com/yairfalse/sweep/internal/archive"
	"github.com/yairfalse/sweep/runner"
	"github.com/yairfalse/sweep/watcher"
)

// StreamEvents names the journal when reading a scan's logs
const StreamEvents = "events"

// Defaults applied to a zero Config
const (
	DefaultMaxConcurrent = 2
	DefaultDrainTimeout  = 30 * time.Second
)

// Config controls how scans are launched and drained
type Config struct {
	// WorkDir holds one transient directory per running scan
	WorkDir string
	// LogDir holds per-scan process logs and journals
	LogDir          string
	MaxConcurrent   int
	Tool            runner.Tool
	ScanTimeout     time.Duration
	DrainTimeout    time.Duration
	ExcludeServices []string
	Retry           ingest.RetryConfig
	Watcher         watcher.Config
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Tool.Binary == "" {
		c.Tool = runner.DefaultTool()
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = runner.DefaultTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Retry.MaxTries == 0 {
		c.Retry = ingest.DefaultRetry()
	}
	return c
}

// ProcessRunner launches the inventory tool and owns its log files
type ProcessRunner interface {
	Start(ctx context.Context, scanID string, cmd runner.Command) (*runner.Process, error)
	LogDir(scanID string) string
	OpenLog(scanID, stream string) (io.ReadCloser, error)
	RemoveLogs(scanID string) error
}

// Archiver copies a working directory somewhere durable before removal
type Archiver interface {
	Archive(ctx context.Context, scanID, dir string) (archive.Stats, error)
}

// PurgeStats reports what a retention pass removed
type PurgeStats struct {
	Scans      int   `json:"scans"`
	Results    int   `json:"results"`
	LogDirs    int   `json:"log_dirs"`
	BytesFreed int64 `json:"bytes_freed"`
}

// RecoverStats reports what startup recovery did
type RecoverStats struct {
	Scans    int   `json:"scans"`
	Files    int   `json:"files"`
	Ingested int64 `json:"ingested"`
}
