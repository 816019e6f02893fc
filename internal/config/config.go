// Package config handles YAML configuration for sweep.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/sweep/ingest"
	"github.com/yairfalse/sweep/internal/archive"
	"github.com/yairfalse/sweep/internal/emitter"
	"github.com/yairfalse/sweep/orchestrator"
	"github.com/yairfalse/sweep/runner"
	"github.com/yairfalse/sweep/telemetry"
	"github.com/yairfalse/sweep/watcher"
)

// Storage drivers
const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Config is the root configuration structure.
type Config struct {
	// DataDir is the base for every path left empty below
	DataDir   string              `yaml:"data_dir"`
	Storage   StorageConfig       `yaml:"storage"`
	Scanner   ScannerConfig       `yaml:"scanner"`
	Ingest    IngestConfig        `yaml:"ingest"`
	API       APIConfig           `yaml:"api"`
	Log       telemetry.LogConfig `yaml:"log"`
	OTEL      telemetry.Config    `yaml:"otel"`
	Archive   archive.Config      `yaml:"archive"`
	Events    EventsConfig        `yaml:"events"`
	Retention RetentionConfig     `yaml:"retention"`
}

// StorageConfig selects the result store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// Path is the bbolt directory
	Path string `yaml:"path"`
	// DSN is the postgres connection string
	DSN string `yaml:"dsn"`
}

// ScannerConfig controls tool invocation and draining.
type ScannerConfig struct {
	WorkDir       string        `yaml:"work_dir"`
	LogDir        string        `yaml:"log_dir"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Tool          runner.Tool   `yaml:"tool"`
	Timeout       time.Duration `yaml:"timeout"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	DisableNotify bool          `yaml:"disable_notify"`
}

// IngestConfig controls result ingestion.
type IngestConfig struct {
	ExcludeServices []string           `yaml:"exclude_services"`
	Retry           ingest.RetryConfig `yaml:"retry"`
}

// APIConfig holds daemon HTTP settings.
type APIConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EventsConfig selects lifecycle event backends.
type EventsConfig struct {
	Log    bool                 `yaml:"log"`
	PubSub emitter.PubSubConfig `yaml:"pubsub"`
}

// RetentionConfig controls purging of old scans. Zero days keeps everything.
type RetentionConfig struct {
	Days     int           `yaml:"days"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	cfg := &Config{
		DataDir: defaultDataDir(),
		Storage: StorageConfig{Driver: DriverBolt},
		Scanner: ScannerConfig{
			MaxConcurrent: orchestrator.DefaultMaxConcurrent,
			Tool:          runner.DefaultTool(),
			Timeout:       runner.DefaultTimeout,
			DrainTimeout:  orchestrator.DefaultDrainTimeout,
			PollInterval:  watcher.DefaultPollInterval,
		},
		Ingest: IngestConfig{Retry: ingest.DefaultRetry()},
		API:    APIConfig{Addr: "127.0.0.1:8080", ShutdownTimeout: 30 * time.Second},
		Log:    telemetry.LogConfig{Level: "info", Format: "console"},
		OTEL:   telemetry.Config{ServiceName: "sweep", SampleRate: 1},
		Events: EventsConfig{Log: true},
		Retention: RetentionConfig{
			Interval: time.Hour,
		},
	}
	applyDefaults(cfg)
	return cfg
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".sweep")
	}
	return filepath.Join(os.TempDir(), "sweep")
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides. An empty path loads only defaults and environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	// Derived paths are recomputed after the file and environment are read
	cfg.Storage.Path, cfg.Scanner.WorkDir, cfg.Scanner.LogDir = "", "", ""

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	loadFromEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("SWEEP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SWEEP_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("SWEEP_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SWEEP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverBolt
	}
	cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.DataDir, "db")
	}
	if cfg.Scanner.WorkDir == "" {
		cfg.Scanner.WorkDir = filepath.Join(cfg.DataDir, "work")
	}
	if cfg.Scanner.LogDir == "" {
		cfg.Scanner.LogDir = filepath.Join(cfg.DataDir, "logs")
	}
	if cfg.Scanner.Tool.Binary == "" {
		cfg.Scanner.Tool = runner.DefaultTool()
	}
	if cfg.Retention.Interval <= 0 {
		cfg.Retention.Interval = time.Hour
	}
	if cfg.API.ShutdownTimeout <= 0 {
		cfg.API.ShutdownTimeout = 30 * time.Second
	}
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverBolt:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	if c.Scanner.MaxConcurrent < 1 {
		return fmt.Errorf("scanner: max_concurrent must be at least 1 (got %d)", c.Scanner.MaxConcurrent)
	}
	if c.Scanner.Timeout <= 0 || c.Scanner.DrainTimeout <= 0 {
		return fmt.Errorf("scanner: timeout and drain_timeout must be positive")
	}
	if c.OTEL.SampleRate < 0.0 || c.OTEL.SampleRate > 1.0 {
		return fmt.Errorf("otel: sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.SampleRate)
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("retention: days must not be negative")
	}
	if c.Events.PubSub.TopicID != "" && c.Events.PubSub.ProjectID == "" {
		return fmt.Errorf("events: pubsub.project_id is required with a topic")
	}
	return nil
}

// Orchestrator returns the orchestrator settings.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		WorkDir:         c.Scanner.WorkDir,
		LogDir:          c.Scanner.LogDir,
		MaxConcurrent:   c.Scanner.MaxConcurrent,
		Tool:            c.Scanner.Tool,
		ScanTimeout:     c.Scanner.Timeout,
		DrainTimeout:    c.Scanner.DrainTimeout,
		ExcludeServices: c.Ingest.ExcludeServices,
		Retry:           c.Ingest.Retry,
		Watcher: watcher.Config{
			PollInterval:  c.Scanner.PollInterval,
			DisableNotify: c.Scanner.DisableNotify,
		},
	}
}

// RetentionCutoff returns the start time before which terminal scans are
// purged, and false when retention is disabled.
func (c *Config) RetentionCutoff(now time.Time) (time.Time, bool) {
	if c.Retention.Days <= 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -c.Retention.Days), true
}
