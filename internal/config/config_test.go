package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
data_dir: /var/lib/sweep
storage:
  driver: postgres
  dsn: postgres://sweep@localhost/sweep
scanner:
  max_concurrent: 4
  timeout: 30m
  drain_timeout: 45s
  poll_interval: 250ms
  tool:
    binary: /usr/local/bin/aws-list-all
    args: [query]
ingest:
  exclude_services: [iam, organizations]
  retry:
    max_tries: 3
    initial_interval: 50ms
api:
  addr: ":9090"
log:
  level: debug
  format: json
otel:
  endpoint: localhost:4317
  insecure: true
  sample_rate: 0.5
archive:
  bucket: raw-results
  prefix: sweep
events:
  log: false
  pubsub:
    project_id: my-project
    topic_id: scan-events
retention:
  days: 14
`
	cfg, err := Load(writeTempConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://sweep@localhost/sweep", cfg.Storage.DSN)
	assert.Equal(t, "/var/lib/sweep/db", cfg.Storage.Path)
	assert.Equal(t, "/var/lib/sweep/work", cfg.Scanner.WorkDir)
	assert.Equal(t, "/var/lib/sweep/logs", cfg.Scanner.LogDir)
	assert.Equal(t, 4, cfg.Scanner.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.Scanner.Timeout)
	assert.Equal(t, 45*time.Second, cfg.Scanner.DrainTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Scanner.PollInterval)
	assert.Equal(t, "/usr/local/bin/aws-list-all", cfg.Scanner.Tool.Binary)
	assert.Equal(t, []string{"iam", "organizations"}, cfg.Ingest.ExcludeServices)
	assert.Equal(t, uint(3), cfg.Ingest.Retry.MaxTries)
	assert.Equal(t, 50*time.Millisecond, cfg.Ingest.Retry.InitialInterval)
	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 0.5, cfg.OTEL.SampleRate)
	assert.True(t, cfg.Archive.Enabled())
	assert.False(t, cfg.Events.Log)
	assert.Equal(t, "scan-events", cfg.Events.PubSub.TopicID)
	assert.Equal(t, 14, cfg.Retention.Days)

	oc := cfg.Orchestrator()
	assert.Equal(t, cfg.Scanner.WorkDir, oc.WorkDir)
	assert.Equal(t, 45*time.Second, oc.DrainTimeout)
	assert.Equal(t, 250*time.Millisecond, oc.Watcher.PollInterval)
	assert.Equal(t, []string{"iam", "organizations"}, oc.ExcludeServices)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "data_dir: /srv/sweep\n"))
	require.NoError(t, err)

	assert.Equal(t, DriverBolt, cfg.Storage.Driver)
	assert.Equal(t, "/srv/sweep/db", cfg.Storage.Path)
	assert.Equal(t, 2, cfg.Scanner.MaxConcurrent)
	assert.Equal(t, time.Hour, cfg.Scanner.Timeout)
	assert.Equal(t, "aws-list-all", cfg.Scanner.Tool.Binary)
	assert.Equal(t, []string{"query"}, cfg.Scanner.Tool.BaseArgs)
	assert.Equal(t, uint(5), cfg.Ingest.Retry.MaxTries)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "sweep", cfg.OTEL.ServiceName)
	assert.True(t, cfg.Events.Log)
	assert.False(t, cfg.Archive.Enabled())

	_, enabled := cfg.RetentionCutoff(time.Now())
	assert.False(t, enabled)
}

func TestLoad_EmptyPath(t *testing.T) {
	t.Setenv("SWEEP_DATA_DIR", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.Getenv("SWEEP_DATA_DIR"), "work"), cfg.Scanner.WorkDir)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SWEEP_STORAGE_DRIVER", "POSTGRES")
	t.Setenv("SWEEP_STORAGE_DSN", "postgres://env/sweep")
	t.Setenv("SWEEP_LOG_LEVEL", "warn")

	cfg, err := Load(writeTempConfig(t, "storage:\n  driver: bolt\nlog:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://env/sweep", cfg.Storage.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeTempConfig(t, "scanner: [unterminated\n"))
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeTempConfig(t, "scanner:\n  timeout: not-a-duration\n"))
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "unknown driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, "dsn is required"},
		{"zero concurrency", func(c *Config) { c.Scanner.MaxConcurrent = 0 }, "max_concurrent"},
		{"zero drain timeout", func(c *Config) { c.Scanner.DrainTimeout = 0 }, "drain_timeout"},
		{"sample rate", func(c *Config) { c.OTEL.SampleRate = 1.5 }, "sample_rate"},
		{"negative retention", func(c *Config) { c.Retention.Days = -1 }, "days"},
		{"topic without project", func(c *Config) { c.Events.PubSub.TopicID = "t" }, "project_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_RetentionCutoff(t *testing.T) {
	cfg := Default()
	cfg.Retention.Days = 7
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	cutoff, enabled := cfg.RetentionCutoff(now)
	assert.True(t, enabled)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), cutoff)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}
