// Package daemon serves the scan API over HTTP and runs retention in the
// background.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yairfalse/sweep/orchestrator"
	"github.com/yairfalse/sweep/storage"
	"github.com/yairfalse/sweep/telemetry"
	"github.com/yairfalse/sweep/types"
)

// Service is the orchestrator surface the daemon exposes
type Service interface {
	StartScan(ctx context.Context, targets types.Targets) (string, error)
	GetScan(ctx context.Context, id string) (*types.ScanRecord, error)
	ListScans(ctx context.Context, q storage.ScanQuery) ([]*types.ScanRecord, error)
	QueryResults(ctx context.Context, id string, q storage.ResultQuery) ([]types.ResultItem, error)
	DeleteScan(ctx context.Context, id string) (int, error)
	CancelScan(ctx context.Context, id string) error
	OpenLog(ctx context.Context, id, stream string) (io.ReadCloser, error)
	Stats(ctx context.Context) (orchestrator.Stats, error)
	Purge(ctx context.Context, cutoff time.Time) (orchestrator.PurgeStats, error)
}

// Config holds daemon configuration
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	// RetentionDays of zero disables the purge loop
	RetentionDays     int
	RetentionInterval time.Duration
}

// Daemon serves the HTTP API and runs the retention loop
type Daemon struct {
	cfg       Config
	svc       Service
	registry  *prometheus.Registry
	metrics   *DaemonMetrics
	logger    *telemetry.Logger
	startTime time.Time

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// NewDaemon creates a daemon. A nil registry serves the default Prometheus gatherer.
func NewDaemon(cfg Config, svc Service, registry *prometheus.Registry) (*Daemon, error) {
	if svc == nil {
		return nil, errors.New("daemon: service is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = time.Hour
	}

	metrics, err := NewDaemonMetrics()
	if err != nil {
		return nil, fmt.Errorf("create daemon metrics: %w", err)
	}

	return &Daemon{
		cfg:       cfg,
		svc:       svc,
		registry:  registry,
		metrics:   metrics,
		logger:    telemetry.NewLogger("daemon"),
		startTime: time.Now(),
		ready:     make(chan struct{}),
	}, nil
}

// Run serves until ctx is canceled or the server fails
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Addr, err)
	}
	d.mu.Lock()
	d.addr = ln.Addr()
	d.mu.Unlock()
	close(d.ready)

	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g run.Group
	{
		g.Add(func() error {
			d.logger.Info().Str("addr", ln.Addr().String()).Msg("api listening")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			sctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		})
	}
	{
		rctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			d.retentionLoop(rctx)
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		sctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			<-sctx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}

	err = g.Run()
	d.logger.Info().Err(err).Msg("daemon stopped")
	return err
}

// Addr returns the listen address once Run has bound it
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Ready is closed once the listener is bound
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

func (d *Daemon) retentionLoop(ctx context.Context) {
	if d.cfg.RetentionDays <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(d.cfg.RetentionInterval)
	defer ticker.Stop()

	d.purge(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.purge(ctx)
		}
	}
}

func (d *Daemon) purge(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -d.cfg.RetentionDays)
	stats, err := d.svc.Purge(ctx, cutoff)
	if err != nil {
		d.metrics.RecordPurge(ctx, "error", 0)
		d.logger.Error().Err(err).Time("cutoff", cutoff).Msg("retention purge failed")
		return
	}
	d.metrics.RecordPurge(ctx, "success", int64(stats.Scans))
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	return HealthStatus{
		Status: "healthy",
		Uptime: int64(time.Since(d.startTime).Seconds()),
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime_seconds"`
}
