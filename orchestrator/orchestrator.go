// Package orchestrator runs scans end to end. It launches the inventory
// tool, ingests result files while the tool runs, drains what is left
// after it exits and records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/sweep/internal/emitter"
	"github.com/yairfalse/sweep/internal/filter"
	"github.com/yairfalse/sweep/journal"
	"github.com/yairfalse/sweep/limiter"
	"github.com/yairfalse/sweep/runner"
	"github.com/yairfalse/sweep/storage"
	"github.com/yairfalse/sweep/telemetry"
	"github.com/yairfalse/sweep/types"
	"github.com/yairfalse/sweep/watcher"
)

// ErrClosed is returned by StartScan after Shutdown
var ErrClosed = errors.New("orchestrator is shut down")

// Orchestrator owns every scan started by this process
type Orchestrator struct {
	cfg      Config
	store    storage.Storage
	limiter  *limiter.Limiter
	filter   *filter.Filter
	watcher  watcher.Watcher
	runner   ProcessRunner
	emitter  emitter.Emitter
	archiver Archiver
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*activeScan
	closed bool
	wg     sync.WaitGroup
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithWatcher replaces the filesystem watcher
func WithWatcher(w watcher.Watcher) Option {
	return func(o *Orchestrator) { o.watcher = w }
}

// WithEmitter sets where lifecycle events are published
func WithEmitter(e emitter.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithArchiver uploads working directories before they are removed
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithRunner replaces the process runner
func WithRunner(r ProcessRunner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

// WithClock sets the time source for record timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetrics sets the metric instruments
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *telemetry.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator. The working and log directories are created
// if missing.
func New(cfg Config, store storage.Storage, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	cfg = cfg.withDefaults()
	if cfg.WorkDir == "" || cfg.LogDir == "" {
		return nil, errors.New("orchestrator: work and log directories are required")
	}
	for _, dir := range []string{cfg.WorkDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrDirectoryUnavailable, err)
		}
	}

	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		limiter: limiter.New(cfg.MaxConcurrent),
		filter:  filter.New(cfg.ExcludeServices),
		logger:  telemetry.NewLogger("orchestrator"),
		now:     time.Now,
		active:  make(map[string]*activeScan),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.watcher == nil {
		o.watcher = watcher.New(cfg.Watcher, o.logger)
	}
	if o.runner == nil {
		o.runner = runner.New(cfg.LogDir, runner.WithLogger(o.logger))
	}
	if o.emitter == nil {
		o.emitter = emitter.NewLogEmitter(o.logger)
	}
	if o.metrics == nil {
		m, err := telemetry.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		o.metrics = m
	}
	return o, nil
}

// StartScan launches a scan and returns once its pending record is stored.
// When the working directory cannot be created the scan is recorded as
// failed and its id is returned together with ErrDirectoryUnavailable.
func (o *Orchestrator) StartScan(ctx context.Context, targets types.Targets) (string, error) {
	if o.isClosed() {
		return "", ErrClosed
	}
	if err := o.limiter.TryAcquire(); err != nil {
		o.metrics.RecordLimiterRejection(ctx)
		return "", err
	}

	now := o.now()
	id := types.NewScanID(now)
	workdir := filepath.Join(o.cfg.WorkDir, id)
	rec := types.NewScanRecord(id, targets.Normalize(), workdir, now)

	if err := os.Mkdir(workdir, 0o755); err != nil {
		derr := fmt.Errorf("%w: %v", types.ErrDirectoryUnavailable, err)
		rec.WorkingDirectory = ""
		_ = rec.Fail(derr.Error(), now)
		if perr := o.store.PutScan(ctx, &rec); perr != nil {
			o.logger.WithContext(ctx).Error().Err(perr).Str("scan_id", id).Msg("failed to record scan")
		}
		o.limiter.Release()
		o.logger.LogTransition(ctx, &rec, types.StatePending)
		o.emit(ctx, &rec)
		return id, derr
	}

	if err := o.store.PutScan(ctx, &rec); err != nil {
		_ = os.RemoveAll(workdir)
		o.limiter.Release()
		return "", fmt.Errorf("record scan: %w", err)
	}

	s := newActiveScan(id, workdir, rec.Targets)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = os.RemoveAll(workdir)
		_ = o.failRecord(ctx, id, "canceled")
		o.limiter.Release()
		return "", ErrClosed
	}
	o.active[id] = s
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.RecordScanStarted(ctx)
	o.logger.WithContext(ctx).Info().
		Str("scan_id", id).
		Str("targets", rec.Targets.String()).
		Str("working_directory", workdir).
		Msg("scan accepted")
	o.emit(ctx, &rec)

	go o.execute(context.WithoutCancel(ctx), s)
	return id, nil
}

// GetScan returns one scan record
func (o *Orchestrator) GetScan(ctx context.Context, id string) (*types.ScanRecord, error) {
	return o.store.GetScan(ctx, id)
}

// ListScans returns scan records newest first
func (o *Orchestrator) ListScans(ctx context.Context, q storage.ScanQuery) ([]*types.ScanRecord, error) {
	return o.store.ListScans(ctx, q)
}

// QueryResults returns stored result items of a scan
func (o *Orchestrator) QueryResults(ctx context.Context, id string, q storage.ResultQuery) ([]types.ResultItem, error) {
	if _, err := o.store.GetScan(ctx, id); err != nil {
		return nil, err
	}
	return o.store.QueryResults(ctx, id, q)
}

// DeleteScan removes a terminal scan, its results and its logs. It returns
// the number of result items deleted.
func (o *Orchestrator) DeleteScan(ctx context.Context, id string) (int, error) {
	if o.lookup(id) != nil {
		return 0, fmt.Errorf("delete %s: %w", id, types.ErrScanActive)
	}
	rec, err := o.store.GetScan(ctx, id)
	if err != nil {
		return 0, err
	}
	if !rec.IsTerminal() {
		return 0, fmt.Errorf("delete %s in state %s: %w", id, rec.State, types.ErrScanActive)
	}

	n, err := o.store.DeleteScan(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := o.runner.RemoveLogs(id); err != nil {
		o.logger.LogCleanupError(ctx, id, o.runner.LogDir(id), err)
	}
	o.logger.WithContext(ctx).Info().Str("scan_id", id).Int("results", n).Msg("scan deleted")
	return n, nil
}

// CancelScan kills the scan's process. Files already written are still
// drained and the scan ends failed with "canceled". Canceling a finished
// scan is a no-op.
func (o *Orchestrator) CancelScan(ctx context.Context, id string) error {
	if s := o.lookup(id); s != nil {
		s.requestCancel()
		o.logger.WithContext(ctx).Info().Str("scan_id", id).Msg("scan cancel requested")
		return nil
	}
	_, err := o.store.GetScan(ctx, id)
	return err
}

// Wait blocks until the scan is terminal or ctx is done
func (o *Orchestrator) Wait(ctx context.Context, id string) (*types.ScanRecord, error) {
	if s := o.lookup(id); s != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.store.GetScan(ctx, id)
}

// Active returns the ids of scans running in this process
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats combines store totals with live slot usage
type Stats struct {
	storage.Stats
	Active   int `json:"active"`
	Capacity int `json:"capacity"`
}

// Stats returns aggregate scan and result counts
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	st, err := o.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: st, Active: o.limiter.InUse(), Capacity: o.limiter.Capacity()}, nil
}

// OpenLog opens a scan's stdout, stderr or events stream
func (o *Orchestrator) OpenLog(ctx context.Context, id, stream string) (io.ReadCloser, error) {
	if _, err := o.store.GetScan(ctx, id); err != nil {
		return nil, err
	}
	if stream != StreamEvents {
		return o.runner.OpenLog(id, stream)
	}
	f, err := os.Open(journal.Path(o.cfg.LogDir, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("events log for %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// ReadLog returns the full contents of a log stream
func (o *Orchestrator) ReadLog(ctx context.Context, id, stream string) ([]byte, error) {
	rc, err := o.OpenLog(ctx, id, stream)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Shutdown cancels every active scan and waits for their cleanup
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	scans := make([]*activeScan, 0, len(o.active))
	for _, s := range o.active {
		scans = append(scans, s)
	}
	o.mu.Unlock()

	for _, s := range scans {
		s.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown with %d scans active: %w", len(o.Active()), ctx.Err())
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) lookup(id string) *activeScan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[id]
}

func (o *Orchestrator) release(s *activeScan) {
	o.mu.Lock()
	delete(o.active, s.id)
	o.mu.Unlock()
	o.limiter.Release()
	close(s.done)
	o.wg.Done()
}

func (o *Orchestrator) emit(ctx context.Context, rec *types.ScanRecord) {
	if err := o.emitter.Emit(ctx, emitter.NewEvent(rec, o.now())); err != nil {
		o.logger.WithContext(ctx).Warn().Err(err).Str("scan_id", rec.ScanID).Str("state", string(rec.State)).Msg("failed to emit scan event")
	}
}

func (o *Orchestrator) failRecord(ctx context.Context, id, detail string) error {
	_, err := o.store.UpdateScan(ctx, id, func(rec *types.ScanRecord) error {
		rec.WorkingDirectory = ""
		return rec.Fail(detail, o.now())
	})
	return err
}
