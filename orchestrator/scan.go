package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/sweep/ingest"
	"github.com/yairfalse/sweep/journal"
	"github.com/yairfalse/sweep/runner"
	"github.com/yairfalse/sweep/telemetry"
	"github.com/yairfalse/sweep/types"
	"github.com/yairfalse/sweep/watcher"
)

// drainCheckInterval is how often drain completion is re-evaluated
const drainCheckInterval = 10 * time.Millisecond

// Error details recorded on failed scans
const (
	detailCanceled    = "canceled"
	detailInterrupted = "interrupted by restart"
)

// activeScan is the in-memory state of a scan owned by this process
type activeScan struct {
	id      string
	workdir string
	targets types.Targets
	done    chan struct{}

	mu       sync.Mutex
	proc     *runner.Process
	canceled bool
}

func newActiveScan(id, workdir string, targets types.Targets) *activeScan {
	return &activeScan{id: id, workdir: workdir, targets: targets, done: make(chan struct{})}
}

// attach records the started process, killing it at once if a cancel
// arrived while it was being launched
func (s *activeScan) attach(p *runner.Process) {
	s.mu.Lock()
	s.proc = p
	canceled := s.canceled
	s.mu.Unlock()
	if canceled {
		p.Cancel()
	}
}

func (s *activeScan) requestCancel() {
	s.mu.Lock()
	s.canceled = true
	p := s.proc
	s.mu.Unlock()
	if p != nil {
		p.Cancel()
	}
}

func (s *activeScan) isCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// outcome is how a scan ended, before it is written
type outcome struct {
	exitCode *int
	detail   string
}

func (o *Orchestrator) execute(ctx context.Context, s *activeScan) {
	defer o.release(s)

	ctx, span := telemetry.Tracer.Start(ctx, "scan.run",
		trace.WithAttributes(
			attribute.String("scan.id", s.id),
			attribute.String("scan.targets", s.targets.String()),
		))
	defer span.End()
	started := time.Now()

	logger := o.logger.ForScan(s.id)
	j, err := journal.Open(o.cfg.LogDir, s.id)
	if err != nil {
		logger.WithContext(ctx).Warn().Err(err).Msg("journal unavailable, continuing without it")
		j = nil
	}
	defer func() { _ = j.Close() }()

	// Removal runs on every path, including a panic in run
	defer func() { _ = o.removeWorkdir(ctx, s, j) }()

	out := o.run(ctx, s, j, logger)
	rec := o.finish(ctx, s, j, out)

	if rec != nil {
		o.metrics.RecordScanCompleted(ctx, rec.State, time.Since(started))
		if rec.State == types.StateFailed {
			span.SetStatus(codes.Error, rec.ErrorDetail)
		}
	}
}

// run drives the scan from launch to the end of draining
func (o *Orchestrator) run(ctx context.Context, s *activeScan, j *journal.Journal, logger *telemetry.Logger) outcome {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	// The watcher is attached before launch so no file can be missed
	sub, err := o.watcher.Attach(watchCtx, s.workdir)
	if err != nil {
		return outcome{detail: "watcher: " + err.Error()}
	}

	ing := o.newIngester(s.id, j, logger)
	var g errgroup.Group
	g.Go(func() error { return ing.Run(watchCtx, sub.Events()) })
	join := func() {
		sub.Detach()
		_ = g.Wait()
	}

	if s.isCanceled() {
		join()
		return outcome{detail: detailCanceled}
	}

	cmd := o.cfg.Tool.Command(s.workdir, s.targets, o.cfg.ScanTimeout)
	proc, err := o.runner.Start(ctx, s.id, cmd)
	if err != nil {
		join()
		return outcome{detail: err.Error()}
	}
	s.attach(proc)

	_, _ = o.transition(ctx, j, s.id, func(rec *types.ScanRecord) error {
		if err := rec.Transition(types.StateRunning, o.now()); err != nil {
			return err
		}
		rec.Command = cmd.Argv()
		rec.LogDirectory = o.runner.LogDir(s.id)
		return nil
	})

	var watchErr error
	select {
	case <-proc.Done():
	case <-sub.Failed():
		watchErr = sub.Err()
		proc.Cancel()
	}
	res := proc.Wait()
	code := res.ExitCode
	_ = j.Append(journal.EntryProcessExited, "", map[string]any{
		"exit_code":        code,
		"duration_seconds": res.Duration.Seconds(),
		"timed_out":        res.TimedOut,
		"canceled":         res.Canceled,
	})

	if watchErr != nil {
		join()
		return outcome{exitCode: &code, detail: "watcher: " + watchErr.Error()}
	}

	_, _ = o.transition(ctx, j, s.id, func(rec *types.ScanRecord) error {
		if err := rec.Transition(types.StateDraining, o.now()); err != nil {
			return err
		}
		rec.SetExitCode(code)
		return nil
	})

	drained, watchErr := o.drain(ctx, sub, ing)
	if !drained {
		// Abandon in-flight ingestion
		stopWatch()
	}
	join()

	return outcome{exitCode: &code, detail: o.failureDetail(res, drained, watchErr)}
}

// drain flushes the watcher and waits until every emitted file has been
// processed. It returns false on drain timeout or watcher failure.
func (o *Orchestrator) drain(ctx context.Context, sub watcher.Subscription, ing *ingest.Ingester) (bool, error) {
	start := time.Now()
	sub.Flush()

	timer := time.NewTimer(o.cfg.DrainTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(drainCheckInterval)
	defer ticker.Stop()

	for {
		if sub.Pending() == 0 && ing.Pending() == 0 && ing.Processed() >= sub.Emitted() {
			o.metrics.RecordDrain(ctx, time.Since(start), false)
			return true, nil
		}
		select {
		case <-sub.Failed():
			return false, sub.Err()
		case <-timer.C:
			o.metrics.RecordDrain(ctx, time.Since(start), true)
			return false, nil
		case <-ticker.C:
		}
	}
}

// failureDetail returns the error detail for a finished scan, empty on success.
// Watcher failures win, then the process outcome, then a drain timeout.
func (o *Orchestrator) failureDetail(res runner.Result, drained bool, watchErr error) string {
	switch {
	case watchErr != nil:
		return "watcher: " + watchErr.Error()
	case res.TimedOut:
		return fmt.Sprintf("timed out after %s", o.cfg.ScanTimeout)
	case res.Canceled:
		return detailCanceled
	case res.ExitCode != 0:
		return fmt.Sprintf("exit code %d", res.ExitCode)
	case !drained:
		return types.ErrDrainTimeout.Error()
	default:
		return ""
	}
}

// finish archives and removes the working directory, then writes the
// terminal record and publishes it
func (o *Orchestrator) finish(ctx context.Context, s *activeScan, j *journal.Journal, out outcome) *types.ScanRecord {
	o.archive(ctx, s, j)
	removed := o.removeWorkdir(ctx, s, j)

	rec, err := o.transition(ctx, j, s.id, func(rec *types.ScanRecord) error {
		if removed {
			rec.WorkingDirectory = ""
		}
		if out.exitCode != nil {
			rec.SetExitCode(*out.exitCode)
		}
		if out.detail == "" {
			return rec.Transition(types.StateSucceeded, o.now())
		}
		return rec.Fail(out.detail, o.now())
	})
	if err != nil {
		return nil
	}
	return rec
}

// transition applies fn to the stored record and reports the change
func (o *Orchestrator) transition(ctx context.Context, j *journal.Journal, id string, fn func(*types.ScanRecord) error) (*types.ScanRecord, error) {
	var from types.State
	rec, err := o.store.UpdateScan(ctx, id, func(rec *types.ScanRecord) error {
		from = rec.State
		return fn(rec)
	})
	if err != nil {
		o.logger.WithContext(ctx).Error().Err(err).Str("scan_id", id).Str("from", string(from)).Msg("failed to record transition")
		return nil, err
	}

	o.logger.LogTransition(ctx, rec, from)
	telemetry.RecordStateChangedEvent(trace.SpanFromContext(ctx), rec, from)
	_ = j.Append(journal.EntryStateChanged, "", map[string]any{
		"from":         from,
		"to":           rec.State,
		"error_detail": rec.ErrorDetail,
	})
	o.emit(ctx, rec)
	return rec, nil
}

func (o *Orchestrator) archive(ctx context.Context, s *activeScan, j *journal.Journal) {
	if o.archiver == nil {
		return
	}
	stats, err := o.archiver.Archive(ctx, s.id, s.workdir)
	if err != nil {
		o.logger.WithContext(ctx).Warn().Err(err).Str("scan_id", s.id).Msg("archive failed")
		_ = j.AppendError(journal.EntryCleanup, "", map[string]string{"step": "archive"}, err)
		return
	}
	_ = j.Append(journal.EntryCleanup, "", map[string]any{
		"step":  "archive",
		"files": stats.Files,
		"bytes": stats.Bytes,
	})
}

// removeWorkdir deletes the scan's working directory and reports whether it
// is gone
func (o *Orchestrator) removeWorkdir(ctx context.Context, s *activeScan, j *journal.Journal) bool {
	if _, err := os.Stat(s.workdir); os.IsNotExist(err) {
		return true
	}
	if err := os.RemoveAll(s.workdir); err != nil {
		o.logger.LogCleanupError(ctx, s.id, s.workdir, err)
		_ = j.AppendError(journal.EntryCleanup, "", map[string]string{"step": "remove"}, err)
		return false
	}
	_ = j.Append(journal.EntryCleanup, "", map[string]string{"step": "remove"})
	return true
}

func (o *Orchestrator) newIngester(id string, j *journal.Journal, logger *telemetry.Logger) *ingest.Ingester {
	return ingest.New(id, o.store,
		ingest.WithFilter(o.filter),
		ingest.WithJournal(j),
		ingest.WithMetrics(o.metrics),
		ingest.WithLogger(logger),
		ingest.WithRetry(o.cfg.Retry),
		ingest.WithClock(o.now),
	)
}
