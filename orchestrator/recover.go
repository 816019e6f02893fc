package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/yairfalse/sweep/journal"
	"github.com/yairfalse/sweep/parser"
	"github.com/yairfalse/sweep/storage"
	"github.com/yairfalse/sweep/types"
)

// Recover finishes scans a previous process left non-terminal. Result
// files still in their working directories are ingested, then each scan
// is failed with "interrupted by restart" and its directory removed.
func (o *Orchestrator) Recover(ctx context.Context) (RecoverStats, error) {
	var stats RecoverStats

	recs, err := o.store.ListScans(ctx, storage.ScanQuery{
		States: []types.State{types.StatePending, types.StateRunning, types.StateDraining},
	})
	if err != nil {
		return stats, fmt.Errorf("list unfinished scans: %w", err)
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if o.lookup(rec.ScanID) != nil {
			continue
		}

		files, ingested := o.recoverScan(ctx, rec)
		stats.Scans++
		stats.Files += files
		stats.Ingested += ingested
	}

	if stats.Scans > 0 {
		o.logger.WithContext(ctx).Info().
			Int("scans", stats.Scans).
			Int("files", stats.Files).
			Int64("ingested", stats.Ingested).
			Msg("recovered interrupted scans")
	}
	return stats, nil
}

func (o *Orchestrator) recoverScan(ctx context.Context, rec *types.ScanRecord) (int, int64) {
	logger := o.logger.ForScan(rec.ScanID)

	done := ingestedFiles(o.cfg.LogDir, rec.ScanID)
	if summary, err := journal.Summarize(o.cfg.LogDir, rec.ScanID); err == nil {
		logger.WithContext(ctx).Info().
			Str("state", string(rec.State)).
			Int("journal_entries", summary.Entries).
			Int("journal_errors", summary.Errors).
			Time("last_entry", summary.LastEntry).
			Int("files_already_ingested", len(done)).
			Msg("recovering interrupted scan")
	}

	j, err := journal.Open(o.cfg.LogDir, rec.ScanID)
	if err != nil {
		logger.WithContext(ctx).Warn().Err(err).Msg("journal unavailable, continuing without it")
		j = nil
	}
	defer func() { _ = j.Close() }()

	var files []string
	for _, f := range leftoverFiles(rec.WorkingDirectory) {
		if !done[filepath.Base(f)] {
			files = append(files, f)
		}
	}
	ing := o.newIngester(rec.ScanID, j, logger)
	for _, f := range files {
		// Failures are recorded on the scan by the ingester
		_ = ing.OnFileReady(ctx, f)
	}

	s := newActiveScan(rec.ScanID, rec.WorkingDirectory, rec.Targets)
	removed := s.workdir == "" || o.removeWorkdir(ctx, s, j)

	if _, err := o.transition(ctx, j, rec.ScanID, func(r *types.ScanRecord) error {
		if removed {
			r.WorkingDirectory = ""
		}
		return r.Fail(detailInterrupted, o.now())
	}); err != nil && !errors.Is(err, types.ErrInvalidTransition) {
		logger.WithContext(ctx).Error().Err(err).Msg("failed to close interrupted scan")
	}
	return len(files), ing.Ingested()
}

// ingestedFiles returns the files the journal records as fully ingested.
// Entries lost with an unflushed journal only cause a harmless re-ingest.
func ingestedFiles(logDir, scanID string) map[string]bool {
	done := make(map[string]bool)
	_ = journal.Replay(logDir, scanID, time.Time{}, func(e *journal.Entry) error {
		if e.Type == journal.EntryFileIngested && e.File != "" {
			done[e.File] = true
		}
		return nil
	})
	return done
}

// leftoverFiles lists result files in dir in name order
func leftoverFiles(dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && parser.IsResultFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files
}

// Purge deletes terminal scans that started before cutoff, together with
// their results and logs. Log directories of scans no longer in the store
// are removed once their last write is older than cutoff.
func (o *Orchestrator) Purge(ctx context.Context, cutoff time.Time) (PurgeStats, error) {
	var stats PurgeStats

	recs, err := o.store.ListScans(ctx, storage.ScanQuery{
		States: []types.State{types.StateSucceeded, types.StateFailed},
		Before: cutoff,
	})
	if err != nil {
		return stats, fmt.Errorf("list expired scans: %w", err)
	}

	for _, rec := range recs {
		n, err := o.DeleteScan(ctx, rec.ScanID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return stats, err
		}
		stats.Scans++
		stats.Results += n
	}

	cleaned, err := journal.Cleanup(o.cfg.LogDir, cutoff, func(id string) bool {
		if o.lookup(id) != nil {
			return true
		}
		_, err := o.store.GetScan(ctx, id)
		return err == nil
	})
	if err != nil {
		return stats, fmt.Errorf("clean log directories: %w", err)
	}
	stats.LogDirs = cleaned.DirsRemoved
	stats.BytesFreed = cleaned.BytesFreed

	o.logger.WithContext(ctx).Info().
		Time("cutoff", cutoff).
		Int("scans", stats.Scans).
		Int("results", stats.Results).
		Int("log_dirs", stats.LogDirs).
		Msg("retention purge complete")
	return stats, nil
}
