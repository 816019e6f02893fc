// Package ingest turns ready result files into stored result items.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/sweep/internal/filter"
	"github.com/yairfalse/sweep/journal"
	"github.com/yairfalse/sweep/parser"
	"github.com/yairfalse/sweep/telemetry"
	"github.com/yairfalse/sweep/types"
	"github.com/yairfalse/sweep/watcher"
)

// Store is the part of storage.Storage the ingester writes to
type Store interface {
	UpsertResult(ctx context.Context, item types.ResultItem) (bool, error)
	UpdateScan(ctx context.Context, scanID string, fn func(*types.ScanRecord) error) (*types.ScanRecord, error)
}

// RetryConfig bounds store write retries
type RetryConfig struct {
	MaxTries        uint          `yaml:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultRetry is five tries starting at 100ms
func DefaultRetry() RetryConfig {
	return RetryConfig{MaxTries: 5, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second}
}

// Ingester processes the files of one scan
type Ingester struct {
	scanID  string
	store   Store
	parse   parser.Func
	filter  *filter.Filter
	journal *journal.Journal
	metrics *telemetry.Metrics
	logger  *telemetry.Logger
	retry   RetryConfig
	now     func() time.Time

	pending   atomic.Int64
	processed atomic.Int64
	ingested  atomic.Int64
	failures  atomic.Int64
}

// Option configures an Ingester
type Option func(*Ingester)

// WithParser replaces the result file parser
func WithParser(p parser.Func) Option { return func(i *Ingester) { i.parse = p } }

// WithFilter drops units of excluded services
func WithFilter(f *filter.Filter) Option { return func(i *Ingester) { i.filter = f } }

// WithJournal records per-file outcomes
func WithJournal(j *journal.Journal) Option { return func(i *Ingester) { i.journal = j } }

// WithMetrics records ingestion counters
func WithMetrics(m *telemetry.Metrics) Option { return func(i *Ingester) { i.metrics = m } }

// WithLogger sets the logger
func WithLogger(l *telemetry.Logger) Option { return func(i *Ingester) { i.logger = l } }

// WithRetry sets store write retry bounds
func WithRetry(r RetryConfig) Option { return func(i *Ingester) { i.retry = r } }

// WithClock sets the time source used for ingested_at
func WithClock(now func() time.Time) Option { return func(i *Ingester) { i.now = now } }

// New creates an ingester for scanID
func New(scanID string, store Store, opts ...Option) *Ingester {
	i := &Ingester{
		scanID: scanID,
		store:  store,
		parse:  parser.Parse,
		filter: filter.New(nil),
		logger: telemetry.NewLogger("ingest"),
		retry:  DefaultRetry(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.retry.MaxTries == 0 {
		i.retry.MaxTries = 1
	}
	return i
}

// Run consumes events until the channel is closed or ctx is done
func (i *Ingester) Run(ctx context.Context, events <-chan watcher.FileReady) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			i.pending.Add(1)
			_ = i.OnFileReady(ctx, ev.Path)
			i.pending.Add(-1)
			i.processed.Add(1)
		}
	}
}

// OnFileReady reads, parses and stores one file. Parse and write failures
// are recorded against the scan and returned; neither fails the scan.
func (i *Ingester) OnFileReady(ctx context.Context, path string) error {
	name := filepath.Base(path)
	span := trace.SpanFromContext(ctx)
	defer i.markSeen(ctx)

	content, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("read %s: %w", name, err)
		i.recordFailure(ctx, span, name, types.IngestErrorRead, err)
		return err
	}

	units, err := i.parse(path, content)
	if err != nil {
		i.recordFailure(ctx, span, name, types.IngestErrorParse, err)
		return err
	}

	var (
		created int
		errs    []error
	)
	for _, u := range units {
		if !i.filter.ShouldIngestService(u.Unit.Service) {
			continue
		}

		item := types.NewResultItem(i.scanID, u.Unit, u.Payload, name, i.now())
		isNew, err := i.upsert(ctx, item)
		if err != nil {
			err = fmt.Errorf("store %s: %w", item.UnitID, err)
			i.logger.Error().Err(err).Str("scan_id", i.scanID).Str("file", name).Msg("partial ingestion: result not stored")
			i.recordFailure(ctx, span, name, types.IngestErrorWrite, err)
			errs = append(errs, err)
			continue
		}
		if isNew {
			created++
			i.ingested.Add(1)
			if i.metrics != nil {
				i.metrics.RecordItemsIngested(ctx, item.Service, 1)
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	telemetry.RecordFileIngestedEvent(span, i.scanID, name, len(units), created)
	_ = i.journal.Append(journal.EntryFileIngested, name, map[string]int{
		"units":   len(units),
		"created": created,
	})
	i.logger.Debug().Str("scan_id", i.scanID).Str("file", name).Int("units", len(units)).Int("created", created).Msg("file ingested")
	return nil
}

func (i *Ingester) upsert(ctx context.Context, item types.ResultItem) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.retry.InitialInterval
	if i.retry.MaxInterval > 0 {
		b.MaxInterval = i.retry.MaxInterval
	}

	return backoff.Retry(ctx, func() (bool, error) {
		created, err := i.store.UpsertResult(ctx, item)
		if errors.Is(err, types.ErrNotFound) {
			return false, backoff.Permanent(err)
		}
		return created, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(i.retry.MaxTries))
}

func (i *Ingester) markSeen(ctx context.Context) {
	_, err := i.store.UpdateScan(ctx, i.scanID, func(rec *types.ScanRecord) error {
		rec.FilesSeen++
		return nil
	})
	if err != nil {
		i.logger.Warn().Err(err).Str("scan_id", i.scanID).Msg("failed to count file")
	}
}

func (i *Ingester) recordFailure(ctx context.Context, span trace.Span, file, kind string, err error) {
	i.failures.Add(1)
	i.logger.LogIngestFailure(ctx, i.scanID, file, kind, err)
	telemetry.RecordIngestErrorEvent(span, i.scanID, file, kind, err.Error())
	if i.metrics != nil {
		i.metrics.RecordIngestError(ctx, kind)
	}
	_ = i.journal.AppendError(journal.EntryIngestError, file, map[string]string{"kind": kind}, err)

	at := i.now().UTC()
	_, uerr := i.store.UpdateScan(ctx, i.scanID, func(rec *types.ScanRecord) error {
		rec.AddIngestError(types.IngestError{File: file, Kind: kind, Error: err.Error(), At: at})
		return nil
	})
	if uerr != nil {
		i.logger.Warn().Err(uerr).Str("scan_id", i.scanID).Str("file", file).Msg("failed to record ingest error")
	}
}

// Pending returns the number of events received but not yet processed
func (i *Ingester) Pending() int64 { return i.pending.Load() }

// Processed returns the number of events fully handled, successful or not
func (i *Ingester) Processed() int64 { return i.processed.Load() }

// Ingested returns the number of result items newly stored
func (i *Ingester) Ingested() int64 { return i.ingested.Load() }

// Failures returns the number of recorded per-file failures
func (i *Ingester) Failures() int64 { return i.failures.Load() }
