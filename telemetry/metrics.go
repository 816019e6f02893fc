package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/sweep/types"
)

// Metrics holds the scan pipeline instruments
type Metrics struct {
	scansStarted      metric.Int64Counter
	scansCompleted    metric.Int64Counter
	scansActive       metric.Int64UpDownCounter
	scanDuration      metric.Float64Histogram
	drainDuration     metric.Float64Histogram
	itemsIngested     metric.Int64Counter
	ingestErrors      metric.Int64Counter
	limiterRejections metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(InstrumentationName))
}

// NewMetricsWithMeter creates the instruments on meter
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.scansStarted, err = meter.Int64Counter("sweep.scans.started",
		metric.WithDescription("Scans accepted by the orchestrator"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, err
	}

	m.scansCompleted, err = meter.Int64Counter("sweep.scans.completed",
		metric.WithDescription("Scans that reached a terminal state"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, err
	}

	m.scansActive, err = meter.Int64UpDownCounter("sweep.scans.active",
		metric.WithDescription("Scans currently holding a concurrency slot"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, err
	}

	m.scanDuration, err = meter.Float64Histogram("sweep.scan.duration",
		metric.WithDescription("Wall time from start to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.drainDuration, err = meter.Float64Histogram("sweep.drain.duration",
		metric.WithDescription("Time spent draining after process exit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.itemsIngested, err = meter.Int64Counter("sweep.items.ingested",
		metric.WithDescription("Result items newly stored"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	m.ingestErrors, err = meter.Int64Counter("sweep.ingest.errors",
		metric.WithDescription("Per-file ingestion failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.limiterRejections, err = meter.Int64Counter("sweep.limiter.rejections",
		metric.WithDescription("Scan starts rejected for lack of capacity"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordScanStarted records an accepted scan
func (m *Metrics) RecordScanStarted(ctx context.Context) {
	m.scansStarted.Add(ctx, 1)
	m.scansActive.Add(ctx, 1)
}

// RecordScanCompleted records a terminal scan
func (m *Metrics) RecordScanCompleted(ctx context.Context, state types.State, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("state", string(state)))
	m.scansCompleted.Add(ctx, 1, attrs)
	m.scansActive.Add(ctx, -1)
	m.scanDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordDrain records how long draining took and whether it timed out
func (m *Metrics) RecordDrain(ctx context.Context, d time.Duration, timedOut bool) {
	m.drainDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("timed_out", timedOut)))
}

// RecordItemsIngested adds newly stored items
func (m *Metrics) RecordItemsIngested(ctx context.Context, service string, n int64) {
	m.itemsIngested.Add(ctx, n, metric.WithAttributes(attribute.String("service", service)))
}

// RecordIngestError records a per-file failure of the given kind
func (m *Metrics) RecordIngestError(ctx context.Context, kind string) {
	m.ingestErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordLimiterRejection records a refused start
func (m *Metrics) RecordLimiterRejection(ctx context.Context) {
	m.limiterRejections.Add(ctx, 1)
}
