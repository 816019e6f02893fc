package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds API and retention metrics using OTEL semantic conventions
type DaemonMetrics struct {
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	purges          metric.Int64Counter
	purgedScans     metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return NewDaemonMetricsWithMeter(otel.Meter("sweep.daemon"))
}

// NewDaemonMetricsWithMeter creates daemon metrics on meter
func NewDaemonMetricsWithMeter(meter metric.Meter) (*DaemonMetrics, error) {
	requests, err := meter.Int64Counter(
		"sweep.api.requests",
		metric.WithDescription("Number of API requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"sweep.api.request.duration",
		metric.WithDescription("Duration of API requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	purges, err := meter.Int64Counter(
		"sweep.retention.purges",
		metric.WithDescription("Number of retention purge runs"),
		metric.WithUnit("{purge}"),
	)
	if err != nil {
		return nil, err
	}

	purgedScans, err := meter.Int64Counter(
		"sweep.retention.scans_deleted",
		metric.WithDescription("Number of scans deleted by retention"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		requests:        requests,
		requestDuration: requestDuration,
		purges:          purges,
		purgedScans:     purgedScans,
	}, nil
}

// RecordRequest records one served request
func (m *DaemonMetrics) RecordRequest(ctx context.Context, route string, status int, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.response.status_code", status),
	)
	m.requests.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordPurge records a retention run and how many scans it deleted
func (m *DaemonMetrics) RecordPurge(ctx context.Context, status string, deleted int64) {
	m.purges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if deleted > 0 {
		m.purgedScans.Add(ctx, deleted)
	}
}
