package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/sweep/types"
)

// RecordStateChangedEvent adds a lifecycle transition to the scan span
func RecordStateChangedEvent(span trace.Span, rec *types.ScanRecord, from types.State) {
	if span == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("event.type", "scan.state.changed"),
		attribute.String("scan.id", rec.ScanID),
		attribute.String("scan.state.from", string(from)),
		attribute.String("scan.state.to", string(rec.State)),
		attribute.Int64("scan.items_ingested", rec.ItemsIngested),
	}
	if rec.ExitCode != nil {
		attrs = append(attrs, attribute.Int("scan.exit_code", *rec.ExitCode))
	}
	if rec.ErrorDetail != "" {
		attrs = append(attrs, attribute.String("error", rec.ErrorDetail))
	}

	span.AddEvent("scan.state.changed", trace.WithAttributes(attrs...))
}

// RecordFileIngestedEvent adds a processed file to the scan span
func RecordFileIngestedEvent(span trace.Span, scanID, file string, units, created int) {
	if span == nil {
		return
	}

	span.AddEvent("scan.file.ingested", trace.WithAttributes(
		attribute.String("event.type", "scan.file.ingested"),
		attribute.String("scan.id", scanID),
		attribute.String("file", file),
		attribute.Int("units", units),
		attribute.Int("units.created", created),
	))
}

// RecordIngestErrorEvent adds a per-file failure to the scan span
func RecordIngestErrorEvent(span trace.Span, scanID, file, kind, message string) {
	if span == nil {
		return
	}

	span.AddEvent("scan.file.failed", trace.WithAttributes(
		attribute.String("event.type", "scan.file.failed"),
		attribute.String("scan.id", scanID),
		attribute.String("file", file),
		attribute.String("kind", kind),
		attribute.String("error", message),
	))
}
