package emitter

import (
	"context"

	"github.com/yairfalse/sweep/telemetry"
	"github.com/yairfalse/sweep/types"
)

// LogEmitter writes lifecycle events to the structured log.
type LogEmitter struct {
	logger *telemetry.Logger
}

// NewLogEmitter creates a log emitter. A nil logger uses the "events" component logger.
func NewLogEmitter(logger *telemetry.Logger) *LogEmitter {
	if logger == nil {
		logger = telemetry.NewLogger("events")
	}
	return &LogEmitter{logger: logger}
}

// Emit logs the event at info, or warn for failed scans.
func (e *LogEmitter) Emit(ctx context.Context, event types.ScanEvent) error {
	l := e.logger.WithContext(ctx)
	ev := l.Info()
	if event.State == types.StateFailed {
		ev = l.Warn()
	}
	ev = ev.
		Str("scan_id", event.ScanID).
		Str("state", string(event.State)).
		Time("at", event.At).
		Int64("items_ingested", event.Record.ItemsIngested)
	if event.Record.ErrorDetail != "" {
		ev = ev.Str("error_detail", event.Record.ErrorDetail)
	}
	ev.Msg("scan event")
	return nil
}

// Close is a no-op.
func (e *LogEmitter) Close() error {
	return nil
}
