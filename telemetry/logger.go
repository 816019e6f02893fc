package telemetry

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/sweep/types"
)

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stderr
)

// SetOutput replaces the writer new loggers write to
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	output = w
}

func currentOutput() io.Writer {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return output
}

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a new logger for a component with OTEL hooks
func NewLogger(component string) *Logger {
	return NewLoggerTo(currentOutput(), component)
}

// NewLoggerTo creates a logger writing to w
func NewLoggerTo(w io.Writer, component string) *Logger {
	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", "sweep").
		Str("component", component).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// ForScan returns a child logger carrying the scan id
func (l *Logger) ForScan(scanID string) *Logger {
	return &Logger{Logger: l.Logger.With().Str("scan_id", scanID).Logger()}
}

// LogSpanStart logs the start of a span with attributes
func (l *Logger) LogSpanStart(ctx context.Context, spanName string, attrs ...attribute.KeyValue) {
	logger := l.WithContext(ctx)

	event := logger.Debug().Str("span_name", spanName)
	for _, attr := range attrs {
		event = addAttributeToEvent(event, attr)
	}
	event.Msg("span started")
}

// LogSpanEnd logs the end of a span with results
func (l *Logger) LogSpanEnd(ctx context.Context, spanName string, err error) {
	logger := l.WithContext(ctx)

	if err != nil {
		logger.Error().
			Err(err).
			Str("span_name", spanName).
			Msg("span failed")
	} else {
		logger.Debug().
			Str("span_name", spanName).
			Msg("span completed")
	}
}

func addAttributeToEvent(event *zerolog.Event, attr attribute.KeyValue) *zerolog.Event {
	key := string(attr.Key)

	switch attr.Value.Type() {
	case attribute.STRING:
		return event.Str(key, attr.Value.AsString())
	case attribute.INT64:
		return event.Int64(key, attr.Value.AsInt64())
	case attribute.FLOAT64:
		return event.Float64(key, attr.Value.AsFloat64())
	case attribute.BOOL:
		return event.Bool(key, attr.Value.AsBool())
	default:
		return event.Str(key, attr.Value.Emit())
	}
}

// Convenience methods for scan lifecycle

func (l *Logger) LogTransition(ctx context.Context, rec *types.ScanRecord, from types.State) {
	event := l.WithContext(ctx).Info()
	if rec.State == types.StateFailed {
		event = l.WithContext(ctx).Warn().Str("error_detail", rec.ErrorDetail)
	}
	if rec.ExitCode != nil {
		event = event.Int("exit_code", *rec.ExitCode)
	}
	event.
		Str("scan_id", rec.ScanID).
		Str("from", string(from)).
		Str("state", string(rec.State)).
		Int64("items_ingested", rec.ItemsIngested).
		Msg("scan state changed")
}

func (l *Logger) LogIngestFailure(ctx context.Context, scanID, file, kind string, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("scan_id", scanID).
		Str("file", file).
		Str("kind", kind).
		Msg("file ingestion failed")
}

func (l *Logger) LogCleanupError(ctx context.Context, scanID, path string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("scan_id", scanID).
		Str("path", path).
		Msg("cleanup failed")
}
