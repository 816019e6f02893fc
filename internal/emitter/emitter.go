// Package emitter publishes scan lifecycle events to external backends.
package emitter

import (
	"context"
	"errors"
	"time"

	"github.com/yairfalse/sweep/types"
)

// Emitter outputs scan lifecycle events to a backend.
type Emitter interface {
	// Emit sends one event to the backend.
	Emit(ctx context.Context, event types.ScanEvent) error

	// Close flushes and releases backend resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
// Nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	kept := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			kept = append(kept, e)
		}
	}
	return &MultiEmitter{emitters: kept}
}

// Emit sends to every emitter. One failing backend does not starve the rest.
func (m *MultiEmitter) Emit(ctx context.Context, event types.ScanEvent) error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of backends.
func (m *MultiEmitter) Len() int {
	return len(m.emitters)
}

// NewEvent builds the event for the record's current state.
func NewEvent(rec *types.ScanRecord, at time.Time) types.ScanEvent {
	return types.ScanEvent{
		ScanID: rec.ScanID,
		State:  rec.State,
		At:     at.UTC(),
		Record: *rec,
	}
}
