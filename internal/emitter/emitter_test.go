package emitter

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/sweep/telemetry"
	"github.com/yairfalse/sweep/types"
)

// mockEmitter implements Emitter for testing.
type mockEmitter struct {
	emitCalls  int
	closeCalls int
	emitErr    error
	closeErr   error
	events     []types.ScanEvent
}

func (m *mockEmitter) Emit(_ context.Context, event types.ScanEvent) error {
	m.emitCalls++
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEmitter) Close() error {
	m.closeCalls++
	return m.closeErr
}

func testEvent(state types.State) types.ScanEvent {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := types.NewScanRecord("20260301_120000_abcd1234", types.Targets{}, "/tmp/w", now)
	rec.State = state
	return NewEvent(&rec, now)
}

func TestMultiEmitter_Emit(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), testEvent(types.StateRunning))

	require.NoError(t, err)
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 1, e2.emitCalls)
	require.Len(t, e1.events, 1)
	assert.Equal(t, types.StateRunning, e1.events[0].State)
}

func TestMultiEmitter_Emit_ErrorDoesNotStopOthers(t *testing.T) {
	e1 := &mockEmitter{emitErr: errors.New("emit failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), testEvent(types.StateFailed))

	assert.ErrorContains(t, err, "emit failed")
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 1, e2.emitCalls)
}

func TestMultiEmitter_Close(t *testing.T) {
	e1 := &mockEmitter{closeErr: errors.New("close failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Close()

	assert.Error(t, err)
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 1, e2.closeCalls)
}

func TestMultiEmitter_Empty(t *testing.T) {
	multi := NewMultiEmitter(nil)
	assert.Equal(t, 0, multi.Len())

	require.NoError(t, multi.Emit(context.Background(), types.ScanEvent{}))
	require.NoError(t, multi.Close())
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.FixedZone("x", 3600))
	rec := types.NewScanRecord("s1", types.Targets{}, "/tmp/w", at)

	ev := NewEvent(&rec, at)

	assert.Equal(t, "s1", ev.ScanID)
	assert.Equal(t, types.StatePending, ev.State)
	assert.Equal(t, time.UTC, ev.At.Location())
	assert.Equal(t, rec.ScanID, ev.Record.ScanID)
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(telemetry.NewLoggerTo(&buf, "events"))

	ev := testEvent(types.StateFailed)
	ev.Record.ErrorDetail = "exit code 2"
	require.NoError(t, e.Emit(context.Background(), ev))
	require.NoError(t, e.Close())

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"scan_id":"20260301_120000_abcd1234"`)
	assert.Contains(t, out, `"error_detail":"exit code 2"`)
}
