package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/sweep/internal/filter"
	"github.com/yairfalse/sweep/journal"
	"github.com/yairfalse/sweep/storage"
	"github.com/yairfalse/sweep/telemetry"
	"github.com/yairfalse/sweep/types"
	"github.com/yairfalse/sweep/watcher"
)

const scanID = "scan_20250301_100000_abcd1234"

func setup(t *testing.T) (*storage.BoltStore, string) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := types.NewScanRecord(scanID, types.Targets{}, "", time.Now())
	require.NoError(t, store.PutScan(context.Background(), &rec))
	return store, t.TempDir()
}

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

// flakyStore fails the first n UpsertResult calls
type flakyStore struct {
	Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) UpsertResult(ctx context.Context, item types.ResultItem) (bool, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return false, errors.New("database is locked")
	}
	return f.Store.UpsertResult(ctx, item)
}

func TestIngester_OnFileReady(t *testing.T) {
	store, dir := setup(t)
	ctx := context.Background()
	ing := New(scanID, store, WithLogger(telemetry.Nop()))

	path := write(t, dir, "ec2_DescribeInstances_us-east-1_None.json", `{"Reservations":[]}`)
	require.NoError(t, ing.OnFileReady(ctx, path))

	items, err := store.QueryResults(ctx, scanID, storage.ResultQuery{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ec2_DescribeInstances_us-east-1_None", items[0].UnitID)
	assert.Equal(t, "ec2_DescribeInstances_us-east-1_None.json", items[0].SourceFile)
	assert.JSONEq(t, `{"Reservations":[]}`, string(items[0].Payload))

	rec, err := store.GetScan(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ItemsIngested)
	assert.Equal(t, int64(1), rec.FilesSeen)
	assert.Equal(t, int64(1), ing.Ingested())
}

func TestIngester_RedeliveryDoesNotDoubleCount(t *testing.T) {
	store, dir := setup(t)
	ctx := context.Background()
	ing := New(scanID, store, WithLogger(telemetry.Nop()))

	path := write(t, dir, "s3_ListBuckets_None_None.json", `{"Buckets":[]}`)
	require.NoError(t, ing.OnFileReady(ctx, path))
	require.NoError(t, ing.OnFileReady(ctx, path))

	rec, err := store.GetScan(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ItemsIngested)

	count, err := store.CountResults(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIngester_ParseErrorIsRecorded(t *testing.T) {
	store, dir := setup(t)
	logDir := t.TempDir()
	ctx := context.Background()

	j, err := journal.Open(logDir, scanID)
	require.NoError(t, err)
	ing := New(scanID, store, WithLogger(telemetry.Nop()), WithJournal(j))

	path := write(t, dir, "ec2_DescribeVpcs_us-east-1_None.json", `{"Vpcs": [`)
	err = ing.OnFileReady(ctx, path)
	require.ErrorIs(t, err, types.ErrParse)
	require.NoError(t, j.Close())

	rec, err := store.GetScan(ctx, scanID)
	require.NoError(t, err)
	assert.Zero(t, rec.ItemsIngested)
	assert.Equal(t, int64(1), rec.FilesSeen)
	require.Len(t, rec.IngestErrors, 1)
	assert.Equal(t, types.IngestErrorParse, rec.IngestErrors[0].Kind)
	assert.Equal(t, "ec2_DescribeVpcs_us-east-1_None.json", rec.IngestErrors[0].File)
	assert.Equal(t, int64(1), ing.Failures())

	summary, err := journal.Summarize(logDir, scanID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ByType[journal.EntryIngestError])
}

func TestIngester_ReadError(t *testing.T) {
	store, dir := setup(t)
	ing := New(scanID, store, WithLogger(telemetry.Nop()))

	err := ing.OnFileReady(context.Background(), filepath.Join(dir, "gone_Op_None_None.json"))
	require.Error(t, err)

	rec, err := store.GetScan(context.Background(), scanID)
	require.NoError(t, err)
	require.Len(t, rec.IngestErrors, 1)
	assert.Equal(t, types.IngestErrorRead, rec.IngestErrors[0].Kind)
}

func TestIngester_RetriesTransientWrites(t *testing.T) {
	store, dir := setup(t)
	flaky := &flakyStore{Store: store}
	flaky.failures.Store(2)

	ing := New(scanID, flaky, WithLogger(telemetry.Nop()), WithRetry(fastRetry()))
	path := write(t, dir, "iam_ListRoles_None_None.json", `{"Roles":[]}`)
	require.NoError(t, ing.OnFileReady(context.Background(), path))

	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Equal(t, int64(1), ing.Ingested())
}

func TestIngester_RetryExhaustion(t *testing.T) {
	store, dir := setup(t)
	flaky := &flakyStore{Store: store}
	flaky.failures.Store(100)

	ing := New(scanID, flaky, WithLogger(telemetry.Nop()), WithRetry(fastRetry()))
	path := write(t, dir, "iam_ListRoles_None_None.json", `{"Roles":[]}`)
	err := ing.OnFileReady(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, int32(3), flaky.calls.Load())

	rec, err := store.GetScan(context.Background(), scanID)
	require.NoError(t, err)
	assert.Zero(t, rec.ItemsIngested)
	require.Len(t, rec.IngestErrors, 1)
	assert.Equal(t, types.IngestErrorWrite, rec.IngestErrors[0].Kind)
}

func TestIngester_ExcludedService(t *testing.T) {
	store, dir := setup(t)
	ing := New(scanID, store, WithLogger(telemetry.Nop()), WithFilter(filter.New([]string{"cloudtrail"})))

	path := write(t, dir, "cloudtrail_DescribeTrails_None_None.json", `{"trailList":[]}`)
	require.NoError(t, ing.OnFileReady(context.Background(), path))
	assert.Zero(t, ing.Ingested())
}

func TestIngester_Run(t *testing.T) {
	store, dir := setup(t)
	ing := New(scanID, store, WithLogger(telemetry.Nop()))

	events := make(chan watcher.FileReady)
	done := make(chan error, 1)
	go func() { done <- ing.Run(context.Background(), events) }()

	events <- watcher.FileReady{Path: write(t, dir, "ec2_A_None_None.json", `{}`)}
	events <- watcher.FileReady{Path: write(t, dir, "ec2_B_None_None.json", `nope`)}
	events <- watcher.FileReady{Path: write(t, dir, "ec2_C_None_None.json", `[]`)}
	close(events)

	require.NoError(t, <-done)
	assert.Equal(t, int64(3), ing.Processed())
	assert.Zero(t, ing.Pending())
	assert.Equal(t, int64(2), ing.Ingested())
	assert.Equal(t, int64(1), ing.Failures())
}

func TestIngester_RunCanceled(t *testing.T) {
	store, _ := setup(t)
	ing := New(scanID, store, WithLogger(telemetry.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ing.Run(ctx, make(chan watcher.FileReady))
	assert.ErrorIs(t, err, context.Canceled)
}
