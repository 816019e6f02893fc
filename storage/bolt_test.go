package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/sweep/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putPending(t *testing.T, s *BoltStore, id string, start time.Time) *types.ScanRecord {
	t.Helper()
	rec := types.NewScanRecord(id, types.Targets{}, "/tmp/"+id, start)
	require.NoError(t, s.PutScan(context.Background(), &rec))
	return &rec
}

func result(scanID string, unit types.Unit) types.ResultItem {
	return types.NewResultItem(scanID, unit, json.RawMessage(`{"ok":true}`), unit.ID()+".json", time.Now())
}

func TestBoltStore_PutAndGetScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	putPending(t, s, "scan_a", start)

	got, err := s.GetScan(ctx, "scan_a")
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, got.State)
	assert.True(t, start.Equal(got.StartTime))
	assert.Equal(t, "/tmp/scan_a", got.WorkingDirectory)
}

func TestBoltStore_GetScan_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetScan(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBoltStore_UpdateScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putPending(t, s, "scan_a", time.Now())

	updated, err := s.UpdateScan(ctx, "scan_a", func(rec *types.ScanRecord) error {
		return rec.Transition(types.StateRunning, time.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, updated.State)

	// A failing mutation leaves the record untouched
	boom := errors.New("boom")
	_, err = s.UpdateScan(ctx, "scan_a", func(rec *types.ScanRecord) error {
		rec.ErrorDetail = "should not persist"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetScan(ctx, "scan_a")
	require.NoError(t, err)
	assert.Empty(t, got.ErrorDetail)

	_, err = s.UpdateScan(ctx, "missing", func(*types.ScanRecord) error { return nil })
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBoltStore_UpsertResult_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putPending(t, s, "scan_a", time.Now())

	unit := types.Unit{Service: "ec2", Operation: "DescribeInstances", Region: "us-east-1"}

	created, err := s.UpsertResult(ctx, result("scan_a", unit))
	require.NoError(t, err)
	assert.True(t, created)

	// Redelivery of the same unit replaces the item without recounting
	created, err = s.UpsertResult(ctx, result("scan_a", unit))
	require.NoError(t, err)
	assert.False(t, created)

	count, err := s.CountResults(ctx, "scan_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rec, err := s.GetScan(ctx, "scan_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ItemsIngested)
}

func TestBoltStore_UpsertResult_UnknownScan(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertResult(context.Background(), result("missing", types.Unit{Service: "s3", Operation: "ListBuckets"}))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBoltStore_UpsertResult_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putPending(t, s, "scan_a", time.Now())

	ops := []string{"DescribeInstances", "DescribeVpcs", "DescribeSubnets", "DescribeVolumes"}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, op := range ops {
			wg.Add(1)
			go func(op string) {
				defer wg.Done()
				_, err := s.UpsertResult(ctx, result("scan_a", types.Unit{Service: "ec2", Operation: op}))
				assert.NoError(t, err)
			}(op)
		}
	}
	wg.Wait()

	rec, err := s.GetScan(ctx, "scan_a")
	require.NoError(t, err)
	assert.Equal(t, int64(len(ops)), rec.ItemsIngested)

	count, err := s.CountResults(ctx, "scan_a")
	require.NoError(t, err)
	assert.Equal(t, rec.ItemsIngested, count)
}

func TestBoltStore_QueryResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putPending(t, s, "scan_a", time.Now())
	putPending(t, s, "scan_ab", time.Now())

	units := []types.Unit{
		{Service: "ec2", Operation: "DescribeInstances", Region: "us-east-1"},
		{Service: "ec2", Operation: "DescribeVpcs", Region: "eu-west-1"},
		{Service: "s3", Operation: "ListBuckets"},
	}
	for _, u := range units {
		_, err := s.UpsertResult(ctx, result("scan_a", u))
		require.NoError(t, err)
	}
	// Same prefix, different scan
	_, err := s.UpsertResult(ctx, result("scan_ab", units[0]))
	require.NoError(t, err)

	all, err := s.QueryResults(ctx, "scan_a", ResultQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ec2_DescribeInstances_us-east-1_None", all[0].UnitID)

	ec2, err := s.QueryResults(ctx, "scan_a", ResultQuery{Service: "ec2"})
	require.NoError(t, err)
	assert.Len(t, ec2, 2)

	eu, err := s.QueryResults(ctx, "scan_a", ResultQuery{Region: "eu-west-1"})
	require.NoError(t, err)
	require.Len(t, eu, 1)
	assert.Equal(t, "DescribeVpcs", eu[0].Operation)

	paged, err := s.QueryResults(ctx, "scan_a", ResultQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, all[1].UnitID, paged[0].UnitID)

	_, err = s.QueryResults(ctx, "missing", ResultQuery{})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBoltStore_ListScans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	putPending(t, s, "scan_1", base)
	putPending(t, s, "scan_2", base.Add(time.Hour))
	putPending(t, s, "scan_3", base.Add(2*time.Hour))

	_, err := s.UpdateScan(ctx, "scan_2", func(rec *types.ScanRecord) error {
		return rec.Fail("exit code 1", base.Add(90*time.Minute))
	})
	require.NoError(t, err)

	all, err := s.ListScans(ctx, ScanQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "scan_3", all[0].ScanID)
	assert.Equal(t, "scan_1", all[2].ScanID)

	failed, err := s.ListScans(ctx, ScanQuery{States: []types.State{types.StateFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "scan_2", failed[0].ScanID)

	recent, err := s.ListScans(ctx, ScanQuery{Since: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	old, err := s.ListScans(ctx, ScanQuery{Before: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "scan_1", old[0].ScanID)

	page, err := s.ListScans(ctx, ScanQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "scan_2", page[0].ScanID)
}

func TestBoltStore_DeleteScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putPending(t, s, "scan_a", time.Now())

	for _, op := range []string{"ListBuckets", "ListUsers"} {
		_, err := s.UpsertResult(ctx, result("scan_a", types.Unit{Service: "iam", Operation: op}))
		require.NoError(t, err)
	}

	deleted, err := s.DeleteScan(ctx, "scan_a")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = s.GetScan(ctx, "scan_a")
	assert.ErrorIs(t, err, types.ErrNotFound)

	count, err := s.CountResults(ctx, "scan_a")
	require.NoError(t, err)
	assert.Zero(t, count)

	scans, err := s.ListScans(ctx, ScanQuery{})
	require.NoError(t, err)
	assert.Empty(t, scans)

	_, err = s.DeleteScan(ctx, "scan_a")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBoltStore_Stats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putPending(t, s, "scan_a", time.Now())
	putPending(t, s, "scan_b", time.Now())

	_, err := s.UpsertResult(ctx, result("scan_a", types.Unit{Service: "ec2", Operation: "DescribeInstances", Region: "us-east-1"}))
	require.NoError(t, err)
	_, err = s.UpsertResult(ctx, result("scan_b", types.Unit{Service: "s3", Operation: "ListBuckets"}))
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalScans)
	assert.Equal(t, 2, stats.ScansByState[types.StatePending])
	assert.Equal(t, int64(2), stats.TotalResults)
	assert.Equal(t, []string{"ec2", "s3"}, stats.Services)
	assert.Equal(t, []string{"us-east-1"}, stats.Regions)
}

func TestBoltStore_ReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	for i, id := range []string{"scan_1", "scan_2"} {
		rec := types.NewScanRecord(id, types.Targets{}, "", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.PutScan(ctx, &rec))
	}
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	scans, err := s.ListScans(ctx, ScanQuery{})
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, "scan_2", scans[0].ScanID)
}

func TestBoltStore_CanceledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetScan(ctx, "scan_a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPage(t *testing.T) {
	tests := []struct {
		n, offset, limit int
		start, end       int
	}{
		{10, 0, 0, 0, 10},
		{10, 2, 3, 2, 5},
		{10, 8, 5, 8, 10},
		{10, 20, 5, 10, 10},
		{10, -1, 0, 0, 10},
	}
	for _, tt := range tests {
		start, end := Page(tt.n, tt.offset, tt.limit)
		assert.Equal(t, tt.start, start)
		assert.Equal(t, tt.end, end)
	}
}
