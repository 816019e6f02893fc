package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/sweep/storage"
	"github.com/yairfalse/sweep/types"
)

// Integration test against a real database; runs only when
// SWEEP_TEST_DATABASE_URL points at a disposable instance.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("SWEEP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SWEEP_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err, "database unavailable")
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.pool.Exec(ctx, "TRUNCATE results, scans")
	require.NoError(t, err)
	return s
}

func TestStore_UpsertResultCountsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := types.NewScanRecord("scan_pg_1", types.Targets{Services: []string{"ec2"}}, "/tmp/w", time.Now())
	require.NoError(t, s.PutScan(ctx, &rec))

	unit := types.Unit{Service: "ec2", Operation: "DescribeInstances", Region: "us-east-1"}
	item := types.NewResultItem(rec.ScanID, unit, json.RawMessage(`{"a":1}`), "f.json", time.Now())

	created, err := s.UpsertResult(ctx, item)
	require.NoError(t, err)
	assert.True(t, created)

	item.Payload = json.RawMessage(`{"a":2}`)
	created, err = s.UpsertResult(ctx, item)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetScan(ctx, rec.ScanID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ItemsIngested)

	items, err := s.QueryResults(ctx, rec.ScanID, storage.ResultQuery{Service: "EC2"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"a":2}`, string(items[0].Payload))
}

func TestStore_LifecycleAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"scan_pg_a", "scan_pg_b"} {
		rec := types.NewScanRecord(id, types.Targets{}, "", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.PutScan(ctx, &rec))
	}

	_, err := s.UpdateScan(ctx, "scan_pg_a", func(rec *types.ScanRecord) error {
		return rec.Fail("exit code 2", time.Now())
	})
	require.NoError(t, err)

	scans, err := s.ListScans(ctx, storage.ScanQuery{})
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, "scan_pg_b", scans[0].ScanID)

	failed, err := s.ListScans(ctx, storage.ScanQuery{States: []types.State{types.StateFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "exit code 2", failed[0].ErrorDetail)

	_, err = s.UpsertResult(ctx, types.NewResultItem("scan_pg_a", types.Unit{Service: "s3", Operation: "ListBuckets"}, json.RawMessage(`[]`), "s3.json", time.Now()))
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalScans)
	assert.Equal(t, []string{"s3"}, stats.Services)

	deleted, err := s.DeleteScan(ctx, "scan_pg_a")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.GetScan(ctx, "scan_pg_a")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
