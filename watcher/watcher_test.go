package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yairfalse/sweep/telemetry"
	"github.com/yairfalse/sweep/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testInterval = 40 * time.Millisecond

func attach(t *testing.T, cfg Config) (Subscription, string) {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = testInterval
	}
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := New(cfg, telemetry.Nop()).Attach(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		for range sub.Events() {
		}
	})
	return sub, dir
}

func receive(t *testing.T, sub Subscription, timeout time.Duration) FileReady {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(timeout):
		t.Fatal("no FileReady received")
	}
	return FileReady{}
}

func assertNoEvent(t *testing.T, sub Subscription, wait time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected FileReady for %s", ev.Path)
		}
	case <-time.After(wait):
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFSWatcher_EmitsStableFileOnce(t *testing.T) {
	sub, dir := attach(t, Config{})
	path := filepath.Join(dir, "ec2_DescribeInstances_us-east-1_None.json")
	writeFile(t, path, `{"a":1}`)

	ev := receive(t, sub, 2*time.Second)
	assert.Equal(t, path, ev.Path)
	assert.Equal(t, int64(7), ev.Size)
	assert.Contains(t, ev.Key, path+"@")
	assert.False(t, ev.Flushed)

	// Rewriting an emitted path never emits again
	writeFile(t, path, `{"a":2,"b":3}`)
	assertNoEvent(t, sub, 5*testInterval)
	assert.Equal(t, int64(1), sub.Emitted())
	assert.Zero(t, sub.Pending())
}

func TestFSWatcher_WaitsForWritesToFinish(t *testing.T) {
	sub, dir := attach(t, Config{})
	path := filepath.Join(dir, "s3_ListBuckets_None_None.json")

	f, err := os.Create(path)
	require.NoError(t, err)

	const chunks = 12
	for i := 0; i < chunks; i++ {
		_, err := f.WriteString(`{"k":"v"},`)
		require.NoError(t, err)
		time.Sleep(testInterval / 3)
	}
	require.NoError(t, f.Close())
	final, err := os.Stat(path)
	require.NoError(t, err)

	ev := receive(t, sub, 2*time.Second)
	assert.Equal(t, final.Size(), ev.Size)
}

func TestFSWatcher_IgnoresNonResultFiles(t *testing.T) {
	sub, dir := attach(t, Config{})
	writeFile(t, filepath.Join(dir, "scrape_metadata.json"), `{}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), `x`)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.json"), 0o755))
	writeFile(t, filepath.Join(dir, "iam_ListUsers_None_None.json"), `[]`)

	ev := receive(t, sub, 2*time.Second)
	assert.Equal(t, "iam_ListUsers_None_None.json", filepath.Base(ev.Path))
	assertNoEvent(t, sub, 5*testInterval)
}

func TestFSWatcher_FlushReleasesEmptyFiles(t *testing.T) {
	sub, dir := attach(t, Config{PollInterval: time.Hour})
	path := filepath.Join(dir, "rds_DescribeDBInstances_None_None.json")
	writeFile(t, path, "")

	sub.Flush()
	assert.GreaterOrEqual(t, sub.Pending(), 1)

	ev := receive(t, sub, 2*time.Second)
	assert.Equal(t, path, ev.Path)
	assert.Zero(t, ev.Size)
	assert.True(t, ev.Flushed)

	require.Eventually(t, func() bool { return sub.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), sub.Emitted())
}

func TestFSWatcher_PollOnly(t *testing.T) {
	sub, dir := attach(t, Config{DisableNotify: true})
	writeFile(t, filepath.Join(dir, "ec2_DescribeVpcs_None_None.json"), `{}`)

	ev := receive(t, sub, 2*time.Second)
	assert.Equal(t, "ec2_DescribeVpcs_None_None.json", filepath.Base(ev.Path))
}

func TestFSWatcher_PreexistingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ec2_A_None_None.json"), `{}`)
	writeFile(t, filepath.Join(dir, "ec2_B_None_None.json"), `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := New(Config{PollInterval: time.Hour}, telemetry.Nop()).Attach(ctx, dir)
	require.NoError(t, err)

	sub.Flush()
	first := receive(t, sub, 2*time.Second)
	second := receive(t, sub, 2*time.Second)
	assert.Equal(t, "ec2_A_None_None.json", filepath.Base(first.Path))
	assert.Equal(t, "ec2_B_None_None.json", filepath.Base(second.Path))

	sub.Detach()
	for range sub.Events() {
	}
}

func TestFSWatcher_DetachDeliversQueuedThenCloses(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ec2_A_None_None.json"), `{}`)

	sub, err := New(Config{PollInterval: time.Hour}, telemetry.Nop()).Attach(context.Background(), dir)
	require.NoError(t, err)

	sub.Flush()
	require.Eventually(t, func() bool { return sub.Pending() == 1 }, time.Second, 5*time.Millisecond)
	sub.Detach()

	var got []FileReady
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	assert.Len(t, got, 1)
	assert.NoError(t, sub.Err())
	assert.Zero(t, sub.Pending())
}

func TestFSWatcher_DirectoryRemoved(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "work")
	require.NoError(t, os.Mkdir(dir, 0o755))

	sub, err := New(Config{PollInterval: testInterval}, telemetry.Nop()).Attach(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))

	select {
	case <-sub.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not fail after directory removal")
	}
	assert.Error(t, sub.Err())
	for range sub.Events() {
	}
}

func TestFSWatcher_AttachMissingDirectory(t *testing.T) {
	_, err := New(Config{}, telemetry.Nop()).Attach(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, types.ErrDirectoryUnavailable)
}

func TestFSWatcher_ContextCancelCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := New(Config{}, telemetry.Nop()).Attach(ctx, t.TempDir())
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed after cancel")
	}

	// Flush after close is a no-op and nothing is pending
	sub.Flush()
	assert.Zero(t, sub.Pending())
}
