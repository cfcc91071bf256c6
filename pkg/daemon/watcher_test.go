package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardscry/wardscry/pkg/core"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("decoy"), 0o644))
}

func startTestWatcher(t *testing.T, snap *Snapshot, ignore []string) (*watchWorker, *rawQueue, chan existenceReport) {
	t.Helper()

	queue := newRawQueue(64, Backpressure)
	reports := make(chan existenceReport, 16)
	w := newWatchWorker(queue, reports, func() *Snapshot { return snap }, ignore, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = w.Stop(stopCtx)
		cancel()
	})
	return w, queue, reports
}

func popNotification(t *testing.T, queue *rawQueue, timeout time.Duration) core.RawNotification {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if n, ok := queue.TryPop(); ok {
			return n
		}
		select {
		case <-queue.Ready():
		case <-deadline:
			t.Fatal("no notification arrived")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatcherEnqueuesWriteOnTokenPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	writeFile(t, path)

	snap := newSnapshot([]core.Token{{ID: 1, Path: path, Status: core.StatusOK}}, time.Now())
	w, queue, _ := startTestWatcher(t, snap, nil)
	assert.Equal(t, 1, w.ActiveWatches())

	writeFile(t, path)

	n := popNotification(t, queue, 3*time.Second)
	assert.Equal(t, path, n.Path)
	assert.Contains(t, []core.RawKind{core.RawModify, core.RawCreate}, n.Kind)
}

func TestWatcherEnqueuesDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	writeFile(t, path)

	snap := newSnapshot([]core.Token{{ID: 1, Path: path, Status: core.StatusOK}}, time.Now())
	_, queue, _ := startTestWatcher(t, snap, nil)

	require.NoError(t, os.Remove(path))

	deadline := time.After(3 * time.Second)
	for {
		n := popNotification(t, queue, 3*time.Second)
		if n.Kind == core.RawDelete {
			assert.Equal(t, path, n.Path)
			return
		}
		select {
		case <-deadline:
			t.Fatal("delete notification never arrived")
		default:
		}
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "secret.txt")
	writeFile(t, tokenPath)

	snap := newSnapshot([]core.Token{{ID: 1, Path: tokenPath, Status: core.StatusOK}}, time.Now())
	_, queue, _ := startTestWatcher(t, snap, nil)

	// Churn beside the token must not reach the queue.
	writeFile(t, filepath.Join(dir, "unrelated.txt"))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, queue.Len())
}

func TestWatcherIgnoresGlobMatches(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "secret.txt.swp")
	writeFile(t, tokenPath)

	snap := newSnapshot([]core.Token{{ID: 1, Path: tokenPath, Status: core.StatusOK}}, time.Now())
	_, queue, _ := startTestWatcher(t, snap, []string{"*.swp"})

	writeFile(t, tokenPath)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, queue.Len())
}

func TestReconcileInstallsAndRemovesWatches(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	pathA := filepath.Join(dirA, "a.txt")
	pathB := filepath.Join(dirB, "b.txt")
	writeFile(t, pathA)
	writeFile(t, pathB)

	snap := newSnapshot([]core.Token{{ID: 1, Path: pathA, Status: core.StatusOK}}, time.Now())
	w, _, _ := startTestWatcher(t, snap, nil)
	require.Equal(t, 1, w.ActiveWatches())

	// Add a second token, drop the first.
	next := newSnapshot([]core.Token{{ID: 2, Path: pathB, Status: core.StatusOK}}, time.Now())
	w.Reconcile(next)
	assert.Equal(t, 1, w.ActiveWatches())

	// Same snapshot again: no churn, same count.
	w.Reconcile(next)
	assert.Equal(t, 1, w.ActiveWatches())

	both := newSnapshot([]core.Token{
		{ID: 1, Path: pathA, Status: core.StatusOK},
		{ID: 2, Path: pathB, Status: core.StatusOK},
	}, time.Now())
	w.Reconcile(both)
	assert.Equal(t, 2, w.ActiveWatches())
}

func TestReconcileReportsUnwatchableToken(t *testing.T) {
	dir := t.TempDir()
	gone := filepath.Join(dir, "vanished")
	path := filepath.Join(gone, "secret.txt")

	snap := newSnapshot(nil, time.Now())
	w, _, reports := startTestWatcher(t, snap, nil)

	next := newSnapshot([]core.Token{{ID: 7, Path: path, Status: core.StatusOK}}, time.Now())
	w.Reconcile(next)

	select {
	case rep := <-reports:
		assert.Equal(t, int64(7), rep.tokenID)
		assert.False(t, rep.exists)
	case <-time.After(time.Second):
		t.Fatal("no existence report for unwatchable directory")
	}
	assert.Equal(t, 0, w.ActiveWatches())
}

func TestReconcileDoesNotBlockOnFullReports(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vanished", "secret.txt")

	queue := newRawQueue(8, Backpressure)
	reports := make(chan existenceReport, 1)
	reports <- existenceReport{tokenID: 99, exists: true, at: time.Now()}

	empty := newSnapshot(nil, time.Now())
	w := newWatchWorker(queue, reports, func() *Snapshot { return empty }, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = w.Stop(stopCtx)
		cancel()
	})

	// The parent directory does not exist, so the install fails and every
	// token under it produces an existence report. With the channel already
	// full those reports must be dropped, not block the caller: the consumer
	// loop both calls Reconcile and drains the channel.
	next := newSnapshot([]core.Token{{ID: 7, Path: path, Status: core.StatusOK}}, time.Now())
	done := make(chan struct{})
	go func() {
		w.Reconcile(next)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile blocked on a full reports channel")
	}
	assert.Equal(t, 0, w.ActiveWatches())
}

func TestReconcileReinstallsWatchAfterDirRecreated(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "decoys")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "secret.txt")
	writeFile(t, path)

	snap := newSnapshot([]core.Token{{ID: 1, Path: path, Status: core.StatusOK}}, time.Now())
	w, queue, _ := startTestWatcher(t, snap, nil)
	require.Equal(t, 1, w.ActiveWatches())

	// Removing the watched directory drops the kernel watch without any
	// Remove call on our side.
	require.NoError(t, os.RemoveAll(dir))
	require.Eventually(t, func() bool {
		return len(w.watchList()) == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.MkdirAll(dir, 0o755))
	w.Reconcile(snap)
	assert.Equal(t, 1, w.ActiveWatches())

	// The reinstalled watch must observe the restored token again.
	writeFile(t, path)
	deadline := time.After(3 * time.Second)
	for {
		n := popNotification(t, queue, 3*time.Second)
		if n.Kind == core.RawCreate || n.Kind == core.RawModify {
			assert.Equal(t, path, n.Path)
			return
		}
		select {
		case <-deadline:
			t.Fatal("no notification after the directory came back")
		default:
		}
	}
}

func (w *watchWorker) watchList() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	return w.watcher.WatchList()
}

func TestMapRawKindPriority(t *testing.T) {
	cases := []struct {
		op   fsnotify.Op
		want core.RawKind
		ok   bool
	}{
		{fsnotify.Remove, core.RawDelete, true},
		{fsnotify.Remove | fsnotify.Rename, core.RawDelete, true},
		{fsnotify.Rename, core.RawRename, true},
		{fsnotify.Create, core.RawCreate, true},
		{fsnotify.Write, core.RawModify, true},
		{fsnotify.Write | fsnotify.Chmod, core.RawModify, true},
		{fsnotify.Chmod, core.RawAttrib, true},
		{0, "", false},
	}
	for _, tc := range cases {
		kind, ok := mapRawKind(fsnotify.Event{Name: "/x", Op: tc.op})
		assert.Equal(t, tc.ok, ok, "op %v", tc.op)
		if tc.ok {
			assert.Equal(t, tc.want, kind, "op %v", tc.op)
		}
	}
}

func TestShouldIgnoreGlobs(t *testing.T) {
	w := &watchWorker{ignore: []string{"*.swp", ".#*", "4913"}}

	assert.True(t, w.shouldIgnore("/some/dir/file.swp"))
	assert.True(t, w.shouldIgnore("/some/dir/.#lock"))
	assert.True(t, w.shouldIgnore("/some/dir/4913"))
	assert.False(t, w.shouldIgnore("/some/dir/secret.txt"))
}
