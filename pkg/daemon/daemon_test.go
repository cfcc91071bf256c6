package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardscry/wardscry/pkg/adapters/siem"
	"github.com/wardscry/wardscry/pkg/adapters/sqlite"
	"github.com/wardscry/wardscry/pkg/core"
)

// harness runs a full daemon against a real sqlite store and JSONL sink in a
// temp dir, with intervals tightened for tests.
type harness struct {
	store    *sqlite.Store
	siemPath string
	tokenDir string
	cancel   context.CancelFunc
	done     chan error
}

func startHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := sqlite.Open(context.Background(), filepath.Join(dir, "wardscry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	siemPath := filepath.Join(dir, "events.jsonl")
	emitter := siem.New(siemPath)
	t.Cleanup(func() { _ = emitter.Close() })

	d, err := New(Config{
		Store:           store,
		Emitter:         emitter,
		Logger:          testLogger(),
		ReloadInterval:  50 * time.Millisecond,
		CheckInterval:   50 * time.Millisecond,
		DebounceWindow:  100 * time.Millisecond,
		StoreTimeout:    2 * time.Second,
		QueueCapacity:   64,
		ShutdownTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	h := &harness{
		store:    store,
		siemPath: siemPath,
		tokenDir: t.TempDir(),
		cancel:   cancel,
		done:     done,
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
	}
}

func (h *harness) addToken(t *testing.T, name string) (int64, string) {
	t.Helper()
	path := filepath.Join(h.tokenDir, name)
	require.NoError(t, os.WriteFile(path, []byte("decoy"), 0o644))
	id, err := h.store.InsertToken(context.Background(), core.Token{
		Name:        name,
		Path:        path,
		Template:    "plain",
		Sensitivity: core.SensitivityHigh,
		Status:      core.StatusOK,
	})
	require.NoError(t, err)
	return id, path
}

func (h *harness) waitForStatus(t *testing.T, id int64, want core.Status) core.Token {
	t.Helper()
	var tok core.Token
	require.Eventually(t, func() bool {
		got, err := h.store.GetToken(context.Background(), id)
		if err != nil {
			return false
		}
		tok = got
		return got.Status == want
	}, 10*time.Second, 20*time.Millisecond, "token %d never reached %s", id, want)
	return tok
}

func (h *harness) eventKinds(t *testing.T, id int64) []core.EventKind {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), id, 0)
	require.NoError(t, err)
	// ListEvents returns newest first; reverse into arrival order.
	kinds := make([]core.EventKind, len(events))
	for i, ev := range events {
		kinds[len(events)-1-i] = ev.Kind
	}
	return kinds
}

func readSIEMLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestDaemonModificationBurstTriggersOnce(t *testing.T) {
	h := startHarness(t)
	id, path := h.addToken(t, "passwords.txt")

	// Wait for the hot reload to install the watch, then burst.
	time.Sleep(200 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	tok := h.waitForStatus(t, id, core.StatusTriggered)
	assert.NotNil(t, tok.LastEventAt)

	require.Eventually(t, func() bool {
		return len(h.eventKinds(t, id)) >= 1
	}, 5*time.Second, 20*time.Millisecond)

	kinds := h.eventKinds(t, id)
	require.NotEmpty(t, kinds)
	assert.Equal(t, core.EventModified, kinds[0])

	events, err := h.store.ListEvents(context.Background(), id, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, events[len(events)-1].RawCount, 2, "burst folds into one event")

	lines := readSIEMLines(t, h.siemPath)
	require.NotEmpty(t, lines)
	first := lines[0]
	assert.Equal(t, "alert", first["event"].(map[string]any)["kind"])
	assert.Equal(t, "modified", first["event"].(map[string]any)["action"])
}

func TestDaemonDeletionTriggersImmediately(t *testing.T) {
	h := startHarness(t)
	id, path := h.addToken(t, "id_rsa")

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	h.waitForStatus(t, id, core.StatusTriggered)

	require.Eventually(t, func() bool {
		kinds := h.eventKinds(t, id)
		for _, k := range kinds {
			if k == core.EventDeleted {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	// Triggered is sticky: later existence sweeps see the path absent but
	// never demote it to missing.
	time.Sleep(300 * time.Millisecond)
	tok, err := h.store.GetToken(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusTriggered, tok.Status)
	for _, k := range h.eventKinds(t, id) {
		assert.NotEqual(t, core.EventMissing, k)
	}
}

func TestDaemonChecksExistenceAndRestores(t *testing.T) {
	h := startHarness(t)

	// The token row exists but the file never did, as after a deletion while
	// the daemon was down.
	path := filepath.Join(h.tokenDir, "never-planted.txt")
	id, err := h.store.InsertToken(context.Background(), core.Token{
		Name:        "never-planted",
		Path:        path,
		Template:    "plain",
		Sensitivity: core.SensitivityLow,
		Status:      core.StatusOK,
	})
	require.NoError(t, err)

	h.waitForStatus(t, id, core.StatusMissing)

	// Restoring the file brings it back to ok with a restored event.
	require.NoError(t, os.WriteFile(path, []byte("decoy"), 0o644))
	h.waitForStatus(t, id, core.StatusOK)

	kinds := h.eventKinds(t, id)
	assert.Contains(t, kinds, core.EventMissing)
	assert.Contains(t, kinds, core.EventRestored)
}

func TestDaemonHotReloadPicksUpNewToken(t *testing.T) {
	h := startHarness(t)

	// Let the daemon settle with zero tokens, then add one mid-run.
	time.Sleep(150 * time.Millisecond)
	id, path := h.addToken(t, "late-arrival.txt")

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	h.waitForStatus(t, id, core.StatusTriggered)
}

func TestDaemonRemovedTokenStopsAlerting(t *testing.T) {
	h := startHarness(t)
	id, path := h.addToken(t, "short-lived.txt")

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, h.store.DeleteToken(context.Background(), id))

	// After the next reload drops the token, touching the path is inert.
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))
	time.Sleep(300 * time.Millisecond)

	_, err := h.store.GetToken(context.Background(), id)
	assert.ErrorIs(t, err, core.ErrTokenNotFound)
}

func TestDaemonShutdownFlushesPendingWindow(t *testing.T) {
	h := startHarness(t)
	id, path := h.addToken(t, "flush-me.txt")

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	// Give the notification time to reach the queue, then stop inside the
	// debounce window. The flush on shutdown still records the event.
	time.Sleep(50 * time.Millisecond)
	h.stop()

	tok, err := h.store.GetToken(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusTriggered, tok.Status)
}
