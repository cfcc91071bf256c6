package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/wardscry/wardscry/pkg/core"
)

// watchWorker owns the OS watch handles. Nothing else touches them: the
// registry only supplies the desired path set through Reconcile.
//
// Token paths are covered by watching their parent directories, so a token
// that does not exist yet (or was deleted) is still observed the moment the
// path reappears.
type watchWorker struct {
	*worker.BaseWorker
	queue      *rawQueue
	reports    chan<- existenceReport
	snapshotFn func() *Snapshot
	ignore     []string
	logger     *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	watched map[string]struct{}

	cancel context.CancelFunc
}

func newWatchWorker(queue *rawQueue, reports chan<- existenceReport, snapshotFn func() *Snapshot, ignore []string, logger *slog.Logger) *watchWorker {
	return &watchWorker{
		BaseWorker: worker.NewBaseWorker("fs-watcher"),
		queue:      queue,
		reports:    reports,
		snapshotFn: snapshotFn,
		ignore:     ignore,
		logger:     logger,
		watched:    make(map[string]struct{}),
	}
}

func (w *watchWorker) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("watcher already started (status: %s)", status)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.watched = make(map[string]struct{})
	w.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	// Cover whatever the registry already knows about before events flow.
	w.Reconcile(w.snapshotFn())

	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, w.run)
}

func (w *watchWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}
	return w.BaseWorker.Stop(ctx)
}

func (w *watchWorker) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
		}
	})
}

// Reconcile diffs the snapshot's desired directory set against the live
// watches, installing and removing only the delta. An unchanged token set
// produces no watch churn.
func (w *watchWorker) Reconcile(snap *Snapshot) {
	desired := make(map[string][]core.Token)
	for _, t := range snap.Tokens() {
		dir := filepath.Dir(t.Path)
		desired[dir] = append(desired[dir], t)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}

	// fsnotify silently drops a watch when the watched directory itself is
	// removed, so the internal set cannot be trusted across reconciles.
	// Resync from the kernel's view; a recreated directory then shows up as
	// unwatched and gets its watch reinstalled.
	current := make(map[string]struct{})
	for _, dir := range w.watcher.WatchList() {
		current[dir] = struct{}{}
	}
	w.watched = current

	for dir, tokens := range desired {
		if _, ok := w.watched[dir]; ok {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			// Permission denied or the directory vanished. The tokens under
			// it are unobservable, which is exactly what missing means; the
			// next reconcile retries the install.
			w.logger.Warn("failed to install watch", "dir", dir, "error", err)
			metricSuppressedErrors.Inc()
			for _, t := range tokens {
				w.report(existenceReport{tokenID: t.ID, exists: false, at: time.Now()})
			}
			continue
		}
		w.watched[dir] = struct{}{}
		w.logger.Info("now watching", "dir", dir)
	}

	for dir := range w.watched {
		if _, ok := desired[dir]; ok {
			continue
		}
		if err := w.watcher.Remove(dir); err != nil {
			w.logger.Debug("failed to remove watch", "dir", dir, "error", err)
		}
		delete(w.watched, dir)
		w.logger.Info("stopped watching", "dir", dir)
	}

	metricActiveWatches.Set(float64(len(w.watched)))
}

// ActiveWatches returns the number of directories under watch.
func (w *watchWorker) ActiveWatches() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

func (w *watchWorker) run(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("watcher panic: %v", recovered)
			if w.logger.Enabled(ctx, slog.LevelDebug) {
				w.logger.Error("watcher panic", "error", err, "stack", string(debug.Stack()))
			} else {
				w.logger.Error("watcher panic", "error", err)
			}
		}
	}()
	defer func() {
		w.mu.Lock()
		if w.watcher != nil {
			_ = w.watcher.Close()
			w.watcher = nil
		}
		w.mu.Unlock()
	}()

	w.mu.Lock()
	watcher := w.watcher
	w.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			w.processFilesystemEvent(ctx, event)

		case wErr, ok := <-watcher.Errors:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("fsnotify error", "error", wErr)
			metricSuppressedErrors.Inc()
		}
	}
}

// processFilesystemEvent filters and maps one fsnotify event, then pushes it
// into the bounded queue. Paths that are not token paths in the current
// snapshot are dropped here, so sibling churn in a watched directory never
// reaches the noise controller.
func (w *watchWorker) processFilesystemEvent(ctx context.Context, event fsnotify.Event) {
	w.logger.Debug("event received", "name", event.Name, "op", event.Op.String())

	if w.shouldIgnore(event.Name) {
		return
	}

	path := filepath.Clean(event.Name)
	if _, ok := w.snapshotFn().ByPath(path); !ok {
		return
	}

	kind, ok := mapRawKind(event)
	if !ok {
		return
	}

	metricRawNotifications.Inc()
	if err := w.queue.Push(ctx, core.RawNotification{
		Path: path,
		Kind: kind,
		At:   time.Now(),
	}); err != nil {
		w.logger.Debug("notification not enqueued", "path", path, "error", err)
	}
}

// shouldIgnore matches the notification base name against the configured
// ignore globs (editor swap files and similar artifacts).
func (w *watchWorker) shouldIgnore(name string) bool {
	base := filepath.Base(name)
	for _, pattern := range w.ignore {
		if ok, err := doublestar.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}

// report hands an existence verdict to the consumer loop without ever
// blocking: the loop is the only reader of the channel and also the caller
// of Reconcile, so a blocking send here would wedge the loop on itself. A
// dropped report is re-derived by the next periodic existence sweep.
func (w *watchWorker) report(rep existenceReport) {
	select {
	case w.reports <- rep:
	default:
		w.logger.Debug("existence report dropped, channel full", "token", rep.tokenID)
		metricSuppressedErrors.Inc()
	}
}

// mapRawKind maps an fsnotify op bitmask to a raw notification kind. Remove
// wins over anything else in a combined mask; rename is next, since both
// mean the token path no longer holds the decoy.
func mapRawKind(event fsnotify.Event) (core.RawKind, bool) {
	switch {
	case event.Has(fsnotify.Remove):
		return core.RawDelete, true
	case event.Has(fsnotify.Rename):
		return core.RawRename, true
	case event.Has(fsnotify.Create):
		return core.RawCreate, true
	case event.Has(fsnotify.Write):
		return core.RawModify, true
	case event.Has(fsnotify.Chmod):
		return core.RawAttrib, true
	}
	return "", false
}
