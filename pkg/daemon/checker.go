package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/worker"
)

// existenceReport is the checker's (and the watcher's) verdict on whether a
// token path currently exists. The state machine decides whether it means a
// transition; the producers never touch status.
type existenceReport struct {
	tokenID int64
	exists  bool
	at      time.Time
}

// checkWorker stats every known token path on a fixed interval. It is the
// safety net against missed filesystem notifications: a token deleted while
// the daemon was down is classified missing within one interval, and a
// persisted event whose status update was lost gets reconciled here.
type checkWorker struct {
	*worker.BaseWorker
	snapshotFn func() *Snapshot
	reports    chan<- existenceReport
	interval   time.Duration
	logger     *slog.Logger
	cancel     context.CancelFunc
}

func newCheckWorker(snapshotFn func() *Snapshot, reports chan<- existenceReport, interval time.Duration, logger *slog.Logger) *checkWorker {
	return &checkWorker{
		BaseWorker: worker.NewBaseWorker("existence-checker"),
		snapshotFn: snapshotFn,
		reports:    reports,
		interval:   interval,
		logger:     logger,
	}
}

func (w *checkWorker) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("checker already started (status: %s)", status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, w.run)
}

func (w *checkWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}
	return w.BaseWorker.Stop(ctx)
}

func (w *checkWorker) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
		}
	})
}

func (w *checkWorker) run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *checkWorker) sweep(ctx context.Context) {
	now := time.Now()
	for _, t := range w.snapshotFn().Tokens() {
		_, err := os.Stat(t.Path)
		switch {
		case err == nil:
			w.send(ctx, existenceReport{tokenID: t.ID, exists: true, at: now})
		case os.IsNotExist(err):
			w.send(ctx, existenceReport{tokenID: t.ID, exists: false, at: now})
		default:
			// Permission errors and the like: we cannot tell either way.
			w.logger.Debug("existence check inconclusive", "path", t.Path, "error", err)
			metricSuppressedErrors.Inc()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *checkWorker) send(ctx context.Context, rep existenceReport) {
	select {
	case w.reports <- rep:
	case <-ctx.Done():
	}
}
