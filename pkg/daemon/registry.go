package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/worker"

	"github.com/wardscry/wardscry/pkg/core"
)

// Snapshot is an immutable view of the token set, replaced wholesale on each
// reload. Readers always see a consistent set, never a partial update.
type Snapshot struct {
	tokens   map[int64]core.Token
	byPath   map[string]int64
	LoadedAt time.Time
}

func newSnapshot(tokens []core.Token, at time.Time) *Snapshot {
	s := &Snapshot{
		tokens:   make(map[int64]core.Token, len(tokens)),
		byPath:   make(map[string]int64, len(tokens)),
		LoadedAt: at,
	}
	for _, t := range tokens {
		s.tokens[t.ID] = t
		s.byPath[t.Path] = t.ID
	}
	return s
}

// Get returns the token with the given id.
func (s *Snapshot) Get(id int64) (core.Token, bool) {
	t, ok := s.tokens[id]
	return t, ok
}

// ByPath returns the token watching the given absolute path.
func (s *Snapshot) ByPath(path string) (core.Token, bool) {
	id, ok := s.byPath[path]
	if !ok {
		return core.Token{}, false
	}
	return s.tokens[id], true
}

// Tokens returns every token in the snapshot.
func (s *Snapshot) Tokens() []core.Token {
	out := make([]core.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	return out
}

// Len returns the number of tokens.
func (s *Snapshot) Len() int { return len(s.tokens) }

// Registry keeps the in-memory token set in sync with the store. Reload
// swaps the snapshot atomically; a failed reload keeps the previous one, so
// a transient store outage never empties the watch set.
type Registry struct {
	store   core.TokenStore
	timeout time.Duration
	logger  *slog.Logger
	snap    atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry starting from an empty snapshot.
func NewRegistry(store core.TokenStore, timeout time.Duration, logger *slog.Logger) *Registry {
	r := &Registry{store: store, timeout: timeout, logger: logger}
	r.snap.Store(newSnapshot(nil, time.Time{}))
	return r
}

// Current returns the latest snapshot without blocking.
func (r *Registry) Current() *Snapshot {
	return r.snap.Load()
}

// Reload fetches all tokens and swaps in a fresh snapshot. On store failure
// the previous snapshot stays in place and the error is returned.
func (r *Registry) Reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tokens, err := r.store.ListTokens(ctx)
	if err != nil {
		metricReloadFailures.Inc()
		metricStoreErrors.Inc()
		return fmt.Errorf("registry reload: %w", err)
	}
	r.snap.Store(newSnapshot(tokens, time.Now()))
	return nil
}

// reloadWorker drives Reload on a fixed interval and hands each fresh
// snapshot to the consumer loop.
type reloadWorker struct {
	*worker.BaseWorker
	registry *Registry
	interval time.Duration
	onSwap   func(*Snapshot)
	logger   *slog.Logger
	cancel   context.CancelFunc
}

func newReloadWorker(registry *Registry, interval time.Duration, onSwap func(*Snapshot), logger *slog.Logger) *reloadWorker {
	return &reloadWorker{
		BaseWorker: worker.NewBaseWorker("registry-reloader"),
		registry:   registry,
		interval:   interval,
		onSwap:     onSwap,
		logger:     logger,
	}
}

func (w *reloadWorker) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("reloader already started (status: %s)", status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, w.run)
}

func (w *reloadWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}
	return w.BaseWorker.Stop(ctx)
}

func (w *reloadWorker) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
		}
	})
}

func (w *reloadWorker) run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.registry.Reload(ctx); err != nil {
				// Previous snapshot stays active; retry next tick.
				w.logger.Error("token reload failed, keeping previous snapshot", "error", err)
				continue
			}
			w.onSwap(w.registry.Current())
		}
	}
}
