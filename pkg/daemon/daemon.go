// Package daemon implements the WardScry event pipeline: a registry of
// token definitions hot-reloaded from the store, a filesystem watcher
// feeding a bounded queue, a noise controller collapsing bursts into
// semantic events, and a single-writer state machine that persists
// transitions and emits alert records.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/supervisor"
	"github.com/aretw0/lifecycle/pkg/core/worker"

	"github.com/wardscry/wardscry/pkg/core"
)

// Config wires the daemon's collaborators and tuning knobs.
type Config struct {
	Store   core.TokenStore
	Emitter core.Emitter
	Logger  *slog.Logger

	ReloadInterval time.Duration
	CheckInterval  time.Duration
	DebounceWindow time.Duration
	StoreTimeout   time.Duration

	QueueCapacity  int
	OverloadPolicy OverloadPolicy
	IgnoreGlobs    []string

	// ShutdownTimeout bounds the graceful-shutdown flush.
	ShutdownTimeout time.Duration
}

// Daemon owns the pipeline. One watcher producer, one registry reloader,
// one existence checker, and one consumer goroutine that owns every write
// to token status.
type Daemon struct {
	cfg      Config
	logger   *slog.Logger
	registry *Registry
	queue    *rawQueue
	noise    *noiseController
	machine  *stateMachine

	reports chan existenceReport
	swaps   chan *Snapshot

	mu    sync.Mutex
	watch *watchWorker
}

// New assembles a daemon from an already-opened store and emitter. The
// caller keeps ownership of both and closes them after Run returns.
func New(cfg Config) (*Daemon, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("daemon: store is required")
	}
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("daemon: emitter is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = 2 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 1500 * time.Millisecond
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: NewRegistry(cfg.Store, cfg.StoreTimeout, cfg.Logger),
		queue:    newRawQueue(cfg.QueueCapacity, cfg.OverloadPolicy),
		noise:    newNoiseController(cfg.DebounceWindow),
		machine:  newStateMachine(cfg.Store, cfg.Emitter, cfg.StoreTimeout, cfg.Logger),
		reports:  make(chan existenceReport, 64),
		swaps:    make(chan *Snapshot, 1),
	}
	return d, nil
}

// Run starts the workers and blocks consuming the pipeline until ctx is
// cancelled, then flushes pending windows and completes in-flight persists
// before returning.
func (d *Daemon) Run(ctx context.Context) error {
	// First load. A store outage here is not fatal: the daemon starts with
	// zero watches and picks tokens up once the store recovers.
	if err := d.registry.Reload(ctx); err != nil {
		d.logger.Error("initial token load failed, starting with zero watches", "error", err)
	}
	snap := d.registry.Current()
	d.machine.RefreshFrom(snap)
	if snap.Len() == 0 {
		d.logger.Info("no tokens defined yet, waiting for definitions")
	} else {
		d.logger.Info("tokens loaded", "count", snap.Len())
	}

	runCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	// The watcher runs under a supervisor: an fsnotify failure restarts it
	// with backoff instead of taking the daemon down. A fresh instance
	// re-reconciles the current snapshot on start.
	watchSpec := supervisor.Spec{
		Name: "fs-watcher",
		Type: string(worker.TypeGoroutine),
		Factory: func() (worker.Worker, error) {
			w := newWatchWorker(d.queue, d.reports, d.registry.Current, d.cfg.IgnoreGlobs, d.logger)
			d.mu.Lock()
			d.watch = w
			d.mu.Unlock()
			return w, nil
		},
		Backoff: supervisor.Backoff{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
			ResetDuration:   time.Minute,
		},
		RestartPolicy: supervisor.RestartOnFailure,
	}
	sup := supervisor.New("wardscryd", supervisor.StrategyOneForOne, watchSpec)
	if err := sup.Start(runCtx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	reloader := newReloadWorker(d.registry, d.cfg.ReloadInterval, d.offerSnapshot, d.logger)
	if err := reloader.Start(runCtx); err != nil {
		return fmt.Errorf("start reloader: %w", err)
	}
	checker := newCheckWorker(d.registry.Current, d.reports, d.cfg.CheckInterval, d.logger)
	if err := checker.Start(runCtx); err != nil {
		return fmt.Errorf("start checker: %w", err)
	}

	d.logger.Info("daemon running",
		"reload_interval", d.cfg.ReloadInterval,
		"check_interval", d.cfg.CheckInterval,
		"debounce_window", d.cfg.DebounceWindow,
	)

	d.loop(ctx)

	// Graceful shutdown: no new notifications, flush pending windows as
	// "now", finish persists, then hand the collaborators back.
	stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	cancelWorkers()
	if err := sup.Stop(stopCtx); err != nil {
		d.logger.Debug("watcher supervisor stop", "error", err)
	}
	if err := reloader.Stop(stopCtx); err != nil {
		d.logger.Debug("reloader stop", "error", err)
	}
	if err := checker.Stop(stopCtx); err != nil {
		d.logger.Debug("checker stop", "error", err)
	}

	d.queue.Close()
	d.drainQueue(stopCtx)
	for _, ev := range d.noise.FlushAll(time.Now()) {
		d.dispatch(stopCtx, ev)
	}

	d.logger.Info("daemon stopped", "dropped_notifications", d.queue.Dropped())
	return nil
}

// loop is the single consumer. It owns the noise controller and the state
// machine; every token status write in the process happens on this
// goroutine.
func (d *Daemon) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		if deadline, ok := d.noise.NextDeadline(); ok {
			wait := time.Until(deadline)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return

		case <-d.queue.Ready():
			d.drainQueue(ctx)

		case rep := <-d.reports:
			d.handleReport(ctx, rep)

		case snap := <-d.swaps:
			d.applySnapshot(ctx, snap)

		case now := <-timerC:
			for _, ev := range d.noise.Expire(now) {
				d.dispatch(ctx, ev)
			}
		}

		if timerC != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

func (d *Daemon) drainQueue(ctx context.Context) {
	for {
		n, ok := d.queue.TryPop()
		if !ok {
			return
		}
		tok, ok := d.registry.Current().ByPath(n.Path)
		if !ok {
			// Token removed between enqueue and consume.
			continue
		}
		for _, ev := range d.noise.Observe(tok, n) {
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Daemon) dispatch(ctx context.Context, ev core.Event) {
	tok, ok := d.registry.Current().Get(ev.TokenID)
	if !ok {
		d.noise.Forget(ev.TokenID)
		d.machine.Forget(ev.TokenID)
		return
	}
	d.machine.HandleEvent(ctx, ev, tok)
}

func (d *Daemon) handleReport(ctx context.Context, rep existenceReport) {
	tok, ok := d.registry.Current().Get(rep.tokenID)
	if !ok {
		return
	}
	d.machine.HandleReport(ctx, rep, tok)
}

// applySnapshot reacts to a registry swap: reconcile the watch set, adopt
// external status changes, drop state for removed tokens.
func (d *Daemon) applySnapshot(ctx context.Context, snap *Snapshot) {
	d.mu.Lock()
	w := d.watch
	d.mu.Unlock()
	if w != nil {
		w.Reconcile(snap)
	}

	d.machine.RefreshFrom(snap)
	for id := range d.noise.pending {
		if _, ok := snap.Get(id); !ok {
			d.noise.Forget(id)
		}
	}
}

// offerSnapshot hands a fresh snapshot to the consumer loop, replacing any
// not-yet-consumed one: only the latest matters.
func (d *Daemon) offerSnapshot(snap *Snapshot) {
	for {
		select {
		case d.swaps <- snap:
			return
		default:
			select {
			case <-d.swaps:
			default:
			}
		}
	}
}
