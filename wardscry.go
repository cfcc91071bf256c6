package wardscry

import (
	"context"
	"log/slog"
	"time"

	"github.com/wardscry/wardscry/internal/platform"
	"github.com/wardscry/wardscry/pkg/adapters/siem"
	"github.com/wardscry/wardscry/pkg/adapters/sqlite"
	"github.com/wardscry/wardscry/pkg/core"
	"github.com/wardscry/wardscry/pkg/daemon"
)

// --- Types ---

// Token is a public alias for the domain token definition.
type Token = core.Token

// Event is a public alias for a semantic token event.
type Event = core.Event

// Status is a public alias for the token lifecycle status.
type Status = core.Status

// --- Configuration ---

// Option defines a functional option for configuring a Monitor.
type Option func(*options)

type options struct {
	siemPath       string
	logger         *slog.Logger
	reloadInterval time.Duration
	checkInterval  time.Duration
	debounceWindow time.Duration
	storeTimeout   time.Duration
	queueCapacity  int
	dropOldest     bool
	ignoreGlobs    []string
}

// WithSIEMPath sets the JSON Lines alert sink path. Defaults to the
// platform data directory, honoring WARDSCRY_SIEM_JSONL.
func WithSIEMPath(path string) Option {
	return func(o *options) { o.siemPath = path }
}

// WithLogger sets the logger for the monitor.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithReloadInterval sets how often token definitions are re-read from the
// store.
func WithReloadInterval(d time.Duration) Option {
	return func(o *options) { o.reloadInterval = d }
}

// WithCheckInterval sets how often token paths are checked for existence.
func WithCheckInterval(d time.Duration) Option {
	return func(o *options) { o.checkInterval = d }
}

// WithDebounceWindow sets the burst-collapse window for raw notifications.
func WithDebounceWindow(d time.Duration) Option {
	return func(o *options) { o.debounceWindow = d }
}

// WithQueueCapacity bounds the raw-notification queue.
func WithQueueCapacity(n int) Option {
	return func(o *options) { o.queueCapacity = n }
}

// WithDropOldest controls the overload policy: evict old noise when the
// queue fills (the default), or apply producer backpressure when disabled.
func WithDropOldest(drop bool) Option {
	return func(o *options) { o.dropOldest = drop }
}

// WithIgnoreGlobs sets the base-name globs filtered out of raw
// notifications (editor swap files and similar).
func WithIgnoreGlobs(globs []string) Option {
	return func(o *options) { o.ignoreGlobs = globs }
}

// --- Factory ---

// Monitor bundles an opened token store, an alert sink and the daemon
// pipeline behind one handle. It is the library entry point; the wardscryd
// binary assembles the same pieces from its config file instead.
type Monitor struct {
	store   *sqlite.Store
	emitter *siem.Emitter
	daemon  *daemon.Daemon
}

// New opens the token store at dbPath and assembles a monitor around it.
// Close releases the store and the sink after Run returns.
func New(dbPath string, opts ...Option) (*Monitor, error) {
	o := options{siemPath: platform.SIEMPath(), dropOldest: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	store, err := sqlite.Open(context.Background(), dbPath)
	if err != nil {
		return nil, err
	}
	emitter := siem.New(o.siemPath)

	policy := daemon.DropOldest
	if !o.dropOldest {
		policy = daemon.Backpressure
	}
	d, err := daemon.New(daemon.Config{
		Store:          store,
		Emitter:        emitter,
		Logger:         o.logger,
		ReloadInterval: o.reloadInterval,
		CheckInterval:  o.checkInterval,
		DebounceWindow: o.debounceWindow,
		StoreTimeout:   o.storeTimeout,
		QueueCapacity:  o.queueCapacity,
		OverloadPolicy: policy,
		IgnoreGlobs:    o.ignoreGlobs,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Monitor{store: store, emitter: emitter, daemon: d}, nil
}

// Run blocks consuming filesystem activity until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	return m.daemon.Run(ctx)
}

// Store exposes the underlying token store for definition management.
func (m *Monitor) Store() *sqlite.Store { return m.store }

// State reports a point-in-time view of the pipeline for introspection.
func (m *Monitor) State() any { return m.daemon.State() }

// Close releases the store and the alert sink. Call after Run has returned.
func (m *Monitor) Close() error {
	err := m.emitter.Close()
	if cerr := m.store.Close(); err == nil {
		err = cerr
	}
	return err
}
