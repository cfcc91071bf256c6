package daemon

import (
	"time"

	"github.com/aretw0/introspection"
)

// DaemonState exposes internal state for observability.
type DaemonState struct {
	Tokens               int        `json:"tokens"`
	ActiveWatches        int        `json:"active_watches"`
	QueueDepth           int        `json:"queue_depth"`
	PendingWindows       int        `json:"pending_windows"`
	DroppedNotifications uint64     `json:"dropped_notifications"`
	SnapshotLoadedAt     *time.Time `json:"snapshot_loaded_at,omitempty"`
}

// State implements introspection.Introspectable.
func (d *Daemon) State() any {
	snap := d.registry.Current()

	d.mu.Lock()
	w := d.watch
	d.mu.Unlock()

	watches := 0
	if w != nil {
		watches = w.ActiveWatches()
	}

	state := DaemonState{
		Tokens:               snap.Len(),
		ActiveWatches:        watches,
		QueueDepth:           d.queue.Len(),
		PendingWindows:       d.noise.PendingWindows(),
		DroppedNotifications: d.queue.Dropped(),
	}
	if !snap.LoadedAt.IsZero() {
		t := snap.LoadedAt
		state.SnapshotLoadedAt = &t
	}
	return state
}

// ComponentType implements introspection.Component.
func (d *Daemon) ComponentType() string {
	return "daemon"
}

var _ introspection.Introspectable = (*Daemon)(nil)
var _ introspection.Component = (*Daemon)(nil)
