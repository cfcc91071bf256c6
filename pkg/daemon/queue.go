package daemon

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wardscry/wardscry/pkg/core"
)

// OverloadPolicy decides what happens when the raw-notification queue fills.
type OverloadPolicy int

const (
	// DropOldest evicts an old entry to bound memory, preferring to evict
	// modify/attrib noise over delete/rename signals. This is the default.
	DropOldest OverloadPolicy = iota
	// Backpressure blocks the producer until the consumer frees a slot.
	Backpressure
)

// rawQueue is the bounded queue between the watcher producer and the single
// consumer loop. It cannot be a plain channel: the overload policy evicts by
// kind preference, and the consumer needs a selectable readiness signal.
type rawQueue struct {
	mu       sync.Mutex
	entries  []core.RawNotification
	capacity int
	policy   OverloadPolicy
	closed   bool
	dropped  atomic.Uint64

	ready chan struct{} // cap 1, pulsed on push
	space chan struct{} // cap 1, pulsed on pop
}

func newRawQueue(capacity int, policy OverloadPolicy) *rawQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &rawQueue{
		capacity: capacity,
		policy:   policy,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

// Push enqueues a notification. Under Backpressure it blocks until space
// frees up or ctx is done; under DropOldest it always succeeds on an open
// queue, evicting if necessary.
func (q *rawQueue) Push(ctx context.Context, n core.RawNotification) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return core.ErrQueueClosed
		}
		if len(q.entries) < q.capacity {
			q.entries = append(q.entries, n)
			metricQueueDepth.Set(float64(len(q.entries)))
			q.mu.Unlock()
			q.pulse(q.ready)
			return nil
		}
		if q.policy == DropOldest {
			q.evictLocked()
			q.entries = append(q.entries, n)
			metricQueueDepth.Set(float64(len(q.entries)))
			q.mu.Unlock()
			q.pulse(q.ready)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.space:
		}
	}
}

// TryPop dequeues the oldest notification without blocking.
func (q *rawQueue) TryPop() (core.RawNotification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return core.RawNotification{}, false
	}
	n := q.entries[0]
	q.entries = q.entries[1:]
	metricQueueDepth.Set(float64(len(q.entries)))
	q.pulse(q.space)
	if len(q.entries) > 0 {
		q.pulse(q.ready)
	}
	return n, true
}

// Ready pulses whenever entries are available; pair with TryPop in a select
// loop.
func (q *rawQueue) Ready() <-chan struct{} { return q.ready }

// Len returns the current depth.
func (q *rawQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns how many notifications the overload policy has discarded.
func (q *rawQueue) Dropped() uint64 { return q.dropped.Load() }

// Close rejects further pushes. Entries already queued remain poppable so
// shutdown can drain them.
func (q *rawQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.pulse(q.ready)
	q.pulse(q.space)
}

// evictLocked removes the oldest entry whose kind is expendable. Delete and
// rename notifications are kept under pressure; if nothing else is left the
// true oldest goes.
func (q *rawQueue) evictLocked() {
	idx := 0
	for i, e := range q.entries {
		if e.Kind != core.RawDelete && e.Kind != core.RawRename {
			idx = i
			break
		}
	}
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.dropped.Add(1)
	metricDroppedNotifications.Inc()
}

func (q *rawQueue) pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
