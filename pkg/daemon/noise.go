package daemon

import (
	"container/heap"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wardscry/wardscry/pkg/core"
)

// pendingEvent is an open debounce window for one token.
type pendingEvent struct {
	tokenID  int64
	path     string
	kind     core.EventKind
	firstAt  time.Time
	lastAt   time.Time
	deadline time.Time
	rawCount int

	index int // heap bookkeeping
}

// noiseController folds bursts of raw notifications into single semantic
// events. It is owned by the consumer loop: no internal goroutines, no
// locks. Timers are entries in a deadline min-heap the loop polls.
//
// The window uses a fixed deadline from window-open, not a sliding one, so
// a sustained burst still flushes at bounded latency.
type noiseController struct {
	window  time.Duration
	pending map[int64]*pendingEvent
	heap    deadlineHeap

	// openCount mirrors len(pending) for introspection from outside the
	// consumer goroutine.
	openCount atomic.Int64
}

func newNoiseController(window time.Duration) *noiseController {
	return &noiseController{
		window:  window,
		pending: make(map[int64]*pendingEvent),
	}
}

// Observe feeds one raw notification for a token through the controller and
// returns any semantic events that must flush right now.
//
// Rules:
//   - same kind as the pending window: fold in, bump the raw count;
//   - different kind: the old window closes first, then the new one opens;
//   - deleted: never waits — it flushes whatever is pending and itself.
func (nc *noiseController) Observe(t core.Token, n core.RawNotification) []core.Event {
	kind := n.Kind.Semantic()

	var out []core.Event

	p := nc.pending[t.ID]
	if p != nil {
		if p.kind == kind {
			p.rawCount++
			p.lastAt = n.At
			return nil
		}
		out = append(out, nc.closeWindow(p, n.At))
	}

	fresh := &pendingEvent{
		tokenID:  t.ID,
		path:     t.Path,
		kind:     kind,
		firstAt:  n.At,
		lastAt:   n.At,
		deadline: n.At.Add(nc.window),
		rawCount: 1,
	}

	if kind.Urgent() {
		out = append(out, buildEvent(fresh, n.At))
		return out
	}

	nc.pending[t.ID] = fresh
	heap.Push(&nc.heap, fresh)
	nc.openCount.Store(int64(len(nc.pending)))
	return out
}

// NextDeadline returns the earliest open-window deadline, if any.
func (nc *noiseController) NextDeadline() (time.Time, bool) {
	if len(nc.heap) == 0 {
		return time.Time{}, false
	}
	return nc.heap[0].deadline, true
}

// Expire closes every window whose deadline has passed, in deadline order.
func (nc *noiseController) Expire(now time.Time) []core.Event {
	var out []core.Event
	for len(nc.heap) > 0 && !nc.heap[0].deadline.After(now) {
		p := nc.heap[0]
		out = append(out, nc.closeWindow(p, now))
	}
	return out
}

// FlushAll closes every open window immediately. Used on shutdown, where
// timer expiry is treated as "now".
func (nc *noiseController) FlushAll(now time.Time) []core.Event {
	var out []core.Event
	for len(nc.heap) > 0 {
		p := nc.heap[0]
		out = append(out, nc.closeWindow(p, now))
	}
	return out
}

// Forget drops any pending window for a token removed from the registry.
func (nc *noiseController) Forget(tokenID int64) {
	p, ok := nc.pending[tokenID]
	if !ok {
		return
	}
	delete(nc.pending, tokenID)
	heap.Remove(&nc.heap, p.index)
	nc.openCount.Store(int64(len(nc.pending)))
}

// PendingWindows returns the number of open windows. Safe to call from
// outside the consumer goroutine.
func (nc *noiseController) PendingWindows() int { return int(nc.openCount.Load()) }

func (nc *noiseController) closeWindow(p *pendingEvent, now time.Time) core.Event {
	delete(nc.pending, p.tokenID)
	heap.Remove(&nc.heap, p.index)
	nc.openCount.Store(int64(len(nc.pending)))
	return buildEvent(p, now)
}

func buildEvent(p *pendingEvent, now time.Time) core.Event {
	details := fmt.Sprintf("%s -> %s", p.kind, p.path)
	if p.rawCount > 1 {
		details = fmt.Sprintf("%s (burst x%d over %.3fs)", details, p.rawCount, p.lastAt.Sub(p.firstAt).Seconds())
	}
	metricSemanticEvents.WithLabelValues(string(p.kind)).Inc()
	return core.Event{
		ID:         uuid.NewString(),
		TokenID:    p.tokenID,
		Kind:       p.kind,
		OccurredAt: now,
		RawCount:   p.rawCount,
		Details:    details,
	}
}

// deadlineHeap is a min-heap of open windows keyed by deadline.
type deadlineHeap []*pendingEvent

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	p := x.(*pendingEvent)
	p.index = len(*h)
	*h = append(*h, p)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}
