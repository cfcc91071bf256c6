package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardscry/wardscry/pkg/core"
)

const (
	persistAttempts = 3
	persistBackoff  = 150 * time.Millisecond
)

// stateMachine applies semantic events and existence reports to token
// statuses. It runs inside the single consumer goroutine and is the only
// writer of token status anywhere in the process, so it needs no locks.
//
// Transition table:
//
//	ok        + modified/accessed/renamed/deleted  -> triggered
//	triggered + anything                           -> triggered (sticky)
//	ok        + existence check absent             -> missing
//	missing   + path present again                 -> ok (restored event)
//	missing   + triggering event                   -> restored first, then triggered
//
// Triggered is never cleared here; only the store side resets it.
type stateMachine struct {
	store        core.TokenStore
	emitter      core.Emitter
	logger       *slog.Logger
	storeTimeout time.Duration

	// belief is the authoritative in-memory status per token, seeded from
	// snapshots and updated on every persisted transition.
	belief map[int64]core.Status
	// wrote holds the wall time of this machine's last persisted write per
	// token, so a snapshot read before that write cannot roll belief back.
	wrote map[int64]time.Time
}

func newStateMachine(store core.TokenStore, emitter core.Emitter, storeTimeout time.Duration, logger *slog.Logger) *stateMachine {
	return &stateMachine{
		store:        store,
		emitter:      emitter,
		logger:       logger,
		storeTimeout: storeTimeout,
		belief:       make(map[int64]core.Status),
		wrote:        make(map[int64]time.Time),
	}
}

// RefreshFrom adopts statuses from a fresh snapshot. External writers may
// have reset a triggered token or added new ones; the store is authoritative
// for anything we did not just write ourselves. A snapshot loaded before our
// own latest write to a token is stale for that token and keeps the local
// belief, otherwise a reload racing a transition would roll a just-persisted
// triggered back to ok.
func (m *stateMachine) RefreshFrom(snap *Snapshot) {
	next := make(map[int64]core.Status, snap.Len())
	for _, t := range snap.Tokens() {
		if at, ok := m.wrote[t.ID]; ok && at.After(snap.LoadedAt) {
			if cur, ok := m.belief[t.ID]; ok {
				next[t.ID] = cur
				continue
			}
		}
		next[t.ID] = t.Status
	}
	m.belief = next
	for id := range m.wrote {
		if _, ok := next[id]; !ok {
			delete(m.wrote, id)
		}
	}
}

// HandleEvent applies one semantic event from the noise controller.
func (m *stateMachine) HandleEvent(ctx context.Context, ev core.Event, tok core.Token) {
	cur := m.status(tok)

	if !ev.Kind.Triggers() {
		// missing/restored are synthesized from existence reports, never
		// delivered through this path.
		m.logger.Debug("ignoring non-triggering event", "token", ev.TokenID, "kind", ev.Kind)
		return
	}

	if cur == core.StatusMissing {
		// The path evidently existed for this event to fire. Restoration is
		// recorded before the trigger; missing never jumps straight to
		// triggered.
		if !m.applyRestored(ctx, tok, ev.OccurredAt) {
			return
		}
	}

	seen := ev.OccurredAt
	tr := core.Transition{
		TokenID:     ev.TokenID,
		Status:      core.StatusTriggered,
		LastEventAt: ev.OccurredAt,
		LastSeenAt:  &seen,
		Event:       ev,
	}
	if ev.Kind == core.EventDeleted {
		tr.LastSeenAt = nil
	}
	if m.persist(ctx, tr, tok) {
		m.belief[tok.ID] = core.StatusTriggered
	}
}

// HandleReport applies one existence report from the checker or the watcher.
func (m *stateMachine) HandleReport(ctx context.Context, rep existenceReport, tok core.Token) {
	cur := m.status(tok)

	if rep.exists {
		if cur == core.StatusMissing {
			m.applyRestored(ctx, tok, rep.at)
			return
		}
		opCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
		err := m.store.TouchLastSeen(opCtx, tok.ID, rep.at)
		cancel()
		if err != nil && !errors.Is(err, core.ErrTokenNotFound) {
			m.logger.Debug("failed to record existence check", "token", tok.ID, "error", err)
			metricStoreErrors.Inc()
		}
		return
	}

	// Path absent. Already-classified tokens stay put: a processed deleted
	// event keeps triggered, and missing stays missing without new events.
	if cur != core.StatusOK {
		return
	}

	ev := core.Event{
		ID:         uuid.NewString(),
		TokenID:    tok.ID,
		Kind:       core.EventMissing,
		OccurredAt: rep.at,
		RawCount:   1,
		Details:    fmt.Sprintf("missing -> %s", tok.Path),
	}
	tr := core.Transition{
		TokenID:     tok.ID,
		Status:      core.StatusMissing,
		LastEventAt: rep.at,
		Event:       ev,
	}
	if m.persist(ctx, tr, tok) {
		m.belief[tok.ID] = core.StatusMissing
	}
}

// Forget drops the belief for a token removed from the registry.
func (m *stateMachine) Forget(tokenID int64) {
	delete(m.belief, tokenID)
	delete(m.wrote, tokenID)
}

// applyRestored records the missing -> ok transition with a synthetic
// restored event. Returns false if persistence ultimately failed.
func (m *stateMachine) applyRestored(ctx context.Context, tok core.Token, at time.Time) bool {
	seen := at
	ev := core.Event{
		ID:         uuid.NewString(),
		TokenID:    tok.ID,
		Kind:       core.EventRestored,
		OccurredAt: at,
		RawCount:   1,
		Details:    fmt.Sprintf("restored -> %s", tok.Path),
	}
	tr := core.Transition{
		TokenID:     tok.ID,
		Status:      core.StatusOK,
		LastEventAt: at,
		LastSeenAt:  &seen,
		Event:       ev,
	}
	if !m.persist(ctx, tr, tok) {
		return false
	}
	m.belief[tok.ID] = core.StatusOK
	return true
}

// persist records the transition with bounded retries, then forwards the
// event to the emitter. Emission happens only after the store commit: the
// event row is the source of truth, the sink is best-effort.
func (m *stateMachine) persist(ctx context.Context, tr core.Transition, tok core.Token) bool {
	// A termination signal must not abort a transition already being
	// recorded; in-flight persistence completes before shutdown finalizes.
	// The store timeout stays as the only bound per attempt.
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
		err = m.store.RecordTransition(opCtx, tr)
		cancel()
		if err == nil {
			break
		}
		if errors.Is(err, core.ErrTokenNotFound) {
			// Deleted externally between reload cycles. Nothing to update,
			// and the already-persisted history stays untouched.
			m.logger.Debug("token vanished before transition", "token", tr.TokenID)
			m.Forget(tr.TokenID)
			return false
		}
		metricStoreErrors.Inc()
		if attempt < persistAttempts {
			time.Sleep(time.Duration(attempt) * persistBackoff)
		}
	}
	if err != nil {
		// The periodic existence check reconciles observed state against the
		// store, so a lost update here is repaired rather than compounded.
		m.logger.Error("failed to persist transition", "token", tr.TokenID, "kind", tr.Event.Kind, "error", err)
		metricSuppressedErrors.Inc()
		return false
	}

	m.wrote[tr.TokenID] = time.Now()
	metricTransitions.WithLabelValues(string(tr.Status)).Inc()
	m.logger.Info("token transition",
		"token", tr.TokenID,
		"path", tok.Path,
		"kind", tr.Event.Kind,
		"status", tr.Status,
		"raw_count", tr.Event.RawCount,
	)

	if err := m.emitter.Emit(ctx, tr.Event, tok); err != nil {
		m.logger.Error("siem emit failed", "token", tr.TokenID, "error", err)
		metricEmitFailures.Inc()
	}
	return true
}

func (m *stateMachine) status(tok core.Token) core.Status {
	if s, ok := m.belief[tok.ID]; ok {
		return s
	}
	m.belief[tok.ID] = tok.Status
	return tok.Status
}
