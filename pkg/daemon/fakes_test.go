package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/wardscry/wardscry/pkg/core"
)

// fakeStore is an in-memory core.TokenStore with failure injection.
type fakeStore struct {
	mu          sync.Mutex
	tokens      map[int64]core.Token
	events      []core.Event
	transitions []core.Transition
	failList    bool
	failRecord  int // fail this many RecordTransition calls, then succeed
	listCalls   int
}

func newFakeStore(tokens ...core.Token) *fakeStore {
	s := &fakeStore{tokens: make(map[int64]core.Token)}
	for _, t := range tokens {
		s.tokens[t.ID] = t
	}
	return s
}

func (s *fakeStore) ListTokens(context.Context) ([]core.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.failList {
		return nil, context.DeadlineExceeded
	}
	out := make([]core.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeStore) RecordTransition(ctx context.Context, tr core.Transition) error {
	// Like database/sql, a done context fails the operation.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRecord > 0 {
		s.failRecord--
		return context.DeadlineExceeded
	}
	t, ok := s.tokens[tr.TokenID]
	if !ok {
		return core.ErrTokenNotFound
	}
	t.Status = tr.Status
	at := tr.LastEventAt
	t.LastEventAt = &at
	if tr.LastSeenAt != nil {
		seen := *tr.LastSeenAt
		t.LastSeenAt = &seen
	}
	s.tokens[tr.TokenID] = t
	s.events = append(s.events, tr.Event)
	s.transitions = append(s.transitions, tr)
	return nil
}

func (s *fakeStore) TouchLastSeen(_ context.Context, tokenID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return core.ErrTokenNotFound
	}
	t.LastSeenAt = &at
	s.tokens[tokenID] = t
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) token(id int64) (core.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	return t, ok
}

func (s *fakeStore) put(t core.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.ID] = t
}

func (s *fakeStore) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
}

func (s *fakeStore) recordedEvents() []core.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *fakeStore) setFailList(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failList = fail
}

// fakeEmitter records emitted events.
type fakeEmitter struct {
	mu      sync.Mutex
	emitted []core.Event
	fail    bool
}

func (e *fakeEmitter) Emit(_ context.Context, ev core.Event, _ core.Token) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return context.DeadlineExceeded
	}
	e.emitted = append(e.emitted, ev)
	return nil
}

func (e *fakeEmitter) Close() error { return nil }

func (e *fakeEmitter) events() []core.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Event, len(e.emitted))
	copy(out, e.emitted)
	return out
}
