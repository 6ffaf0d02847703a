package control

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rdcp/pkg/models"
)

// Entry is one persisted (scope, category) state.
type Entry struct {
	Scope    models.Scope
	Category string
	State    models.ControlState
}

// Persister receives every committed change. Save runs under the key lock,
// so implementations must not call back into the store.
type Persister interface {
	Save(ctx context.Context, e Entry) error
	Load(ctx context.Context) ([]Entry, error)
}

// Transition is the result of one Apply call.
type Transition struct {
	Previous models.ControlState
	Next     models.ControlState
	Changed  bool
}

type key struct {
	scope    models.Scope
	category string
}

type slot struct {
	mu    sync.Mutex
	state models.ControlState
}

// Store owns all control state. Apply is serialized per key and runs in
// parallel across keys.
type Store struct {
	Persister Persister
	Now       func() time.Time

	mu    sync.RWMutex
	slots map[key]*slot
}

func NewStore(p Persister) *Store {
	return &Store{Persister: p, slots: map[key]*slot{}}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) lookup(k key) (*slot, bool) {
	s.mu.RLock()
	sl, ok := s.slots[k]
	s.mu.RUnlock()
	return sl, ok
}

func (s *Store) slot(k key) *slot {
	if sl, ok := s.lookup(k); ok {
		return sl
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[k]; ok {
		return sl
	}
	sl := &slot{}
	s.slots[k] = sl
	return sl
}

// Get returns the current state, or the disabled default if never set.
func (s *Store) Get(scope models.Scope, category string) models.ControlState {
	sl, ok := s.lookup(key{scope: scope, category: category})
	if !ok {
		return models.ControlState{}
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.state
}

// Apply runs m against the key atomically. Version advances only when the
// observable state changes.
func (s *Store) Apply(ctx context.Context, scope models.Scope, category string, m Mutation) (Transition, error) {
	if m == nil {
		return Transition{}, ErrInvalidMutation
	}
	sl := s.slot(key{scope: scope, category: category})
	sl.mu.Lock()
	defer sl.mu.Unlock()

	prev := sl.state
	next, err := m.next(prev, s.now())
	if err != nil {
		return Transition{Previous: prev, Next: prev}, err
	}
	if next.SameAs(prev) {
		return Transition{Previous: prev, Next: prev}, nil
	}
	next.Version = prev.Version + 1
	if s.Persister != nil {
		if err := s.Persister.Save(ctx, Entry{Scope: scope, Category: category, State: next}); err != nil {
			return Transition{Previous: prev, Next: prev}, fmt.Errorf("persist %s/%s: %w", scope, category, err)
		}
	}
	sl.state = next
	return Transition{Previous: prev, Next: next, Changed: true}, nil
}

// Snapshot returns every known state of scope.
func (s *Store) Snapshot(scope models.Scope) map[string]models.ControlState {
	s.mu.RLock()
	keys := make([]key, 0)
	slots := make([]*slot, 0)
	for k, sl := range s.slots {
		if k.scope == scope {
			keys = append(keys, k)
			slots = append(slots, sl)
		}
	}
	s.mu.RUnlock()
	out := make(map[string]models.ControlState, len(keys))
	for i, k := range keys {
		slots[i].mu.Lock()
		out[k.category] = slots[i].state
		slots[i].mu.Unlock()
	}
	return out
}

// Temporaries lists every entry still carrying a TTL, oldest expiry first.
func (s *Store) Temporaries() []Entry {
	s.mu.RLock()
	all := make(map[key]*slot, len(s.slots))
	for k, sl := range s.slots {
		all[k] = sl
	}
	s.mu.RUnlock()
	out := make([]Entry, 0)
	for k, sl := range all {
		sl.mu.Lock()
		st := sl.state
		sl.mu.Unlock()
		if st.Temporary && st.ExpiresAt != nil {
			out = append(out, Entry{Scope: k.scope, Category: k.category, State: st})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].State.ExpiresAt.Before(*out[j].State.ExpiresAt)
	})
	return out
}

// Load warms the store from the persister. Entries already newer in memory
// are kept.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.Persister == nil {
		return 0, nil
	}
	entries, err := s.Persister.Load(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, e := range entries {
		if !e.State.Valid() {
			continue
		}
		sl := s.slot(key{scope: e.Scope, category: e.Category})
		sl.mu.Lock()
		if e.State.Version > sl.state.Version {
			sl.state = e.State
			loaded++
		}
		sl.mu.Unlock()
	}
	return loaded, nil
}
