package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"rdcp/pkg/control"
	"rdcp/pkg/models"
)

var ErrUnavailable = errors.New("scheduler unavailable")

const defaultRetryDelay = time.Second

// Target is the state owner expiries are applied to.
type Target interface {
	Apply(ctx context.Context, scope models.Scope, category string, m control.Mutation) (control.Transition, error)
	Temporaries() []control.Entry
}

// Expiry describes a temporary control that was reverted.
type Expiry struct {
	Scope      models.Scope
	Category   string
	ExpiresAt  time.Time
	FiredAt    time.Time
	Transition control.Transition
	Recovered  bool
}

// Scheduler reverts temporary controls once their TTL elapses. It only
// remembers (scope, category, version); the store stays authoritative and
// rejects expiries whose version was superseded.
type Scheduler struct {
	Target     Target
	Notify     func(ctx context.Context, e Expiry)
	Now        func() time.Time
	RetryDelay time.Duration

	mu      sync.Mutex
	queue   expiryHeap
	index   map[key]*item
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	running bool
}

func New(target Target) *Scheduler {
	return &Scheduler{
		Target: target,
		index:  map[key]*item{},
		wake:   make(chan struct{}, 1),
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Start launches the dispatcher goroutine. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.quit, s.done)
}

// Stop halts the dispatcher and waits for it to exit. Pending entries are
// kept; Recover re-derives them from the store on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	quit, done := s.quit, s.done
	s.mu.Unlock()
	close(quit)
	<-done
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ScheduleExpiry replaces any pending expiry for the key unless the pending
// entry already belongs to the same or a newer version.
func (s *Scheduler) ScheduleExpiry(scope models.Scope, category string, expiresAt time.Time, expectedVersion int64) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrUnavailable
	}
	pushed := s.pushLocked(key{scope: scope, category: category}, expiresAt.UTC(), expectedVersion)
	s.mu.Unlock()
	if pushed {
		s.signal()
	}
	return nil
}

// Cancel drops the pending expiry for the key if it was scheduled for
// supersededVersion or earlier. Entries for newer versions are kept.
func (s *Scheduler) Cancel(scope models.Scope, category string, supersededVersion int64) {
	k := key{scope: scope, category: category}
	s.mu.Lock()
	removed := false
	if it, ok := s.index[k]; ok && it.version <= supersededVersion {
		removed = s.removeLocked(k)
	}
	s.mu.Unlock()
	if removed {
		s.signal()
	}
}

func (s *Scheduler) pushLocked(k key, expiresAt time.Time, version int64) bool {
	if existing, ok := s.index[k]; ok {
		if existing.version >= version {
			return false
		}
		s.removeLocked(k)
	}
	it := &item{key: k, expiresAt: expiresAt, version: version}
	heap.Push(&s.queue, it)
	s.index[k] = it
	return true
}

func (s *Scheduler) removeLocked(k key) bool {
	it, ok := s.index[k]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, it.index)
	delete(s.index, k)
	return true
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunDue fires every entry due at now and returns how many changed state.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	fired := 0
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].expiresAt.After(now) {
			s.mu.Unlock()
			return fired
		}
		it := heap.Pop(&s.queue).(*item)
		delete(s.index, it.key)
		s.mu.Unlock()
		if s.expire(ctx, it.key, it.expiresAt, it.version, now, false) {
			fired++
		}
	}
}

func (s *Scheduler) expire(ctx context.Context, k key, expiresAt time.Time, version int64, now time.Time, recovered bool) bool {
	tr, err := s.Target.Apply(ctx, k.scope, k.category, control.ExpireIfVersion{Version: version})
	if err != nil {
		log.Printf("rdcp scheduler: expire %s/%s v%d: %v", k.scope, k.category, version, err)
		s.retry(k, version, now)
		return false
	}
	if !tr.Changed {
		return false
	}
	if s.Notify != nil {
		s.Notify(ctx, Expiry{
			Scope:      k.scope,
			Category:   k.category,
			ExpiresAt:  expiresAt,
			FiredAt:    now,
			Transition: tr,
			Recovered:  recovered,
		})
	}
	return true
}

func (s *Scheduler) retry(k key, version int64, now time.Time) {
	delay := s.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	s.mu.Lock()
	if _, superseded := s.index[k]; !superseded {
		s.pushLocked(k, now.Add(delay), version)
	}
	s.mu.Unlock()
	s.signal()
}

// Recover rebuilds pending expiries from the store. Entries already past
// their expiry are reverted immediately and reported as recovered.
func (s *Scheduler) Recover(ctx context.Context) (scheduled int, expired int) {
	now := s.now()
	for _, e := range s.Target.Temporaries() {
		exp := *e.State.ExpiresAt
		k := key{scope: e.Scope, category: e.Category}
		if !exp.After(now) {
			s.Cancel(e.Scope, e.Category, e.State.Version)
			if s.expire(ctx, k, exp, e.State.Version, now, true) {
				expired++
			}
			continue
		}
		s.mu.Lock()
		s.pushLocked(k, exp, e.State.Version)
		s.mu.Unlock()
		scheduled++
	}
	s.signal()
	return scheduled, expired
}

func (s *Scheduler) run(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		s.mu.Lock()
		pending := len(s.queue) > 0
		var wait time.Duration
		if pending {
			wait = s.queue[0].expiresAt.Sub(s.now())
		}
		s.mu.Unlock()

		if pending && wait <= 0 {
			s.RunDue(context.Background(), s.now())
			select {
			case <-quit:
				return
			default:
			}
			continue
		}
		var fire <-chan time.Time
		if pending {
			timer.Reset(wait)
			fire = timer.C
		}
		select {
		case <-quit:
			return
		case <-s.wake:
			timer.Stop()
		case <-fire:
		}
	}
}
