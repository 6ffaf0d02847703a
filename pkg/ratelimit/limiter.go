package ratelimit

import (
	"math"
	"net/url"
	"sync"
	"time"

	"rdcp/pkg/models"
)

// Class groups endpoints that share a bucket configuration.
type Class string

const (
	ClassControl Class = "control"
	ClassStatus  Class = "status"
)

// Rule configures one token bucket. Capacity <= 0 disables limiting for the
// class; a non-positive refill rate refills the full capacity once a minute.
type Rule struct {
	Capacity        int
	RefillPerSecond float64
}

func (r Rule) Disabled() bool { return r.Capacity <= 0 }

func (r Rule) rate() float64 {
	if r.RefillPerSecond > 0 {
		return r.RefillPerSecond
	}
	return float64(r.Capacity) / 60
}

// Config holds per-class rules and optional per-scope overrides.
type Config struct {
	Classes map[Class]Rule
	Scopes  map[models.Scope]map[Class]Rule
}

func DefaultConfig() Config {
	return Config{Classes: map[Class]Rule{
		ClassControl: {Capacity: 10, RefillPerSecond: 1},
		ClassStatus:  {Capacity: 60, RefillPerSecond: 10},
	}}
}

func (c Config) Rule(scope models.Scope, class Class) Rule {
	if byClass, ok := c.Scopes[scope]; ok {
		if r, ok := byClass[class]; ok {
			return r
		}
	}
	return c.Classes[class]
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

type Limiter interface {
	Allow(scope models.Scope, client string, class Class) Decision
}

// bucketKey escapes scope and client so that ':' inside either cannot make
// two (scope, class, client) triples share a bucket.
func bucketKey(scope models.Scope, client string, class Class) string {
	return url.QueryEscape(string(scope)) + ":" + url.QueryEscape(string(class)) + ":" + url.QueryEscape(client)
}

// refill adds elapsed*rate tokens capped at capacity.
func refill(rule Rule, tokens float64, last, now time.Time) float64 {
	if elapsed := now.Sub(last).Seconds(); elapsed > 0 {
		tokens += elapsed * rule.rate()
	}
	return math.Min(tokens, float64(rule.Capacity))
}

// decide builds the decision from the tokens left after the attempt.
func decide(rule Rule, tokens float64, allowed bool, now time.Time) Decision {
	rate := rule.rate()
	d := Decision{
		Allowed:   allowed,
		Limit:     rule.Capacity,
		Remaining: int(math.Floor(tokens)),
		ResetAt:   now.Add(secondsToDuration((float64(rule.Capacity) - tokens) / rate)),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !allowed {
		d.RetryAfter = time.Duration(math.Ceil((1-tokens)/rate)) * time.Second
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
	}
	return d
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(s * float64(time.Second)))
}

func unlimited(now time.Time) Decision {
	return Decision{Allowed: true, ResetAt: now}
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	last     time.Time
	lastUsed time.Time
}

// InMemoryLimiter keeps buckets in process. Buckets idle past IdleTimeout
// are swept lazily; MaxBuckets caps the table by evicting the least recently
// used bucket.
type InMemoryLimiter struct {
	Config      Config
	Now         func() time.Time
	IdleTimeout time.Duration
	MaxBuckets  int

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func NewInMemory(cfg Config) *InMemoryLimiter {
	return &InMemoryLimiter{
		Config:      cfg,
		IdleTimeout: 10 * time.Minute,
		MaxBuckets:  10000,
		buckets:     make(map[string]*bucket),
	}
}

func (l *InMemoryLimiter) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *InMemoryLimiter) Allow(scope models.Scope, client string, class Class) Decision {
	now := l.now()
	rule := l.Config.Rule(scope, class)
	if rule.Disabled() {
		return unlimited(now)
	}
	b := l.bucket(bucketKey(scope, client, class), rule, now)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = refill(rule, b.tokens, b.last, now)
	if now.After(b.last) {
		b.last = now
	}
	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	return decide(rule, b.tokens, allowed, now)
}

// Len reports how many buckets are live.
func (l *InMemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *InMemoryLimiter) bucket(key string, rule Rule, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buckets == nil {
		l.buckets = make(map[string]*bucket)
	}
	l.sweepLocked(now)
	b, ok := l.buckets[key]
	if !ok {
		if l.MaxBuckets > 0 && len(l.buckets) >= l.MaxBuckets {
			l.evictOldestLocked()
		}
		b = &bucket{tokens: float64(rule.Capacity), last: now}
		l.buckets[key] = b
	}
	b.lastUsed = now
	return b
}

func (l *InMemoryLimiter) sweepLocked(now time.Time) {
	if l.IdleTimeout <= 0 || now.Sub(l.lastSweep) < l.IdleTimeout/2 {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.Sub(b.lastUsed) >= l.IdleTimeout {
			delete(l.buckets, k)
		}
	}
}

func (l *InMemoryLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, b := range l.buckets {
		if oldestKey == "" || b.lastUsed.Before(oldest) {
			oldestKey, oldest = k, b.lastUsed
		}
	}
	delete(l.buckets, oldestKey)
}
