package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

const (
	ScopeMinute = "minute"
	ScopeHour   = "hour"
	ScopeGlobal = "global"
)

// ExceededError is returned by Acquire when a budget is exhausted. It is a
// deferral, not a failure.
type ExceededError struct {
	Source    string
	Scope     string // minute, hour or global
	Remaining int
	ResetAt   time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%s window, resets %s)",
		e.Source, e.Scope, e.ResetAt.UTC().Format(time.RFC3339))
}

// Decision describes the budget left after a successful Acquire.
type Decision struct {
	Source          string
	RemainingMinute int // -1 when the window is unlimited
	RemainingHour   int
	RemainingGlobal int
}

// window is a sliding-window log: timestamps of requests within size.
type window struct {
	size  time.Duration
	limit int // 0 means unlimited
	log   []time.Time
}

func (w *window) prune(now time.Time) {
	cut := now.Add(-w.size)
	i := 0
	for i < len(w.log) && !w.log[i].After(cut) {
		i++
	}
	if i > 0 {
		w.log = append(w.log[:0], w.log[i:]...)
	}
}

func (w *window) remaining() int {
	if w.limit <= 0 {
		return -1
	}
	return w.limit - len(w.log)
}

func (w *window) full() bool { return w.limit > 0 && len(w.log) >= w.limit }

func (w *window) resetAt(now time.Time) time.Time {
	if len(w.log) == 0 {
		return now
	}
	return w.log[0].Add(w.size)
}

type budget struct {
	minute *window
	hour   *window
	pacer  *rate.Limiter
}

// Limiter holds per-source and global request budgets for one process.
// Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	now     func() time.Time
	global  *window
	sources map[string]*budget
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New builds a limiter with a process-wide per-minute ceiling (0 = none).
func New(globalPerMinute int, opts ...Option) *Limiter {
	l := &Limiter{
		now:     time.Now,
		global:  &window{size: time.Minute, limit: globalPerMinute},
		sources: make(map[string]*budget),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Register installs the budget of one source. Re-registering resets it.
func (l *Limiter) Register(source string, limits model.RateLimits) {
	b := &budget{
		minute: &window{size: time.Minute, limit: limits.PerMinute},
		hour:   &window{size: time.Hour, limit: limits.PerHour},
	}
	if limits.RequestsPerSecond > 0 {
		burst := limits.Burst
		if burst < 1 {
			burst = 1
		}
		b.pacer = rate.NewLimiter(rate.Limit(limits.RequestsPerSecond), burst)
	}
	l.mu.Lock()
	l.sources[source] = b
	l.mu.Unlock()
}

func (l *Limiter) budgetFor(source string) *budget {
	b, ok := l.sources[source]
	if !ok {
		b = &budget{minute: &window{size: time.Minute}, hour: &window{size: time.Hour}}
		l.sources[source] = b
	}
	return b
}

// Acquire records one request against source if every window has room.
// It never blocks; an exhausted window yields *ExceededError.
func (l *Limiter) Acquire(source string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.budgetFor(source)
	b.minute.prune(now)
	b.hour.prune(now)
	l.global.prune(now)

	for _, c := range []struct {
		scope string
		w     *window
	}{{ScopeMinute, b.minute}, {ScopeHour, b.hour}, {ScopeGlobal, l.global}} {
		if c.w.full() {
			return Decision{}, &ExceededError{Source: source, Scope: c.scope, Remaining: 0, ResetAt: c.w.resetAt(now)}
		}
	}

	b.minute.log = append(b.minute.log, now)
	b.hour.log = append(b.hour.log, now)
	l.global.log = append(l.global.log, now)
	return Decision{
		Source:          source,
		RemainingMinute: b.minute.remaining(),
		RemainingHour:   b.hour.remaining(),
		RemainingGlobal: l.global.remaining(),
	}, nil
}

// Remaining reports the budget left without consuming any.
func (l *Limiter) Remaining(source string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b := l.budgetFor(source)
	b.minute.prune(now)
	b.hour.prune(now)
	l.global.prune(now)
	return Decision{
		Source:          source,
		RemainingMinute: b.minute.remaining(),
		RemainingHour:   b.hour.remaining(),
		RemainingGlobal: l.global.remaining(),
	}
}

// Pace waits for the source's request spacing token. Sources without a
// configured rate return immediately.
func (l *Limiter) Pace(ctx context.Context, source string) error {
	l.mu.Lock()
	b := l.budgetFor(source)
	p := b.pacer
	l.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Wait(ctx)
}
