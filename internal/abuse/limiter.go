package abuse

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/config"
)

var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// Policy is one named sliding-window limit.
type Policy struct {
	Name        string        `json:"name"`
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if p.MaxRequests < 1 {
		return fmt.Errorf("%w: %s: max_requests must be at least 1", ErrInvalidPolicy, p.Name)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: %s: window must be positive", ErrInvalidPolicy, p.Name)
	}
	return nil
}

// PoliciesFromConfig returns the configured policies keyed by name.
func PoliciesFromConfig(cfg config.RateLimitConfig) (map[string]Policy, error) {
	out := make(map[string]Policy, len(cfg.Policies))
	for name, pc := range cfg.Policies {
		p := Policy{Name: name, MaxRequests: pc.MaxRequests, Window: pc.Window}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Policy     string        `json:"policy"`
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

// Option configures a RateLimiter or ViolationTracker.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RateLimiter admits at most MaxRequests per identity within any trailing
// Window. Stale state is swept on the request path once per sweep interval;
// there is no background goroutine.
type RateLimiter struct {
	store      Store
	now        func() time.Time
	sweepEvery time.Duration
	retention  time.Duration
	lastSweep  atomic.Int64 // unix nanos
}

func NewRateLimiter(store Store, sweepEvery, retention time.Duration, opts ...Option) *RateLimiter {
	o := buildOptions(opts)
	l := &RateLimiter{
		store:      store,
		now:        o.now,
		sweepEvery: sweepEvery,
		retention:  retention,
	}
	l.lastSweep.Store(o.now().UnixNano())
	return l
}

// Allow checks and, when allowed, records one request for identity.
func (l *RateLimiter) Allow(ctx context.Context, identity string, p Policy) (Decision, error) {
	if err := p.Validate(); err != nil {
		return Decision{}, err
	}
	now := l.now()
	l.maybeSweep(ctx, now)

	adm, err := l.store.Admit(ctx, identity, p.Name, now, p.Window, p.MaxRequests)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Policy:     p.Name,
		Allowed:    adm.Allowed,
		Limit:      p.MaxRequests,
		Remaining:  max(p.MaxRequests-adm.Count, 0),
		RetryAfter: adm.RetryAfter,
	}
	return d, nil
}

func (l *RateLimiter) maybeSweep(ctx context.Context, now time.Time) {
	if l.sweepEvery <= 0 {
		return
	}
	last := l.lastSweep.Load()
	if now.UnixNano()-last < int64(l.sweepEvery) {
		return
	}
	if !l.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	if n, err := l.store.Sweep(ctx, now, l.retention); err != nil {
		log.Warn().Err(err).Msg("rate limit sweep failed")
	} else if n > 0 {
		log.Debug().Int("removed", n).Msg("swept idle identities")
	}
}

// ForceSweep runs a sweep now regardless of the interval.
func (l *RateLimiter) ForceSweep(ctx context.Context) (int, error) {
	now := l.now()
	l.lastSweep.Store(now.UnixNano())
	return l.store.Sweep(ctx, now, l.retention)
}

func (l *RateLimiter) LastSweep() time.Time {
	return time.Unix(0, l.lastSweep.Load())
}

// NextSweepIn is how long until the next request-path sweep is due.
func (l *RateLimiter) NextSweepIn() time.Duration {
	return max(l.LastSweep().Add(l.sweepEvery).Sub(l.now()), 0)
}
