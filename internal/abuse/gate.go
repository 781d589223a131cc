package abuse

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/config"
)

// Reason says why the gate turned a request away.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonBlocked     Reason = "blocked"
	ReasonRateLimited Reason = "rate_limited"
)

// Verdict is the gate's answer for one request.
type Verdict struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	Block      Block
	Rate       Decision
}

// StoreErrorObserver is told about store failures the gate chose to ignore.
type StoreErrorObserver interface {
	RecordStoreError(op string)
}

// Gate applies the block check and then the rate limit to a request. Store
// failures fail open: the request is admitted and the error logged.
type Gate struct {
	limiter  *RateLimiter
	tracker  *ViolationTracker
	policies map[string]Policy
	observer StoreErrorObserver
}

func NewGate(limiter *RateLimiter, tracker *ViolationTracker, policies map[string]Policy, observer StoreErrorObserver) *Gate {
	return &Gate{limiter: limiter, tracker: tracker, policies: policies, observer: observer}
}

// NewStore builds the configured state store.
func NewStore(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// NewGateFromConfig wires a store into a limiter, tracker and gate.
func NewGateFromConfig(store Store, cfg *config.Config, observer StoreErrorObserver) (*Gate, error) {
	policies, err := PoliciesFromConfig(cfg.RateLimits)
	if err != nil {
		return nil, err
	}
	limiter := NewRateLimiter(store, cfg.RateLimits.SweepInterval, cfg.RateLimits.Retention)
	tracker := NewViolationTracker(store, PenaltyFromConfig(cfg.Violations))
	return NewGate(limiter, tracker, policies, observer), nil
}

func (g *Gate) Limiter() *RateLimiter      { return g.limiter }
func (g *Gate) Tracker() *ViolationTracker { return g.tracker }

func (g *Gate) Policy(name string) (Policy, bool) {
	p, ok := g.policies[name]
	return p, ok
}

// Admit runs the block check first so a blocked identity does not spend
// rate limit quota.
func (g *Gate) Admit(ctx context.Context, identity, policy string) (Verdict, error) {
	p, ok := g.policies[policy]
	if !ok {
		return Verdict{}, fmt.Errorf("%w: unknown policy %q", ErrInvalidPolicy, policy)
	}

	block, err := g.tracker.Check(ctx, identity)
	if err != nil {
		g.storeFailed("block_check", err)
	} else if block.Active {
		return Verdict{Reason: ReasonBlocked, RetryAfter: block.Remaining, Block: block}, nil
	}

	d, err := g.limiter.Allow(ctx, identity, p)
	if err != nil {
		g.storeFailed("rate_limit", err)
		return Verdict{Allowed: true, Block: block}, nil
	}
	if !d.Allowed {
		return Verdict{Reason: ReasonRateLimited, RetryAfter: d.RetryAfter, Block: block, Rate: d}, nil
	}
	return Verdict{Allowed: true, Block: block, Rate: d}, nil
}

// RecordViolation counts a violation. A store failure is logged and
// reported as no block.
func (g *Gate) RecordViolation(ctx context.Context, identity string) Block {
	b, err := g.tracker.RecordViolation(ctx, identity)
	if err != nil {
		g.storeFailed("record_violation", err)
		return Block{}
	}
	return b
}

func (g *Gate) storeFailed(op string, err error) {
	log.Error().Err(err).Str("op", op).Msg("abuse store unavailable, failing open")
	if g.observer != nil {
		g.observer.RecordStoreError(op)
	}
}

// GateStats is the operator view of the limiter and tracker.
type GateStats struct {
	Stats
	LastSweep   time.Time     `json:"last_sweep"`
	NextSweepIn time.Duration `json:"next_sweep_in"`
	Policies    []Policy      `json:"policies"`
}

func (g *Gate) Stats(ctx context.Context) (GateStats, error) {
	s, err := g.limiter.store.Snapshot(ctx, g.limiter.now())
	if err != nil {
		return GateStats{}, err
	}
	out := GateStats{
		Stats:       s,
		LastSweep:   g.limiter.LastSweep(),
		NextSweepIn: g.limiter.NextSweepIn(),
	}
	for _, p := range g.policies {
		out.Policies = append(out.Policies, p)
	}
	sort.Slice(out.Policies, func(i, j int) bool { return out.Policies[i].Name < out.Policies[j].Name })
	return out, nil
}
