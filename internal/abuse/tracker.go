package abuse

import (
	"context"
	"time"
)

// Block describes an identity's standing with the violation tracker.
type Block struct {
	Active     bool          `json:"blocked"`
	Until      time.Time     `json:"blocked_until,omitempty"`
	Remaining  time.Duration `json:"remaining"`
	Violations uint64        `json:"violations"`
}

func blockAt(rec Record, now time.Time) Block {
	b := Block{Violations: rec.Violations}
	if rec.Blocked(now) {
		b.Active = true
		b.Until = rec.BlockedUntil
		b.Remaining = rec.BlockedUntil.Sub(now)
	}
	return b
}

// ViolationTracker counts violations per identity and blocks repeat
// offenders for progressively longer. Counters never decay; an expired
// block is forgotten but the count behind it is not.
type ViolationTracker struct {
	store   Store
	penalty Penalty
	now     func() time.Time
}

func NewViolationTracker(store Store, penalty Penalty, opts ...Option) *ViolationTracker {
	o := buildOptions(opts)
	return &ViolationTracker{store: store, penalty: penalty, now: o.now}
}

// RecordViolation counts one violation and returns the resulting standing.
func (t *ViolationTracker) RecordViolation(ctx context.Context, identity string) (Block, error) {
	now := t.now()
	rec, err := t.store.AddViolation(ctx, identity, now, t.penalty.BlockFor)
	if err != nil {
		return Block{}, err
	}
	return blockAt(rec, now), nil
}

// Check reports whether identity is currently blocked.
func (t *ViolationTracker) Check(ctx context.Context, identity string) (Block, error) {
	now := t.now()
	rec, err := t.store.Record(ctx, identity, now)
	if err != nil {
		return Block{}, err
	}
	return blockAt(rec, now), nil
}

func (t *ViolationTracker) Penalty() Penalty { return t.penalty }
