// Package abuse implements the per-identity abuse controls: a sliding-window
// rate limiter and a progressive-penalty violation tracker over a shared
// state store.
package abuse

import (
	"context"
	"time"
)

// Record is the violation state of one identity.
type Record struct {
	Identity     string    `json:"identity"`
	Violations   uint64    `json:"violations"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// Blocked reports whether the record holds a block still in force at now.
func (r Record) Blocked(now time.Time) bool {
	return !r.BlockedUntil.IsZero() && now.Before(r.BlockedUntil)
}

// Admission is the outcome of one sliding-window check.
type Admission struct {
	Allowed    bool
	Count      int // requests in the window, including this one if allowed
	RetryAfter time.Duration
}

// Stats is a point-in-time view of the store for operators.
type Stats struct {
	TrackedIdentities   int      `json:"tracked_identities"`
	TrackedRequests     int      `json:"tracked_requests"`
	ViolatingIdentities int      `json:"violating_identities"`
	TotalViolations     uint64   `json:"total_violations"`
	ActiveBlocks        []Record `json:"active_blocks"`
}

// Store holds all per-identity state. Every method is atomic with respect
// to a single identity; implementations must be safe for concurrent use.
type Store interface {
	// Admit drops timestamps at or before now-window for (identity, policy)
	// and records now if fewer than max remain.
	Admit(ctx context.Context, identity, policy string, now time.Time, window time.Duration, max int) (Admission, error)

	// AddViolation increments the identity's counter and, when penalty
	// returns a positive duration for the new count, extends the block to
	// now+duration.
	AddViolation(ctx context.Context, identity string, now time.Time, penalty func(count uint64) time.Duration) (Record, error)

	// Record returns the identity's state. A block that has expired by now
	// is dropped; the counter is kept.
	Record(ctx context.Context, identity string, now time.Time) (Record, error)

	// Sweep discards timestamps older than retention across all identities
	// and forgets identities left with no state. Returns how many were
	// forgotten.
	Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error)

	Snapshot(ctx context.Context, now time.Time) (Stats, error)

	Close() error
}
