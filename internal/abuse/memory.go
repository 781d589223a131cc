package abuse

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type identityState struct {
	windows      map[string][]time.Time // policy -> ascending timestamps
	violations   uint64
	blockedUntil time.Time
}

func (s *identityState) empty() bool {
	return len(s.windows) == 0 && s.violations == 0 && s.blockedUntil.IsZero()
}

// MemoryStore keeps state in process memory. Each identity is guarded by
// its hash bucket's lock in the underlying map, so unrelated identities
// never contend on a global mutex. All access goes through Compute.
type MemoryStore struct {
	states *xsync.MapOf[string, *identityState]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: xsync.NewMapOf[string, *identityState]()}
}

// prune drops timestamps at or before cutoff.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

func (m *MemoryStore) Admit(_ context.Context, identity, policy string, now time.Time, window time.Duration, max int) (Admission, error) {
	var res Admission
	m.states.Compute(identity, func(st *identityState, loaded bool) (*identityState, bool) {
		if !loaded {
			st = &identityState{}
		}
		if st.windows == nil {
			st.windows = make(map[string][]time.Time)
		}
		ts := prune(st.windows[policy], now.Add(-window))

		if len(ts) >= max {
			res = Admission{Count: len(ts), RetryAfter: ts[0].Add(window).Sub(now)}
		} else {
			ts = append(ts, now)
			res = Admission{Allowed: true, Count: len(ts)}
		}

		if len(ts) == 0 {
			delete(st.windows, policy)
		} else {
			st.windows[policy] = ts
		}
		return st, st.empty()
	})
	return res, nil
}

func (m *MemoryStore) AddViolation(_ context.Context, identity string, now time.Time, penalty func(uint64) time.Duration) (Record, error) {
	var rec Record
	m.states.Compute(identity, func(st *identityState, loaded bool) (*identityState, bool) {
		if !loaded {
			st = &identityState{}
		}
		st.violations++
		if d := penalty(st.violations); d > 0 {
			if until := now.Add(d); until.After(st.blockedUntil) {
				st.blockedUntil = until
			}
		}
		rec = Record{Identity: identity, Violations: st.violations, BlockedUntil: st.blockedUntil}
		return st, false
	})
	return rec, nil
}

func (m *MemoryStore) Record(_ context.Context, identity string, now time.Time) (Record, error) {
	rec := Record{Identity: identity}
	m.states.Compute(identity, func(st *identityState, loaded bool) (*identityState, bool) {
		if !loaded {
			return nil, true
		}
		if !st.blockedUntil.IsZero() && !now.Before(st.blockedUntil) {
			st.blockedUntil = time.Time{}
		}
		rec.Violations = st.violations
		rec.BlockedUntil = st.blockedUntil
		return st, st.empty()
	})
	return rec, nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time, retention time.Duration) (int, error) {
	cutoff := now.Add(-retention)
	removed := 0
	m.states.Range(func(identity string, _ *identityState) bool {
		m.states.Compute(identity, func(st *identityState, loaded bool) (*identityState, bool) {
			if !loaded {
				return nil, true
			}
			for policy, ts := range st.windows {
				if ts = prune(ts, cutoff); len(ts) == 0 {
					delete(st.windows, policy)
				} else {
					st.windows[policy] = ts
				}
			}
			if !st.blockedUntil.IsZero() && !now.Before(st.blockedUntil) {
				st.blockedUntil = time.Time{}
			}
			if st.empty() {
				removed++
				return nil, true
			}
			return st, false
		})
		return true
	})
	return removed, nil
}

func (m *MemoryStore) Snapshot(_ context.Context, now time.Time) (Stats, error) {
	var stats Stats
	m.states.Range(func(identity string, _ *identityState) bool {
		m.states.Compute(identity, func(st *identityState, loaded bool) (*identityState, bool) {
			if !loaded {
				return nil, true
			}
			stats.TrackedIdentities++
			for _, ts := range st.windows {
				stats.TrackedRequests += len(ts)
			}
			if st.violations > 0 {
				stats.ViolatingIdentities++
				stats.TotalViolations += st.violations
			}
			if now.Before(st.blockedUntil) {
				stats.ActiveBlocks = append(stats.ActiveBlocks, Record{
					Identity:     identity,
					Violations:   st.violations,
					BlockedUntil: st.blockedUntil,
				})
			}
			return st, false
		})
		return true
	})
	sortBlocks(stats.ActiveBlocks)
	return stats, nil
}

func (m *MemoryStore) Close() error { return nil }

// Len returns the number of identities with state.
func (m *MemoryStore) Len() int { return m.states.Size() }

func sortBlocks(blocks []Record) {
	sort.Slice(blocks, func(i, j int) bool {
		if !blocks[i].BlockedUntil.Equal(blocks[j].BlockedUntil) {
			return blocks[i].BlockedUntil.After(blocks[j].BlockedUntil)
		}
		return blocks[i].Identity < blocks[j].Identity
	})
}
