package abuse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"safe-code-runner/internal/config"
)

// Key layout under the configured prefix:
//
//	rl:<policy>:<identity>   sorted set of request times (score = unix ms)
//	viol:<identity>          violation counter, never expires
//	block:<identity>         block expiry in unix ms, with a matching PX TTL
const (
	windowSegment    = "rl:"
	violationSegment = "viol:"
	blockSegment     = "block:"
)

// admitScript runs one sliding-window check atomically on the server.
// Returns {allowed, count, retry_ms}.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  local retry = window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, count, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// extendBlockScript only ever moves a block expiry later.
var extendBlockScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local untilMs = tonumber(ARGV[1])
if untilMs > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return untilMs
end
return cur
`)

// RedisStore shares state between replicas. Window keys and blocks expire
// through Redis TTLs, so Sweep has nothing to do.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreFromClient(rdb, cfg.KeyPrefix), nil
}

func NewRedisStoreFromClient(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) windowKey(policy, identity string) string {
	return r.prefix + windowSegment + policy + ":" + identity
}

func (r *RedisStore) violationKey(identity string) string {
	return r.prefix + violationSegment + identity
}

func (r *RedisStore) blockKey(identity string) string {
	return r.prefix + blockSegment + identity
}

func (r *RedisStore) Admit(ctx context.Context, identity, policy string, now time.Time, window time.Duration, max int) (Admission, error) {
	res, err := admitScript.Run(ctx, r.rdb,
		[]string{r.windowKey(policy, identity)},
		now.UnixMilli(), window.Milliseconds(), max, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Admission{}, fmt.Errorf("sliding window for %s: %w", policy, err)
	}
	if len(res) != 3 {
		return Admission{}, fmt.Errorf("sliding window for %s: unexpected reply %v", policy, res)
	}
	return Admission{
		Allowed:    res[0] == 1,
		Count:      int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

func (r *RedisStore) AddViolation(ctx context.Context, identity string, now time.Time, penalty func(uint64) time.Duration) (Record, error) {
	n, err := r.rdb.Incr(ctx, r.violationKey(identity)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("incrementing violations: %w", err)
	}
	rec := Record{Identity: identity, Violations: uint64(n)}

	d := penalty(rec.Violations)
	if d <= 0 {
		cur, err := r.Record(ctx, identity, now)
		if err != nil {
			return rec, err
		}
		rec.BlockedUntil = cur.BlockedUntil
		return rec, nil
	}

	until := now.Add(d)
	ms, err := extendBlockScript.Run(ctx, r.rdb,
		[]string{r.blockKey(identity)},
		until.UnixMilli(), d.Milliseconds(),
	).Int64()
	if err != nil {
		return rec, fmt.Errorf("setting block: %w", err)
	}
	rec.BlockedUntil = time.UnixMilli(ms)
	return rec, nil
}

func (r *RedisStore) Record(ctx context.Context, identity string, now time.Time) (Record, error) {
	rec := Record{Identity: identity}

	pipe := r.rdb.Pipeline()
	violations := pipe.Get(ctx, r.violationKey(identity))
	block := pipe.Get(ctx, r.blockKey(identity))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return rec, fmt.Errorf("reading violation state: %w", err)
	}

	if n, err := violations.Uint64(); err == nil {
		rec.Violations = n
	}
	if ms, err := block.Int64(); err == nil {
		until := time.UnixMilli(ms)
		if now.Before(until) {
			rec.BlockedUntil = until
		} else if err := r.rdb.Del(ctx, r.blockKey(identity)).Err(); err != nil {
			return rec, fmt.Errorf("dropping expired block: %w", err)
		}
	}
	return rec, nil
}

func (r *RedisStore) Sweep(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}

func (r *RedisStore) Snapshot(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	identities := make(map[string]struct{})

	iter := r.rdb.Scan(ctx, 0, r.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), r.prefix)
		switch {
		case strings.HasPrefix(key, windowSegment):
			_, identity, ok := strings.Cut(strings.TrimPrefix(key, windowSegment), ":")
			if !ok {
				continue
			}
			n, err := r.rdb.ZCard(ctx, iter.Val()).Result()
			if err != nil {
				return stats, fmt.Errorf("counting %s: %w", key, err)
			}
			stats.TrackedRequests += int(n)
			identities[identity] = struct{}{}

		case strings.HasPrefix(key, violationSegment):
			identity := strings.TrimPrefix(key, violationSegment)
			rec, err := r.Record(ctx, identity, now)
			if err != nil {
				return stats, err
			}
			identities[identity] = struct{}{}
			if rec.Violations > 0 {
				stats.ViolatingIdentities++
				stats.TotalViolations += rec.Violations
			}
			if rec.Blocked(now) {
				stats.ActiveBlocks = append(stats.ActiveBlocks, rec)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return stats, fmt.Errorf("scanning keys: %w", err)
	}

	stats.TrackedIdentities = len(identities)
	sortBlocks(stats.ActiveBlocks)
	return stats, nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
