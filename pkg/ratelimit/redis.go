package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// The whole read-modify-write runs inside Redis so concurrent instances never
// undercount: window rollover, increment, violation bookkeeping and retention
// expiry are one script invocation. Times travel as unix milliseconds.
var counterScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local cooldown = tonumber(ARGV[4])
local retention = tonumber(ARGV[5])
local rec = redis.call("HMGET", KEYS[1], "count", "ws", "viol", "lastviol")
local count = tonumber(rec[1]) or 0
local ws = tonumber(rec[2]) or now
local viol = tonumber(rec[3]) or 0
local lastviol = tonumber(rec[4]) or 0
if count == 0 or now - ws >= window then
  count = 1
  ws = now
else
  count = count + 1
end
if count > max then
  viol = viol + 1
  lastviol = now
elseif viol > 0 and lastviol > 0 and now - lastviol >= cooldown then
  viol = 0
end
redis.call("HSET", KEYS[1], "count", count, "ws", ws, "viol", viol, "lastviol", lastviol)
redis.call("PEXPIRE", KEYS[1], retention)
return {count, ws, viol, lastviol}
`)

// RedisStore is the shared CounterStore for multi-instance deployments. On a
// Redis outage it degrades to the in-process fallback, which keeps enforcing
// limits per instance rather than silently allowing.
type RedisStore struct {
	Client   *redis.Client
	Prefix   string
	Timeout  time.Duration
	Fallback *MemoryStore
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		Client:   client,
		Prefix:   "rl:",
		Timeout:  2 * time.Second,
		Fallback: NewMemoryStore(),
	}
}

func (s *RedisStore) Incr(ctx context.Context, key string, cfg Config, now time.Time) (Record, error) {
	if s.Client == nil {
		return s.fallback(ctx, key, cfg, now)
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	res, err := counterScript.Run(opCtx, s.Client, []string{s.Prefix + key},
		now.UnixMilli(),
		cfg.Window.Milliseconds(),
		cfg.MaxAttempts,
		cfg.Cooldown.Milliseconds(),
		cfg.Retention.Milliseconds(),
	).Result()
	if err != nil {
		return s.fallback(ctx, key, cfg, now)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		return s.fallback(ctx, key, cfg, now)
	}
	count, _ := vals[0].(int64)
	wsMilli, _ := vals[1].(int64)
	viol, _ := vals[2].(int64)
	lastViolMilli, _ := vals[3].(int64)
	rec := Record{
		Key:                   key,
		Count:                 int(count),
		WindowStart:           time.UnixMilli(wsMilli).UTC(),
		ConsecutiveViolations: int(viol),
	}
	if lastViolMilli > 0 {
		rec.LastViolationAt = time.UnixMilli(lastViolMilli).UTC()
	}
	return rec, nil
}

func (s *RedisStore) fallback(ctx context.Context, key string, cfg Config, now time.Time) (Record, error) {
	if s.Fallback == nil {
		s.Fallback = NewMemoryStore()
	}
	return s.Fallback.Incr(ctx, key, cfg, now)
}

func (s *RedisStore) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 2 * time.Second
	}
	return s.Timeout
}

// RedisSuspects keeps the suspicious-IP set as per-IP keys so each flag
// carries its own TTL. Listing scans the prefix; the set stays small enough
// for that to be an operator-path operation, not a hot one.
type RedisSuspects struct {
	Client  *redis.Client
	Prefix  string
	Timeout time.Duration
}

func NewRedisSuspects(client *redis.Client) *RedisSuspects {
	return &RedisSuspects{Client: client, Prefix: "suspect:", Timeout: 2 * time.Second}
}

func (s *RedisSuspects) Flag(ctx context.Context, ip string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	fresh, err := s.Client.SetNX(opCtx, s.Prefix+ip, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	if !fresh {
		// Refresh the TTL on repeat offenders.
		_ = s.Client.Expire(opCtx, s.Prefix+ip, ttl).Err()
	}
	return fresh, nil
}

func (s *RedisSuspects) IsFlagged(ctx context.Context, ip string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	n, err := s.Client.Exists(opCtx, s.Prefix+ip).Result()
	return n > 0, err
}

func (s *RedisSuspects) List(ctx context.Context) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	var out []string
	iter := s.Client.Scan(opCtx, 0, s.Prefix+"*", 0).Iterator()
	for iter.Next(opCtx) {
		out = append(out, iter.Val()[len(s.Prefix):])
	}
	return out, iter.Err()
}

func (s *RedisSuspects) Clear(ctx context.Context, ip string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	return s.Client.Del(opCtx, s.Prefix+ip).Err()
}

func (s *RedisSuspects) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 2 * time.Second
	}
	return s.Timeout
}
