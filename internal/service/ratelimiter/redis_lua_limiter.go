// Package ratelimiter enforces per-user, per-action quotas on a Redis
// sliding window. One Lua round trip checks the block marker, prunes the
// window, picks the adaptive tier from the user's recent violation count and
// either admits or records the breach, so concurrent checks stay atomic.
package ratelimiter

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
)

// violationWindow is how far back breaches count toward tier selection, and
// how long the durable mirror keeps them.
const violationWindow = 7 * 24 * time.Hour

// Tier cutoffs on the violation count inside the window.
const (
	tierTrustedMax    = 0
	tierRestrictedMin = 3
)

type RedisLuaLimiter struct {
	redis  *redis.Client
	store  domain.ViolationStore
	limits config.RateLimits
	script *redis.Script
	now    func() time.Time
}

// NewRedisLuaLimiter builds the limiter. store may be nil; breaches are then
// only tracked in Redis and tier state does not survive a Redis restart.
func NewRedisLuaLimiter(rdb *redis.Client, store domain.ViolationStore, limits config.RateLimits) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if limits == nil {
		limits = config.DefaultRateLimits()
	}
	return &RedisLuaLimiter{
		redis:  rdb,
		store:  store,
		limits: limits,
		script: redis.NewScript(luaSlidingWindowScript),
		now:    time.Now,
	}
}

// Result layout: { allowed, remaining, retry_after_ms, violations, tier }.
const luaSlidingWindowScript = `
local window_key = KEYS[1]
local block_key = KEYS[2]
local viol_key = KEYS[3]
local now_ms = tonumber(ARGV[1])
local member = ARGV[2]
local viol_ttl_ms = tonumber(ARGV[3])

local block_ttl = redis.call("PTTL", block_key)
if block_ttl > 0 then
  local viol = tonumber(redis.call("GET", viol_key) or "0")
  return {0, 0, block_ttl, viol, "blocked"}
end

local viol = tonumber(redis.call("GET", viol_key) or "0")
local tier = "base"
local base = 4
if viol == 0 then
  tier = "trusted"
  base = 4
elseif viol >= tonumber(ARGV[13]) then
  tier = "restricted"
  base = 10
else
  base = 7
end
local limit = tonumber(ARGV[base])
local window_ms = tonumber(ARGV[base + 1])
local block_ms = tonumber(ARGV[base + 2])

redis.call("ZREMRANGEBYSCORE", window_key, "-inf", now_ms - window_ms)
local count = redis.call("ZCARD", window_key)

if count >= limit then
  viol = redis.call("INCR", viol_key)
  redis.call("PEXPIRE", viol_key, viol_ttl_ms)
  local retry = 0
  if block_ms > 0 then
    redis.call("SET", block_key, "1", "PX", block_ms)
    retry = block_ms
  else
    local oldest = redis.call("ZRANGE", window_key, 0, 0, "WITHSCORES")
    retry = window_ms
    if oldest[2] then
      retry = tonumber(oldest[2]) + window_ms - now_ms
    end
    if retry < 0 then retry = 0 end
  end
  return {0, 0, retry, viol, tier}
end

redis.call("ZADD", window_key, now_ms, member)
redis.call("PEXPIRE", window_key, window_ms)
return {1, limit - count - 1, 0, viol, tier}
`

// Check runs one admission decision for (userID, action). Any Redis failure
// fails open: the request is allowed and the outage is metered.
func (l *RedisLuaLimiter) Check(ctx context.Context, userID, action string) domain.Decision {
	if l == nil || l.redis == nil {
		return domain.Decision{Allowed: true}
	}

	rules := l.limits.Rule(action, "base")
	trusted := l.limits.Rule(action, "trusted")
	restricted := l.limits.Rule(action, "restricted")
	if rules.Requests <= 0 || rules.Window <= 0 {
		return domain.Decision{Allowed: true}
	}

	now := l.now()
	keys := []string{
		"rl:" + userID + ":" + action,
		"rl:block:" + userID + ":" + action,
		"rl:viol:" + userID,
	}
	argv := []any{
		now.UnixMilli(),
		strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()[:8],
		violationWindow.Milliseconds(),
		trusted.Requests, trusted.Window.Milliseconds(), trusted.Block.Milliseconds(),
		rules.Requests, rules.Window.Milliseconds(), rules.Block.Milliseconds(),
		restricted.Requests, restricted.Window.Milliseconds(), restricted.Block.Milliseconds(),
		tierRestrictedMin,
	}

	res, err := l.script.Run(ctx, l.redis, keys, argv...).Result()
	if err != nil {
		slog.Warn("rate limit store unavailable; failing open",
			slog.String("action", action), slog.Any("error", err))
		observability.RateLimitStoreUnavailableTotal.Inc()
		return domain.Decision{Allowed: true}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 5 {
		slog.Error("rate limiter unexpected script result",
			slog.String("action", action), slog.Any("result", res))
		return domain.Decision{Allowed: true}
	}

	allowed := toInt64(vals[0]) == 1
	decision := domain.Decision{
		Allowed:    allowed,
		Remaining:  int(toInt64(vals[1])),
		RetryAfter: time.Duration(toInt64(vals[2])) * time.Millisecond,
	}
	if !allowed {
		observability.RateLimitedTotal.WithLabelValues(action).Inc()
		// The block marker denies until it expires; only the breach that set
		// it counts as a new violation.
		if tier, _ := vals[4].(string); tier != "blocked" && l.store != nil {
			if err := l.store.AddViolation(ctx, userID, action, severityForTier(tier)); err != nil {
				slog.Error("failed to mirror rate violation",
					slog.String("user_id", userID), slog.String("action", action), slog.Any("error", err))
			}
		}
	}
	return decision
}

// severityForTier grades a breach by the tier that was in effect: breaking an
// already tightened limit weighs more in the anomaly record.
func severityForTier(tier string) string {
	switch tier {
	case "trusted":
		return "low"
	case "restricted":
		return "high"
	default:
		return "medium"
	}
}

// WarmFromStore restores the Redis violation counters from the durable
// mirror so adaptive tiers pick up where they left off after a restart.
func (l *RedisLuaLimiter) WarmFromStore(ctx context.Context) error {
	if l == nil || l.redis == nil || l.store == nil {
		return nil
	}
	counts, err := l.store.RecentViolators(ctx, l.now().Add(-violationWindow))
	if err != nil {
		return err
	}
	for userID, n := range counts {
		key := "rl:viol:" + userID
		if err := l.redis.Set(ctx, key, n, violationWindow).Err(); err != nil {
			slog.Error("failed to warm violation counter",
				slog.String("user_id", userID), slog.Any("error", err))
		}
	}
	if len(counts) > 0 {
		slog.Info("rate limiter warmed from violation store", slog.Int("users", len(counts)))
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
