/**
 * @description
 * Distributed fixed-window rate limiting for mutating ledger operations,
 * keyed per (operation, user). Withdrawals and fixed-term opens triggered
 * from chat can be spammed by a single user; the limiter bounds them without
 * coordinating between service instances.
 */
package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// One round trip: count the hit and start the window on the first one.
var operationRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// LimitDecision is the outcome of one rate-limit check.
type LimitDecision struct {
	// Allowed reports whether the operation may proceed.
	Allowed bool
	// Remaining is the number of operations left in the current window.
	Remaining int
	// RetryAfterSeconds is how long a denied caller should wait, rounded up
	// to a whole second. Zero when Allowed.
	RetryAfterSeconds int
}

// RedisOperationRateLimiter enforces a per-user fixed window on ledger
// operations. A nil limiter or client allows everything.
type RedisOperationRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisOperationRateLimiter(client redis.UniversalClient, prefix string) *RedisOperationRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "pennybot:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisOperationRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// Allow records one attempt of operation by userID and decides whether it may
// proceed under limit attempts per window.
func (r *RedisOperationRateLimiter) Allow(ctx context.Context, operation, userID string, limit int, window time.Duration) (LimitDecision, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return LimitDecision{Allowed: true, Remaining: limit}, nil
	}

	key, ok := r.operationKey(operation, userID)
	if !ok {
		return LimitDecision{Allowed: true, Remaining: limit}, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	rawResult, err := operationRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return LimitDecision{}, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return LimitDecision{}, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	count, ok := values[0].(int64)
	if !ok {
		return LimitDecision{}, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return LimitDecision{}, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}

	return decideLimit(count, ttlMs, limit, windowMs), nil
}

// operationKey normalizes the scope pair into one redis key. Blank parts
// cannot be limited meaningfully, so they opt out.
func (r *RedisOperationRateLimiter) operationKey(operation, userID string) (string, bool) {
	operation = strings.ToLower(strings.TrimSpace(operation))
	userID = strings.TrimSpace(userID)
	if operation == "" || userID == "" {
		return "", false
	}
	return fmt.Sprintf("%s:%s:%s", r.prefix, operation, userID), true
}

func decideLimit(count, ttlMs int64, limit int, windowMs int64) LimitDecision {
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	decision := LimitDecision{Allowed: count <= int64(limit)}
	if remaining := int64(limit) - count; remaining > 0 {
		decision.Remaining = int(remaining)
	}
	if !decision.Allowed {
		decision.RetryAfterSeconds = int(math.Ceil(float64(ttlMs) / 1000.0))
		if decision.RetryAfterSeconds < 1 {
			decision.RetryAfterSeconds = 1
		}
	}
	return decision
}
