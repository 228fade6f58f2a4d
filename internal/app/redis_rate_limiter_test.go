package app

import (
	"context"
	"testing"
	"time"
)

func TestDecideLimit(t *testing.T) {
	tests := []struct {
		name           string
		count          int64
		ttlMs          int64
		limit          int
		wantAllowed    bool
		wantRemaining  int
		wantRetryAfter int
	}{
		{name: "first hit", count: 1, ttlMs: 60000, limit: 30, wantAllowed: true, wantRemaining: 29},
		{name: "at the limit", count: 30, ttlMs: 42000, limit: 30, wantAllowed: true, wantRemaining: 0},
		{name: "over the limit", count: 31, ttlMs: 42000, limit: 30, wantRetryAfter: 42},
		{name: "retry rounds up", count: 31, ttlMs: 41001, limit: 30, wantRetryAfter: 42},
		{name: "retry never below one second", count: 31, ttlMs: 10, limit: 30, wantRetryAfter: 1},
		{name: "missing ttl falls back to the window", count: 31, ttlMs: -1, limit: 30, wantRetryAfter: 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decideLimit(tt.count, tt.ttlMs, tt.limit, 60000)
			if got.Allowed != tt.wantAllowed {
				t.Fatalf("expected allowed=%v, got %+v", tt.wantAllowed, got)
			}
			if got.Remaining != tt.wantRemaining {
				t.Fatalf("expected remaining=%d, got %+v", tt.wantRemaining, got)
			}
			if got.RetryAfterSeconds != tt.wantRetryAfter {
				t.Fatalf("expected retry-after=%d, got %+v", tt.wantRetryAfter, got)
			}
		})
	}
}

func TestOperationKey(t *testing.T) {
	limiter := NewRedisOperationRateLimiter(nil, "pennybot:rate_limit:")

	key, ok := limiter.operationKey(" Withdraw ", " u1 ")
	if !ok || key != "pennybot:rate_limit:withdraw:u1" {
		t.Fatalf("unexpected key %q (%v)", key, ok)
	}
	if _, ok := limiter.operationKey("", "u1"); ok {
		t.Fatal("expected blank operation to opt out")
	}
	if _, ok := limiter.operationKey("withdraw", "  "); ok {
		t.Fatal("expected blank user to opt out")
	}
}

func TestAllow_NilClientAllowsEverything(t *testing.T) {
	var limiter *RedisOperationRateLimiter

	decision, err := limiter.Allow(context.Background(), "withdraw", "u1", 30, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected a nil limiter to allow the operation")
	}

	decision, err = NewRedisOperationRateLimiter(nil, "").Allow(context.Background(), "withdraw", "u1", 30, time.Minute)
	if err != nil || !decision.Allowed {
		t.Fatalf("expected a clientless limiter to allow the operation, got %+v (%v)", decision, err)
	}
}
