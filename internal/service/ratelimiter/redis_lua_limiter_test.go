package ratelimiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"

	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain/mocks"
)

func testLimits() config.RateLimits {
	return config.RateLimits{
		"test_action": config.ActionLimits{
			Trusted:    config.RateLimitRule{Requests: 5, Window: time.Hour},
			Base:       config.RateLimitRule{Requests: 3, Window: time.Hour, Block: 30 * time.Minute},
			Restricted: config.RateLimitRule{Requests: 1, Window: time.Hour, Block: time.Hour},
		},
		config.ActionAPICalls: config.ActionLimits{
			Trusted:    config.RateLimitRule{Requests: 10, Window: time.Minute},
			Base:       config.RateLimitRule{Requests: 10, Window: time.Minute},
			Restricted: config.RateLimitRule{Requests: 2, Window: time.Minute},
		},
	}
}

func newTestLimiter(t *testing.T) (*RedisLuaLimiter, *miniredis.Miniredis, *redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLuaLimiter(rdb, nil, testLimits())
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return limiter, mr, rdb, cleanup
}

func TestCheck_NilLimiter_FailOpen(t *testing.T) {
	var limiter *RedisLuaLimiter
	d := limiter.Check(context.Background(), "u1", "test_action")
	if !d.Allowed {
		t.Fatalf("expected allowed for nil limiter")
	}
}

func TestCheck_TrustedTierAdmitsUntilLimit(t *testing.T) {
	ctx := context.Background()
	limiter, _, _, cleanup := newTestLimiter(t)
	defer cleanup()

	// No violations on record means the trusted table (5/hour) applies.
	for i := 0; i < 5; i++ {
		d := limiter.Check(ctx, "u1", "test_action")
		if !d.Allowed {
			t.Fatalf("expected allowed on call %d", i)
		}
		if want := 5 - i - 1; d.Remaining != want {
			t.Fatalf("call %d: remaining = %d, want %d", i, d.Remaining, want)
		}
	}
	d := limiter.Check(ctx, "u1", "test_action")
	if d.Allowed {
		t.Fatalf("expected deny once trusted capacity exhausted")
	}
}

func TestCheck_BaseTierBreachSetsBlockAndViolation(t *testing.T) {
	ctx := context.Background()
	limiter, mr, rdb, cleanup := newTestLimiter(t)
	defer cleanup()

	// One prior violation puts the user on the base table (3/hour, 30m block).
	if err := rdb.Set(ctx, "rl:viol:u1", 1, time.Hour).Err(); err != nil {
		t.Fatalf("seed violation: %v", err)
	}

	for i := 0; i < 3; i++ {
		if d := limiter.Check(ctx, "u1", "test_action"); !d.Allowed {
			t.Fatalf("expected allowed on call %d", i)
		}
	}

	breach := limiter.Check(ctx, "u1", "test_action")
	if breach.Allowed {
		t.Fatalf("expected deny on breach")
	}
	if breach.RetryAfter <= 0 || breach.RetryAfter > 30*time.Minute {
		t.Fatalf("expected block-period retryAfter, got %v", breach.RetryAfter)
	}
	if got := rdb.Get(ctx, "rl:viol:u1").Val(); got != "2" {
		t.Fatalf("violations = %s, want 2", got)
	}

	// While blocked, further checks deny without stacking violations.
	blocked := limiter.Check(ctx, "u1", "test_action")
	if blocked.Allowed {
		t.Fatalf("expected deny while block marker active")
	}
	if got := rdb.Get(ctx, "rl:viol:u1").Val(); got != "2" {
		t.Fatalf("violations after blocked check = %s, want 2", got)
	}

	// Once the block lapses, the window itself still gates admission.
	mr.FastForward(31 * time.Minute)
	after := limiter.Check(ctx, "u1", "test_action")
	if after.Allowed {
		t.Fatalf("expected deny, window entries have not aged out")
	}
}

func TestCheck_RestrictedTierTightens(t *testing.T) {
	ctx := context.Background()
	limiter, _, rdb, cleanup := newTestLimiter(t)
	defer cleanup()

	if err := rdb.Set(ctx, "rl:viol:u1", 3, time.Hour).Err(); err != nil {
		t.Fatalf("seed violations: %v", err)
	}

	if d := limiter.Check(ctx, "u1", "test_action"); !d.Allowed {
		t.Fatalf("expected first restricted call allowed")
	}
	if d := limiter.Check(ctx, "u1", "test_action"); d.Allowed {
		t.Fatalf("expected second restricted call denied")
	}
}

func TestCheck_UsersAreIsolated(t *testing.T) {
	ctx := context.Background()
	limiter, _, _, cleanup := newTestLimiter(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		limiter.Check(ctx, "u1", "test_action")
	}
	if d := limiter.Check(ctx, "u1", "test_action"); d.Allowed {
		t.Fatalf("u1 should be exhausted")
	}
	if d := limiter.Check(ctx, "u2", "test_action"); !d.Allowed {
		t.Fatalf("u2 must not inherit u1's window")
	}
}

func TestCheck_RedisDown_FailOpen(t *testing.T) {
	ctx := context.Background()
	limiter, mr, _, cleanup := newTestLimiter(t)
	defer cleanup()

	mr.Close()
	d := limiter.Check(ctx, "u1", "test_action")
	if !d.Allowed {
		t.Fatalf("expected fail-open when store is unreachable")
	}
}

func TestCheck_MirrorsViolationToStore(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	store := &mocks.MockViolationStore{}
	store.On("AddViolation", mock.Anything, "u1", "test_action", "high").Return(nil).Once()

	limiter := NewRedisLuaLimiter(rdb, store, testLimits())
	if err := rdb.Set(ctx, "rl:viol:u1", 3, time.Hour).Err(); err != nil {
		t.Fatalf("seed violations: %v", err)
	}
	limiter.Check(ctx, "u1", "test_action")
	limiter.Check(ctx, "u1", "test_action")
	store.AssertExpectations(t)
}

func TestWarmFromStore(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	store := &mocks.MockViolationStore{}
	store.On("RecentViolators", mock.Anything, mock.Anything).Return(map[string]int{"u1": 4}, nil).Once()

	limiter := NewRedisLuaLimiter(rdb, store, testLimits())
	if err := limiter.WarmFromStore(ctx); err != nil {
		t.Fatalf("warm: %v", err)
	}

	// u1 restored as restricted (limit 1/hour).
	if d := limiter.Check(ctx, "u1", "test_action"); !d.Allowed {
		t.Fatalf("expected first call allowed")
	}
	if d := limiter.Check(ctx, "u1", "test_action"); d.Allowed {
		t.Fatalf("expected restricted tier from warmed counter")
	}
	store.AssertExpectations(t)
}

func TestWarmFromStore_NoStoreNoError(t *testing.T) {
	limiter := &RedisLuaLimiter{}
	if err := limiter.WarmFromStore(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
