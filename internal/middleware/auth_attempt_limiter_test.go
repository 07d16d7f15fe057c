package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stellar-reserve-sponsor/internal/policy"
)

func TestAuthAttemptLimiterBlocksAfterThreshold(t *testing.T) {
	ctx := context.Background()
	limiter := NewAuthAttemptLimiter(policy.NewMemoryCounter(), 3, 150*time.Millisecond)
	key := "api_key:198.51.100.1"

	if !limiter.allow(ctx, key) {
		t.Fatal("expected initial request to be allowed")
	}

	limiter.registerFailure(ctx, key)
	limiter.registerFailure(ctx, key)
	if !limiter.allow(ctx, key) {
		t.Fatal("expected request to be allowed below the threshold")
	}
	limiter.registerFailure(ctx, key)

	if limiter.allow(ctx, key) {
		t.Fatal("expected request to be blocked after max failures")
	}
	if !limiter.allow(ctx, "api_key:198.51.100.2") {
		t.Fatal("expected other clients to be unaffected")
	}

	time.Sleep(200 * time.Millisecond)
	if !limiter.allow(ctx, key) {
		t.Fatal("expected request to be allowed once the window ends")
	}
}

func TestAuthAttemptLimiterSuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	limiter := NewAuthAttemptLimiter(policy.NewMemoryCounter(), 2, time.Minute)
	key := "admin:203.0.113.5"

	limiter.registerFailure(ctx, key)
	limiter.registerSuccess(ctx, key)
	limiter.registerFailure(ctx, key)

	if !limiter.allow(ctx, key) {
		t.Fatal("expected success to clear previous failures")
	}
}

func TestAuthAttemptLimiterFailsOpen(t *testing.T) {
	ctx := context.Background()
	limiter := NewAuthAttemptLimiter(failingCounter{}, 1, time.Minute)

	limiter.registerFailure(ctx, "admin:192.0.2.1")
	if !limiter.allow(ctx, "admin:192.0.2.1") {
		t.Fatal("expected counter errors to allow the request")
	}
}
