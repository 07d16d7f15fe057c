package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stellar-reserve-sponsor/internal/policy"
)

func TestIPRateLimitBlocksAfterLimit(t *testing.T) {
	mw := IPRateLimit(policy.NewMemoryCounter(), 2, time.Minute)

	calls := 0
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if i < 2 && rr.Code != http.StatusOK {
			t.Fatalf("request %d: unexpected status %d", i, rr.Code)
		}
		if i == 2 {
			if rr.Code != http.StatusTooManyRequests {
				t.Fatalf("expected 429, got %d", rr.Code)
			}
			if rr.Header().Get("Retry-After") == "" {
				t.Fatal("expected Retry-After header")
			}
			code, _ := parseErrorResponse(t, rr)
			if code != "rate_limited" {
				t.Fatalf("unexpected error code %q", code)
			}
		}
	}
	if calls != 2 {
		t.Fatalf("expected 2 handler calls, got %d", calls)
	}

	// Another client has its own window.
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status for second client: %d", rr.Code)
	}
}

type failingCounter struct{}

func (failingCounter) Consume(context.Context, string, int, time.Duration) (policy.Window, error) {
	return policy.Window{}, context.DeadlineExceeded
}

func (failingCounter) Reset(context.Context, string) error {
	return errors.New("redis down")
}

func (failingCounter) Remaining(context.Context, string, int, time.Duration) (int, error) {
	return 0, context.DeadlineExceeded
}

func TestIPRateLimitFailsOpen(t *testing.T) {
	h := IPRateLimit(failingCounter{}, 1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
}

func TestWriteRateLimitHeaders(t *testing.T) {
	reset := time.Unix(1_700_000_000, 0)
	rr := httptest.NewRecorder()
	WriteRateLimitHeaders(rr, policy.Window{Allowed: true, Limit: 100, Remaining: 42, ResetAt: reset})

	if got := rr.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Fatalf("unexpected limit header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "42" {
		t.Fatalf("unexpected remaining header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1700000000" {
		t.Fatalf("unexpected reset header %q", got)
	}
}
