package middleware

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stellar-reserve-sponsor/internal/policy"
)

// AuthAttemptLimiter blocks a client after maxFailures failed authentications
// inside one window. Failures are counted in a policy.WindowCounter, so with
// the Redis counter every replica sees the same tally.
type AuthAttemptLimiter struct {
	counter     policy.WindowCounter
	maxFailures int
	window      time.Duration
}

func NewAuthAttemptLimiter(counter policy.WindowCounter, maxFailures int, window time.Duration) *AuthAttemptLimiter {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &AuthAttemptLimiter{
		counter:     counter,
		maxFailures: maxFailures,
		window:      window,
	}
}

func (l *AuthAttemptLimiter) allow(ctx context.Context, key string) bool {
	remaining, err := l.counter.Remaining(ctx, key, l.maxFailures, l.window)
	if err != nil {
		// Fail open on counter errors.
		log.Warn().Err(err).Str("key", key).Msg("auth attempt counter unavailable")
		return true
	}
	return remaining > 0
}

func (l *AuthAttemptLimiter) registerFailure(ctx context.Context, key string) {
	if _, err := l.counter.Consume(ctx, key, l.maxFailures, l.window); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to record auth failure")
	}
}

func (l *AuthAttemptLimiter) registerSuccess(ctx context.Context, key string) {
	if err := l.counter.Reset(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to clear auth failures")
	}
}

func clientIPKey(r *http.Request, prefix string) string {
	host := r.RemoteAddr
	if parsedHost, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = parsedHost
	}
	if host == "" {
		host = "unknown"
	}
	return prefix + ":" + host
}
