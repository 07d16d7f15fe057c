package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/stellar-reserve-sponsor/internal/httputil"
	"github.com/stellar-reserve-sponsor/internal/policy"
)

// WriteRateLimitHeaders reports a key's rate window on the response.
func WriteRateLimitHeaders(w http.ResponseWriter, win policy.Window) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(win.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(win.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(win.ResetAt.Unix(), 10))
}

// IPRateLimit returns middleware that caps requests per client IP in fixed
// windows. It guards unauthenticated routes; per-key quotas are enforced by
// the signing policy. Counter failures let the request through.
func IPRateLimit(counter policy.WindowCounter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 || window <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			win, err := counter.Consume(r.Context(), clientIPKey(r, "ip"), limit, window)
			if err != nil {
				hlog.FromRequest(r).Warn().Err(err).Msg("IP rate counter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if !win.Allowed {
				retry := math.Ceil(time.Until(win.ResetAt).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
				httputil.RespondError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
