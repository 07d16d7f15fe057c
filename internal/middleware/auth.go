package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"

	"github.com/stellar-reserve-sponsor/internal/httputil"
	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/service"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// GetAPIKey extracts the authenticated API key from the request context.
func GetAPIKey(ctx context.Context) *model.APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*model.APIKey)
	return key
}

// WithAPIKey returns a copy of ctx carrying apiKey.
func WithAPIKey(ctx context.Context, apiKey *model.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, apiKey)
}

// Authenticator resolves a raw bearer secret to its API key.
// service.APIKeyService implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*model.APIKey, error)
}

// APIKeyAuth returns middleware that authenticates requests via Bearer token.
// It only establishes identity: key status, expiry and quotas are decided by
// the signing policy so that those rejections are recorded.
func APIKeyAuth(auth Authenticator, limiter *AuthAttemptLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attemptKey := clientIPKey(r, "api_key")
			if limiter != nil && !limiter.allow(r.Context(), attemptKey) {
				httputil.RespondError(w, http.StatusTooManyRequests, "rate_limited", "Too many authentication failures")
				return
			}

			token := extractBearerToken(r)
			if token == "" {
				if limiter != nil {
					limiter.registerFailure(r.Context(), attemptKey)
				}
				httputil.RespondError(w, http.StatusUnauthorized, "invalid_api_key", "Missing API key")
				return
			}

			apiKey, err := auth.Authenticate(r.Context(), token)
			if errors.Is(err, service.ErrInvalidAPIKey) {
				if limiter != nil {
					limiter.registerFailure(r.Context(), attemptKey)
				}
				httputil.RespondError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
				return
			}
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("API key lookup failed")
				httputil.RespondError(w, http.StatusServiceUnavailable, "unavailable", "Unable to verify API key")
				return
			}

			if limiter != nil {
				limiter.registerSuccess(r.Context(), attemptKey)
			}
			next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), apiKey)))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}
