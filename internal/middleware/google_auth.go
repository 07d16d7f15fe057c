package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/hlog"

	"github.com/stellar-reserve-sponsor/internal/httputil"
)

const googleIssuer = "https://accounts.google.com"

type adminEmailKey struct{}

// GetAdminEmail returns the email of the admin who authenticated the request,
// or "" outside the admin routes.
func GetAdminEmail(ctx context.Context) string {
	email, _ := ctx.Value(adminEmailKey{}).(string)
	return email
}

// IDClaims holds the verified claims from a Google ID token.
type IDClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	HD            string `json:"hd"`
}

type TokenVerifier interface {
	VerifyClaims(ctx context.Context, rawToken string) (*IDClaims, error)
}

type oidcVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func (v *oidcVerifier) VerifyClaims(ctx context.Context, rawToken string) (*IDClaims, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	var claims IDClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}
	return &claims, nil
}

// GoogleAuth guards the admin routes. A caller must present a Google ID token
// for a verified address in the workspace domain that is also on the allowlist.
type GoogleAuth struct {
	verifier      TokenVerifier
	allowedDomain string
	allowedEmails map[string]struct{}
}

// NewGoogleAuth fetches Google's discovery document, so it belongs in startup.
func NewGoogleAuth(clientID, allowedDomain string, allowedEmails []string) (*GoogleAuth, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, googleIssuer)
	if err != nil {
		return nil, fmt.Errorf("create Google OIDC provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})

	return NewGoogleAuthWithVerifier(&oidcVerifier{verifier: verifier}, allowedDomain, allowedEmails), nil
}

func NewGoogleAuthWithVerifier(verifier TokenVerifier, allowedDomain string, allowedEmails []string) *GoogleAuth {
	emails := make(map[string]struct{}, len(allowedEmails))
	for _, e := range allowedEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			emails[e] = struct{}{}
		}
	}
	return &GoogleAuth{
		verifier:      verifier,
		allowedDomain: strings.ToLower(allowedDomain),
		allowedEmails: emails,
	}
}

// authorize returns the status, code and message to reject claims with, or
// status 0 when the admin is let through.
func (g *GoogleAuth) authorize(claims *IDClaims) (int, string, string) {
	switch {
	case !claims.EmailVerified:
		return http.StatusForbidden, "forbidden", "Email not verified"
	case strings.ToLower(claims.HD) != g.allowedDomain:
		return http.StatusForbidden, "forbidden", "Domain not allowed"
	}
	if _, ok := g.allowedEmails[strings.ToLower(claims.Email)]; !ok {
		return http.StatusForbidden, "forbidden", "User not authorized"
	}
	return 0, "", ""
}

// Middleware authenticates admin requests. Every rejection counts as a failed
// attempt against the client IP in limiter, which may be nil.
func (g *GoogleAuth) Middleware(limiter *AuthAttemptLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			attemptKey := clientIPKey(r, "admin")
			if limiter != nil && !limiter.allow(ctx, attemptKey) {
				httputil.RespondError(w, http.StatusTooManyRequests, "rate_limited", "Too many authentication failures")
				return
			}

			deny := func(status int, code, message string) {
				if limiter != nil {
					limiter.registerFailure(ctx, attemptKey)
				}
				hlog.FromRequest(r).Warn().Str("reason", message).Msg("admin authentication rejected")
				httputil.RespondError(w, status, code, message)
			}

			token := extractBearerToken(r)
			if token == "" {
				deny(http.StatusUnauthorized, "unauthorized", "Missing authorization token")
				return
			}

			claims, err := g.verifier.VerifyClaims(ctx, token)
			if err != nil {
				deny(http.StatusUnauthorized, "unauthorized", "Invalid ID token")
				return
			}
			if status, code, message := g.authorize(claims); status != 0 {
				deny(status, code, message)
				return
			}

			if limiter != nil {
				limiter.registerSuccess(ctx, attemptKey)
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, adminEmailKey{}, claims.Email)))
		})
	}
}
