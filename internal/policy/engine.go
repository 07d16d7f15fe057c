// Package policy decides whether an API key may have an envelope signed.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/stellar"
)

// Rejection codes. Structure violations reuse the codes from the stellar
// package.
const (
	CodeKeyInactive             = "key_inactive"
	CodeKeyExpired              = "key_expired"
	CodeRateLimited             = "rate_limited"
	CodeOperationNotAllowed     = "operation_not_allowed"
	CodeSourceNotAllowed        = "source_not_allowed"
	CodeInvalidKeyConfiguration = "invalid_key_configuration"
)

// Decision is the outcome of a policy check. The zero Code means accepted.
type Decision struct {
	Code    string
	Message string
	// RetryAfter is set for rate_limited.
	RetryAfter time.Duration
	// RateLimit is the key's window after CheckKey consumed from it.
	RateLimit *Window
	// ReserveStroops is what the sponsor pledges if the envelope is signed.
	ReserveStroops int64
}

func (d Decision) Accepted() bool { return d.Code == "" }

func (d Decision) Reason() string {
	if d.Accepted() {
		return ""
	}
	return d.Code + ": " + d.Message
}

func reject(code, format string, args ...any) Decision {
	return Decision{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Engine evaluates API keys and envelopes. Checks run in a fixed order and
// the first failure wins:
//
//  1. key status and expiry
//  2. rate limit (consumes one unit)
//  3. operation kinds against the allow-list
//  4. source accounts against the allow-list
//  5. sponsoring structure, which also yields the reserve requirement
//
// Quota is consumed by every request that gets past step 1, including
// requests later rejected by steps 3 to 5 or by the codec. Requests rejected
// at step 1 consume nothing.
type Engine struct {
	counter WindowCounter
	now     func() time.Time
}

func NewEngine(counter WindowCounter) *Engine {
	return &Engine{counter: counter, now: time.Now}
}

// CheckKey runs steps 1 and 2. The error is reserved for counter failures.
func (e *Engine) CheckKey(ctx context.Context, key *model.APIKey) (Decision, error) {
	if key.Status != model.StatusActive {
		return reject(CodeKeyInactive, "API key is %s", key.Status), nil
	}
	if key.ExpiredAt(e.now()) {
		return reject(CodeKeyExpired, "API key expired at %s", key.ExpiresAt.UTC().Format(time.RFC3339)), nil
	}
	if key.RateLimitMax <= 0 || key.RateLimitWindow <= 0 {
		return reject(CodeInvalidKeyConfiguration, "API key rate limit configuration is invalid"), nil
	}

	win, err := e.counter.Consume(ctx, key.ID.String(), key.RateLimitMax, time.Duration(key.RateLimitWindow)*time.Second)
	if err != nil {
		return Decision{}, err
	}
	if !win.Allowed {
		d := reject(CodeRateLimited, "rate limit of %d requests per %ds exceeded", key.RateLimitMax, key.RateLimitWindow)
		d.RetryAfter = win.ResetAt.Sub(e.now())
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
		d.RateLimit = &win
		return d, nil
	}
	return Decision{RateLimit: &win}, nil
}

// CheckEnvelope runs steps 3 to 5 and, on acceptance, reports the reserve the
// sponsor account must pledge.
func (e *Engine) CheckEnvelope(key *model.APIKey, env *stellar.Envelope) Decision {
	for _, kind := range env.OperationKinds() {
		if kind.Structural() {
			continue
		}
		if !key.Allows(kind) {
			return reject(CodeOperationNotAllowed, "operation %s is not allowed for this API key", kind)
		}
	}

	for _, src := range env.SourceAccounts() {
		// The sponsor appears as the BEGIN source; misuse is a structure error.
		if src == key.SponsorAccount {
			continue
		}
		if !key.AllowsSource(src) {
			return reject(CodeSourceNotAllowed, "source account %s is not in the allowed list", src)
		}
	}

	reserves, verr := stellar.VerifySponsorship(env, key.SponsorAccount)
	if verr != nil {
		return Decision{Code: verr.Code, Message: verr.Message}
	}
	return Decision{ReserveStroops: reserves * stellar.BaseReserveStroops}
}

// Authorize runs every step. The rate window state from CheckKey is carried
// on the returned decision.
func (e *Engine) Authorize(ctx context.Context, key *model.APIKey, env *stellar.Envelope) (Decision, error) {
	d, err := e.CheckKey(ctx, key)
	if err != nil || !d.Accepted() {
		return d, err
	}
	envDecision := e.CheckEnvelope(key, env)
	envDecision.RateLimit = d.RateLimit
	return envDecision, nil
}

// Remaining reports the key's unused quota in the current window.
func (e *Engine) Remaining(ctx context.Context, key *model.APIKey) (int, error) {
	if key.RateLimitMax <= 0 || key.RateLimitWindow <= 0 {
		return 0, nil
	}
	return e.counter.Remaining(ctx, key.ID.String(), key.RateLimitMax, time.Duration(key.RateLimitWindow)*time.Second)
}
