package model

import (
	"time"

	"github.com/google/uuid"
)

type APIKeyStatus string

const (
	StatusPendingFunding APIKeyStatus = "pending_funding"
	StatusActive         APIKeyStatus = "active"
	StatusRevoked        APIKeyStatus = "revoked"
)

// KeyPrefixLength is how many characters of a raw API secret are persisted
// for lookup and display.
const KeyPrefixLength = 20

type APIKey struct {
	ID                    uuid.UUID       `json:"id"`
	Name                  string          `json:"name"`
	KeyHash               string          `json:"-"`
	KeyPrefix             string          `json:"key_prefix"`
	SponsorAccount        string          `json:"sponsor_account"`
	XLMBudget             int64           `json:"xlm_budget"`
	AllowedOperations     []OperationKind `json:"allowed_operations"`
	AllowedSourceAccounts []string        `json:"allowed_source_accounts,omitempty"`
	RateLimitMax          int             `json:"rate_limit_max"`
	RateLimitWindow       int             `json:"rate_limit_window"`
	Status                APIKeyStatus    `json:"status"`
	ExpiresAt             time.Time       `json:"expires_at"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Allows reports whether kind is in the key's allow-list.
func (k *APIKey) Allows(kind OperationKind) bool {
	for _, op := range k.AllowedOperations {
		if op == kind {
			return true
		}
	}
	return false
}

// AllowsSource reports whether address may appear as a source account.
// An empty allow-list permits any source.
func (k *APIKey) AllowsSource(address string) bool {
	if len(k.AllowedSourceAccounts) == 0 {
		return true
	}
	for _, src := range k.AllowedSourceAccounts {
		if src == address {
			return true
		}
	}
	return false
}

func (k *APIKey) ExpiredAt(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}

// DisplayPrefix is the prefix shown to admins.
func (k *APIKey) DisplayPrefix() string {
	return k.KeyPrefix + "..."
}
