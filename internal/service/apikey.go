package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/store"
	"github.com/stellar-reserve-sponsor/internal/validation"
)

const (
	defaultRateLimitMax    = 100
	defaultRateLimitWindow = 60
	maxRateLimitMax        = 10000
	maxRateLimitWindow     = 86400
)

// ErrInvalidAPIKey is returned by Authenticate for unknown or mismatched
// secrets.
var ErrInvalidAPIKey = errors.New("invalid API key")

// SponsorGenerator allocates custodial sponsor accounts. The keystore
// implements it.
type SponsorGenerator interface {
	GenerateSponsor(ctx context.Context) (string, error)
}

// APIKeyStore is the persistence the lifecycle manager needs.
type APIKeyStore interface {
	store.APIKeyStore
	SupersedePendingEnvelopes(ctx context.Context, apiKeyID uuid.UUID) (int64, error)
}

// APIKeyService handles API key business logic.
type APIKeyService struct {
	store    APIKeyStore
	sponsors SponsorGenerator
	network  string
	hashCost int
}

// NewAPIKeyService creates a new API key service. hashCost is the bcrypt
// cost for stored secrets; values outside bcrypt's range use the default.
func NewAPIKeyService(s APIKeyStore, sponsors SponsorGenerator, network string, hashCost int) *APIKeyService {
	if hashCost < bcrypt.MinCost || hashCost > bcrypt.MaxCost {
		hashCost = bcrypt.DefaultCost
	}
	return &APIKeyService{store: s, sponsors: sponsors, network: network, hashCost: hashCost}
}

// CreateAPIKeyInput contains the parameters for creating a new API key.
type CreateAPIKeyInput struct {
	Name                  string
	XLMBudget             string
	AllowedOperations     []string
	AllowedSourceAccounts []string
	ExpiresAt             time.Time
	RateLimitMax          *int
	RateLimitWindow       *int
}

// CreateAPIKeyResult contains the output of a successful key creation.
type CreateAPIKeyResult struct {
	APIKey *model.APIKey
	RawKey string
}

// Create validates input, allocates a sponsor account and persists a new key
// in pending_funding. The raw secret is only ever returned here.
func (s *APIKeyService) Create(ctx context.Context, input CreateAPIKeyInput) (*CreateAPIKeyResult, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, NewBadRequest(CodeInvalidRequest, "name is required")
	}
	budgetStroops, err := validation.PositiveAmount("xlm_budget", input.XLMBudget)
	if err != nil {
		return nil, NewBadRequest(CodeInvalidRequest, err.Error())
	}
	kinds, err := validation.AllowedOperations(input.AllowedOperations)
	if err != nil {
		return nil, NewBadRequest(CodeInvalidRequest, err.Error())
	}
	if input.ExpiresAt.IsZero() {
		return nil, NewBadRequest(CodeInvalidRequest, "expires_at is required")
	}
	if !input.ExpiresAt.After(time.Now().UTC()) {
		return nil, NewBadRequest(CodeInvalidRequest, "expires_at must be in the future")
	}
	if err := validation.SourceAccounts(input.AllowedSourceAccounts); err != nil {
		return nil, NewBadRequest(CodeInvalidRequest, err.Error())
	}

	rateLimitMax, rateLimitWindow, err := normalizeRateLimit(input.RateLimitMax, input.RateLimitWindow)
	if err != nil {
		return nil, NewBadRequest(CodeInvalidRequest, err.Error())
	}

	rawKey, keyHash, err := s.newSecret()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate API key")
		return nil, NewInternal(CodeInternal, "Failed to create API key")
	}

	sponsor, err := s.sponsors.GenerateSponsor(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to allocate sponsor account")
		return nil, NewInternal(CodeInternal, "Failed to create API key")
	}

	apiKey := &model.APIKey{
		Name:                  strings.TrimSpace(input.Name),
		KeyHash:               keyHash,
		KeyPrefix:             rawKey[:model.KeyPrefixLength],
		SponsorAccount:        sponsor,
		XLMBudget:             budgetStroops,
		AllowedOperations:     kinds,
		AllowedSourceAccounts: input.AllowedSourceAccounts,
		RateLimitMax:          rateLimitMax,
		RateLimitWindow:       rateLimitWindow,
		Status:                model.StatusPendingFunding,
		ExpiresAt:             input.ExpiresAt.UTC(),
	}

	if err := s.store.CreateAPIKey(ctx, apiKey); err != nil {
		log.Error().Err(err).Str("sponsor", sponsor).Msg("failed to create API key")
		return nil, NewInternal(CodeInternal, "Failed to create API key")
	}

	log.Info().Str("api_key_id", apiKey.ID.String()).Str("sponsor", sponsor).Msg("API key created")
	return &CreateAPIKeyResult{APIKey: apiKey, RawKey: rawKey}, nil
}

// Authenticate resolves a raw secret to its key. Status and expiry are not
// checked here; the policy engine reports them per request.
func (s *APIKeyService) Authenticate(ctx context.Context, rawKey string) (*model.APIKey, error) {
	if len(rawKey) <= model.KeyPrefixLength {
		return nil, ErrInvalidAPIKey
	}
	apiKey, err := s.store.GetAPIKeyByPrefix(ctx, rawKey[:model.KeyPrefixLength])
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("look up API key: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(apiKey.KeyHash), []byte(rawKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	return apiKey, nil
}

// Get loads a key by id.
func (s *APIKeyService) Get(ctx context.Context, id uuid.UUID) (*model.APIKey, error) {
	apiKey, err := s.store.GetAPIKeyByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errAPIKeyNotFound
	}
	if err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to load API key")
		return nil, NewInternal(CodeInternal, "Failed to load API key")
	}
	return apiKey, nil
}

// List returns one page of keys and the total count.
func (s *APIKeyService) List(ctx context.Context, page, perPage int) ([]*model.APIKey, int, error) {
	keys, total, err := s.store.ListAPIKeys(ctx, page, perPage)
	if err != nil {
		log.Error().Err(err).Msg("failed to list API keys")
		return nil, 0, NewInternal(CodeInternal, "Failed to list API keys")
	}
	return keys, total, nil
}

// UpdateAPIKeyInput is a partial update; nil fields are left unchanged.
type UpdateAPIKeyInput struct {
	Name                  *string
	AllowedOperations     []string
	AllowedSourceAccounts []string
	RateLimitMax          *int
	RateLimitWindow       *int
	ExpiresAt             *time.Time
}

// Update validates and applies partial updates to an existing API key.
func (s *APIKeyService) Update(ctx context.Context, id uuid.UUID, input UpdateAPIKeyInput) (*model.APIKey, error) {
	updates := store.APIKeyUpdates{
		RateLimitMax:    input.RateLimitMax,
		RateLimitWindow: input.RateLimitWindow,
		ExpiresAt:       input.ExpiresAt,
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, NewBadRequest(CodeInvalidRequest, "name cannot be empty")
		}
		updates.Name = &name
	}
	if input.AllowedOperations != nil {
		kinds, err := validation.AllowedOperations(input.AllowedOperations)
		if err != nil {
			return nil, NewBadRequest(CodeInvalidRequest, err.Error())
		}
		updates.AllowedOperations = kinds
	}
	if input.AllowedSourceAccounts != nil {
		if err := validation.SourceAccounts(input.AllowedSourceAccounts); err != nil {
			return nil, NewBadRequest(CodeInvalidRequest, err.Error())
		}
		updates.AllowedSourceAccounts = input.AllowedSourceAccounts
	}
	if input.RateLimitMax != nil {
		if *input.RateLimitMax < 1 || *input.RateLimitMax > maxRateLimitMax {
			return nil, NewBadRequest(CodeInvalidRequest, "rate_limit_max must be between 1 and 10000")
		}
	}
	if input.RateLimitWindow != nil {
		if *input.RateLimitWindow < 1 || *input.RateLimitWindow > maxRateLimitWindow {
			return nil, NewBadRequest(CodeInvalidRequest, "rate_limit_window must be between 1 and 86400")
		}
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(time.Now().UTC()) {
		return nil, NewBadRequest(CodeInvalidRequest, "expires_at must be in the future")
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == model.StatusRevoked {
		return nil, NewBadRequest(CodeInvalidStatus, "Cannot update a revoked API key")
	}

	if err := s.store.UpdateAPIKey(ctx, id, updates); err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to update API key")
		return nil, NewInternal(CodeInternal, "Failed to update API key")
	}

	return s.Get(ctx, id)
}

// Revoke marks an API key as revoked. Revocation takes effect on the next
// sign request and abandons any envelope still awaiting signature.
func (s *APIKeyService) Revoke(ctx context.Context, id uuid.UUID) error {
	err := s.store.TransitionAPIKeyStatus(ctx, id,
		[]model.APIKeyStatus{model.StatusPendingFunding, model.StatusActive}, model.StatusRevoked)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errAPIKeyNotFound
	case errors.Is(err, store.ErrStatusConflict):
		return NewBadRequest(CodeInvalidStatus, "API key is already revoked")
	case err != nil:
		log.Error().Err(err).Str("id", id.String()).Msg("failed to revoke API key")
		return NewInternal(CodeInternal, "Failed to revoke API key")
	}

	superseded, err := s.store.SupersedePendingEnvelopes(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("id", id.String()).Msg("failed to supersede pending envelopes")
	}
	log.Info().Str("api_key_id", id.String()).Int64("superseded_envelopes", superseded).Msg("API key revoked")
	return nil
}

// RegenerateResult contains the output of a successful key regeneration.
type RegenerateResult struct {
	RawKey    string
	KeyPrefix string
}

// Regenerate replaces the key's secret. The sponsor account, budget and
// policy are unchanged.
func (s *APIKeyService) Regenerate(ctx context.Context, id uuid.UUID) (*RegenerateResult, error) {
	apiKey, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if apiKey.Status == model.StatusRevoked {
		return nil, NewBadRequest(CodeInvalidStatus, "Cannot regenerate a revoked API key")
	}

	rawKey, keyHash, err := s.newSecret()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate API key")
		return nil, NewInternal(CodeInternal, "Failed to regenerate API key")
	}
	keyPrefix := rawKey[:model.KeyPrefixLength]

	if err := s.store.RegenerateAPIKey(ctx, id, keyHash, keyPrefix); err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to regenerate API key")
		return nil, NewInternal(CodeInternal, "Failed to regenerate API key")
	}

	return &RegenerateResult{RawKey: rawKey, KeyPrefix: keyPrefix + "..."}, nil
}

func (s *APIKeyService) newSecret() (raw, hash string, err error) {
	raw, err = generateAPIKey(s.network)
	if err != nil {
		return "", "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(raw), s.hashCost)
	if err != nil {
		return "", "", fmt.Errorf("hash API key: %w", err)
	}
	return raw, string(h), nil
}

func generateAPIKey(network string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand failed: %w", err)
	}
	prefix := "sk_live_"
	if network != "mainnet" {
		prefix = "sk_test_"
	}
	return prefix + hex.EncodeToString(b), nil
}

func normalizeRateLimit(maxRequests, windowSeconds *int) (int, int, error) {
	rlMax := defaultRateLimitMax
	rlWindow := defaultRateLimitWindow

	if maxRequests != nil {
		if *maxRequests < 1 || *maxRequests > maxRateLimitMax {
			return 0, 0, fmt.Errorf("rate_limit.max_requests must be between 1 and 10000")
		}
		rlMax = *maxRequests
	}

	if windowSeconds != nil {
		if *windowSeconds < 1 || *windowSeconds > maxRateLimitWindow {
			return 0, 0, fmt.Errorf("rate_limit.window_seconds must be between 1 and 86400")
		}
		rlWindow = *windowSeconds
	}

	return rlMax, rlWindow, nil
}
