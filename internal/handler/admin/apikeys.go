package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stellar/go-stellar-sdk/amount"

	"github.com/stellar-reserve-sponsor/internal/handler"
	"github.com/stellar-reserve-sponsor/internal/httputil"
	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/service"
	"github.com/stellar-reserve-sponsor/internal/stellar"
)

// OnChainBalances reads an account's balance from the network.
// stellar.AccountService implements it.
type OnChainBalances interface {
	GetBalance(accountID string) (*stellar.OnChainBalance, error)
}

// balanceView joins a key's internal ledger balance with what the network
// reports for its sponsor account.
type balanceView struct {
	ledger   handler.BalanceReader
	accounts OnChainBalances
}

func (b balanceView) fill(ctx context.Context, item *apiKeyListItem, key *model.APIKey) {
	if account, err := b.ledger.Snapshot(ctx, key.SponsorAccount); err == nil {
		item.XLMAvailable = amount.StringFromInt64(account.XLMAvailable)
		item.XLMLockedInReserves = amount.StringFromInt64(account.XLMLocked)
	} else {
		log.Error().Err(err).Str("sponsor", key.SponsorAccount).Msg("failed to read ledger balance")
	}

	if key.Status == model.StatusPendingFunding || b.accounts == nil {
		return
	}
	onChain, err := b.accounts.GetBalance(key.SponsorAccount)
	if err != nil {
		log.Warn().Err(err).Str("sponsor", key.SponsorAccount).Msg("failed to get on-chain balance")
		return
	}
	total := amount.StringFromInt64(onChain.Total)
	item.OnChainBalance = &total
}

// --- List API Keys ---

type ListAPIKeysHandler struct {
	svc      *service.APIKeyService
	balances balanceView
}

func NewListAPIKeysHandler(svc *service.APIKeyService, ledger handler.BalanceReader, accounts OnChainBalances) *ListAPIKeysHandler {
	return &ListAPIKeysHandler{svc: svc, balances: balanceView{ledger: ledger, accounts: accounts}}
}

type listAPIKeysResponse struct {
	APIKeys []apiKeyListItem `json:"api_keys"`
	httputil.PageMeta
}

type apiKeyListItem struct {
	ID                    uuid.UUID `json:"id"`
	Name                  string    `json:"name"`
	KeyPrefix             string    `json:"key_prefix"`
	SponsorAccount        string    `json:"sponsor_account"`
	XLMBudget             string    `json:"xlm_budget"`
	XLMAvailable          string    `json:"xlm_available"`
	XLMLockedInReserves   string    `json:"xlm_locked_in_reserves"`
	OnChainBalance        *string   `json:"on_chain_balance,omitempty"`
	AllowedOperations     []string  `json:"allowed_operations"`
	AllowedSourceAccounts []string  `json:"allowed_source_accounts,omitempty"`
	RateLimitMax          int       `json:"rate_limit_max"`
	RateLimitWindow       int       `json:"rate_limit_window"`
	ExpiresAt             string    `json:"expires_at"`
	Status                string    `json:"status"`
	CreatedAt             string    `json:"created_at"`
}

func (h *ListAPIKeysHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	page, err := httputil.ParsePage(r.URL.Query())
	if err != nil {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	keys, total, err := h.svc.List(r.Context(), page.Number, page.PerPage)
	if err != nil {
		service.RespondError(w, err)
		return
	}

	items := make([]apiKeyListItem, 0, len(keys))
	for _, key := range keys {
		item := toAPIKeyListItem(key)
		h.balances.fill(r.Context(), &item, key)
		items = append(items, item)
	}

	handler.RespondJSON(w, http.StatusOK, listAPIKeysResponse{
		APIKeys:  items,
		PageMeta: page.Meta(total),
	})
}

// --- Get API Key ---

type GetAPIKeyHandler struct {
	svc      *service.APIKeyService
	balances balanceView
}

func NewGetAPIKeyHandler(svc *service.APIKeyService, ledger handler.BalanceReader, accounts OnChainBalances) *GetAPIKeyHandler {
	return &GetAPIKeyHandler{svc: svc, balances: balanceView{ledger: ledger, accounts: accounts}}
}

func (h *GetAPIKeyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "Invalid API key ID")
	if !ok {
		return
	}

	key, err := h.svc.Get(r.Context(), id)
	if err != nil {
		service.RespondError(w, err)
		return
	}

	item := toAPIKeyListItem(key)
	h.balances.fill(r.Context(), &item, key)
	handler.RespondJSON(w, http.StatusOK, item)
}

// --- Create API Key ---

type CreateAPIKeyHandler struct {
	svc *service.APIKeyService
}

func NewCreateAPIKeyHandler(svc *service.APIKeyService) *CreateAPIKeyHandler {
	return &CreateAPIKeyHandler{svc: svc}
}

type createAPIKeyRequest struct {
	Name                  string         `json:"name"`
	XLMBudget             string         `json:"xlm_budget"`
	AllowedOperations     []string       `json:"allowed_operations"`
	ExpiresAt             time.Time      `json:"expires_at"`
	RateLimit             *rateLimitJSON `json:"rate_limit,omitempty"`
	AllowedSourceAccounts []string       `json:"allowed_source_accounts,omitempty"`
}

type rateLimitJSON struct {
	MaxRequests   *int `json:"max_requests"`
	WindowSeconds *int `json:"window_seconds"`
}

type createAPIKeyResponse struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	APIKey            string    `json:"api_key"`
	KeyPrefix         string    `json:"key_prefix"`
	SponsorAccount    string    `json:"sponsor_account"`
	XLMBudget         string    `json:"xlm_budget"`
	AllowedOperations []string  `json:"allowed_operations"`
	ExpiresAt         string    `json:"expires_at"`
	Status            string    `json:"status"`
	CreatedAt         string    `json:"created_at"`
}

func (h *CreateAPIKeyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if !handler.DecodeRequest(w, r, &req) {
		return
	}

	input := service.CreateAPIKeyInput{
		Name:                  req.Name,
		XLMBudget:             req.XLMBudget,
		AllowedOperations:     req.AllowedOperations,
		AllowedSourceAccounts: req.AllowedSourceAccounts,
		ExpiresAt:             req.ExpiresAt,
	}
	if req.RateLimit != nil {
		input.RateLimitMax = req.RateLimit.MaxRequests
		input.RateLimitWindow = req.RateLimit.WindowSeconds
	}

	result, err := h.svc.Create(r.Context(), input)
	if err != nil {
		service.RespondError(w, err)
		return
	}

	key := result.APIKey
	audit(r, "create", key.ID).Str("sponsor", key.SponsorAccount).Msg("API key created")
	handler.RespondJSON(w, http.StatusCreated, createAPIKeyResponse{
		ID:                key.ID,
		Name:              key.Name,
		APIKey:            result.RawKey,
		KeyPrefix:         key.DisplayPrefix(),
		SponsorAccount:    key.SponsorAccount,
		XLMBudget:         amount.StringFromInt64(key.XLMBudget),
		AllowedOperations: model.OperationNames(key.AllowedOperations),
		ExpiresAt:         key.ExpiresAt.UTC().Format(time.RFC3339),
		Status:            string(key.Status),
		CreatedAt:         key.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// --- Update API Key ---

type UpdateAPIKeyHandler struct {
	svc *service.APIKeyService
}

func NewUpdateAPIKeyHandler(svc *service.APIKeyService) *UpdateAPIKeyHandler {
	return &UpdateAPIKeyHandler{svc: svc}
}

type updateAPIKeyRequest struct {
	Name                  *string        `json:"name"`
	AllowedOperations     []string       `json:"allowed_operations"`
	AllowedSourceAccounts []string       `json:"allowed_source_accounts"`
	RateLimit             *rateLimitJSON `json:"rate_limit"`
	ExpiresAt             *time.Time     `json:"expires_at"`
}

func (h *UpdateAPIKeyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "Invalid API key ID")
	if !ok {
		return
	}

	var req updateAPIKeyRequest
	if !handler.DecodeRequest(w, r, &req) {
		return
	}

	input := service.UpdateAPIKeyInput{
		Name:                  req.Name,
		AllowedOperations:     req.AllowedOperations,
		AllowedSourceAccounts: req.AllowedSourceAccounts,
		ExpiresAt:             req.ExpiresAt,
	}
	if req.RateLimit != nil {
		input.RateLimitMax = req.RateLimit.MaxRequests
		input.RateLimitWindow = req.RateLimit.WindowSeconds
	}

	apiKey, err := h.svc.Update(r.Context(), id, input)
	if err != nil {
		service.RespondError(w, err)
		return
	}

	audit(r, "update", id).Msg("API key updated")
	handler.RespondJSON(w, http.StatusOK, toAPIKeyListItem(apiKey))
}

// --- Revoke API Key ---

type RevokeAPIKeyHandler struct {
	svc *service.APIKeyService
}

func NewRevokeAPIKeyHandler(svc *service.APIKeyService) *RevokeAPIKeyHandler {
	return &RevokeAPIKeyHandler{svc: svc}
}

func (h *RevokeAPIKeyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "Invalid API key ID")
	if !ok {
		return
	}

	if err := h.svc.Revoke(r.Context(), id); err != nil {
		service.RespondError(w, err)
		return
	}

	audit(r, "revoke", id).Msg("API key revoked")
	handler.RespondJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": model.StatusRevoked,
	})
}

// --- Regenerate API Key ---

type RegenerateAPIKeyHandler struct {
	svc *service.APIKeyService
}

func NewRegenerateAPIKeyHandler(svc *service.APIKeyService) *RegenerateAPIKeyHandler {
	return &RegenerateAPIKeyHandler{svc: svc}
}

type regenerateAPIKeyResponse struct {
	ID        uuid.UUID `json:"id"`
	APIKey    string    `json:"api_key"`
	KeyPrefix string    `json:"key_prefix"`
}

func (h *RegenerateAPIKeyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "Invalid API key ID")
	if !ok {
		return
	}

	result, err := h.svc.Regenerate(r.Context(), id)
	if err != nil {
		service.RespondError(w, err)
		return
	}

	audit(r, "regenerate", id).Msg("API key secret regenerated")
	handler.RespondJSON(w, http.StatusOK, regenerateAPIKeyResponse{
		ID:        id,
		APIKey:    result.RawKey,
		KeyPrefix: result.KeyPrefix,
	})
}

// --- Helpers ---

func parseID(w http.ResponseWriter, r *http.Request, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", message)
		return uuid.Nil, false
	}
	return id, true
}

func toAPIKeyListItem(key *model.APIKey) apiKeyListItem {
	return apiKeyListItem{
		ID:                    key.ID,
		Name:                  key.Name,
		KeyPrefix:             key.DisplayPrefix(),
		SponsorAccount:        key.SponsorAccount,
		XLMBudget:             amount.StringFromInt64(key.XLMBudget),
		XLMAvailable:          "0.0000000",
		XLMLockedInReserves:   "0.0000000",
		AllowedOperations:     model.OperationNames(key.AllowedOperations),
		AllowedSourceAccounts: key.AllowedSourceAccounts,
		RateLimitMax:          key.RateLimitMax,
		RateLimitWindow:       key.RateLimitWindow,
		ExpiresAt:             key.ExpiresAt.UTC().Format(time.RFC3339),
		Status:                string(key.Status),
		CreatedAt:             key.CreatedAt.UTC().Format(time.RFC3339),
	}
}
