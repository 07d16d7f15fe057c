package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stellar/go-stellar-sdk/amount"

	"github.com/stellar-reserve-sponsor/internal/middleware"
	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/store"
)

// BalanceReader reads a sponsor account's internal balances.
type BalanceReader interface {
	Snapshot(ctx context.Context, account string) (*model.SponsorAccount, error)
}

// QuotaReader reads a key's remaining requests without consuming one.
type QuotaReader interface {
	Remaining(ctx context.Context, key *model.APIKey) (int, error)
}

type UsageHandler struct {
	logs     store.TransactionLogStore
	balances BalanceReader
	quota    QuotaReader
}

func NewUsageHandler(logs store.TransactionLogStore, balances BalanceReader, quota QuotaReader) *UsageHandler {
	return &UsageHandler{logs: logs, balances: balances, quota: quota}
}

type UsageResponse struct {
	APIKeyName          string        `json:"api_key_name"`
	SponsorAccount      string        `json:"sponsor_account"`
	XLMBudget           string        `json:"xlm_budget"`
	XLMAvailable        string        `json:"xlm_available"`
	XLMLockedInReserves string        `json:"xlm_locked_in_reserves"`
	AllowedOperations   []string      `json:"allowed_operations"`
	ExpiresAt           string        `json:"expires_at"`
	IsActive            bool          `json:"is_active"`
	TransactionsSigned  int64         `json:"transactions_signed"`
	RateLimit           RateLimitInfo `json:"rate_limit"`
}

type RateLimitInfo struct {
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
	Remaining     int `json:"remaining"`
}

func (h *UsageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apiKey := middleware.GetAPIKey(r.Context())
	if apiKey == nil {
		RespondError(w, http.StatusUnauthorized, "invalid_api_key", "Missing API key")
		return
	}

	account, err := h.balances.Snapshot(r.Context(), apiKey.SponsorAccount)
	if err != nil {
		log.Error().Err(err).Str("sponsor", apiKey.SponsorAccount).Msg("failed to get sponsor balance")
		RespondError(w, http.StatusInternalServerError, "balance_error", "Failed to retrieve balance")
		return
	}

	txCount, err := h.logs.CountTransactionsByAPIKey(r.Context(), apiKey.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to count transactions")
		txCount = 0
	}

	remaining, err := h.quota.Remaining(r.Context(), apiKey)
	if err != nil {
		log.Warn().Err(err).Str("api_key_id", apiKey.ID.String()).Msg("failed to read rate limit")
		remaining = 0
	}

	RespondJSON(w, http.StatusOK, UsageResponse{
		APIKeyName:          apiKey.Name,
		SponsorAccount:      apiKey.SponsorAccount,
		XLMBudget:           amount.StringFromInt64(apiKey.XLMBudget),
		XLMAvailable:        amount.StringFromInt64(account.XLMAvailable),
		XLMLockedInReserves: amount.StringFromInt64(account.XLMLocked),
		AllowedOperations:   model.OperationNames(apiKey.AllowedOperations),
		ExpiresAt:           apiKey.ExpiresAt.UTC().Format(time.RFC3339),
		IsActive:            apiKey.Status == model.StatusActive && !apiKey.ExpiredAt(time.Now()),
		TransactionsSigned:  txCount,
		RateLimit: RateLimitInfo{
			MaxRequests:   apiKey.RateLimitMax,
			WindowSeconds: apiKey.RateLimitWindow,
			Remaining:     remaining,
		},
	})
}
