package admin

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/stellar/go-stellar-sdk/amount"

	"github.com/stellar-reserve-sponsor/internal/handler"
	"github.com/stellar-reserve-sponsor/internal/service"
)

// Sweeper returns a revoked key's unlocked balance to the master account.
type Sweeper interface {
	Sweep(ctx context.Context, id uuid.UUID) (*service.SweepResult, error)
}

type SweepHandler struct {
	svc Sweeper
}

func NewSweepHandler(svc Sweeper) *SweepHandler {
	return &SweepHandler{svc: svc}
}

type sweepResponse struct {
	SponsorAccount     string `json:"sponsor_account"`
	XLMSwept           string `json:"xlm_swept"`
	XLMRemainingLocked string `json:"xlm_remaining_locked"`
	Destination        string `json:"destination"`
	// Empty when there was nothing to sweep.
	TransactionHash string `json:"transaction_hash,omitempty"`
}

func (h *SweepHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "Invalid API key ID")
	if !ok {
		return
	}

	result, err := h.svc.Sweep(r.Context(), id)
	if err != nil {
		service.RespondError(w, err)
		return
	}
	audit(r, "sweep", id).
		Int64("swept", result.XLMSwept).
		Str("transaction_hash", result.TransactionHash).
		Msg("sponsor account swept")

	handler.RespondJSON(w, http.StatusOK, sweepResponse{
		SponsorAccount:     result.SponsorAccount,
		XLMSwept:           amount.StringFromInt64(result.XLMSwept),
		XLMRemainingLocked: amount.StringFromInt64(result.XLMRemainingLocked),
		Destination:        result.Destination,
		TransactionHash:    result.TransactionHash,
	})
}
