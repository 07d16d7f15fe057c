package handler

import (
	"context"
	"net/http"

	"github.com/stellar/go-stellar-sdk/amount"

	"github.com/stellar-reserve-sponsor/internal/middleware"
	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/service"
)

// Signer is the signing entry point. service.SigningService implements it.
type Signer interface {
	Sign(ctx context.Context, apiKey *model.APIKey, req service.SignRequest) (*service.SignResult, error)
}

type SignHandler struct {
	service Signer
}

func NewSignHandler(svc Signer) *SignHandler {
	return &SignHandler{service: svc}
}

type SignRequest struct {
	TransactionXDR    string `json:"transaction_xdr"`
	NetworkPassphrase string `json:"network_passphrase,omitempty"`
	Submit            bool   `json:"submit,omitempty"`
}

type SignResponse struct {
	SignedTransactionXDR  string                  `json:"signed_transaction_xdr"`
	SponsorPublicKey      string                  `json:"sponsor_public_key"`
	SponsorAccountBalance string                  `json:"sponsor_account_balance"`
	TransactionHash       string                  `json:"transaction_hash"`
	ReservesLocked        string                  `json:"reserves_locked"`
	SubmissionStatus      *model.SubmissionStatus `json:"submission_status,omitempty"`
	LedgerSequence        *int64                  `json:"ledger_sequence,omitempty"`
}

func (h *SignHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apiKey := middleware.GetAPIKey(r.Context())
	if apiKey == nil {
		RespondError(w, http.StatusUnauthorized, "invalid_api_key", "Missing API key")
		return
	}

	var req SignRequest
	if !DecodeRequest(w, r, &req) {
		return
	}

	result, err := h.service.Sign(r.Context(), apiKey, service.SignRequest{
		TransactionXDR:    req.TransactionXDR,
		NetworkPassphrase: req.NetworkPassphrase,
		Submit:            req.Submit,
	})
	if result != nil && result.RateLimit != nil {
		middleware.WriteRateLimitHeaders(w, *result.RateLimit)
	}
	if err != nil {
		service.RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, SignResponse{
		SignedTransactionXDR:  result.SignedXDR,
		SponsorPublicKey:      result.SponsorAccount,
		SponsorAccountBalance: amount.StringFromInt64(result.SponsorAvailable),
		TransactionHash:       result.TxHash,
		ReservesLocked:        amount.StringFromInt64(result.ReservesLocked),
		SubmissionStatus:      result.SubmissionStatus,
		LedgerSequence:        result.LedgerSequence,
	})
}
