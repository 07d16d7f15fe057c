package admin

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/stellar/go-stellar-sdk/amount"

	"github.com/stellar-reserve-sponsor/internal/handler"
	"github.com/stellar-reserve-sponsor/internal/service"
)

// Activation and funding are two-step: the build step returns an envelope
// for the admin to sign with the master key, the submit step accepts only
// that envelope back.

type buildResponse struct {
	PendingID      uuid.UUID `json:"pending_id"`
	SponsorAccount string    `json:"sponsor_account"`
	// XLMAmount is the activation budget or the top-up amount.
	XLMAmount       string `json:"xlm_amount"`
	TransactionXDR  string `json:"transaction_xdr"`
	TransactionHash string `json:"transaction_hash"`
}

func toBuildResponse(result *service.BuildResult) buildResponse {
	return buildResponse{
		PendingID:       result.PendingID,
		SponsorAccount:  result.SponsorAccount,
		XLMAmount:       amount.StringFromInt64(result.Amount),
		TransactionXDR:  result.TransactionXDR,
		TransactionHash: result.TransactionHash,
	}
}

type submitRequest struct {
	SignedTransactionXDR string `json:"signed_transaction_xdr"`
}

type submitResponse struct {
	ID              uuid.UUID `json:"id"`
	Status          string    `json:"status"`
	SponsorAccount  string    `json:"sponsor_account"`
	XLMAdded        string    `json:"xlm_added"`
	XLMAvailable    string    `json:"xlm_available"`
	TransactionHash string    `json:"transaction_hash"`
	LedgerSequence  *int64    `json:"ledger_sequence,omitempty"`
}

func toSubmitResponse(result *service.SubmitResult) submitResponse {
	return submitResponse{
		ID:              result.APIKeyID,
		Status:          string(result.Status),
		SponsorAccount:  result.SponsorAccount,
		XLMAdded:        amount.StringFromInt64(result.Amount),
		XLMAvailable:    amount.StringFromInt64(result.XLMAvailable),
		TransactionHash: result.TransactionHash,
		LedgerSequence:  result.LedgerSequence,
	}
}

func decodeSubmit(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req submitRequest
	if !handler.DecodeRequest(w, r, &req) {
		return "", false
	}
	if req.SignedTransactionXDR == "" {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", "signed_transaction_xdr is required")
		return "", false
	}
	return req.SignedTransactionXDR, true
}

// --- Build Activate Transaction ---

type BuildActivateHandler struct {
	svc *service.FundingService
}

func NewBuildActivateHandler(svc *service.FundingService) *BuildActivateHandler {
	return &BuildActivateHandler{svc: svc}
}

func (h *BuildActivateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "Invalid API key ID")
	if !ok {
		return
	}

	result, err := h.svc.BuildActivation(r.Context(), id)
	if err != nil {
		service.RespondError(w, err)
		return
	}

	handler.RespondJSON(w, http.StatusOK, toBuildResponse(result))
}

// --- Submit Activate Transaction ---

type SubmitActivateHandler struct {
	svc *service.FundingService
}

func NewSubmitActivateHandler(svc *service.FundingService) *SubmitActivateHandler {
	return &SubmitActivateHandler{svc: svc}
}

func (h *SubmitActivateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "Invalid API key ID")
	if !ok {
		return
	}
	signedXDR, ok := decodeSubmit(w, r)
	if !ok {
		return
	}

	result, err := h.svc.SubmitActivation(r.Context(), id, signedXDR)
	if err != nil {
		service.RespondError(w, err)
		return
	}
	audit(r, "activate", id).Int64("amount", result.Amount).Str("transaction_hash", result.TransactionHash).Msg("sponsor account activated")

	handler.RespondJSON(w, http.StatusOK, toSubmitResponse(result))
}

// --- Build Fund Transaction ---

type BuildFundHandler struct {
	svc *service.FundingService
}

func NewBuildFundHandler(svc *service.FundingService) *BuildFundHandler {
	return &BuildFundHandler{svc: svc}
}

type buildFundRequest struct {
	Amount string `json:"amount"`
}

func (h *BuildFundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "Invalid API key ID")
	if !ok {
		return
	}

	var req buildFundRequest
	if !handler.DecodeRequest(w, r, &req) {
		return
	}

	result, err := h.svc.BuildFund(r.Context(), id, req.Amount)
	if err != nil {
		service.RespondError(w, err)
		return
	}

	handler.RespondJSON(w, http.StatusOK, toBuildResponse(result))
}

// --- Submit Fund Transaction ---

type SubmitFundHandler struct {
	svc *service.FundingService
}

func NewSubmitFundHandler(svc *service.FundingService) *SubmitFundHandler {
	return &SubmitFundHandler{svc: svc}
}

func (h *SubmitFundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "Invalid API key ID")
	if !ok {
		return
	}
	signedXDR, ok := decodeSubmit(w, r)
	if !ok {
		return
	}

	result, err := h.svc.SubmitFund(r.Context(), id, signedXDR)
	if err != nil {
		service.RespondError(w, err)
		return
	}
	audit(r, "fund", id).Int64("amount", result.Amount).Str("transaction_hash", result.TransactionHash).Msg("sponsor account funded")

	handler.RespondJSON(w, http.StatusOK, toSubmitResponse(result))
}
