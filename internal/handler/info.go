package handler

import (
	"net/http"

	"github.com/stellar/go-stellar-sdk/amount"

	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/stellar"
)

// InfoHandler describes what the service will sponsor. The body never
// changes, so it is built once.
type InfoHandler struct {
	info InfoResponse
}

type InfoResponse struct {
	NetworkPassphrase   string   `json:"network_passphrase"`
	BaseReserve         string   `json:"base_reserve"`
	SupportedOperations []string `json:"supported_operations"`
	MaxEnvelopeBytes    int      `json:"max_envelope_bytes"`
}

func NewInfoHandler(networkPassphrase string, maxEnvelopeBytes int) *InfoHandler {
	return &InfoHandler{info: InfoResponse{
		NetworkPassphrase:   networkPassphrase,
		BaseReserve:         amount.StringFromInt64(stellar.BaseReserveStroops),
		SupportedOperations: model.OperationNames(stellar.SupportedOperations()),
		MaxEnvelopeBytes:    maxEnvelopeBytes,
	}}
}

func (h *InfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.info)
}
