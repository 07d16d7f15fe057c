package handler

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stellar/go-stellar-sdk/amount"
)

// MasterBalance reads the master account's native balance from the network.
type MasterBalance interface {
	GetRawBalance(accountID string) (int64, error)
}

// SponsorCounter reports how many sponsor keys are loaded.
type SponsorCounter interface {
	SponsorCount() int
}

type HealthHandler struct {
	accounts        MasterBalance
	sponsors        SponsorCounter
	masterPublicKey string
	stellarNetwork  string
	version         string
	startTime       time.Time
}

func NewHealthHandler(accounts MasterBalance, sponsors SponsorCounter, masterPublicKey, stellarNetwork, version string) *HealthHandler {
	return &HealthHandler{
		accounts:        accounts,
		sponsors:        sponsors,
		masterPublicKey: masterPublicKey,
		stellarNetwork:  stellarNetwork,
		version:         version,
		startTime:       time.Now(),
	}
}

type HealthResponse struct {
	Status               string `json:"status"`
	Version              string `json:"version"`
	StellarNetwork       string `json:"stellar_network"`
	MasterPublicKey      string `json:"master_public_key"`
	MasterAccountBalance string `json:"master_account_balance"`
	TotalSponsorAccounts int    `json:"total_sponsor_accounts"`
	UptimeSeconds        int64  `json:"uptime_seconds"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	masterBalance := "unknown"
	if stroops, err := h.accounts.GetRawBalance(h.masterPublicKey); err != nil {
		log.Error().Err(err).Msg("failed to get master account balance")
		status = "degraded"
	} else {
		masterBalance = amount.StringFromInt64(stroops)
	}

	RespondJSON(w, http.StatusOK, HealthResponse{
		Status:               status,
		Version:              h.version,
		StellarNetwork:       h.stellarNetwork,
		MasterPublicKey:      h.masterPublicKey,
		MasterAccountBalance: masterBalance,
		TotalSponsorAccounts: h.sponsors.SponsorCount(),
		UptimeSeconds:        int64(time.Since(h.startTime).Seconds()),
	})
}
