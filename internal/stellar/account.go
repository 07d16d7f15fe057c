package stellar

import (
	"fmt"

	"github.com/stellar/go-stellar-sdk/amount"
	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	hProtocol "github.com/stellar/go-stellar-sdk/protocols/horizon"
)

// BaseReserveStroops is the Stellar base reserve in stroops (0.5 XLM).
const BaseReserveStroops int64 = 5_000_000

// OnChainBalance is an account's native balance as Horizon reports it, in
// stroops.
type OnChainBalance struct {
	Total     int64
	Available int64
	Locked    int64
}

// AccountService queries Stellar account data via Horizon.
type AccountService struct {
	horizonClient horizonclient.ClientInterface
}

// NewAccountService creates a new account service.
func NewAccountService(horizonClient horizonclient.ClientInterface) *AccountService {
	return &AccountService{horizonClient: horizonClient}
}

// GetBalance returns the native balance of accountID split into the spendable
// part and the part held by the minimum-balance requirement.
func (a *AccountService) GetBalance(accountID string) (*OnChainBalance, error) {
	account, err := a.horizonClient.AccountDetail(horizonclient.AccountRequest{
		AccountID: accountID,
	})
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}

	total, err := nativeBalance(account)
	if err != nil {
		return nil, err
	}

	// minBalance = (2 + subentryCount + numSponsoring - numSponsored) * baseReserve
	minBalance := (2 + int64(account.SubentryCount) + int64(account.NumSponsoring) - int64(account.NumSponsored)) * BaseReserveStroops

	available := total - minBalance
	if available < 0 {
		available = 0
	}
	return &OnChainBalance{Total: total, Available: available, Locked: minBalance}, nil
}

// GetRawBalance returns the total native balance for an account in stroops.
func (a *AccountService) GetRawBalance(accountID string) (int64, error) {
	account, err := a.horizonClient.AccountDetail(horizonclient.AccountRequest{
		AccountID: accountID,
	})
	if err != nil {
		return 0, fmt.Errorf("load account %s: %w", accountID, err)
	}
	return nativeBalance(account)
}

func nativeBalance(account hProtocol.Account) (int64, error) {
	for _, b := range account.Balances {
		if b.Asset.Type == "native" {
			stroops, err := amount.ParseInt64(b.Balance)
			if err != nil {
				return 0, fmt.Errorf("parse balance: %w", err)
			}
			return stroops, nil
		}
	}
	return 0, nil
}
