package stellar

import (
	"fmt"

	"github.com/stellar/go-stellar-sdk/amount"
	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	"github.com/stellar/go-stellar-sdk/txnbuild"
)

// envelopeTimeout bounds how long an admin has to co-sign a built envelope.
const envelopeTimeout = 300

// Built is an envelope produced by the service, possibly already carrying
// some of the required signatures.
type Built struct {
	XDR  string
	Hash string
}

// Builder builds the envelopes the service itself originates: activation,
// funding and sweep.
type Builder struct {
	horizonClient     horizonclient.ClientInterface
	signer            Signer
	masterPublicKey   string
	networkPassphrase string
	masterCosign      bool
}

// NewBuilder creates a new transaction builder. masterPublicKey is the master
// funding account; when masterCosign is set the Signer's master role also
// signs envelopes sourced from it.
func NewBuilder(
	horizonClient horizonclient.ClientInterface,
	signer Signer,
	masterPublicKey string,
	networkPassphrase string,
	masterCosign bool,
) *Builder {
	return &Builder{
		horizonClient:     horizonClient,
		signer:            signer,
		masterPublicKey:   masterPublicKey,
		networkPassphrase: networkPassphrase,
		masterCosign:      masterCosign,
	}
}

func (b *Builder) MasterPublicKey() string { return b.masterPublicKey }

// BuildActivation builds the envelope that creates a sponsor account:
//  1. the master account begins sponsoring reserves for the sponsor account
//  2. the sponsor account is created with xlmBudget stroops
//  3. the sponsor account adds the master account as a recovery signer
//  4. the sponsor account ends the sponsoring block
//
// The master account sponsors the account's own reserves, so the full budget
// is available for sponsoring. The envelope is pre-signed by the sponsor key
// (ops 3 and 4) and, when co-signing is enabled, by the master role.
func (b *Builder) BuildActivation(sponsorAddress string, xlmBudget int64) (*Built, error) {
	masterAccount, err := b.horizonClient.AccountDetail(horizonclient.AccountRequest{
		AccountID: b.masterPublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("load master account: %w", err)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &masterAccount,
		IncrementSequenceNum: true,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(envelopeTimeout)},
		Operations: []txnbuild.Operation{
			&txnbuild.BeginSponsoringFutureReserves{
				SponsoredID: sponsorAddress,
			},
			&txnbuild.CreateAccount{
				Destination: sponsorAddress,
				Amount:      amount.StringFromInt64(xlmBudget),
			},
			&txnbuild.SetOptions{
				SourceAccount: sponsorAddress,
				Signer: &txnbuild.Signer{
					Address: b.masterPublicKey,
					Weight:  txnbuild.Threshold(1),
				},
			},
			&txnbuild.EndSponsoringFutureReserves{
				SourceAccount: sponsorAddress,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build activation tx: %w", err)
	}

	tx, err = SignTransaction(b.signer, RoleSponsor, sponsorAddress, tx, b.networkPassphrase)
	if err != nil {
		return nil, fmt.Errorf("sign activation tx: %w", err)
	}
	return b.finishMasterEnvelope(tx)
}

// BuildFund builds a payment of fundAmount stroops from the master account to
// the sponsor account.
func (b *Builder) BuildFund(sponsorAddress string, fundAmount int64) (*Built, error) {
	masterAccount, err := b.horizonClient.AccountDetail(horizonclient.AccountRequest{
		AccountID: b.masterPublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("load master account: %w", err)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &masterAccount,
		IncrementSequenceNum: true,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(envelopeTimeout)},
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: sponsorAddress,
				Amount:      amount.StringFromInt64(fundAmount),
				Asset:       txnbuild.NativeAsset{},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build fund tx: %w", err)
	}
	return b.finishMasterEnvelope(tx)
}

// BuildSweep builds and signs a payment of sweepAmount stroops from the
// sponsor account back to the master account. The fee is paid by the sponsor
// on top of sweepAmount.
func (b *Builder) BuildSweep(sponsorAddress string, sweepAmount int64) (*Built, error) {
	if sweepAmount <= 0 {
		return nil, fmt.Errorf("sweep amount must be positive, got %d", sweepAmount)
	}

	sponsorAccount, err := b.horizonClient.AccountDetail(horizonclient.AccountRequest{
		AccountID: sponsorAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("load sponsor account: %w", err)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &sponsorAccount,
		IncrementSequenceNum: true,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(envelopeTimeout)},
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: b.masterPublicKey,
				Amount:      amount.StringFromInt64(sweepAmount),
				Asset:       txnbuild.NativeAsset{},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build sweep tx: %w", err)
	}

	tx, err = SignTransaction(b.signer, RoleSponsor, sponsorAddress, tx, b.networkPassphrase)
	if err != nil {
		return nil, fmt.Errorf("sign sweep tx: %w", err)
	}
	return b.encode(tx)
}

func (b *Builder) finishMasterEnvelope(tx *txnbuild.Transaction) (*Built, error) {
	if b.masterCosign {
		var err error
		tx, err = SignTransaction(b.signer, RoleMaster, "", tx, b.networkPassphrase)
		if err != nil {
			return nil, fmt.Errorf("master co-sign: %w", err)
		}
	}
	return b.encode(tx)
}

func (b *Builder) encode(tx *txnbuild.Transaction) (*Built, error) {
	hash, err := tx.HashHex(b.networkPassphrase)
	if err != nil {
		return nil, fmt.Errorf("compute transaction hash: %w", err)
	}
	xdr, err := tx.Base64()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return &Built{XDR: xdr, Hash: hash}, nil
}
