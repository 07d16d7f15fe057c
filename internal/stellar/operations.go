package stellar

import (
	"github.com/stellar/go-stellar-sdk/amount"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stellar/go-stellar-sdk/xdr"

	"github.com/stellar-reserve-sponsor/internal/model"
)

// operationKinds maps XDR operation types onto the service's closed enum.
var operationKinds = map[xdr.OperationType]model.OperationKind{
	xdr.OperationTypeCreateAccount:                 model.OpCreateAccount,
	xdr.OperationTypePayment:                       model.OpPayment,
	xdr.OperationTypePathPaymentStrictReceive:      model.OpPathPaymentStrictReceive,
	xdr.OperationTypeManageSellOffer:               model.OpManageSellOffer,
	xdr.OperationTypeCreatePassiveSellOffer:        model.OpCreatePassiveSellOffer,
	xdr.OperationTypeSetOptions:                    model.OpSetOptions,
	xdr.OperationTypeChangeTrust:                   model.OpChangeTrust,
	xdr.OperationTypeAllowTrust:                    model.OpAllowTrust,
	xdr.OperationTypeAccountMerge:                  model.OpAccountMerge,
	xdr.OperationTypeInflation:                     model.OpInflation,
	xdr.OperationTypeManageData:                    model.OpManageData,
	xdr.OperationTypeBumpSequence:                  model.OpBumpSequence,
	xdr.OperationTypeManageBuyOffer:                model.OpManageBuyOffer,
	xdr.OperationTypePathPaymentStrictSend:         model.OpPathPaymentStrictSend,
	xdr.OperationTypeCreateClaimableBalance:        model.OpCreateClaimableBalance,
	xdr.OperationTypeClaimClaimableBalance:         model.OpClaimClaimableBalance,
	xdr.OperationTypeBeginSponsoringFutureReserves: model.OpBeginSponsoring,
	xdr.OperationTypeEndSponsoringFutureReserves:   model.OpEndSponsoring,
	xdr.OperationTypeRevokeSponsorship:             model.OpRevokeSponsorship,
	xdr.OperationTypeClawback:                      model.OpClawback,
	xdr.OperationTypeClawbackClaimableBalance:      model.OpClawbackClaimableBalance,
	xdr.OperationTypeSetTrustLineFlags:             model.OpSetTrustLineFlags,
	xdr.OperationTypeLiquidityPoolDeposit:          model.OpLiquidityPoolDeposit,
	xdr.OperationTypeLiquidityPoolWithdraw:         model.OpLiquidityPoolWithdraw,
	xdr.OperationTypeInvokeHostFunction:            model.OpInvokeHostFunction,
	xdr.OperationTypeExtendFootprintTtl:            model.OpExtendFootprintTTL,
	xdr.OperationTypeRestoreFootprint:              model.OpRestoreFootprint,
}

// OperationKind returns the enum value for an XDR operation type, or
// model.OpUnknown for types this build does not recognise.
func OperationKind(opType xdr.OperationType) model.OperationKind {
	if kind, ok := operationKinds[opType]; ok {
		return kind
	}
	return model.OpUnknown
}

// isXLMTransfer checks if an operation attempts to transfer native XLM.
// These are unconditionally rejected.
func isXLMTransfer(op txnbuild.Operation) bool {
	switch o := op.(type) {
	case *txnbuild.Payment:
		return o.Asset.IsNative()
	case *txnbuild.PathPaymentStrictSend:
		return o.SendAsset.IsNative() || o.DestAsset.IsNative()
	case *txnbuild.PathPaymentStrictReceive:
		return o.SendAsset.IsNative() || o.DestAsset.IsNative()
	case *txnbuild.AccountMerge:
		return true
	case *txnbuild.Inflation:
		return true
	case *txnbuild.Clawback:
		return o.Asset.IsNative()
	default:
		return false
	}
}

// reservesForOperation returns how many base reserves a sponsored operation
// will lock in the sponsor account. Returns 0 for operations that don't
// create new ledger entries (e.g. updates or deletions).
func reservesForOperation(op txnbuild.Operation) int64 {
	switch o := op.(type) {
	case *txnbuild.CreateAccount:
		// New account requires 2 base reserves
		return 2
	case *txnbuild.ChangeTrust:
		// A zero limit removes the trustline. Decoded envelopes spell it
		// "0.0000000"; an empty limit means the maximum.
		if limit, err := amount.ParseInt64(o.Limit); err == nil && limit == 0 {
			return 0
		}
		return 1
	case *txnbuild.ManageSellOffer:
		// Only a new offer (OfferID 0) creates an entry
		if o.OfferID == 0 {
			return 1
		}
		return 0
	case *txnbuild.ManageBuyOffer:
		if o.OfferID == 0 {
			return 1
		}
		return 0
	case *txnbuild.SetOptions:
		if o.Signer != nil {
			return 1
		}
		return 0
	case *txnbuild.ManageData:
		// nil value deletes the entry
		if o.Value != nil {
			return 1
		}
		return 0
	case *txnbuild.CreateClaimableBalance:
		return 1
	default:
		return 0
	}
}

// SupportedOperations returns the sponsorable operation kinds, excluding the
// structural BEGIN/END sponsoring pair.
func SupportedOperations() []model.OperationKind {
	return model.SponsorableOperations()
}
