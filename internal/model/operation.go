package model

import (
	"fmt"
	"strings"
)

// OperationKind enumerates every Stellar operation type the service can see in
// an envelope. Only a subset is sponsorable; see Sponsorable.
type OperationKind uint8

const (
	OpUnknown OperationKind = iota
	OpCreateAccount
	OpPayment
	OpPathPaymentStrictReceive
	OpManageSellOffer
	OpCreatePassiveSellOffer
	OpSetOptions
	OpChangeTrust
	OpAllowTrust
	OpAccountMerge
	OpInflation
	OpManageData
	OpBumpSequence
	OpManageBuyOffer
	OpPathPaymentStrictSend
	OpCreateClaimableBalance
	OpClaimClaimableBalance
	OpBeginSponsoring
	OpEndSponsoring
	OpRevokeSponsorship
	OpClawback
	OpClawbackClaimableBalance
	OpSetTrustLineFlags
	OpLiquidityPoolDeposit
	OpLiquidityPoolWithdraw
	OpInvokeHostFunction
	OpExtendFootprintTTL
	OpRestoreFootprint
)

var operationKindNames = [...]string{
	OpUnknown:                  "unknown",
	OpCreateAccount:            "create_account",
	OpPayment:                  "payment",
	OpPathPaymentStrictReceive: "path_payment_strict_receive",
	OpManageSellOffer:          "manage_sell_offer",
	OpCreatePassiveSellOffer:   "create_passive_sell_offer",
	OpSetOptions:               "set_options",
	OpChangeTrust:              "change_trust",
	OpAllowTrust:               "allow_trust",
	OpAccountMerge:             "account_merge",
	OpInflation:                "inflation",
	OpManageData:               "manage_data",
	OpBumpSequence:             "bump_sequence",
	OpManageBuyOffer:           "manage_buy_offer",
	OpPathPaymentStrictSend:    "path_payment_strict_send",
	OpCreateClaimableBalance:   "create_claimable_balance",
	OpClaimClaimableBalance:    "claim_claimable_balance",
	OpBeginSponsoring:          "begin_sponsoring_future_reserves",
	OpEndSponsoring:            "end_sponsoring_future_reserves",
	OpRevokeSponsorship:        "revoke_sponsorship",
	OpClawback:                 "clawback",
	OpClawbackClaimableBalance: "clawback_claimable_balance",
	OpSetTrustLineFlags:        "set_trust_line_flags",
	OpLiquidityPoolDeposit:     "liquidity_pool_deposit",
	OpLiquidityPoolWithdraw:    "liquidity_pool_withdraw",
	OpInvokeHostFunction:       "invoke_host_function",
	OpExtendFootprintTTL:       "extend_footprint_ttl",
	OpRestoreFootprint:         "restore_footprint",
}

// sponsorableKinds are the operations an API key may be granted.
var sponsorableKinds = []OperationKind{
	OpCreateAccount,
	OpChangeTrust,
	OpManageSellOffer,
	OpManageBuyOffer,
	OpSetOptions,
	OpManageData,
	OpCreateClaimableBalance,
}

func (k OperationKind) String() string {
	if int(k) < len(operationKindNames) {
		return operationKindNames[k]
	}
	return fmt.Sprintf("operation_kind(%d)", uint8(k))
}

// Sponsorable reports whether the kind can appear in an API key's allow-list.
func (k OperationKind) Sponsorable() bool {
	for _, s := range sponsorableKinds {
		if s == k {
			return true
		}
	}
	return false
}

// Structural reports whether the kind opens or closes a sponsoring block.
func (k OperationKind) Structural() bool {
	return k == OpBeginSponsoring || k == OpEndSponsoring
}

func (k OperationKind) MarshalText() ([]byte, error) {
	if k == OpUnknown || int(k) >= len(operationKindNames) {
		return nil, fmt.Errorf("cannot marshal operation kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *OperationKind) UnmarshalText(text []byte) error {
	parsed, err := ParseOperationKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseOperationKind accepts the canonical lower-case name as well as the
// upper-case XDR spelling ("CHANGE_TRUST").
func ParseOperationKind(name string) (OperationKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i, n := range operationKindNames {
		if i == int(OpUnknown) {
			continue
		}
		if n == normalized {
			return OperationKind(i), nil
		}
	}
	return OpUnknown, fmt.Errorf("unknown operation %q", name)
}

// SponsorableOperations returns the kinds that may be granted to API keys.
func SponsorableOperations() []OperationKind {
	out := make([]OperationKind, len(sponsorableKinds))
	copy(out, sponsorableKinds)
	return out
}

// OperationNames renders kinds as their canonical names.
func OperationNames(kinds []OperationKind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return names
}
