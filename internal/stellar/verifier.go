package stellar

import (
	"fmt"

	"github.com/stellar/go-stellar-sdk/txnbuild"
)

// Codes reported by StructureError.
const (
	CodeSponsorAsSource     = "sponsor_as_source"
	CodeInvalidSponsor      = "invalid_sponsor"
	CodeXLMTransferDetected = "xlm_transfer_detected"
)

// StructureError reports an envelope that is well formed but does not follow
// the sponsoring rules for the given sponsor account.
type StructureError struct {
	Code    string
	Message string
}

func (e *StructureError) Error() string {
	return e.Code + ": " + e.Message
}

func structureErr(code, format string, args ...any) *StructureError {
	return &StructureError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// VerifySponsorship checks the BEGIN/END sponsoring layout of env against
// sponsorAccount and returns how many base reserves the sponsor will pledge.
//
// Rules:
//   - the sponsor is never the transaction source, and sources no operation
//     other than BEGIN_SPONSORING_FUTURE_RESERVES
//   - every BEGIN is sourced by the sponsor and names a SponsoredID
//   - BEGIN/END are properly nested and all blocks are closed
//   - every other operation sits inside a block and is sourced by the
//     innermost SponsoredID
//   - no operation moves native XLM
func VerifySponsorship(env *Envelope, sponsorAccount string) (int64, *StructureError) {
	txSource := env.SourceAccount()
	if txSource == sponsorAccount {
		return 0, structureErr(CodeSponsorAsSource,
			"transaction source account matches the sponsor account, this is not allowed")
	}

	var sponsoredStack []string
	var reserves int64

	for i, op := range env.Operations() {
		opSource := operationSource(op, txSource)

		switch o := op.(type) {
		case *txnbuild.BeginSponsoringFutureReserves:
			if opSource != sponsorAccount {
				return 0, structureErr(CodeInvalidSponsor,
					"BEGIN_SPONSORING_FUTURE_RESERVES source must be the sponsor account (%s), got %s",
					sponsorAccount, opSource)
			}
			if o.SponsoredID == "" {
				return 0, structureErr(CodeInvalidTransaction,
					"BEGIN_SPONSORING_FUTURE_RESERVES missing SponsoredID")
			}
			sponsoredStack = append(sponsoredStack, o.SponsoredID)
			continue

		case *txnbuild.EndSponsoringFutureReserves:
			if opSource == sponsorAccount {
				return 0, structureErr(CodeSponsorAsSource,
					"operation %d uses the sponsor account as source, this is not allowed", i)
			}
			if len(sponsoredStack) == 0 {
				return 0, structureErr(CodeInvalidTransaction,
					"END_SPONSORING_FUTURE_RESERVES without matching BEGIN")
			}
			sponsoredStack = sponsoredStack[:len(sponsoredStack)-1]
			continue
		}

		if opSource == sponsorAccount {
			return 0, structureErr(CodeSponsorAsSource,
				"operation %d uses the sponsor account as source, this is not allowed", i)
		}

		if isXLMTransfer(op) {
			return 0, structureErr(CodeXLMTransferDetected,
				"transaction attempts to transfer native XLM, this is not allowed")
		}

		if len(sponsoredStack) == 0 {
			return 0, structureErr(CodeInvalidTransaction,
				"operation %d must be wrapped in BEGIN_SPONSORING_FUTURE_RESERVES / END_SPONSORING_FUTURE_RESERVES", i)
		}

		activeSponsoredID := sponsoredStack[len(sponsoredStack)-1]
		if opSource != activeSponsoredID {
			return 0, structureErr(CodeInvalidTransaction,
				"operation source %s does not match SponsoredID %s in active BEGIN_SPONSORING_FUTURE_RESERVES block",
				opSource, activeSponsoredID)
		}

		reserves += reservesForOperation(op)
	}

	if len(sponsoredStack) != 0 {
		return 0, structureErr(CodeInvalidTransaction,
			"unmatched BEGIN_SPONSORING_FUTURE_RESERVES, missing END")
	}

	return reserves, nil
}

// operationSource returns the operation's explicit source account,
// or falls back to the transaction source if none is set.
func operationSource(op txnbuild.Operation, txSource string) string {
	if src := op.GetSourceAccount(); src != "" {
		return src
	}
	return txSource
}
