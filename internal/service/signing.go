package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/stellar/go-stellar-sdk/amount"

	"github.com/stellar-reserve-sponsor/internal/ledger"
	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/policy"
	"github.com/stellar-reserve-sponsor/internal/stellar"
	"github.com/stellar-reserve-sponsor/internal/store"
	"github.com/stellar-reserve-sponsor/internal/telemetry"
)

const (
	CodeInsufficientBudget   = "insufficient_budget"
	CodeSigningFailed        = "signing_failed"
	CodeSubmissionRejected   = "submission_rejected"
	CodeSubmissionUnknown    = "submission_unknown"
	CodeLookupFailed         = "lookup_failed"
	CodeRateLimitUnavailable = "rate_limit_unavailable"
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidStatus        = "invalid_status"
	CodeEnvelopeMismatch     = "envelope_mismatch"
	CodeInternal             = "internal_error"
	CodeTransactionNotFound  = "transaction_not_found"
)

// SigningService handles the core transaction signing business logic.
type SigningService struct {
	logs       store.TransactionLogStore
	codec      *stellar.Codec
	policy     *policy.Engine
	ledger     *ledger.Ledger
	signer     stellar.Signer
	reconciler *Reconciler
}

// NewSigningService creates a new signing service.
func NewSigningService(
	logs store.TransactionLogStore,
	codec *stellar.Codec,
	engine *policy.Engine,
	l *ledger.Ledger,
	signer stellar.Signer,
	reconciler *Reconciler,
) *SigningService {
	return &SigningService{
		logs:       logs,
		codec:      codec,
		policy:     engine,
		ledger:     l,
		signer:     signer,
		reconciler: reconciler,
	}
}

type SignRequest struct {
	TransactionXDR string
	// NetworkPassphrase, when set, must match the configured network.
	NetworkPassphrase string
	Submit            bool
}

// SignResult contains the output of a signing request.
type SignResult struct {
	LogID            string
	SignedXDR        string
	TxHash           string
	SponsorAccount   string
	SponsorAvailable int64
	ReservesLocked   int64
	SubmissionStatus *model.SubmissionStatus
	LedgerSequence   *int64
	// RateLimit is the key's window after this request, when it was consulted.
	RateLimit *policy.Window
}

// Sign authorizes, reserves, co-signs and logs a transaction, submitting it
// when requested. Every call writes exactly one transaction log row.
//
// The returned result is non-nil whenever the rate limit was consulted, even
// when err is set, so callers can report the key's window.
func (s *SigningService) Sign(ctx context.Context, apiKey *model.APIKey, req SignRequest) (*SignResult, error) {
	res := &SignResult{SponsorAccount: apiKey.SponsorAccount}

	decision, err := s.policy.CheckKey(ctx, apiKey)
	if err != nil {
		log.Error().Err(err).Str("api_key_id", apiKey.ID.String()).Msg("rate limit counter failed")
		s.logRejection(ctx, apiKey, req.TransactionXDR, nil, CodeRateLimitUnavailable, "Unable to evaluate rate limit")
		return nil, NewUnavailable(CodeRateLimitUnavailable, "Unable to evaluate rate limit")
	}
	res.RateLimit = decision.RateLimit
	if !decision.Accepted() {
		s.logRejection(ctx, apiKey, req.TransactionXDR, nil, decision.Code, decision.Message)
		return res, decisionError(decision)
	}

	env, err := s.codec.Decode(req.TransactionXDR, req.NetworkPassphrase)
	if err != nil {
		var malformed *stellar.MalformedEnvelopeError
		if !errors.As(err, &malformed) {
			malformed = &stellar.MalformedEnvelopeError{Code: stellar.CodeInvalidTransaction, Message: err.Error()}
		}
		xdr := req.TransactionXDR
		if malformed.Code == stellar.CodeEnvelopeTooLarge {
			xdr = ""
		}
		s.logRejection(ctx, apiKey, xdr, nil, malformed.Code, malformed.Message)
		return res, NewBadRequest(malformed.Code, malformed.Message)
	}

	decision = s.policy.CheckEnvelope(apiKey, env)
	if !decision.Accepted() {
		s.logRejection(ctx, apiKey, req.TransactionXDR, env, decision.Code, decision.Message)
		return res, decisionError(decision)
	}

	ticket, err := s.ledger.Reserve(ctx, apiKey.SponsorAccount, decision.ReserveStroops)
	if errors.Is(err, ledger.ErrInsufficientBudget) {
		msg := fmt.Sprintf("Sponsor account does not have %s XLM available for the reserves required by this transaction",
			amount.StringFromInt64(decision.ReserveStroops))
		s.logRejection(ctx, apiKey, req.TransactionXDR, env, CodeInsufficientBudget, msg)
		return res, NewBadRequest(CodeInsufficientBudget, msg)
	}
	if err != nil {
		log.Error().Err(err).Str("sponsor", apiKey.SponsorAccount).Msg("failed to reserve sponsor funds")
		s.logRejection(ctx, apiKey, req.TransactionXDR, env, CodeInternal, "reservation failed")
		return res, NewInternal(CodeInternal, "Failed to reserve sponsor funds")
	}

	// Funds are pledged: finish the bookkeeping even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	signedXDR, err := s.cosign(apiKey.SponsorAccount, env)
	if err != nil {
		log.Error().Err(err).Str("sponsor", apiKey.SponsorAccount).Msg("failed to sign transaction")
		s.releaseFailed(ctx, ticket)
		s.logRejection(ctx, apiKey, req.TransactionXDR, env, CodeSigningFailed, "signing failed")
		return res, NewInternal(CodeSigningFailed, "Failed to sign transaction")
	}

	entry := &model.TransactionLog{
		APIKeyID:        apiKey.ID,
		TransactionHash: env.HashHex(),
		TransactionXDR:  signedXDR,
		Operations:      env.OperationKinds(),
		SourceAccount:   env.SourceAccount(),
		Status:          model.TxStatusSigned,
		ValidUntil:      env.ValidUntil(),
	}
	if ticket != nil {
		reserved := ticket.Amount
		entry.ReservesLocked = &reserved
		entry.TicketID = &ticket.ID
	}
	if err := s.logs.CreateTransactionLog(ctx, entry); err != nil {
		// Without the row nothing could ever settle the ticket, so the
		// signature is withheld.
		log.Error().Err(err).Str("api_key_id", apiKey.ID.String()).Msg("failed to log signed transaction")
		s.releaseFailed(ctx, ticket)
		return res, NewInternal(CodeInternal, "Failed to record transaction")
	}
	telemetry.SignDecisionsTotal.WithLabelValues(string(model.TxStatusSigned), "").Inc()

	res.LogID = entry.ID.String()
	res.SignedXDR = signedXDR
	res.TxHash = entry.TransactionHash
	res.ReservesLocked = decision.ReserveStroops

	if req.Submit {
		stored, err := s.reconciler.Submit(ctx, entry, ticket)
		if stored != nil {
			res.SubmissionStatus = stored.SubmissionStatus
			res.LedgerSequence = stored.LedgerSequence
		}
		if err != nil {
			s.fillBalance(ctx, res)
			return res, submissionError(err)
		}
	}

	s.fillBalance(ctx, res)
	return res, nil
}

func (s *SigningService) cosign(sponsor string, env *stellar.Envelope) (string, error) {
	sig, err := s.signer.Sign(stellar.RoleSponsor, sponsor, env.Hash())
	if err != nil {
		return "", err
	}
	return env.AppendSignature(sig, sponsor)
}

func (s *SigningService) releaseFailed(ctx context.Context, ticket *model.ReserveTicket) {
	if err := s.ledger.Release(ctx, ticket, ledger.OutcomeFailed); err != nil {
		log.Error().Err(err).Msg("failed to release reservation")
	}
}

func (s *SigningService) fillBalance(ctx context.Context, res *SignResult) {
	account, err := s.ledger.Snapshot(ctx, res.SponsorAccount)
	if err != nil {
		log.Warn().Err(err).Str("sponsor", res.SponsorAccount).Msg("failed to read sponsor balance")
		return
	}
	res.SponsorAvailable = account.XLMAvailable
}

// logRejection writes the rejected row for a decision. Failures are logged;
// the caller's error response does not depend on them.
func (s *SigningService) logRejection(ctx context.Context, apiKey *model.APIKey, txXDR string, env *stellar.Envelope, code, message string) {
	telemetry.SignDecisionsTotal.WithLabelValues(string(model.TxStatusRejected), code).Inc()

	entry := &model.TransactionLog{
		APIKeyID:        apiKey.ID,
		TransactionXDR:  txXDR,
		Status:          model.TxStatusRejected,
		RejectionReason: code + ": " + message,
	}
	if env != nil {
		entry.TransactionHash = env.HashHex()
		entry.Operations = env.OperationKinds()
		entry.SourceAccount = env.SourceAccount()
		entry.ValidUntil = env.ValidUntil()
	}
	if err := s.logs.CreateTransactionLog(context.WithoutCancel(ctx), entry); err != nil {
		log.Error().Err(err).Str("api_key_id", apiKey.ID.String()).Str("code", code).Msg("failed to log rejected transaction")
	}
}

func decisionError(d policy.Decision) *Error {
	switch d.Code {
	case policy.CodeRateLimited:
		return NewRateLimited(d.Message, d.RetryAfter)
	case policy.CodeKeyInactive, policy.CodeKeyExpired,
		policy.CodeOperationNotAllowed, policy.CodeSourceNotAllowed:
		return NewForbidden(d.Code, d.Message)
	case policy.CodeInvalidKeyConfiguration:
		return NewInternal(d.Code, d.Message)
	default:
		return NewBadRequest(d.Code, d.Message)
	}
}

func submissionError(err error) *Error {
	var rejected *stellar.SubmissionRejectedError
	if errors.As(err, &rejected) {
		return NewBadRequest(CodeSubmissionRejected, rejected.Error())
	}
	if errors.Is(err, stellar.ErrSubmissionUnknown) {
		return NewBadGateway(CodeSubmissionUnknown, "The network did not confirm the submission; check the transaction status later")
	}
	log.Error().Err(err).Msg("submission bookkeeping failed")
	return NewInternal(CodeInternal, "Failed to record submission outcome")
}
