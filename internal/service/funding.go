package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stellar/go-stellar-sdk/amount"
	"github.com/stellar/go-stellar-sdk/txnbuild"

	"github.com/stellar-reserve-sponsor/internal/ledger"
	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/stellar"
	"github.com/stellar-reserve-sponsor/internal/store"
)

// EnvelopeBuilder builds the envelopes the service originates. The
// stellar.Builder implements it.
type EnvelopeBuilder interface {
	BuildActivation(sponsorAddress string, xlmBudget int64) (*stellar.Built, error)
	BuildFund(sponsorAddress string, fundAmount int64) (*stellar.Built, error)
	BuildSweep(sponsorAddress string, sweepAmount int64) (*stellar.Built, error)
	MasterPublicKey() string
}

// FundingStore is the persistence the funding flows need.
type FundingStore interface {
	store.APIKeyStore
	store.PendingEnvelopeStore
}

// FundingService handles activation, funding, and sweep operations. Building
// and submitting are separate steps: the built envelope is persisted and the
// submit step only accepts a signed copy of that exact envelope.
type FundingService struct {
	store   FundingStore
	builder EnvelopeBuilder
	codec   *stellar.Codec
	relay   Relay
	ledger  *ledger.Ledger
	now     func() time.Time
}

// sweepSettleGrace is how long past its max time bound an unseen sweep is
// still given to show up in the network's history.
const sweepSettleGrace = time.Minute

// NewFundingService creates a new funding service.
func NewFundingService(
	s FundingStore,
	builder EnvelopeBuilder,
	codec *stellar.Codec,
	relay Relay,
	l *ledger.Ledger,
) *FundingService {
	return &FundingService{
		store:   s,
		builder: builder,
		codec:   codec,
		relay:   relay,
		ledger:  l,
		now:     time.Now,
	}
}

// BuildResult contains a built envelope awaiting the admin's signature.
type BuildResult struct {
	PendingID       uuid.UUID
	SponsorAccount  string
	Amount          int64
	TransactionXDR  string
	TransactionHash string
}

// SubmitResult contains the outcome of a confirmed activation or funding.
type SubmitResult struct {
	APIKeyID        uuid.UUID
	Status          model.APIKeyStatus
	SponsorAccount  string
	Amount          int64
	XLMAvailable    int64
	TransactionHash string
	LedgerSequence  *int64
}

// BuildActivation builds the envelope that creates and funds the key's
// sponsor account with its budget.
func (s *FundingService) BuildActivation(ctx context.Context, id uuid.UUID) (*BuildResult, error) {
	apiKey, err := s.loadKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if apiKey.Status != model.StatusPendingFunding {
		return nil, NewBadRequest(CodeInvalidStatus, "API key is not pending funding")
	}

	built, err := s.builder.BuildActivation(apiKey.SponsorAccount, apiKey.XLMBudget)
	if err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to build activation transaction")
		return nil, NewInternal(CodeInternal, "Failed to build activation transaction")
	}
	return s.persistBuilt(ctx, apiKey, model.EnvelopeActivation, apiKey.XLMBudget, built)
}

// SubmitActivation submits the admin-signed activation envelope. On
// confirmation the budget is credited and the key becomes active.
func (s *FundingService) SubmitActivation(ctx context.Context, id uuid.UUID, signedXDR string) (*SubmitResult, error) {
	apiKey, err := s.loadKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if apiKey.Status != model.StatusPendingFunding {
		return nil, NewBadRequest(CodeInvalidStatus, "API key is not pending funding")
	}

	env, err := s.decode(signedXDR)
	if err != nil {
		return nil, err
	}
	if err := validateActivationEnvelope(env, s.builder.MasterPublicKey(), apiKey.SponsorAccount); err != nil {
		return nil, NewBadRequest(stellar.CodeInvalidTransaction, err.Error())
	}

	return s.submitPending(ctx, apiKey, model.EnvelopeActivation, env, signedXDR, func(ctx context.Context, pending *model.PendingEnvelope) error {
		if err := s.ledger.Credit(ctx, apiKey.SponsorAccount, pending.Amount, "activation "+pending.EnvelopeHash); err != nil {
			return err
		}
		err := s.store.TransitionAPIKeyStatus(ctx, apiKey.ID,
			[]model.APIKeyStatus{model.StatusPendingFunding}, model.StatusActive)
		if errors.Is(err, store.ErrStatusConflict) {
			// Revoked while the activation was in flight; the credited funds
			// are recovered by a sweep.
			log.Warn().Str("api_key_id", apiKey.ID.String()).Msg("API key changed status during activation")
			return nil
		}
		return err
	})
}

// BuildFund builds a top-up payment from the master account to the key's
// sponsor account.
func (s *FundingService) BuildFund(ctx context.Context, id uuid.UUID, amountXLM string) (*BuildResult, error) {
	fundStroops, err := amount.ParseInt64(amountXLM)
	if err != nil || fundStroops <= 0 {
		return nil, NewBadRequest(CodeInvalidRequest, "Invalid amount")
	}

	apiKey, err := s.loadKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if apiKey.Status != model.StatusActive {
		return nil, NewBadRequest(CodeInvalidStatus, "API key must be active to fund")
	}

	built, err := s.builder.BuildFund(apiKey.SponsorAccount, fundStroops)
	if err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to build fund transaction")
		return nil, NewInternal(CodeInternal, "Failed to build funding transaction")
	}
	return s.persistBuilt(ctx, apiKey, model.EnvelopeFunding, fundStroops, built)
}

// SubmitFund submits the admin-signed funding envelope and credits the
// amount once confirmed.
func (s *FundingService) SubmitFund(ctx context.Context, id uuid.UUID, signedXDR string) (*SubmitResult, error) {
	apiKey, err := s.loadKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if apiKey.Status != model.StatusActive {
		return nil, NewBadRequest(CodeInvalidStatus, "API key must be active to fund")
	}

	env, err := s.decode(signedXDR)
	if err != nil {
		return nil, err
	}
	if _, err := validateFundEnvelope(env, s.builder.MasterPublicKey(), apiKey.SponsorAccount); err != nil {
		return nil, NewBadRequest(stellar.CodeInvalidTransaction, err.Error())
	}

	return s.submitPending(ctx, apiKey, model.EnvelopeFunding, env, signedXDR, func(ctx context.Context, pending *model.PendingEnvelope) error {
		return s.ledger.Credit(ctx, apiKey.SponsorAccount, pending.Amount, "funding "+pending.EnvelopeHash)
	})
}

// SweepResult contains the output of a sweep operation.
type SweepResult struct {
	SponsorAccount     string
	XLMSwept           int64
	XLMRemainingLocked int64
	Destination        string
	TransactionHash    string
}

// Sweep returns the available balance of a revoked key's sponsor account to
// the master account. Funds locked in live reserves stay. Sweeping twice
// moves nothing the second time.
//
// A sweep whose outcome was unknown is settled first: a confirmed one stays
// swept, one that failed or expired unseen is credited back and swept again.
func (s *FundingService) Sweep(ctx context.Context, id uuid.UUID) (*SweepResult, error) {
	apiKey, err := s.loadKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if apiKey.Status != model.StatusRevoked {
		return nil, NewBadRequest(CodeInvalidStatus, "Can only sweep revoked API keys")
	}
	if err := s.settleSweep(ctx, apiKey); err != nil {
		return nil, err
	}

	master := s.builder.MasterPublicKey()
	moved, err := s.ledger.Sweep(ctx, apiKey.SponsorAccount, master)
	if err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to sweep ledger balance")
		return nil, NewInternal(CodeInternal, "Failed to sweep sponsor account")
	}
	ctx = context.WithoutCancel(ctx)

	result := &SweepResult{
		SponsorAccount: apiKey.SponsorAccount,
		Destination:    master,
	}
	if moved == 0 {
		return s.withLocked(ctx, result), nil
	}

	payment := moved - txnbuild.MinBaseFee
	if payment <= 0 {
		s.restore(ctx, apiKey.SponsorAccount, moved, "sweep below fee")
		return s.withLocked(ctx, result), nil
	}

	built, err := s.builder.BuildSweep(apiKey.SponsorAccount, payment)
	if err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to build sweep transaction")
		s.restore(ctx, apiKey.SponsorAccount, moved, "sweep build failed")
		return nil, NewInternal(CodeInternal, "Failed to build sweep transaction")
	}

	// Recorded before submitting so an unknown outcome can be settled later.
	pending := &model.PendingEnvelope{
		APIKeyID:     apiKey.ID,
		Kind:         model.EnvelopeSweep,
		EnvelopeXDR:  built.XDR,
		EnvelopeHash: built.Hash,
		Amount:       moved,
		Status:       model.PendingSubmitted,
	}
	if err := s.store.CreatePendingEnvelope(ctx, pending); err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to record sweep transaction")
		s.restore(ctx, apiKey.SponsorAccount, moved, "sweep not recorded")
		return nil, NewInternal(CodeInternal, "Failed to record sweep transaction")
	}

	res, err := s.relay.Submit(ctx, built.XDR)
	if err != nil {
		var rejected *stellar.SubmissionRejectedError
		if errors.As(err, &rejected) {
			if err := s.refundSweep(ctx, apiKey, pending, rejected.Error()); err != nil {
				log.Error().Err(err).Str("id", id.String()).Str("tx_hash", built.Hash).Msg("failed to refund rejected sweep")
			}
			return nil, NewBadRequest(CodeSubmissionRejected, rejected.Error())
		}
		// The payment may still land, so the ledger keeps the sweep until
		// the next call settles it.
		log.Warn().Err(err).Str("id", id.String()).Str("tx_hash", built.Hash).Msg("sweep submission outcome unknown")
		return nil, NewBadGateway(CodeSubmissionUnknown, "Sweep submitted but not confirmed; sweep again later to re-check transaction "+built.Hash)
	}

	seq := res.LedgerSequence
	err = s.store.UpdatePendingEnvelope(ctx, pending.ID, []model.PendingStatus{model.PendingSubmitted},
		store.PendingEnvelopeUpdate{Status: model.PendingConfirmed, TransactionHash: res.Hash, LedgerSequence: &seq})
	if err != nil {
		log.Error().Err(err).Str("id", pending.ID.String()).Msg("failed to mark sweep confirmed")
	}

	result.XLMSwept = moved
	result.TransactionHash = res.Hash
	log.Info().Str("api_key_id", id.String()).Int64("stroops", moved).Str("tx_hash", res.Hash).Msg("sponsor account swept")
	return s.withLocked(ctx, result), nil
}

// settleSweep resolves the key's latest sweep when it is still submitted.
// It returns submission_unknown while the network may yet include it.
func (s *FundingService) settleSweep(ctx context.Context, apiKey *model.APIKey) error {
	pending, err := s.store.GetLatestPendingEnvelope(ctx, apiKey.ID, model.EnvelopeSweep)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("id", apiKey.ID.String()).Msg("failed to load pending sweep")
		return NewInternal(CodeInternal, "Failed to load previous sweep")
	}
	if pending.Status != model.PendingSubmitted {
		return nil
	}

	check, err := s.relay.CheckStatus(ctx, pending.EnvelopeHash)
	if err != nil {
		log.Warn().Err(err).Str("tx_hash", pending.EnvelopeHash).Msg("failed to look up previous sweep")
		return NewBadGateway(CodeLookupFailed, "Unable to check the status of the previous sweep")
	}

	switch check.Status {
	case model.SubmissionConfirmed:
		err = s.store.UpdatePendingEnvelope(ctx, pending.ID, []model.PendingStatus{model.PendingSubmitted},
			store.PendingEnvelopeUpdate{Status: model.PendingConfirmed, TransactionHash: pending.EnvelopeHash, LedgerSequence: check.LedgerSequence})
	case model.SubmissionFailed:
		err = s.refundSweep(ctx, apiKey, pending, "sweep failed on ledger")
	default:
		expired, expErr := s.sweepExpired(pending)
		if expErr != nil {
			log.Error().Err(expErr).Str("id", pending.ID.String()).Msg("failed to read previous sweep envelope")
			return NewInternal(CodeInternal, "Failed to read previous sweep")
		}
		if !expired {
			return NewBadGateway(CodeSubmissionUnknown, "The previous sweep "+pending.EnvelopeHash+" is not confirmed yet; retry later")
		}
		err = s.refundSweep(ctx, apiKey, pending, "sweep not found after its time bound")
	}
	if errors.Is(err, store.ErrStatusConflict) {
		// Settled by a concurrent call.
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("id", pending.ID.String()).Msg("failed to settle previous sweep")
		return NewInternal(CodeInternal, "Failed to settle previous sweep")
	}
	log.Info().Str("api_key_id", apiKey.ID.String()).Str("tx_hash", pending.EnvelopeHash).
		Str("status", string(check.Status)).Msg("previous sweep settled")
	return nil
}

// refundSweep marks a submitted sweep failed and credits its amount back.
// The status change is a compare-and-set, so the credit happens at most once.
func (s *FundingService) refundSweep(ctx context.Context, apiKey *model.APIKey, pending *model.PendingEnvelope, reason string) error {
	err := s.store.UpdatePendingEnvelope(ctx, pending.ID, []model.PendingStatus{model.PendingSubmitted},
		store.PendingEnvelopeUpdate{Status: model.PendingFailed, TransactionHash: pending.EnvelopeHash, FailureReason: reason})
	if err != nil {
		return err
	}
	return s.ledger.Credit(ctx, apiKey.SponsorAccount, pending.Amount, "sweep refund "+pending.EnvelopeHash)
}

// sweepExpired reports whether a sweep can no longer be included: its max
// time bound plus a grace period has passed.
func (s *FundingService) sweepExpired(pending *model.PendingEnvelope) (bool, error) {
	env, err := s.codec.Decode(pending.EnvelopeXDR, "")
	if err != nil {
		return false, err
	}
	return s.now().After(env.ValidUntil().Add(sweepSettleGrace)), nil
}

func (s *FundingService) withLocked(ctx context.Context, result *SweepResult) *SweepResult {
	account, err := s.ledger.Snapshot(ctx, result.SponsorAccount)
	if err != nil {
		log.Warn().Err(err).Str("sponsor", result.SponsorAccount).Msg("failed to read sponsor balance")
		return result
	}
	result.XLMRemainingLocked = account.XLMLocked
	return result
}

func (s *FundingService) restore(ctx context.Context, account string, stroops int64, reference string) {
	if err := s.ledger.Credit(ctx, account, stroops, reference); err != nil {
		log.Error().Err(err).Str("sponsor", account).Int64("stroops", stroops).Msg("failed to restore swept balance")
	}
}

func (s *FundingService) loadKey(ctx context.Context, id uuid.UUID) (*model.APIKey, error) {
	apiKey, err := s.store.GetAPIKeyByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errAPIKeyNotFound
	}
	if err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to load API key")
		return nil, NewInternal(CodeInternal, "Failed to load API key")
	}
	return apiKey, nil
}

func (s *FundingService) decode(signedXDR string) (*stellar.Envelope, error) {
	env, err := s.codec.Decode(signedXDR, "")
	if err != nil {
		var malformed *stellar.MalformedEnvelopeError
		if errors.As(err, &malformed) {
			return nil, NewBadRequest(malformed.Code, malformed.Message)
		}
		return nil, NewBadRequest(stellar.CodeInvalidTransaction, "invalid signed_transaction_xdr")
	}
	return env, nil
}

func (s *FundingService) persistBuilt(ctx context.Context, apiKey *model.APIKey, kind model.EnvelopeKind, stroops int64, built *stellar.Built) (*BuildResult, error) {
	pending := &model.PendingEnvelope{
		APIKeyID:     apiKey.ID,
		Kind:         kind,
		EnvelopeXDR:  built.XDR,
		EnvelopeHash: built.Hash,
		Amount:       stroops,
		Status:       model.PendingAwaitingSignature,
	}
	if err := s.store.CreatePendingEnvelope(ctx, pending); err != nil {
		log.Error().Err(err).Str("id", apiKey.ID.String()).Str("kind", string(kind)).Msg("failed to persist pending envelope")
		return nil, NewInternal(CodeInternal, "Failed to store built transaction")
	}
	return &BuildResult{
		PendingID:       pending.ID,
		SponsorAccount:  apiKey.SponsorAccount,
		Amount:          stroops,
		TransactionXDR:  built.XDR,
		TransactionHash: built.Hash,
	}, nil
}

// submitPending drives a pending envelope to a final state. A submitted
// envelope whose outcome was unknown is looked up first and only resubmitted
// if the network has not seen it. finalize runs exactly once, after the
// envelope is marked confirmed.
func (s *FundingService) submitPending(
	ctx context.Context,
	apiKey *model.APIKey,
	kind model.EnvelopeKind,
	env *stellar.Envelope,
	signedXDR string,
	finalize func(ctx context.Context, pending *model.PendingEnvelope) error,
) (*SubmitResult, error) {
	pending, err := s.store.GetLatestPendingEnvelope(ctx, apiKey.ID, kind)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewBadRequest(CodeEnvelopeMismatch, fmt.Sprintf("No %s transaction has been built for this API key", kind))
	}
	if err != nil {
		log.Error().Err(err).Str("id", apiKey.ID.String()).Msg("failed to load pending envelope")
		return nil, NewInternal(CodeInternal, "Failed to load pending transaction")
	}
	if env.HashHex() != pending.EnvelopeHash {
		return nil, NewBadRequest(CodeEnvelopeMismatch, fmt.Sprintf("Signed transaction does not match the latest %s transaction built for this API key", kind))
	}

	switch pending.Status {
	case model.PendingConfirmed:
		return s.submitResult(ctx, apiKey.ID, pending)
	case model.PendingFailed, model.PendingSuperseded:
		return nil, NewBadRequest(CodeInvalidStatus, fmt.Sprintf("The %s transaction is %s; build a new one", kind, pending.Status))
	case model.PendingSubmitted:
		check, err := s.relay.CheckStatus(ctx, pending.EnvelopeHash)
		if err != nil {
			log.Warn().Err(err).Str("tx_hash", pending.EnvelopeHash).Msg("failed to look up submitted envelope")
			return nil, NewBadGateway(CodeLookupFailed, "Unable to check the status of the submitted transaction")
		}
		switch check.Status {
		case model.SubmissionConfirmed:
			return s.confirm(ctx, apiKey.ID, pending, check.LedgerSequence, finalize)
		case model.SubmissionFailed:
			s.fail(ctx, pending, model.PendingSubmitted, "transaction failed on ledger")
			return nil, NewBadRequest(CodeSubmissionRejected, "Transaction failed on ledger")
		}
	default:
		err := s.store.UpdatePendingEnvelope(ctx, pending.ID,
			[]model.PendingStatus{model.PendingAwaitingSignature},
			store.PendingEnvelopeUpdate{Status: model.PendingSubmitted, TransactionHash: pending.EnvelopeHash})
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, NewConflict(CodeInvalidStatus, "This transaction is already being submitted")
		}
		if err != nil {
			log.Error().Err(err).Str("id", pending.ID.String()).Msg("failed to mark envelope submitted")
			return nil, NewInternal(CodeInternal, "Failed to record submission")
		}
	}

	ctx = context.WithoutCancel(ctx)
	res, err := s.relay.Submit(ctx, signedXDR)
	if err != nil {
		var rejected *stellar.SubmissionRejectedError
		if errors.As(err, &rejected) {
			s.fail(ctx, pending, model.PendingSubmitted, rejected.Error())
			return nil, NewBadRequest(CodeSubmissionRejected, rejected.Error())
		}
		log.Warn().Err(err).Str("id", apiKey.ID.String()).Str("tx_hash", pending.EnvelopeHash).Msg("envelope submission outcome unknown")
		return nil, NewBadGateway(CodeSubmissionUnknown, "Transaction submitted but not confirmed; submit the same transaction again to re-check")
	}

	seq := res.LedgerSequence
	return s.confirm(ctx, apiKey.ID, pending, &seq, finalize)
}

func (s *FundingService) confirm(
	ctx context.Context,
	apiKeyID uuid.UUID,
	pending *model.PendingEnvelope,
	ledgerSeq *int64,
	finalize func(ctx context.Context, pending *model.PendingEnvelope) error,
) (*SubmitResult, error) {
	err := s.store.UpdatePendingEnvelope(ctx, pending.ID,
		[]model.PendingStatus{model.PendingSubmitted},
		store.PendingEnvelopeUpdate{Status: model.PendingConfirmed, TransactionHash: pending.EnvelopeHash, LedgerSequence: ledgerSeq})
	if errors.Is(err, store.ErrStatusConflict) {
		// Someone else confirmed it and ran finalize.
		return s.submitResult(ctx, apiKeyID, pending)
	}
	if err != nil {
		log.Error().Err(err).Str("id", pending.ID.String()).Msg("failed to confirm pending envelope")
		return nil, NewInternal(CodeInternal, "Failed to record confirmed transaction")
	}

	if err := finalize(ctx, pending); err != nil {
		log.Error().Err(err).Str("api_key_id", apiKeyID.String()).Str("tx_hash", pending.EnvelopeHash).
			Msg("confirmed transaction could not be applied")
		return nil, NewInternal(CodeInternal, "Transaction confirmed but could not be applied")
	}
	log.Info().Str("api_key_id", apiKeyID.String()).Str("kind", string(pending.Kind)).
		Int64("stroops", pending.Amount).Str("tx_hash", pending.EnvelopeHash).Msg("pending envelope confirmed")
	return s.submitResult(ctx, apiKeyID, pending)
}

func (s *FundingService) fail(ctx context.Context, pending *model.PendingEnvelope, from model.PendingStatus, reason string) {
	err := s.store.UpdatePendingEnvelope(ctx, pending.ID, []model.PendingStatus{from},
		store.PendingEnvelopeUpdate{Status: model.PendingFailed, TransactionHash: pending.EnvelopeHash, FailureReason: reason})
	if err != nil {
		log.Error().Err(err).Str("id", pending.ID.String()).Msg("failed to mark envelope failed")
	}
}

func (s *FundingService) submitResult(ctx context.Context, apiKeyID uuid.UUID, pending *model.PendingEnvelope) (*SubmitResult, error) {
	apiKey, err := s.loadKey(ctx, apiKeyID)
	if err != nil {
		return nil, err
	}
	result := &SubmitResult{
		APIKeyID:        apiKey.ID,
		Status:          apiKey.Status,
		SponsorAccount:  apiKey.SponsorAccount,
		Amount:          pending.Amount,
		TransactionHash: pending.EnvelopeHash,
	}
	if latest, err := s.store.GetLatestPendingEnvelope(ctx, apiKeyID, pending.Kind); err == nil && latest.ID == pending.ID {
		result.LedgerSequence = latest.LedgerSequence
	}
	if account, err := s.ledger.Snapshot(ctx, apiKey.SponsorAccount); err == nil {
		result.XLMAvailable = account.XLMAvailable
	}
	return result, nil
}

// --- Envelope shape checks ---

func validateActivationEnvelope(env *stellar.Envelope, masterPublicKey, sponsorAccount string) error {
	if env.SourceAccount() != masterPublicKey {
		return fmt.Errorf("activation transaction source must be the master account")
	}

	ops := env.Operations()
	if len(ops) != 4 {
		return fmt.Errorf("activation transaction must contain exactly 4 operations")
	}

	beginSponsoring, ok := ops[0].(*txnbuild.BeginSponsoringFutureReserves)
	if !ok {
		return fmt.Errorf("operation 0 must be BeginSponsoringFutureReserves")
	}
	if beginSponsoring.SponsoredID != sponsorAccount {
		return fmt.Errorf("BeginSponsoringFutureReserves must target the sponsor account")
	}

	createAccount, ok := ops[1].(*txnbuild.CreateAccount)
	if !ok {
		return fmt.Errorf("operation 1 must be CreateAccount")
	}
	if createAccount.Destination != sponsorAccount {
		return fmt.Errorf("CreateAccount destination must be the sponsor account")
	}

	setOptions, ok := ops[2].(*txnbuild.SetOptions)
	if !ok {
		return fmt.Errorf("operation 2 must be SetOptions")
	}
	if setOptions.SourceAccount != sponsorAccount {
		return fmt.Errorf("SetOptions source must be the sponsor account")
	}

	endSponsoring, ok := ops[3].(*txnbuild.EndSponsoringFutureReserves)
	if !ok {
		return fmt.Errorf("operation 3 must be EndSponsoringFutureReserves")
	}
	if endSponsoring.SourceAccount != sponsorAccount {
		return fmt.Errorf("EndSponsoringFutureReserves source must be the sponsor account")
	}

	return nil
}

func validateFundEnvelope(env *stellar.Envelope, masterPublicKey, sponsorAccount string) (int64, error) {
	if env.SourceAccount() != masterPublicKey {
		return 0, fmt.Errorf("funding transaction source must be the master account")
	}

	ops := env.Operations()
	if len(ops) != 1 {
		return 0, fmt.Errorf("funding transaction must contain exactly one operation")
	}

	payment, ok := ops[0].(*txnbuild.Payment)
	if !ok {
		return 0, fmt.Errorf("funding transaction must be a payment operation")
	}
	if !payment.Asset.IsNative() {
		return 0, fmt.Errorf("funding transaction must transfer native XLM")
	}
	if payment.Destination != sponsorAccount {
		return 0, fmt.Errorf("funding transaction destination must match the sponsor account")
	}
	if payment.SourceAccount != "" && payment.SourceAccount != masterPublicKey {
		return 0, fmt.Errorf("funding operation source must be the master account")
	}

	stroops, err := amount.ParseInt64(payment.Amount)
	if err != nil || stroops <= 0 {
		return 0, fmt.Errorf("funding amount must be positive")
	}

	return stroops, nil
}
