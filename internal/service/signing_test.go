package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stretchr/testify/require"

	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/policy"
	"github.com/stellar-reserve-sponsor/internal/stellar"
	"github.com/stellar-reserve-sponsor/internal/store"
)

func (e *testEnv) logsFor(t *testing.T, key *model.APIKey) []*model.TransactionLog {
	t.Helper()
	logs, _, err := e.store.ListTransactionLogs(context.Background(), store.TransactionFilters{APIKeyID: &key.ID})
	require.NoError(t, err)
	return logs
}

func (e *testEnv) balances(t *testing.T, key *model.APIKey) (available, locked int64) {
	t.Helper()
	a, err := e.ledger.Snapshot(context.Background(), key.SponsorAccount)
	require.NoError(t, err)
	return a.XLMAvailable, a.XLMLocked
}

func TestSignSponsoredTrustline(t *testing.T) {
	env := newTestEnv(t)
	key := env.activeKey(t, "100")
	ctx := context.Background()

	res, err := env.signing.Sign(ctx, key, SignRequest{TransactionXDR: sponsoredXDR(t, key.SponsorAccount, trustline(t))})
	require.NoError(t, err)
	require.Equal(t, key.SponsorAccount, res.SponsorAccount)
	require.Equal(t, int64(5_000_000), res.ReservesLocked)
	require.Equal(t, 99*xlm+5_000_000, res.SponsorAvailable)
	require.NotNil(t, res.RateLimit)
	require.Equal(t, 99, res.RateLimit.Remaining)

	signed, err := stellar.NewCodec(testPassphrase, 0).Decode(res.SignedXDR, "")
	require.NoError(t, err)
	require.True(t, signed.HasSignatureFrom(key.SponsorAccount))
	require.Equal(t, res.TxHash, signed.HashHex())

	available, locked := env.balances(t, key)
	require.Equal(t, 99*xlm+5_000_000, available)
	require.Equal(t, int64(5_000_000), locked)

	logs := env.logsFor(t, key)
	require.Len(t, logs, 1)
	require.Equal(t, model.TxStatusSigned, logs[0].Status)
	require.NotNil(t, logs[0].TicketID)
	require.Equal(t, int64(5_000_000), *logs[0].ReservesLocked)
	require.Nil(t, logs[0].SubmissionStatus)
	require.Equal(t, []model.OperationKind{model.OpBeginSponsoring, model.OpChangeTrust, model.OpEndSponsoring}, logs[0].Operations)
}

func TestSignRejections(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, env *testEnv, key *model.APIKey)
		xdr      func(t *testing.T, key *model.APIKey) string
		kind     ErrorKind
		code     string
		consumed bool
	}{
		{
			name: "operation not allowed",
			xdr: func(t *testing.T, key *model.APIKey) string {
				return sponsoredXDR(t, key.SponsorAccount, &txnbuild.CreateAccount{Destination: randomAddress(t), Amount: "1"})
			},
			kind:     ErrForbidden,
			code:     "operation_not_allowed",
			consumed: true,
		},
		{
			name: "revoked key",
			setup: func(t *testing.T, env *testEnv, key *model.APIKey) {
				require.NoError(t, env.apiKeys.Revoke(context.Background(), key.ID))
			},
			xdr: func(t *testing.T, key *model.APIKey) string {
				return sponsoredXDR(t, key.SponsorAccount, trustline(t))
			},
			kind: ErrForbidden,
			code: "key_inactive",
		},
		{
			name: "malformed envelope",
			xdr: func(t *testing.T, key *model.APIKey) string {
				return "bm90IGFuIGVudmVsb3Bl"
			},
			kind:     ErrBadRequest,
			code:     stellar.CodeInvalidTransaction,
			consumed: true,
		},
		{
			name: "envelope without expiry",
			xdr: func(t *testing.T, key *model.APIKey) string {
				return sponsoredXDRWithBounds(t, key.SponsorAccount, txnbuild.NewInfiniteTimeout(), trustline(t))
			},
			kind:     ErrBadRequest,
			code:     stellar.CodeInvalidTransaction,
			consumed: true,
		},
		{
			name: "wrong sponsor",
			xdr: func(t *testing.T, key *model.APIKey) string {
				return sponsoredXDR(t, randomAddress(t), trustline(t))
			},
			kind:     ErrBadRequest,
			code:     stellar.CodeInvalidSponsor,
			consumed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			key := env.activeKey(t, "100")
			ctx := context.Background()
			if tt.setup != nil {
				tt.setup(t, env, key)
				var err error
				key, err = env.store.GetAPIKeyByID(ctx, key.ID)
				require.NoError(t, err)
			}

			res, err := env.signing.Sign(ctx, key, SignRequest{TransactionXDR: tt.xdr(t, key)})
			requireServiceError(t, err, tt.kind, tt.code)
			if res != nil {
				require.Empty(t, res.SignedXDR)
			}

			logs := env.logsFor(t, key)
			require.Len(t, logs, 1)
			require.Equal(t, model.TxStatusRejected, logs[0].Status)
			require.Contains(t, logs[0].RejectionReason, tt.code+": ")
			require.Nil(t, logs[0].TicketID)

			available, locked := env.balances(t, key)
			require.Equal(t, 100*xlm, available)
			require.Zero(t, locked)

			remaining, err := env.signing.policy.Remaining(ctx, key)
			require.NoError(t, err)
			if tt.consumed {
				require.Equal(t, key.RateLimitMax-1, remaining)
			} else {
				require.Equal(t, key.RateLimitMax, remaining)
			}
		})
	}
}

func TestSignInsufficientBudget(t *testing.T) {
	env := newTestEnv(t)
	key := env.activeKey(t, "0.5")
	ctx := context.Background()

	_, err := env.signing.Sign(ctx, key, SignRequest{TransactionXDR: sponsoredXDR(t, key.SponsorAccount, trustline(t), trustline(t))})
	requireServiceError(t, err, ErrBadRequest, CodeInsufficientBudget)

	available, locked := env.balances(t, key)
	require.Equal(t, int64(5_000_000), available)
	require.Zero(t, locked)

	logs := env.logsFor(t, key)
	require.Len(t, logs, 1)
	require.Equal(t, model.TxStatusRejected, logs[0].Status)
	require.NotEmpty(t, logs[0].TransactionHash)
}

func TestSignRateLimited(t *testing.T) {
	env := newTestEnv(t)
	key := env.activeKey(t, "100")
	ctx := context.Background()

	one := 1
	key, err := env.apiKeys.Update(ctx, key.ID, UpdateAPIKeyInput{RateLimitMax: &one})
	require.NoError(t, err)

	_, err = env.signing.Sign(ctx, key, SignRequest{TransactionXDR: sponsoredXDR(t, key.SponsorAccount, trustline(t))})
	require.NoError(t, err)

	res, err := env.signing.Sign(ctx, key, SignRequest{TransactionXDR: sponsoredXDR(t, key.SponsorAccount, trustline(t))})
	requireServiceError(t, err, ErrRateLimited, "rate_limited")
	require.Positive(t, err.(*Error).RetryAfter)
	require.NotNil(t, res.RateLimit)
	require.False(t, res.RateLimit.Allowed)
	require.Len(t, env.logsFor(t, key), 2)
}

// brokenCounter fails every call, like a rate limit backend that is down.
type brokenCounter struct{}

func (brokenCounter) Consume(context.Context, string, int, time.Duration) (policy.Window, error) {
	return policy.Window{}, errors.New("connection refused")
}

func (brokenCounter) Remaining(context.Context, string, int, time.Duration) (int, error) {
	return 0, errors.New("connection refused")
}

func (brokenCounter) Reset(context.Context, string) error { return nil }

func TestSignRateLimitUnavailable(t *testing.T) {
	env := newTestEnv(t)
	key := env.activeKey(t, "100")
	signing := NewSigningService(env.store, stellar.NewCodec(testPassphrase, 0),
		policy.NewEngine(brokenCounter{}), env.ledger, env.keys, env.reconciler)

	res, err := signing.Sign(context.Background(), key, SignRequest{TransactionXDR: sponsoredXDR(t, key.SponsorAccount, trustline(t))})
	requireServiceError(t, err, ErrUnavailable, CodeRateLimitUnavailable)
	require.Nil(t, res)

	logs := env.logsFor(t, key)
	require.Len(t, logs, 1)
	require.Equal(t, model.TxStatusRejected, logs[0].Status)
	require.Contains(t, logs[0].RejectionReason, CodeRateLimitUnavailable+": ")
	require.Nil(t, logs[0].TicketID)

	available, locked := env.balances(t, key)
	require.Equal(t, 100*xlm, available)
	require.Zero(t, locked)
}

func TestSignWrongNetwork(t *testing.T) {
	env := newTestEnv(t)
	key := env.activeKey(t, "100")

	_, err := env.signing.Sign(context.Background(), key, SignRequest{
		TransactionXDR:    sponsoredXDR(t, key.SponsorAccount, trustline(t)),
		NetworkPassphrase: "Public Global Stellar Network ; September 2015",
	})
	requireServiceError(t, err, ErrBadRequest, stellar.CodeInvalidNetwork)
}

func TestSignAndSubmit(t *testing.T) {
	t.Run("confirmed consumes the reservation", func(t *testing.T) {
		env := newTestEnv(t)
		key := env.activeKey(t, "100")

		res, err := env.signing.Sign(context.Background(), key, SignRequest{
			TransactionXDR: sponsoredXDR(t, key.SponsorAccount, trustline(t)),
			Submit:         true,
		})
		require.NoError(t, err)
		require.NotNil(t, res.SubmissionStatus)
		require.Equal(t, model.SubmissionConfirmed, *res.SubmissionStatus)
		require.Equal(t, int64(4242), *res.LedgerSequence)

		available, locked := env.balances(t, key)
		require.Equal(t, 99*xlm+5_000_000, available)
		require.Equal(t, int64(5_000_000), locked)

		logs := env.logsFor(t, key)
		require.Len(t, logs, 1)
		require.NotNil(t, logs[0].SubmittedAt)
		ticket, err := env.ledger.Ticket(context.Background(), *logs[0].TicketID)
		require.NoError(t, err)
		require.Equal(t, model.TicketConsumed, ticket.Status)
	})

	t.Run("rejection releases the reservation", func(t *testing.T) {
		env := newTestEnv(t)
		key := env.activeKey(t, "100")
		env.relay.submitErr = &stellar.SubmissionRejectedError{Reason: "Transaction Failed", ResultCodes: []string{"tx_bad_seq"}}

		res, err := env.signing.Sign(context.Background(), key, SignRequest{
			TransactionXDR: sponsoredXDR(t, key.SponsorAccount, trustline(t)),
			Submit:         true,
		})
		requireServiceError(t, err, ErrBadRequest, CodeSubmissionRejected)
		require.Equal(t, model.SubmissionFailed, *res.SubmissionStatus)

		available, locked := env.balances(t, key)
		require.Equal(t, 100*xlm, available)
		require.Zero(t, locked)
		require.Equal(t, model.TxStatusSigned, env.logsFor(t, key)[0].Status)
	})

	t.Run("unknown outcome keeps the reservation", func(t *testing.T) {
		env := newTestEnv(t)
		key := env.activeKey(t, "100")
		env.relay.submitErr = fmt.Errorf("%w: horizon returned 504", stellar.ErrSubmissionUnknown)

		res, err := env.signing.Sign(context.Background(), key, SignRequest{
			TransactionXDR: sponsoredXDR(t, key.SponsorAccount, trustline(t)),
			Submit:         true,
		})
		requireServiceError(t, err, ErrBadGateway, CodeSubmissionUnknown)
		require.Nil(t, res.SubmissionStatus)

		available, locked := env.balances(t, key)
		require.Equal(t, 99*xlm+5_000_000, available)
		require.Equal(t, int64(5_000_000), locked)
	})
}
