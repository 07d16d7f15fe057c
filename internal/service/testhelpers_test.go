package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/network"
	hProtocol "github.com/stellar/go-stellar-sdk/protocols/horizon"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stellar-reserve-sponsor/internal/keystore"
	"github.com/stellar-reserve-sponsor/internal/ledger"
	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/policy"
	"github.com/stellar-reserve-sponsor/internal/stellar"
	"github.com/stellar-reserve-sponsor/internal/store/memory"
)

const (
	testPassphrase = network.TestNetworkPassphrase
	xlm            = int64(10_000_000)
)

// fakeRelay answers submissions and lookups from canned results.
type fakeRelay struct {
	mu        sync.Mutex
	codec     *stellar.Codec
	submitErr error
	checkErr  error
	statuses  map[string]*stellar.CheckResult
	submitted []string
	checks    int
}

func (f *fakeRelay) Submit(_ context.Context, signedXDR string) (*stellar.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitted = append(f.submitted, signedXDR)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	env, err := f.codec.Decode(signedXDR, "")
	if err != nil {
		return nil, err
	}
	return &stellar.SubmitResult{Hash: env.HashHex(), LedgerSequence: 4242, ClosedAt: time.Now().UTC()}, nil
}

func (f *fakeRelay) CheckStatus(_ context.Context, hash string) (*stellar.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.checks++
	if f.checkErr != nil {
		return nil, &stellar.LookupError{Hash: hash, Err: f.checkErr}
	}
	if res, ok := f.statuses[hash]; ok {
		return res, nil
	}
	return &stellar.CheckResult{Status: model.SubmissionNotFound}, nil
}

func (f *fakeRelay) setStatus(hash string, status model.SubmissionStatus, seq int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	closedAt := time.Now().UTC()
	f.statuses[hash] = &stellar.CheckResult{Status: status, LedgerSequence: &seq, ClosedAt: &closedAt}
}

func (f *fakeRelay) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type testEnv struct {
	store      *memory.Store
	keys       *keystore.Keystore
	ledger     *ledger.Ledger
	relay      *fakeRelay
	horizon    *horizonclient.MockClient
	master     *keypair.Full
	apiKeys    *APIKeyService
	funding    *FundingService
	signing    *SigningService
	reconciler *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	master, err := keypair.Random()
	require.NoError(t, err)

	st := memory.New()
	c, err := keystore.DeriveCipher("test keystore passphrase", bytes.Repeat([]byte{7}, 16), 0)
	require.NoError(t, err)
	keys, err := keystore.New(master.Seed(), c, st, testPassphrase)
	require.NoError(t, err)

	codec := stellar.NewCodec(testPassphrase, 0)
	relay := &fakeRelay{codec: codec, statuses: make(map[string]*stellar.CheckResult)}
	hc := &horizonclient.MockClient{}
	l := ledger.New(st)

	env := &testEnv{
		store:   st,
		keys:    keys,
		ledger:  l,
		relay:   relay,
		horizon: hc,
		master:  master,
	}
	env.expectAccount(master.Address(), 100)

	builder := stellar.NewBuilder(hc, keys, master.Address(), testPassphrase, true)
	env.reconciler = NewReconciler(st, l, relay, ReconcilerConfig{NotFoundGrace: time.Minute, RequestsPerSecond: 1000})
	env.apiKeys = NewAPIKeyService(st, keys, "testnet", bcrypt.MinCost)
	env.funding = NewFundingService(st, builder, codec, relay, l)
	env.signing = NewSigningService(st, codec, policy.NewEngine(policy.NewMemoryCounter()), l, keys, env.reconciler)
	return env
}

func (e *testEnv) expectAccount(address string, seq int64) {
	e.horizon.On("AccountDetail", horizonclient.AccountRequest{AccountID: address}).
		Return(hProtocol.Account{AccountID: address, Sequence: seq}, nil)
}

// createKey creates a pending_funding key allowing only change_trust.
func (e *testEnv) createKey(t *testing.T, budget string) (*model.APIKey, string) {
	t.Helper()

	max, window := 100, 60
	res, err := e.apiKeys.Create(context.Background(), CreateAPIKeyInput{
		Name:              "test app",
		XLMBudget:         budget,
		AllowedOperations: []string{"change_trust"},
		ExpiresAt:         time.Now().Add(24 * time.Hour),
		RateLimitMax:      &max,
		RateLimitWindow:   &window,
	})
	require.NoError(t, err)
	return res.APIKey, res.RawKey
}

// activeKey creates a key and runs it through activation.
func (e *testEnv) activeKey(t *testing.T, budget string) *model.APIKey {
	t.Helper()
	ctx := context.Background()

	key, _ := e.createKey(t, budget)
	built, err := e.funding.BuildActivation(ctx, key.ID)
	require.NoError(t, err)
	_, err = e.funding.SubmitActivation(ctx, key.ID, built.TransactionXDR)
	require.NoError(t, err)

	key, err = e.store.GetAPIKeyByID(ctx, key.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, key.Status)
	return key
}

// sponsoredXDR wraps ops in a sponsoring block paid by sponsor for a fresh
// user account and returns the user's envelope.
func sponsoredXDR(t *testing.T, sponsor string, ops ...txnbuild.Operation) string {
	t.Helper()
	return sponsoredXDRWithBounds(t, sponsor, txnbuild.NewTimeout(300), ops...)
}

func sponsoredXDRWithBounds(t *testing.T, sponsor string, bounds txnbuild.TimeBounds, ops ...txnbuild.Operation) string {
	t.Helper()

	user, err := keypair.Random()
	require.NoError(t, err)

	wrapped := []txnbuild.Operation{
		&txnbuild.BeginSponsoringFutureReserves{SourceAccount: sponsor, SponsoredID: user.Address()},
	}
	wrapped = append(wrapped, ops...)
	wrapped = append(wrapped, &txnbuild.EndSponsoringFutureReserves{SourceAccount: user.Address()})

	account := txnbuild.NewSimpleAccount(user.Address(), 1)
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: bounds},
		Operations:           wrapped,
	})
	require.NoError(t, err)
	tx, err = tx.Sign(testPassphrase, user)
	require.NoError(t, err)
	txXDR, err := tx.Base64()
	require.NoError(t, err)
	return txXDR
}

func trustline(t *testing.T) *txnbuild.ChangeTrust {
	t.Helper()
	issuer, err := keypair.Random()
	require.NoError(t, err)
	return &txnbuild.ChangeTrust{
		Line: txnbuild.CreditAsset{Code: "USDC", Issuer: issuer.Address()}.MustToChangeTrustAsset(),
	}
}

func randomAddress(t *testing.T) string {
	t.Helper()
	kp, err := keypair.Random()
	require.NoError(t, err)
	return kp.Address()
}

func requireServiceError(t *testing.T, err error, kind ErrorKind, code string) {
	t.Helper()
	require.Error(t, err)
	svcErr, ok := err.(*Error)
	require.Truef(t, ok, "expected *service.Error, got %T: %v", err, err)
	require.Equal(t, code, svcErr.Code, svcErr.Message)
	require.Equal(t, kind, svcErr.Kind)
}
