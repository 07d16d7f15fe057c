package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/stellar"
)

// signedLog signs a one-trustline envelope for key without submitting it.
func (e *testEnv) signedLog(t *testing.T, key *model.APIKey) *model.TransactionLog {
	t.Helper()
	ctx := context.Background()

	res, err := e.signing.Sign(ctx, key, SignRequest{TransactionXDR: sponsoredXDR(t, key.SponsorAccount, trustline(t))})
	require.NoError(t, err)
	logs := e.logsFor(t, key)
	for _, l := range logs {
		if l.ID.String() == res.LogID {
			return l
		}
	}
	t.Fatalf("log %s not found", res.LogID)
	return nil
}

func TestCheckConfirmedIsStable(t *testing.T) {
	env := newTestEnv(t)
	key := env.activeKey(t, "100")
	ctx := context.Background()

	entry := env.signedLog(t, key)
	env.relay.setStatus(entry.TransactionHash, model.SubmissionConfirmed, 777)

	first, err := env.reconciler.Check(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, model.SubmissionConfirmed, *first.SubmissionStatus)
	require.Equal(t, int64(777), *first.LedgerSequence)

	// A later lookup with a different answer must not change the stored row.
	env.relay.setStatus(entry.TransactionHash, model.SubmissionConfirmed, 999)
	second, err := env.reconciler.Check(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, *first.SubmissionStatus, *second.SubmissionStatus)
	require.Equal(t, int64(777), *second.LedgerSequence)
	require.Equal(t, 1, env.relay.checks)

	available, locked := env.balances(t, key)
	require.Equal(t, 99*xlm+5_000_000, available)
	require.Equal(t, int64(5_000_000), locked)
}

func TestCheckFailedReleases(t *testing.T) {
	env := newTestEnv(t)
	key := env.activeKey(t, "100")

	entry := env.signedLog(t, key)
	env.relay.setStatus(entry.TransactionHash, model.SubmissionFailed, 12)

	checked, err := env.reconciler.Check(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, model.SubmissionFailed, *checked.SubmissionStatus)

	available, locked := env.balances(t, key)
	require.Equal(t, 100*xlm, available)
	require.Zero(t, locked)
}

func TestCheckNotFoundGrace(t *testing.T) {
	env := newTestEnv(t)
	key := env.activeKey(t, "100")
	ctx := context.Background()

	entry := env.signedLog(t, key)
	require.NotNil(t, entry.ValidUntil)

	// Inside the grace period the row stays unknown.
	checked, err := env.reconciler.Check(ctx, entry.ID)
	require.NoError(t, err)
	require.Nil(t, checked.SubmissionStatus)
	require.NotNil(t, checked.SubmissionCheckedAt)

	// Past grace but before the envelope's max time it is still unknown.
	env.reconciler.now = func() time.Time { return entry.CreatedAt.Add(2 * time.Minute) }
	checked, err = env.reconciler.Check(ctx, entry.ID)
	require.NoError(t, err)
	require.Nil(t, checked.SubmissionStatus)

	// Once the envelope can no longer be applied, not_found is final.
	env.reconciler.now = func() time.Time { return entry.ValidUntil.Add(time.Second) }
	checked, err = env.reconciler.Check(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, model.SubmissionNotFound, *checked.SubmissionStatus)

	available, locked := env.balances(t, key)
	require.Equal(t, 100*xlm, available)
	require.Zero(t, locked)
}

func TestCheckLookupError(t *testing.T) {
	env := newTestEnv(t)
	key := env.activeKey(t, "100")

	entry := env.signedLog(t, key)
	env.relay.checkErr = errors.New("connection reset")

	_, err := env.reconciler.Check(context.Background(), entry.ID)
	var lookupErr *stellar.LookupError
	require.ErrorAs(t, err, &lookupErr)

	stored, err := env.store.GetTransactionLogByID(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Nil(t, stored.SubmissionStatus)
}

func TestCheckRejectedRowIsReturnedAsStored(t *testing.T) {
	env := newTestEnv(t)
	key := env.activeKey(t, "100")
	ctx := context.Background()

	_, err := env.signing.Sign(ctx, key, SignRequest{TransactionXDR: "garbage"})
	require.Error(t, err)
	entry := env.logsFor(t, key)[0]

	checked, err := env.reconciler.Check(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, model.TxStatusRejected, checked.Status)
	require.Zero(t, env.relay.checks)
}

func TestCheckMany(t *testing.T) {
	env := newTestEnv(t)
	key := env.activeKey(t, "100")
	ctx := context.Background()

	var entries []*model.TransactionLog
	for i := 0; i < 8; i++ {
		entry := env.signedLog(t, key)
		if i%2 == 0 {
			env.relay.setStatus(entry.TransactionHash, model.SubmissionConfirmed, int64(100+i))
		}
		entries = append(entries, entry)
	}

	unresolved, err := env.store.ListUnresolvedTransactionLogs(ctx, 100)
	require.NoError(t, err)
	require.Len(t, unresolved, 8)

	results, err := env.reconciler.CheckMany(ctx, entries)
	require.NoError(t, err)
	require.Len(t, results, 8)
	for i, res := range results {
		require.NotNil(t, res)
		if i%2 == 0 {
			require.Equal(t, model.SubmissionConfirmed, *res.SubmissionStatus)
		} else {
			require.Nil(t, res.SubmissionStatus)
		}
	}

	unresolved, err = env.store.ListUnresolvedTransactionLogs(ctx, 100)
	require.NoError(t, err)
	require.Len(t, unresolved, 4)
}

func TestRunStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	env.reconciler.cfg.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.reconciler.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
