package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/store/memory"
)

const xlm = int64(10_000_000)

func newFundedLedger(t *testing.T, credit int64) (*Ledger, *memory.Store, string) {
	t.Helper()
	ctx := context.Background()

	st := memory.New()
	account := "GSPONSOR"
	require.NoError(t, st.CreateSponsorAccount(ctx, &model.SponsorAccount{Address: account, SealedSecret: "x"}))

	l := New(st)
	if credit > 0 {
		require.NoError(t, l.Credit(ctx, account, credit, "activation"))
	}
	return l, st, account
}

// requireConserved checks available + locked == credited - swept against the
// journal.
func requireConserved(t *testing.T, st *memory.Store, account string) {
	t.Helper()
	ctx := context.Background()

	a, err := st.GetSponsorAccount(ctx, account)
	require.NoError(t, err)
	require.GreaterOrEqual(t, a.XLMAvailable, int64(0))
	require.GreaterOrEqual(t, a.XLMLocked, int64(0))

	entries, err := st.ListLedgerEntries(ctx, account)
	require.NoError(t, err)
	var credited, swept int64
	for _, e := range entries {
		switch e.Kind {
		case model.EntryCredit:
			credited += e.Amount
		case model.EntrySweep:
			swept += e.Amount
		}
	}
	require.Equal(t, credited-swept, a.XLMAvailable+a.XLMLocked)
}

func TestReserveAndConfirm(t *testing.T) {
	ctx := context.Background()
	l, st, account := newFundedLedger(t, 100*xlm)

	ticket, err := l.Reserve(ctx, account, xlm/2)
	require.NoError(t, err)
	require.NotNil(t, ticket)

	a, err := l.Snapshot(ctx, account)
	require.NoError(t, err)
	require.Equal(t, int64(995_000_000), a.XLMAvailable)
	require.Equal(t, int64(5_000_000), a.XLMLocked)

	require.NoError(t, l.Release(ctx, ticket, OutcomeConfirmed))
	a, err = l.Snapshot(ctx, account)
	require.NoError(t, err)
	require.Equal(t, int64(995_000_000), a.XLMAvailable, "confirmed reserve stays off available")
	require.Equal(t, int64(5_000_000), a.XLMLocked)

	stored, err := l.Ticket(ctx, ticket.ID)
	require.NoError(t, err)
	require.Equal(t, model.TicketConsumed, stored.Status)
	requireConserved(t, st, account)
}

func TestReserveThenFailedReleaseRestoresAvailable(t *testing.T) {
	ctx := context.Background()
	l, st, account := newFundedLedger(t, 10*xlm)

	before, err := l.Snapshot(ctx, account)
	require.NoError(t, err)

	ticket, err := l.Reserve(ctx, account, 3*xlm)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, ticket, OutcomeFailed))

	after, err := l.Snapshot(ctx, account)
	require.NoError(t, err)
	require.Equal(t, before.XLMAvailable, after.XLMAvailable)
	require.Equal(t, before.XLMLocked, after.XLMLocked)

	// A second release is a no-op, whatever the outcome.
	require.NoError(t, l.Release(ctx, ticket, OutcomeFailed))
	require.NoError(t, l.Release(ctx, ticket, OutcomeConfirmed))
	again, err := l.Snapshot(ctx, account)
	require.NoError(t, err)
	require.Equal(t, after.XLMAvailable, again.XLMAvailable)
	require.Equal(t, after.XLMLocked, again.XLMLocked)
	requireConserved(t, st, account)
}

func TestReserveEdgeCases(t *testing.T) {
	ctx := context.Background()
	l, _, account := newFundedLedger(t, xlm)

	ticket, err := l.Reserve(ctx, account, 0)
	require.NoError(t, err)
	require.Nil(t, ticket, "zero reserve needs no ticket")
	require.NoError(t, l.Release(ctx, nil, OutcomeFailed))

	_, err = l.Reserve(ctx, account, -1)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Reserve(ctx, account, xlm+1)
	require.ErrorIs(t, err, ErrInsufficientBudget)

	_, err = l.Reserve(ctx, "GMISSING", 1)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrInsufficientBudget))

	require.ErrorIs(t, l.Credit(ctx, account, 0, "noop"), ErrInvalidAmount)
}

func TestConcurrentReservesNeverOverAdmit(t *testing.T) {
	const n = 50
	const amount = 5_000_000
	ctx := context.Background()
	l, st, account := newFundedLedger(t, (n/2)*amount)

	var admitted, rejected atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := l.Reserve(ctx, account, amount)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrInsufficientBudget):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int64(n/2), admitted.Load())
	require.Equal(t, int64(n-n/2), rejected.Load())

	a, err := l.Snapshot(ctx, account)
	require.NoError(t, err)
	require.Zero(t, a.XLMAvailable)
	require.Equal(t, int64((n/2)*amount), a.XLMLocked)
	requireConserved(t, st, account)
}

func TestSweepMovesOnlyAvailable(t *testing.T) {
	ctx := context.Background()
	l, st, account := newFundedLedger(t, 12*xlm)

	ticket, err := l.Reserve(ctx, account, 2*xlm)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, ticket, OutcomeConfirmed))

	moved, err := l.Sweep(ctx, account, "GMASTER")
	require.NoError(t, err)
	require.Equal(t, 10*xlm, moved)

	a, err := l.Snapshot(ctx, account)
	require.NoError(t, err)
	require.Zero(t, a.XLMAvailable)
	require.Equal(t, 2*xlm, a.XLMLocked)

	moved, err = l.Sweep(ctx, account, "GMASTER")
	require.NoError(t, err)
	require.Zero(t, moved, "second sweep is idempotent")
	requireConserved(t, st, account)
}

type countingObserver struct {
	mu           sync.Mutex
	reserved     int64
	released     map[string]int64
	insufficient int
}

func (o *countingObserver) Reserved(amount int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reserved += amount
}

func (o *countingObserver) Released(outcome string, amount int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released[outcome] += amount
}

func (o *countingObserver) InsufficientBudget() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.insufficient++
}

func TestObserverSeesMovements(t *testing.T) {
	ctx := context.Background()
	l, _, account := newFundedLedger(t, xlm)
	obs := &countingObserver{released: map[string]int64{}}
	l.WithObserver(obs)

	ticket, err := l.Reserve(ctx, account, xlm/2)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, ticket, OutcomeFailed))
	require.NoError(t, l.Release(ctx, ticket, OutcomeFailed))
	_, err = l.Reserve(ctx, account, 2*xlm)
	require.ErrorIs(t, err, ErrInsufficientBudget)

	require.Equal(t, xlm/2, obs.reserved)
	require.Equal(t, xlm/2, obs.released["failed"], "a repeated release is not observed twice")
	require.Equal(t, 1, obs.insufficient)
}
