// Package ledger is the only mutator of sponsor account balances. It keeps
// xlm_available and xlm_locked_in_reserves consistent under concurrency and
// records every change in the journal.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/store"
)

var (
	// ErrInsufficientBudget is returned by Reserve when available < amount.
	ErrInsufficientBudget = errors.New("ledger: insufficient budget")
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
)

// Outcome settles a reservation.
type Outcome int

const (
	// OutcomeConfirmed consumes the reservation: the funds now back an
	// on-chain reserve and stay locked.
	OutcomeConfirmed Outcome = iota + 1
	// OutcomeFailed returns the reserved amount to available.
	OutcomeFailed
)

func (o Outcome) ticketStatus() model.TicketStatus {
	if o == OutcomeConfirmed {
		return model.TicketConsumed
	}
	return model.TicketReleased
}

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Observer receives balance movements, used for metrics.
type Observer interface {
	Reserved(amount int64)
	Released(outcome string, amount int64)
	InsufficientBudget()
}

type nopObserver struct{}

func (nopObserver) Reserved(int64)         {}
func (nopObserver) Released(string, int64) {}
func (nopObserver) InsufficientBudget()    {}

// Ledger serializes each account's reserve, release, credit and sweep through
// a per-account mutex. The store applies the same check atomically, which
// covers other replicas.
type Ledger struct {
	store    Store
	observer Observer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Store is the persistence the ledger needs.
type Store interface {
	store.LedgerStore
	GetSponsorAccount(ctx context.Context, address string) (*model.SponsorAccount, error)
}

func New(s Store) *Ledger {
	return &Ledger{store: s, observer: nopObserver{}, locks: make(map[string]*sync.Mutex)}
}

// WithObserver sets the metrics observer.
func (l *Ledger) WithObserver(o Observer) *Ledger {
	l.observer = o
	return l
}

func (l *Ledger) lock(account string) func() {
	l.mu.Lock()
	m, ok := l.locks[account]
	if !ok {
		m = &sync.Mutex{}
		l.locks[account] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Reserve pledges amount stroops of account's available balance. A zero
// amount needs no ticket and returns nil.
func (l *Ledger) Reserve(ctx context.Context, account string, amount int64) (*model.ReserveTicket, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if amount == 0 {
		return nil, nil
	}

	unlock := l.lock(account)
	defer unlock()

	ticket, err := l.store.ReserveFunds(ctx, account, amount)
	if errors.Is(err, store.ErrInsufficientFunds) {
		l.observer.InsufficientBudget()
		return nil, ErrInsufficientBudget
	}
	if err != nil {
		return nil, fmt.Errorf("reserve %d on %s: %w", amount, account, err)
	}

	l.observer.Reserved(amount)
	return ticket, nil
}

// Release settles ticket. Releasing an already settled ticket is a no-op;
// a nil ticket is ignored.
func (l *Ledger) Release(ctx context.Context, ticket *model.ReserveTicket, outcome Outcome) error {
	if ticket == nil {
		return nil
	}
	if outcome != OutcomeConfirmed && outcome != OutcomeFailed {
		return fmt.Errorf("ledger: invalid outcome %s", outcome)
	}

	unlock := l.lock(ticket.SponsorAccount)
	defer unlock()

	resolved, err := l.store.ResolveTicket(ctx, ticket.ID, outcome.ticketStatus())
	if err != nil {
		return fmt.Errorf("release ticket %s: %w", ticket.ID, err)
	}
	if !resolved {
		log.Debug().Str("ticket_id", ticket.ID.String()).Msg("ticket already resolved")
		return nil
	}

	l.observer.Released(outcome.String(), ticket.Amount)
	return nil
}

// Credit adds amount to available after funds are confirmed on-chain.
func (l *Ledger) Credit(ctx context.Context, account string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	unlock := l.lock(account)
	defer unlock()

	if err := l.store.CreditFunds(ctx, account, amount, reference); err != nil {
		return fmt.Errorf("credit %d to %s: %w", amount, account, err)
	}
	return nil
}

// Sweep moves the whole available balance out of account toward destination
// and returns the amount; locked is left alone. A second sweep moves 0.
// Callers check that the owning key is revoked.
func (l *Ledger) Sweep(ctx context.Context, account, destination string) (int64, error) {
	unlock := l.lock(account)
	defer unlock()

	moved, err := l.store.SweepFunds(ctx, account, "sweep to "+destination)
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", account, err)
	}
	return moved, nil
}

// Snapshot returns the current balances of account.
func (l *Ledger) Snapshot(ctx context.Context, account string) (*model.SponsorAccount, error) {
	a, err := l.store.GetSponsorAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", account, err)
	}
	return a, nil
}

// Ticket loads a reservation by id.
func (l *Ledger) Ticket(ctx context.Context, id uuid.UUID) (*model.ReserveTicket, error) {
	return l.store.GetTicket(ctx, id)
}
