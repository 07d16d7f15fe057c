package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stellar-reserve-sponsor/internal/model"
)

func (p *Postgres) CreateSponsorAccount(ctx context.Context, account *model.SponsorAccount) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO sponsor_accounts (address, sealed_secret)
		VALUES ($1, $2)
		RETURNING xlm_available, xlm_locked, created_at, updated_at
	`, account.Address, account.SealedSecret).Scan(
		&account.XLMAvailable, &account.XLMLocked, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sponsor_account: %w", err)
	}
	return nil
}

const sponsorColumns = `address, sealed_secret, xlm_available, xlm_locked, created_at, updated_at`

func (p *Postgres) GetSponsorAccount(ctx context.Context, address string) (*model.SponsorAccount, error) {
	var a model.SponsorAccount
	err := p.pool.QueryRow(ctx, `SELECT `+sponsorColumns+` FROM sponsor_accounts WHERE address = $1`, address).Scan(
		&a.Address, &a.SealedSecret, &a.XLMAvailable, &a.XLMLocked, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get sponsor_account: %w", notFound(err))
	}
	return &a, nil
}

func (p *Postgres) ListSponsorAccounts(ctx context.Context) ([]*model.SponsorAccount, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+sponsorColumns+` FROM sponsor_accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sponsor_accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.SponsorAccount
	for rows.Next() {
		var a model.SponsorAccount
		if err := rows.Scan(&a.Address, &a.SealedSecret, &a.XLMAvailable, &a.XLMLocked, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sponsor_account: %w", err)
		}
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

func (p *Postgres) ReserveFunds(ctx context.Context, account string, amount int64) (*model.ReserveTicket, error) {
	ticket := &model.ReserveTicket{
		SponsorAccount: account,
		Amount:         amount,
		Status:         model.TicketHeld,
	}

	err := p.inTx(ctx, func(tx pgx.Tx) error {
		// The conditional update is the budget check; concurrent reservations
		// queue on the row lock and re-evaluate the predicate.
		tag, err := tx.Exec(ctx, `
			UPDATE sponsor_accounts
			SET xlm_available = xlm_available - $2,
			    xlm_locked = xlm_locked + $2,
			    updated_at = NOW()
			WHERE address = $1 AND xlm_available >= $2
		`, account, amount)
		if err != nil {
			return fmt.Errorf("reserve funds: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if err := accountExists(ctx, tx, account); err != nil {
				return err
			}
			return ErrInsufficientFunds
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO reserve_tickets (sponsor_account, amount, status)
			VALUES ($1, $2, $3)
			RETURNING id, created_at
		`, account, amount, model.TicketHeld).Scan(&ticket.ID, &ticket.CreatedAt); err != nil {
			return fmt.Errorf("insert reserve_ticket: %w", err)
		}

		return appendEntry(ctx, tx, account, model.EntryReserve, amount, &ticket.ID, "")
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

func (p *Postgres) ResolveTicket(ctx context.Context, ticketID uuid.UUID, outcome model.TicketStatus) (bool, error) {
	if outcome != model.TicketConsumed && outcome != model.TicketReleased {
		return false, fmt.Errorf("invalid ticket outcome %q", outcome)
	}

	resolved := false
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var account string
		var amount int64
		err := tx.QueryRow(ctx, `
			UPDATE reserve_tickets SET status = $2, resolved_at = NOW()
			WHERE id = $1 AND status = 'held'
			RETURNING sponsor_account, amount
		`, ticketID, outcome).Scan(&account, &amount)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reserve_tickets WHERE id = $1)`, ticketID).Scan(&exists); err != nil {
				return fmt.Errorf("check reserve_ticket: %w", err)
			}
			if !exists {
				return ErrNotFound
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve reserve_ticket: %w", err)
		}

		kind := model.EntryConsume
		if outcome == model.TicketReleased {
			kind = model.EntryRelease
			if _, err := tx.Exec(ctx, `
				UPDATE sponsor_accounts
				SET xlm_available = xlm_available + $2,
				    xlm_locked = xlm_locked - $2,
				    updated_at = NOW()
				WHERE address = $1
			`, account, amount); err != nil {
				return fmt.Errorf("release funds: %w", err)
			}
		}

		resolved = true
		return appendEntry(ctx, tx, account, kind, amount, &ticketID, "")
	})
	return resolved, err
}

func (p *Postgres) GetTicket(ctx context.Context, ticketID uuid.UUID) (*model.ReserveTicket, error) {
	var t model.ReserveTicket
	err := p.pool.QueryRow(ctx, `
		SELECT id, sponsor_account, amount, status, created_at, resolved_at
		FROM reserve_tickets WHERE id = $1
	`, ticketID).Scan(&t.ID, &t.SponsorAccount, &t.Amount, &t.Status, &t.CreatedAt, &t.ResolvedAt)
	if err != nil {
		return nil, fmt.Errorf("get reserve_ticket: %w", notFound(err))
	}
	return &t, nil
}

func (p *Postgres) CreditFunds(ctx context.Context, account string, amount int64, reference string) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sponsor_accounts
			SET xlm_available = xlm_available + $2, updated_at = NOW()
			WHERE address = $1
		`, account, amount)
		if err != nil {
			return fmt.Errorf("credit funds: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return appendEntry(ctx, tx, account, model.EntryCredit, amount, nil, reference)
	})
}

func (p *Postgres) SweepFunds(ctx context.Context, account, reference string) (int64, error) {
	var moved int64
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		// Lock the row so the read and the zeroing see the same balance.
		err := tx.QueryRow(ctx, `
			SELECT xlm_available FROM sponsor_accounts WHERE address = $1 FOR UPDATE
		`, account).Scan(&moved)
		if err != nil {
			return fmt.Errorf("lock sponsor_account: %w", notFound(err))
		}
		if moved == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE sponsor_accounts SET xlm_available = 0, updated_at = NOW() WHERE address = $1
		`, account); err != nil {
			return fmt.Errorf("sweep funds: %w", err)
		}
		return appendEntry(ctx, tx, account, model.EntrySweep, moved, nil, reference)
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func (p *Postgres) ListLedgerEntries(ctx context.Context, account string) ([]*model.LedgerEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, sponsor_account, kind, amount, ticket_id, reference, created_at
		FROM ledger_entries WHERE sponsor_account = $1 ORDER BY created_at, id
	`, account)
	if err != nil {
		return nil, fmt.Errorf("list ledger_entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var reference *string
		if err := rows.Scan(&e.ID, &e.SponsorAccount, &e.Kind, &e.Amount, &e.TicketID, &reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger_entry: %w", err)
		}
		if reference != nil {
			e.Reference = *reference
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func appendEntry(ctx context.Context, tx pgx.Tx, account string, kind model.LedgerEntryKind, amount int64, ticketID *uuid.UUID, reference string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (sponsor_account, kind, amount, ticket_id, reference)
		VALUES ($1, $2, $3, $4, $5)
	`, account, kind, amount, ticketID, nullString(reference))
	if err != nil {
		return fmt.Errorf("insert ledger_entry: %w", err)
	}
	return nil
}

func accountExists(ctx context.Context, tx pgx.Tx, account string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sponsor_accounts WHERE address = $1)`, account).Scan(&exists); err != nil {
		return fmt.Errorf("check sponsor_account: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}
