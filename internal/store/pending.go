package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stellar-reserve-sponsor/internal/model"
)

func (p *Postgres) CreatePendingEnvelope(ctx context.Context, env *model.PendingEnvelope) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE pending_envelopes SET status = 'superseded', updated_at = NOW()
			WHERE api_key_id = $1 AND kind = $2 AND status = 'awaiting_signature'
		`, env.APIKeyID, env.Kind); err != nil {
			return fmt.Errorf("supersede pending_envelopes: %w", err)
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO pending_envelopes (api_key_id, kind, envelope_xdr, envelope_hash, amount, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`, env.APIKeyID, env.Kind, env.EnvelopeXDR, env.EnvelopeHash, env.Amount, env.Status).Scan(
			&env.ID, &env.CreatedAt, &env.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert pending_envelope: %w", err)
		}
		return nil
	})
}

func (p *Postgres) GetLatestPendingEnvelope(ctx context.Context, apiKeyID uuid.UUID, kind model.EnvelopeKind) (*model.PendingEnvelope, error) {
	var env model.PendingEnvelope
	var txHash, reason *string
	err := p.pool.QueryRow(ctx, `
		SELECT id, api_key_id, kind, envelope_xdr, envelope_hash, amount, status,
		       transaction_hash, ledger_sequence, failure_reason, created_at, updated_at
		FROM pending_envelopes
		WHERE api_key_id = $1 AND kind = $2 AND status <> 'superseded'
		ORDER BY created_at DESC
		LIMIT 1
	`, apiKeyID, kind).Scan(
		&env.ID, &env.APIKeyID, &env.Kind, &env.EnvelopeXDR, &env.EnvelopeHash, &env.Amount, &env.Status,
		&txHash, &env.LedgerSequence, &reason, &env.CreatedAt, &env.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get pending_envelope: %w", notFound(err))
	}
	if txHash != nil {
		env.TransactionHash = *txHash
	}
	if reason != nil {
		env.FailureReason = *reason
	}
	return &env, nil
}

func (p *Postgres) UpdatePendingEnvelope(ctx context.Context, id uuid.UUID, from []model.PendingStatus, update PendingEnvelopeUpdate) error {
	fromStrings := make([]string, len(from))
	for i, s := range from {
		fromStrings[i] = string(s)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE pending_envelopes
		SET status = $2,
		    transaction_hash = COALESCE($3, transaction_hash),
		    ledger_sequence = COALESCE($4, ledger_sequence),
		    failure_reason = COALESCE($5, failure_reason),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)
	`, id, update.Status, nullString(update.TransactionHash), update.LedgerSequence, nullString(update.FailureReason), fromStrings)
	if err != nil {
		return fmt.Errorf("update pending_envelope: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (p *Postgres) SupersedePendingEnvelopes(ctx context.Context, apiKeyID uuid.UUID) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE pending_envelopes SET status = 'superseded', updated_at = NOW()
		WHERE api_key_id = $1 AND status = 'awaiting_signature'
	`, apiKeyID)
	if err != nil {
		return 0, fmt.Errorf("supersede pending_envelopes: %w", err)
	}
	return tag.RowsAffected(), nil
}
