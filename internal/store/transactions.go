package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stellar-reserve-sponsor/internal/model"
)

const transactionColumns = `id, api_key_id, transaction_hash, transaction_xdr,
	operations, source_account, status, rejection_reason,
	reserves_locked, ticket_id, valid_until,
	submission_status, submission_checked_at, ledger_sequence, submitted_at,
	created_at`

func (p *Postgres) CreateTransactionLog(ctx context.Context, log *model.TransactionLog) error {
	ops := log.Operations
	if ops == nil {
		ops = []model.OperationKind{}
	}
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("marshal operations: %w", err)
	}

	err = p.pool.QueryRow(ctx, `
		INSERT INTO transaction_logs (
			api_key_id, transaction_hash, transaction_xdr,
			operations, source_account, status, rejection_reason,
			reserves_locked, ticket_id, valid_until
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`,
		log.APIKeyID, nullString(log.TransactionHash), log.TransactionXDR,
		opsJSON, log.SourceAccount, log.Status, nullString(log.RejectionReason),
		log.ReservesLocked, log.TicketID, log.ValidUntil,
	).Scan(&log.ID, &log.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction_log: %w", err)
	}
	return nil
}

// ListTransactionLogs returns one page of logs matching filters, newest
// first, and the total number of matches.
func (p *Postgres) ListTransactionLogs(ctx context.Context, filters TransactionFilters) ([]*model.TransactionLog, int, error) {
	var (
		args  sqlArgs
		conds []string
	)
	if filters.APIKeyID != nil {
		conds = append(conds, "api_key_id = "+args.bind(*filters.APIKeyID))
	}
	if filters.Status != nil {
		conds = append(conds, "status = "+args.bind(string(*filters.Status)))
	}
	if filters.SubmissionStatus != nil {
		conds = append(conds, "submission_status = "+args.bind(string(*filters.SubmissionStatus)))
	}
	if filters.Unresolved {
		conds = append(conds, "status = 'signed'", "submission_status IS NULL")
	}
	if filters.From != nil {
		conds = append(conds, "created_at >= "+args.bind(*filters.From))
	}
	if filters.To != nil {
		conds = append(conds, "created_at <= "+args.bind(*filters.To))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transaction_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transaction_logs: %w", err)
	}

	page, perPage := max(filters.Page, 1), filters.PerPage
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	query := `SELECT ` + transactionColumns + ` FROM transaction_logs` + where +
		` ORDER BY created_at DESC, id LIMIT ` + args.bind(perPage) + ` OFFSET ` + args.bind((page-1)*perPage)

	logs, err := p.queryTransactionLogs(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (p *Postgres) CountTransactionsByAPIKey(ctx context.Context, apiKeyID uuid.UUID) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM transaction_logs WHERE api_key_id = $1 AND status = 'signed'
	`, apiKeyID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return count, nil
}

func (p *Postgres) GetTransactionLogByID(ctx context.Context, id uuid.UUID) (*model.TransactionLog, error) {
	log, err := scanTransactionLog(p.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transaction_logs WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get transaction_log: %w", notFound(err))
	}
	return log, nil
}

func (p *Postgres) ListUnresolvedTransactionLogs(ctx context.Context, limit int) ([]*model.TransactionLog, error) {
	return p.queryTransactionLogs(ctx, `
		SELECT `+transactionColumns+` FROM transaction_logs
		WHERE status = 'signed' AND submission_status IS NULL AND transaction_hash IS NOT NULL
		ORDER BY submission_checked_at NULLS FIRST, created_at
		LIMIT $1
	`, limit)
}

func (p *Postgres) MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE transaction_logs SET submitted_at = $2 WHERE id = $1 AND submitted_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	return nil
}

func (p *Postgres) ResolveSubmission(ctx context.Context, id uuid.UUID, status model.SubmissionStatus, ledgerSeq *int64, closedAt *time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE transaction_logs
		SET submission_status = $2,
		    submission_checked_at = NOW(),
		    ledger_sequence = $3,
		    submitted_at = COALESCE($4, submitted_at)
		WHERE id = $1 AND submission_status IS NULL
	`, id, status, ledgerSeq, closedAt)
	if err != nil {
		return false, fmt.Errorf("update submission status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) TouchSubmissionCheck(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE transaction_logs SET submission_checked_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch submission check: %w", err)
	}
	return nil
}

func (p *Postgres) queryTransactionLogs(ctx context.Context, query string, args ...any) ([]*model.TransactionLog, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transaction_logs: %w", err)
	}
	defer rows.Close()

	var logs []*model.TransactionLog
	for rows.Next() {
		log, err := scanTransactionLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction_log: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// scanTransactionLog reads one transactionColumns row. Hash and rejection
// reason are NULL in the table when empty.
func scanTransactionLog(row pgx.Row) (*model.TransactionLog, error) {
	var (
		l               model.TransactionLog
		ops             []byte
		hash, rejection *string
	)
	if err := row.Scan(
		&l.ID, &l.APIKeyID, &hash, &l.TransactionXDR,
		&ops, &l.SourceAccount, &l.Status, &rejection,
		&l.ReservesLocked, &l.TicketID, &l.ValidUntil,
		&l.SubmissionStatus, &l.SubmissionCheckedAt, &l.LedgerSequence, &l.SubmittedAt,
		&l.CreatedAt,
	); err != nil {
		return nil, err
	}
	if hash != nil {
		l.TransactionHash = *hash
	}
	if rejection != nil {
		l.RejectionReason = *rejection
	}
	if err := json.Unmarshal(ops, &l.Operations); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	return &l, nil
}
