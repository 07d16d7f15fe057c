package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stellar-reserve-sponsor/internal/model"
)

const apiKeyColumns = `id, name, key_hash, key_prefix, sponsor_account, xlm_budget,
	allowed_operations, allowed_source_accounts,
	rate_limit_max, rate_limit_window, status,
	expires_at, created_at, updated_at`

// jsonbList encodes an allow-list. An empty list is stored as NULL.
func jsonbList[T any](items []T) ([]byte, error) {
	if len(items) == 0 {
		return nil, nil
	}
	return json.Marshal(items)
}

func (p *Postgres) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	ops, err := json.Marshal(key.AllowedOperations)
	if err != nil {
		return fmt.Errorf("encode allowed_operations: %w", err)
	}
	sources, err := jsonbList(key.AllowedSourceAccounts)
	if err != nil {
		return fmt.Errorf("encode allowed_source_accounts: %w", err)
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO api_keys (name, key_hash, key_prefix, sponsor_account, xlm_budget,
			allowed_operations, allowed_source_accounts, rate_limit_max, rate_limit_window,
			status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`, key.Name, key.KeyHash, key.KeyPrefix, key.SponsorAccount, key.XLMBudget,
		ops, sources, key.RateLimitMax, key.RateLimitWindow,
		key.Status, key.ExpiresAt)
	if err := row.Scan(&key.ID, &key.CreatedAt, &key.UpdatedAt); err != nil {
		return fmt.Errorf("insert api_key: %w", err)
	}
	return nil
}

func (p *Postgres) GetAPIKeyByPrefix(ctx context.Context, keyPrefix string) (*model.APIKey, error) {
	key, err := scanAPIKey(p.pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1`, keyPrefix))
	if err != nil {
		return nil, fmt.Errorf("get api_key by prefix: %w", notFound(err))
	}
	return key, nil
}

func (p *Postgres) GetAPIKeyByID(ctx context.Context, id uuid.UUID) (*model.APIKey, error) {
	key, err := scanAPIKey(p.pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get api_key: %w", notFound(err))
	}
	return key, nil
}

// ListAPIKeys returns one page of keys, newest first, and the total count.
func (p *Postgres) ListAPIKeys(ctx context.Context, page, perPage int) ([]*model.APIKey, int, error) {
	total, err := p.CountAPIKeys(ctx)
	if err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(ctx, `SELECT `+apiKeyColumns+` FROM api_keys
		ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list api_keys: %w", err)
	}
	defer rows.Close()

	keys := make([]*model.APIKey, 0, perPage)
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list api_keys: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list api_keys: %w", err)
	}
	return keys, total, nil
}

func (p *Postgres) CountAPIKeys(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count api_keys: %w", err)
	}
	return n, nil
}

func (p *Postgres) UpdateAPIKey(ctx context.Context, id uuid.UUID, updates APIKeyUpdates) error {
	var (
		args sqlArgs
		sets []string
	)
	set := func(column string, v any) {
		sets = append(sets, column+" = "+args.bind(v))
	}

	if updates.Name != nil {
		set("name", *updates.Name)
	}
	if updates.AllowedOperations != nil {
		ops, err := json.Marshal(updates.AllowedOperations)
		if err != nil {
			return fmt.Errorf("encode allowed_operations: %w", err)
		}
		set("allowed_operations", ops)
	}
	if updates.AllowedSourceAccounts != nil {
		sources, err := jsonbList(updates.AllowedSourceAccounts)
		if err != nil {
			return fmt.Errorf("encode allowed_source_accounts: %w", err)
		}
		set("allowed_source_accounts", sources)
	}
	if updates.RateLimitMax != nil {
		set("rate_limit_max", *updates.RateLimitMax)
	}
	if updates.RateLimitWindow != nil {
		set("rate_limit_window", *updates.RateLimitWindow)
	}
	if updates.ExpiresAt != nil {
		set("expires_at", *updates.ExpiresAt)
	}
	if len(sets) == 0 {
		return nil
	}

	query := `UPDATE api_keys SET ` + strings.Join(sets, ", ") + `, updated_at = NOW() WHERE id = ` + args.bind(id)
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update api_key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionAPIKeyStatus is a compare-and-set on status. The CTE reports
// whether the row exists so a lost race is told apart from a missing key.
func (p *Postgres) TransitionAPIKeyStatus(ctx context.Context, id uuid.UUID, from []model.APIKeyStatus, to model.APIKeyStatus) error {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}

	var exists, changed bool
	err := p.pool.QueryRow(ctx, `
		WITH updated AS (
			UPDATE api_keys SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status = ANY($3)
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM api_keys WHERE id = $2), EXISTS (SELECT 1 FROM updated)
	`, string(to), id, allowed).Scan(&exists, &changed)
	switch {
	case err != nil:
		return fmt.Errorf("transition api_key status: %w", err)
	case changed:
		return nil
	case !exists:
		return ErrNotFound
	default:
		return ErrStatusConflict
	}
}

func (p *Postgres) RegenerateAPIKey(ctx context.Context, id uuid.UUID, keyHash, keyPrefix string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE api_keys SET key_hash = $1, key_prefix = $2, updated_at = NOW() WHERE id = $3`,
		keyHash, keyPrefix, id)
	if err != nil {
		return fmt.Errorf("regenerate api_key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanAPIKey reads one apiKeyColumns row from either QueryRow or Query.
func scanAPIKey(row pgx.Row) (*model.APIKey, error) {
	var (
		key     model.APIKey
		ops     []byte
		sources []byte
	)
	if err := row.Scan(
		&key.ID, &key.Name, &key.KeyHash, &key.KeyPrefix, &key.SponsorAccount, &key.XLMBudget,
		&ops, &sources,
		&key.RateLimitMax, &key.RateLimitWindow, &key.Status,
		&key.ExpiresAt, &key.CreatedAt, &key.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(ops, &key.AllowedOperations); err != nil {
		return nil, fmt.Errorf("decode allowed_operations: %w", err)
	}
	if sources != nil {
		if err := json.Unmarshal(sources, &key.AllowedSourceAccounts); err != nil {
			return nil, fmt.Errorf("decode allowed_source_accounts: %w", err)
		}
	}
	return &key, nil
}
