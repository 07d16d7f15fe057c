package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stellar-reserve-sponsor/internal/model"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrInsufficientFunds = errors.New("store: insufficient available balance")
	ErrStatusConflict    = errors.New("store: status transition conflict")
)

// APIKeyStore defines operations for API key management.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, keyPrefix string) (*model.APIKey, error)
	GetAPIKeyByID(ctx context.Context, id uuid.UUID) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context, page, perPage int) ([]*model.APIKey, int, error)
	CountAPIKeys(ctx context.Context) (int, error)
	UpdateAPIKey(ctx context.Context, id uuid.UUID, updates APIKeyUpdates) error
	// TransitionAPIKeyStatus sets status to `to` only if the current status is
	// one of `from`; otherwise it returns ErrStatusConflict.
	TransitionAPIKeyStatus(ctx context.Context, id uuid.UUID, from []model.APIKeyStatus, to model.APIKeyStatus) error
	RegenerateAPIKey(ctx context.Context, id uuid.UUID, keyHash, keyPrefix string) error
}

// SponsorAccountStore persists custodial sponsor accounts.
type SponsorAccountStore interface {
	CreateSponsorAccount(ctx context.Context, account *model.SponsorAccount) error
	GetSponsorAccount(ctx context.Context, address string) (*model.SponsorAccount, error)
	ListSponsorAccounts(ctx context.Context) ([]*model.SponsorAccount, error)
}

// LedgerStore mutates sponsor balances. Every method appends a journal entry
// in the same transaction as the balance change.
type LedgerStore interface {
	// ReserveFunds moves amount from available to locked and records a held
	// ticket, or returns ErrInsufficientFunds.
	ReserveFunds(ctx context.Context, account string, amount int64) (*model.ReserveTicket, error)
	// ResolveTicket settles a held ticket as consumed or released. It reports
	// false when the ticket was already resolved.
	ResolveTicket(ctx context.Context, ticketID uuid.UUID, outcome model.TicketStatus) (bool, error)
	GetTicket(ctx context.Context, ticketID uuid.UUID) (*model.ReserveTicket, error)
	CreditFunds(ctx context.Context, account string, amount int64, reference string) error
	// SweepFunds zeroes available and returns the amount removed.
	SweepFunds(ctx context.Context, account, reference string) (int64, error)
	ListLedgerEntries(ctx context.Context, account string) ([]*model.LedgerEntry, error)
}

// TransactionLogStore defines operations for transaction log management.
type TransactionLogStore interface {
	CreateTransactionLog(ctx context.Context, log *model.TransactionLog) error
	ListTransactionLogs(ctx context.Context, filters TransactionFilters) ([]*model.TransactionLog, int, error)
	CountTransactionsByAPIKey(ctx context.Context, apiKeyID uuid.UUID) (int64, error)
	GetTransactionLogByID(ctx context.Context, id uuid.UUID) (*model.TransactionLog, error)
	// ListUnresolvedTransactionLogs returns signed rows with an unknown
	// submission outcome, oldest check first.
	ListUnresolvedTransactionLogs(ctx context.Context, limit int) ([]*model.TransactionLog, error)
	MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time) error
	// ResolveSubmission moves submission_status out of unknown. It reports
	// false when the row was already resolved.
	ResolveSubmission(ctx context.Context, id uuid.UUID, status model.SubmissionStatus, ledgerSeq *int64, closedAt *time.Time) (bool, error)
	TouchSubmissionCheck(ctx context.Context, id uuid.UUID, at time.Time) error
}

// PendingEnvelopeStore persists two-phase envelopes awaiting admin signature.
type PendingEnvelopeStore interface {
	// CreatePendingEnvelope supersedes older awaiting envelopes of the same
	// key and kind before inserting.
	CreatePendingEnvelope(ctx context.Context, env *model.PendingEnvelope) error
	GetLatestPendingEnvelope(ctx context.Context, apiKeyID uuid.UUID, kind model.EnvelopeKind) (*model.PendingEnvelope, error)
	UpdatePendingEnvelope(ctx context.Context, id uuid.UUID, from []model.PendingStatus, update PendingEnvelopeUpdate) error
	SupersedePendingEnvelopes(ctx context.Context, apiKeyID uuid.UUID) (int64, error)
}

// Store combines every persistence concern.
type Store interface {
	APIKeyStore
	SponsorAccountStore
	LedgerStore
	TransactionLogStore
	PendingEnvelopeStore
}

type APIKeyUpdates struct {
	Name                  *string               `json:"name,omitempty"`
	AllowedOperations     []model.OperationKind `json:"allowed_operations,omitempty"`
	AllowedSourceAccounts []string              `json:"allowed_source_accounts,omitempty"`
	RateLimitMax          *int                  `json:"rate_limit_max,omitempty"`
	RateLimitWindow       *int                  `json:"rate_limit_window,omitempty"`
	ExpiresAt             *time.Time            `json:"expires_at,omitempty"`
}

type PendingEnvelopeUpdate struct {
	Status          model.PendingStatus
	TransactionHash string
	LedgerSequence  *int64
	FailureReason   string
}

type TransactionFilters struct {
	APIKeyID         *uuid.UUID
	Status           *model.TransactionStatus
	SubmissionStatus *model.SubmissionStatus
	Unresolved       bool
	From             *time.Time
	To               *time.Time
	Page             int
	PerPage          int
}
