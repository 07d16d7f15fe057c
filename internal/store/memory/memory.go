// Package memory is an in-process implementation of store.Store used by tests
// and local development. Its transitions follow the same conditional rules as
// the Postgres store.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/store"
)

type Store struct {
	mu       sync.Mutex
	keys     map[uuid.UUID]*model.APIKey
	accounts map[string]*model.SponsorAccount
	tickets  map[uuid.UUID]*model.ReserveTicket
	entries  []*model.LedgerEntry
	logs     []*model.TransactionLog
	pending  []*model.PendingEnvelope
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		keys:     make(map[uuid.UUID]*model.APIKey),
		accounts: make(map[string]*model.SponsorAccount),
		tickets:  make(map[uuid.UUID]*model.ReserveTicket),
		now:      time.Now,
	}
}

// --- API keys ---

func (s *Store) CreateAPIKey(_ context.Context, key *model.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	now := s.now()
	key.CreatedAt, key.UpdatedAt = now, now
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *Store) GetAPIKeyByPrefix(_ context.Context, keyPrefix string) (*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.KeyPrefix == keyPrefix {
			cp := *k
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetAPIKeyByID(_ context.Context, id uuid.UUID) (*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *Store) ListAPIKeys(_ context.Context, page, perPage int) ([]*model.APIKey, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*model.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, page, perPage), len(all), nil
}

func (s *Store) CountAPIKeys(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys), nil
}

func (s *Store) UpdateAPIKey(_ context.Context, id uuid.UUID, u store.APIKeyUpdates) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return store.ErrNotFound
	}
	if u.Name != nil {
		k.Name = *u.Name
	}
	if u.AllowedOperations != nil {
		k.AllowedOperations = slices.Clone(u.AllowedOperations)
	}
	if u.AllowedSourceAccounts != nil {
		k.AllowedSourceAccounts = slices.Clone(u.AllowedSourceAccounts)
	}
	if u.RateLimitMax != nil {
		k.RateLimitMax = *u.RateLimitMax
	}
	if u.RateLimitWindow != nil {
		k.RateLimitWindow = *u.RateLimitWindow
	}
	if u.ExpiresAt != nil {
		k.ExpiresAt = *u.ExpiresAt
	}
	k.UpdatedAt = s.now()
	return nil
}

func (s *Store) TransitionAPIKeyStatus(_ context.Context, id uuid.UUID, from []model.APIKeyStatus, to model.APIKeyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return store.ErrNotFound
	}
	if !slices.Contains(from, k.Status) {
		return store.ErrStatusConflict
	}
	k.Status = to
	k.UpdatedAt = s.now()
	return nil
}

func (s *Store) RegenerateAPIKey(_ context.Context, id uuid.UUID, keyHash, keyPrefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return store.ErrNotFound
	}
	k.KeyHash = keyHash
	k.KeyPrefix = keyPrefix
	k.UpdatedAt = s.now()
	return nil
}

// --- Sponsor accounts and ledger ---

func (s *Store) CreateSponsorAccount(_ context.Context, account *model.SponsorAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	account.XLMAvailable, account.XLMLocked = 0, 0
	account.CreatedAt, account.UpdatedAt = now, now
	cp := *account
	s.accounts[account.Address] = &cp
	return nil
}

func (s *Store) GetSponsorAccount(_ context.Context, address string) (*model.SponsorAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[address]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListSponsorAccounts(_ context.Context) ([]*model.SponsorAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.SponsorAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ReserveFunds(_ context.Context, account string, amount int64) (*model.ReserveTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[account]
	if !ok {
		return nil, store.ErrNotFound
	}
	if a.XLMAvailable < amount {
		return nil, store.ErrInsufficientFunds
	}
	a.XLMAvailable -= amount
	a.XLMLocked += amount

	t := &model.ReserveTicket{
		ID:             uuid.New(),
		SponsorAccount: account,
		Amount:         amount,
		Status:         model.TicketHeld,
		CreatedAt:      s.now(),
	}
	s.tickets[t.ID] = t
	s.appendLocked(account, model.EntryReserve, amount, &t.ID, "")

	cp := *t
	return &cp, nil
}

func (s *Store) ResolveTicket(_ context.Context, ticketID uuid.UUID, outcome model.TicketStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return false, store.ErrNotFound
	}
	if t.Status != model.TicketHeld {
		return false, nil
	}

	now := s.now()
	t.Status = outcome
	t.ResolvedAt = &now

	kind := model.EntryConsume
	if outcome == model.TicketReleased {
		kind = model.EntryRelease
		a := s.accounts[t.SponsorAccount]
		a.XLMAvailable += t.Amount
		a.XLMLocked -= t.Amount
	}
	s.appendLocked(t.SponsorAccount, kind, t.Amount, &t.ID, "")
	return true, nil
}

func (s *Store) GetTicket(_ context.Context, ticketID uuid.UUID) (*model.ReserveTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) CreditFunds(_ context.Context, account string, amount int64, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[account]
	if !ok {
		return store.ErrNotFound
	}
	a.XLMAvailable += amount
	s.appendLocked(account, model.EntryCredit, amount, nil, reference)
	return nil
}

func (s *Store) SweepFunds(_ context.Context, account, reference string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[account]
	if !ok {
		return 0, store.ErrNotFound
	}
	moved := a.XLMAvailable
	if moved == 0 {
		return 0, nil
	}
	a.XLMAvailable = 0
	s.appendLocked(account, model.EntrySweep, moved, nil, reference)
	return moved, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, account string) ([]*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.LedgerEntry
	for _, e := range s.entries {
		if e.SponsorAccount == account {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) appendLocked(account string, kind model.LedgerEntryKind, amount int64, ticketID *uuid.UUID, reference string) {
	s.entries = append(s.entries, &model.LedgerEntry{
		ID:             uuid.New(),
		SponsorAccount: account,
		Kind:           kind,
		Amount:         amount,
		TicketID:       ticketID,
		Reference:      reference,
		CreatedAt:      s.now(),
	})
}

// --- Transaction logs ---

func (s *Store) CreateTransactionLog(_ context.Context, log *model.TransactionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	log.CreatedAt = s.now()
	cp := *log
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *Store) ListTransactionLogs(_ context.Context, f store.TransactionFilters) ([]*model.TransactionLog, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.TransactionLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		if f.APIKeyID != nil && l.APIKeyID != *f.APIKeyID {
			continue
		}
		if f.Status != nil && l.Status != *f.Status {
			continue
		}
		if f.SubmissionStatus != nil && (l.SubmissionStatus == nil || *l.SubmissionStatus != *f.SubmissionStatus) {
			continue
		}
		if f.Unresolved && (l.Status != model.TxStatusSigned || l.SubmissionStatus != nil) {
			continue
		}
		if f.From != nil && l.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && l.CreatedAt.After(*f.To) {
			continue
		}
		cp := *l
		matched = append(matched, &cp)
	}

	page, perPage := f.Page, f.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return paginate(matched, page, perPage), len(matched), nil
}

func (s *Store) CountTransactionsByAPIKey(_ context.Context, apiKeyID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, l := range s.logs {
		if l.APIKeyID == apiKeyID && l.Status == model.TxStatusSigned {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetTransactionLogByID(_ context.Context, id uuid.UUID) (*model.TransactionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.findLogLocked(id)
	if l == nil {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *Store) ListUnresolvedTransactionLogs(_ context.Context, limit int) ([]*model.TransactionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.TransactionLog
	for _, l := range s.logs {
		if l.Status != model.TxStatusSigned || l.SubmissionStatus != nil || l.TransactionHash == "" {
			continue
		}
		cp := *l
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkSubmitted(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.findLogLocked(id)
	if l == nil {
		return store.ErrNotFound
	}
	if l.SubmittedAt == nil {
		l.SubmittedAt = &at
	}
	return nil
}

func (s *Store) ResolveSubmission(_ context.Context, id uuid.UUID, status model.SubmissionStatus, ledgerSeq *int64, closedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.findLogLocked(id)
	if l == nil {
		return false, store.ErrNotFound
	}
	if l.SubmissionStatus != nil {
		return false, nil
	}
	now := s.now()
	l.SubmissionStatus = &status
	l.SubmissionCheckedAt = &now
	l.LedgerSequence = ledgerSeq
	if closedAt != nil {
		l.SubmittedAt = closedAt
	}
	return true, nil
}

func (s *Store) TouchSubmissionCheck(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.findLogLocked(id)
	if l == nil {
		return store.ErrNotFound
	}
	l.SubmissionCheckedAt = &at
	return nil
}

func (s *Store) findLogLocked(id uuid.UUID) *model.TransactionLog {
	for _, l := range s.logs {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// --- Pending envelopes ---

func (s *Store) CreatePendingEnvelope(_ context.Context, env *model.PendingEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, p := range s.pending {
		if p.APIKeyID == env.APIKeyID && p.Kind == env.Kind && p.Status == model.PendingAwaitingSignature {
			p.Status = model.PendingSuperseded
			p.UpdatedAt = now
		}
	}
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}
	env.CreatedAt, env.UpdatedAt = now, now
	cp := *env
	s.pending = append(s.pending, &cp)
	return nil
}

func (s *Store) GetLatestPendingEnvelope(_ context.Context, apiKeyID uuid.UUID, kind model.EnvelopeKind) (*model.PendingEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.pending) - 1; i >= 0; i-- {
		p := s.pending[i]
		if p.APIKeyID == apiKeyID && p.Kind == kind && p.Status != model.PendingSuperseded {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdatePendingEnvelope(_ context.Context, id uuid.UUID, from []model.PendingStatus, u store.PendingEnvelopeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pending {
		if p.ID != id {
			continue
		}
		if !slices.Contains(from, p.Status) {
			return store.ErrStatusConflict
		}
		p.Status = u.Status
		if u.TransactionHash != "" {
			p.TransactionHash = u.TransactionHash
		}
		if u.LedgerSequence != nil {
			p.LedgerSequence = u.LedgerSequence
		}
		if u.FailureReason != "" {
			p.FailureReason = u.FailureReason
		}
		p.UpdatedAt = s.now()
		return nil
	}
	return store.ErrStatusConflict
}

func (s *Store) SupersedePendingEnvelopes(_ context.Context, apiKeyID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, p := range s.pending {
		if p.APIKeyID == apiKeyID && p.Status == model.PendingAwaitingSignature {
			p.Status = model.PendingSuperseded
			p.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func paginate[T any](items []T, page, perPage int) []T {
	start := (page - 1) * perPage
	if start >= len(items) {
		return nil
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
