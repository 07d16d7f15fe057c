package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stellar/go-stellar-sdk/amount"

	"github.com/stellar-reserve-sponsor/internal/handler"
	"github.com/stellar-reserve-sponsor/internal/httputil"
	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/service"
	"github.com/stellar-reserve-sponsor/internal/stellar"
	"github.com/stellar-reserve-sponsor/internal/store"
)

// SubmissionChecker settles transaction logs against the network.
// service.Reconciler implements it.
type SubmissionChecker interface {
	Check(ctx context.Context, id uuid.UUID) (*model.TransactionLog, error)
	CheckMany(ctx context.Context, entries []*model.TransactionLog) ([]*model.TransactionLog, error)
}

// --- List Transactions ---

type TransactionsHandler struct {
	store   store.TransactionLogStore
	checker SubmissionChecker
}

func NewTransactionsHandler(s store.TransactionLogStore, checker SubmissionChecker) *TransactionsHandler {
	return &TransactionsHandler{store: s, checker: checker}
}

type transactionsResponse struct {
	Transactions []transactionItem `json:"transactions"`
	httputil.PageMeta
}

type transactionItem struct {
	ID                  uuid.UUID               `json:"id"`
	APIKeyID            uuid.UUID               `json:"api_key_id"`
	TransactionHash     string                  `json:"transaction_hash,omitempty"`
	Operations          []string                `json:"operations"`
	SourceAccount       string                  `json:"source_account"`
	Status              model.TransactionStatus `json:"status"`
	RejectionReason     string                  `json:"rejection_reason,omitempty"`
	SubmissionStatus    *model.SubmissionStatus `json:"submission_status"`
	SubmissionCheckedAt *string                 `json:"submission_checked_at,omitempty"`
	LedgerSequence      *int64                  `json:"ledger_sequence,omitempty"`
	SubmittedAt         *string                 `json:"submitted_at,omitempty"`
	ReservesLocked      *string                 `json:"reserves_locked,omitempty"`
	ValidUntil          *string                 `json:"valid_until,omitempty"`
	CreatedAt           string                  `json:"created_at"`
}

const (
	// Unresolved rows on the listed page are re-checked at most this often.
	autoCheckInterval = 5 * time.Minute
	autoCheckTimeout  = 5 * time.Second
)

func (h *TransactionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := httputil.ParsePage(q)
	if err != nil {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	filters := store.TransactionFilters{
		Page:    page.Number,
		PerPage: page.PerPage,
	}

	if apiKeyIDStr := q.Get("api_key_id"); apiKeyIDStr != "" {
		id, err := uuid.Parse(apiKeyIDStr)
		if err != nil {
			handler.RespondError(w, http.StatusBadRequest, "invalid_request", "Invalid api_key_id")
			return
		}
		filters.APIKeyID = &id
	}

	switch status := model.TransactionStatus(q.Get("status")); status {
	case "":
	case model.TxStatusSigned, model.TxStatusRejected:
		filters.Status = &status
	default:
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", "status must be signed or rejected")
		return
	}

	switch submission := q.Get("submission_status"); submission {
	case "":
	case "unknown":
		filters.Unresolved = true
	case string(model.SubmissionConfirmed), string(model.SubmissionFailed), string(model.SubmissionNotFound):
		s := model.SubmissionStatus(submission)
		filters.SubmissionStatus = &s
	default:
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", "submission_status must be confirmed, failed, not_found or unknown")
		return
	}

	if fromStr := q.Get("from"); fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			handler.RespondError(w, http.StatusBadRequest, "invalid_request", "Invalid 'from' date format (use RFC3339)")
			return
		}
		filters.From = &t
	}

	if toStr := q.Get("to"); toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			handler.RespondError(w, http.StatusBadRequest, "invalid_request", "Invalid 'to' date format (use RFC3339)")
			return
		}
		filters.To = &t
	}

	logs, total, err := h.store.ListTransactionLogs(r.Context(), filters)
	if err != nil {
		log.Error().Err(err).Msg("failed to list transactions")
		handler.RespondError(w, http.StatusInternalServerError, "internal_error", "Failed to list transactions")
		return
	}

	h.autoCheckSubmissions(r.Context(), logs)

	items := make([]transactionItem, 0, len(logs))
	for _, l := range logs {
		items = append(items, toTransactionItem(l))
	}

	handler.RespondJSON(w, http.StatusOK, transactionsResponse{
		Transactions: items,
		PageMeta:     page.Meta(total),
	})
}

// autoCheckSubmissions settles unresolved signed rows on the page that have
// not been checked recently, replacing them in place. Failures leave the
// stored row; the background reconciler retries them.
func (h *TransactionsHandler) autoCheckSubmissions(ctx context.Context, logs []*model.TransactionLog) {
	var (
		toCheck []*model.TransactionLog
		index   []int
		now     = time.Now()
	)
	for i, l := range logs {
		if !l.CheckDue(now, autoCheckInterval) {
			continue
		}
		toCheck = append(toCheck, l)
		index = append(index, i)
	}
	if len(toCheck) == 0 {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, autoCheckTimeout)
	defer cancel()

	results, err := h.checker.CheckMany(checkCtx, toCheck)
	if err != nil {
		log.Warn().Err(err).Int("count", len(toCheck)).Msg("failed to check some transaction submissions")
	}
	for j, res := range results {
		if res != nil {
			logs[index[j]] = res
		}
	}
}

// --- Check Single Transaction ---

type CheckTransactionHandler struct {
	checker SubmissionChecker
}

func NewCheckTransactionHandler(checker SubmissionChecker) *CheckTransactionHandler {
	return &CheckTransactionHandler{checker: checker}
}

func (h *CheckTransactionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "Invalid transaction ID")
	if !ok {
		return
	}

	txLog, err := h.checker.Check(r.Context(), id)
	if err != nil {
		var lookupErr *stellar.LookupError
		switch {
		case errors.Is(err, store.ErrNotFound):
			handler.RespondError(w, http.StatusNotFound, service.CodeTransactionNotFound, "Transaction not found")
		case errors.As(err, &lookupErr):
			log.Warn().Err(err).Str("id", id.String()).Msg("failed to check transaction on Horizon")
			handler.RespondError(w, http.StatusBadGateway, service.CodeLookupFailed, "Failed to check transaction on the network")
		default:
			log.Error().Err(err).Str("id", id.String()).Msg("failed to check transaction")
			handler.RespondError(w, http.StatusInternalServerError, service.CodeInternal, "Failed to check transaction")
		}
		return
	}

	handler.RespondJSON(w, http.StatusOK, toTransactionItem(txLog))
}

func toTransactionItem(l *model.TransactionLog) transactionItem {
	item := transactionItem{
		ID:               l.ID,
		APIKeyID:         l.APIKeyID,
		TransactionHash:  l.TransactionHash,
		Operations:       model.OperationNames(l.Operations),
		SourceAccount:    l.SourceAccount,
		Status:           l.Status,
		RejectionReason:  l.RejectionReason,
		SubmissionStatus: l.SubmissionStatus,
		LedgerSequence:   l.LedgerSequence,
		CreatedAt:        l.CreatedAt.UTC().Format(time.RFC3339),
	}
	item.SubmissionCheckedAt = formatTime(l.SubmissionCheckedAt)
	item.SubmittedAt = formatTime(l.SubmittedAt)
	item.ValidUntil = formatTime(l.ValidUntil)
	if l.ReservesLocked != nil {
		locked := amount.StringFromInt64(*l.ReservesLocked)
		item.ReservesLocked = &locked
	}
	return item
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
