package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/stellar"
	"github.com/stellar-reserve-sponsor/internal/store"
	"github.com/stellar-reserve-sponsor/internal/store/memory"
)

type fakeChecker struct {
	err     error
	checked int
}

func (f *fakeChecker) Check(_ context.Context, id uuid.UUID) (*model.TransactionLog, error) {
	if f.err != nil {
		return nil, f.err
	}
	confirmed := model.SubmissionConfirmed
	return &model.TransactionLog{ID: id, Status: model.TxStatusSigned, SubmissionStatus: &confirmed}, nil
}

func (f *fakeChecker) CheckMany(_ context.Context, entries []*model.TransactionLog) ([]*model.TransactionLog, error) {
	out := make([]*model.TransactionLog, len(entries))
	for i, e := range entries {
		f.checked++
		cp := *e
		confirmed := model.SubmissionConfirmed
		cp.SubmissionStatus = &confirmed
		out[i] = &cp
	}
	return out, nil
}

func TestCheckTransactionErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "confirmed", status: http.StatusOK},
		{name: "unknown id", err: fmt.Errorf("load: %w", store.ErrNotFound), status: http.StatusNotFound, code: "transaction_not_found"},
		{name: "horizon down", err: &stellar.LookupError{Hash: "abc", Err: errors.New("timeout")}, status: http.StatusBadGateway, code: "lookup_failed"},
		{name: "store down", err: errors.New("connection reset"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Post("/transactions/{id}/check", NewCheckTransactionHandler(&fakeChecker{err: tt.err}).ServeHTTP)

			rr := do(t, r, http.MethodPost, "/transactions/"+uuid.NewString()+"/check", "")
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			if tt.code != "" {
				var resp struct {
					Error string `json:"error"`
				}
				decode(t, rr, &resp)
				if resp.Error != tt.code {
					t.Fatalf("expected code %q, got %q", tt.code, resp.Error)
				}
			}
		})
	}
}

func TestListTransactions(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	keyID := uuid.New()
	locked := int64(5_000_000)

	if err := st.CreateTransactionLog(ctx, &model.TransactionLog{
		APIKeyID: keyID, Status: model.TxStatusSigned, TransactionHash: "aa", ReservesLocked: &locked,
		Operations: []model.OperationKind{model.OpBeginSponsoring, model.OpChangeTrust, model.OpEndSponsoring},
	}); err != nil {
		t.Fatalf("create log: %v", err)
	}
	if err := st.CreateTransactionLog(ctx, &model.TransactionLog{
		APIKeyID: keyID, Status: model.TxStatusRejected, RejectionReason: "operation_not_allowed: create_account",
	}); err != nil {
		t.Fatalf("create log: %v", err)
	}

	checker := &fakeChecker{}
	r := chi.NewRouter()
	r.Get("/transactions", NewTransactionsHandler(st, checker).ServeHTTP)

	rr := do(t, r, http.MethodGet, "/transactions?api_key_id="+keyID.String(), "")
	var resp transactionsResponse
	decode(t, rr, &resp)
	if resp.Total != 2 || len(resp.Transactions) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if checker.checked != 1 {
		t.Fatalf("expected only the unresolved signed row to be checked, got %d", checker.checked)
	}
	for _, tx := range resp.Transactions {
		if tx.Status != model.TxStatusSigned {
			continue
		}
		if tx.SubmissionStatus == nil || *tx.SubmissionStatus != model.SubmissionConfirmed {
			t.Fatalf("expected checked status on page: %+v", tx)
		}
		if tx.ReservesLocked == nil || *tx.ReservesLocked != "0.5000000" {
			t.Fatalf("unexpected reserves: %v", tx.ReservesLocked)
		}
	}

	rr = do(t, r, http.MethodGet, "/transactions?status=rejected", "")
	decode(t, rr, &resp)
	if resp.Total != 1 || resp.Transactions[0].RejectionReason == "" {
		t.Fatalf("unexpected filtered response: %+v", resp)
	}

	for _, bad := range []string{"status=pending", "submission_status=maybe", "from=yesterday", "api_key_id=x"} {
		rr = do(t, r, http.MethodGet, "/transactions?"+bad, "")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", bad, rr.Code)
		}
	}

	from := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rr = do(t, r, http.MethodGet, "/transactions?from="+from, "")
	decode(t, rr, &resp)
	if resp.Total != 0 {
		t.Fatalf("expected no rows after %s, got %d", from, resp.Total)
	}
}
