package stellar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	hProtocol "github.com/stellar/go-stellar-sdk/protocols/horizon"

	"github.com/stellar-reserve-sponsor/internal/model"
)

// DefaultSubmitTimeout applies when the relay is built without a timeout.
const DefaultSubmitTimeout = 30 * time.Second

// ErrSubmissionUnknown means the relay could not tell whether the network
// accepted a transaction: a timeout, transport failure or 5xx answer.
var ErrSubmissionUnknown = errors.New("submission outcome unknown")

// SubmissionRejectedError is a definitive ledger-level rejection.
type SubmissionRejectedError struct {
	Reason      string
	ResultCodes []string
}

func (e *SubmissionRejectedError) Error() string {
	if len(e.ResultCodes) == 0 {
		return "submission rejected: " + e.Reason
	}
	return fmt.Sprintf("submission rejected: %s (%s)", e.Reason, strings.Join(e.ResultCodes, ", "))
}

// LookupError is a transient failure to read a transaction's status. The
// caller may retry.
type LookupError struct {
	Hash string
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup transaction %s: %v", e.Hash, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

type SubmitResult struct {
	Hash           string
	LedgerSequence int64
	ClosedAt       time.Time
}

type CheckResult struct {
	Status         model.SubmissionStatus
	LedgerSequence *int64
	ClosedAt       *time.Time
}

// Relay submits envelopes to Horizon and looks up their outcome.
type Relay struct {
	horizonClient horizonclient.ClientInterface
	timeout       time.Duration
}

func NewRelay(horizonClient horizonclient.ClientInterface, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &Relay{horizonClient: horizonClient, timeout: timeout}
}

// Submit sends a signed envelope. It returns *SubmissionRejectedError when
// Horizon rejects it and an error wrapping ErrSubmissionUnknown when the
// outcome cannot be determined.
func (r *Relay) Submit(ctx context.Context, signedXDR string) (*SubmitResult, error) {
	tx, err := callWithTimeout(ctx, r.timeout, func() (hProtocol.Transaction, error) {
		return r.horizonClient.SubmitTransactionXDR(signedXDR)
	})
	if err != nil {
		return nil, classifySubmitError(err)
	}
	if !tx.Successful {
		return nil, &SubmissionRejectedError{Reason: "transaction failed on ledger " + fmt.Sprint(tx.Ledger)}
	}
	return &SubmitResult{
		Hash:           tx.Hash,
		LedgerSequence: int64(tx.Ledger),
		ClosedAt:       tx.LedgerCloseTime,
	}, nil
}

// CheckStatus reports whether hash is on the ledger. Transient failures come
// back as *LookupError.
func (r *Relay) CheckStatus(ctx context.Context, hash string) (*CheckResult, error) {
	tx, err := callWithTimeout(ctx, r.timeout, func() (hProtocol.Transaction, error) {
		return r.horizonClient.TransactionDetail(hash)
	})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return &CheckResult{Status: model.SubmissionNotFound}, nil
		}
		return nil, &LookupError{Hash: hash, Err: err}
	}

	ledger := int64(tx.Ledger)
	closedAt := tx.LedgerCloseTime
	status := model.SubmissionConfirmed
	if !tx.Successful {
		status = model.SubmissionFailed
	}
	return &CheckResult{
		Status:         status,
		LedgerSequence: &ledger,
		ClosedAt:       &closedAt,
	}, nil
}

func classifySubmitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrSubmissionUnknown, err)
	}

	hErr := horizonclient.GetError(err)
	if hErr == nil {
		return fmt.Errorf("%w: %v", ErrSubmissionUnknown, err)
	}

	status := hErr.Problem.Status
	if status < http.StatusBadRequest || status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: horizon returned %d", ErrSubmissionUnknown, status)
	}

	rejected := &SubmissionRejectedError{Reason: hErr.Problem.Title}
	if rejected.Reason == "" {
		rejected.Reason = http.StatusText(status)
	}
	if codes, err := hErr.ResultCodes(); err == nil && codes != nil {
		if codes.TransactionCode != "" {
			rejected.ResultCodes = append(rejected.ResultCodes, codes.TransactionCode)
		}
		rejected.ResultCodes = append(rejected.ResultCodes, codes.OperationCodes...)
	}
	return rejected
}

// callWithTimeout runs fn, giving up after timeout or when ctx ends. The
// Horizon client has no context support, so an abandoned call finishes in
// the background and its result is discarded.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn()
		done <- outcome{val: v, err: err}
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
