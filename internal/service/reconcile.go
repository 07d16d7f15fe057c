package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stellar-reserve-sponsor/internal/ledger"
	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/stellar"
	"github.com/stellar-reserve-sponsor/internal/store"
	"github.com/stellar-reserve-sponsor/internal/telemetry"
)

const (
	defaultNotFoundGrace     = 10 * time.Minute
	defaultReconcileInterval = time.Minute
	defaultReconcileRPS      = 5
	reconcileConcurrency     = 5
	reconcileBatchSize       = 100
)

// Relay is the network side of submission: the stellar.Relay in production.
type Relay interface {
	Submit(ctx context.Context, signedXDR string) (*stellar.SubmitResult, error)
	CheckStatus(ctx context.Context, hash string) (*stellar.CheckResult, error)
}

type ReconcilerConfig struct {
	// NotFoundGrace is how long after submission (or creation) a transaction
	// may stay unseen before not_found becomes final.
	NotFoundGrace time.Duration
	Interval      time.Duration
	// RequestsPerSecond throttles status lookups against the network.
	RequestsPerSecond float64
}

// Reconciler turns submission outcomes into transaction log state and settles
// the reservation held by each signed transaction.
type Reconciler struct {
	logs    store.TransactionLogStore
	ledger  *ledger.Ledger
	relay   Relay
	cfg     ReconcilerConfig
	limiter *rate.Limiter
	now     func() time.Time
}

func NewReconciler(logs store.TransactionLogStore, l *ledger.Ledger, relay Relay, cfg ReconcilerConfig) *Reconciler {
	if cfg.NotFoundGrace <= 0 {
		cfg.NotFoundGrace = defaultNotFoundGrace
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReconcileInterval
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultReconcileRPS
	}
	return &Reconciler{
		logs:    logs,
		ledger:  l,
		relay:   relay,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), reconcileConcurrency),
		now:     time.Now,
	}
}

// Submit sends a signed transaction and records the outcome. A rejection
// resolves the row as failed and returns the ticket's funds to available; a
// confirmed transaction consumes the ticket. When the outcome is unknown the
// row stays unresolved and the ticket stays held. The returned log is the
// row as stored after the attempt; err carries the relay error, if any.
func (r *Reconciler) Submit(ctx context.Context, entry *model.TransactionLog, ticket *model.ReserveTicket) (*model.TransactionLog, error) {
	if err := r.logs.MarkSubmitted(ctx, entry.ID, r.now().UTC()); err != nil {
		return nil, fmt.Errorf("mark submitted: %w", err)
	}

	res, submitErr := r.relay.Submit(ctx, entry.TransactionXDR)

	var rejected *stellar.SubmissionRejectedError
	switch {
	case submitErr == nil:
		seq := res.LedgerSequence
		closedAt := res.ClosedAt
		if err := r.resolve(ctx, entry.ID, ticket, model.SubmissionConfirmed, &seq, &closedAt); err != nil {
			return nil, err
		}
		telemetry.SubmissionsTotal.WithLabelValues(string(model.SubmissionConfirmed)).Inc()
	case errors.As(submitErr, &rejected):
		if err := r.resolve(ctx, entry.ID, ticket, model.SubmissionFailed, nil, nil); err != nil {
			return nil, err
		}
		telemetry.SubmissionsTotal.WithLabelValues(string(model.SubmissionFailed)).Inc()
	default:
		log.Warn().Err(submitErr).Str("log_id", entry.ID.String()).Str("tx_hash", entry.TransactionHash).
			Msg("submission outcome unknown, reservation stays held")
		telemetry.SubmissionsTotal.WithLabelValues("unknown").Inc()
	}

	stored, err := r.logs.GetTransactionLogByID(ctx, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("reload transaction log: %w", err)
	}
	return stored, submitErr
}

// Check settles one transaction log. Rows that are already resolved are
// returned as stored, without a network call. For unresolved rows a
// not_found answer only becomes final once the grace period and the
// transaction's time bounds have both passed; before that the row stays
// unknown. Lookup failures are returned as *stellar.LookupError.
func (r *Reconciler) Check(ctx context.Context, id uuid.UUID) (*model.TransactionLog, error) {
	entry, err := r.logs.GetTransactionLogByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.check(ctx, entry)
}

func (r *Reconciler) check(ctx context.Context, entry *model.TransactionLog) (*model.TransactionLog, error) {
	if entry.Status != model.TxStatusSigned || entry.TransactionHash == "" {
		return entry, nil
	}
	if entry.Resolved() {
		// Re-running the settlement is a no-op unless an earlier attempt
		// crashed between resolving the row and releasing the ticket.
		if err := r.settle(ctx, entry); err != nil {
			return nil, err
		}
		return entry, nil
	}

	res, err := r.relay.CheckStatus(ctx, entry.TransactionHash)
	if err != nil {
		telemetry.ReconcileChecksTotal.WithLabelValues("lookup_error").Inc()
		return nil, err
	}
	now := r.now().UTC()

	ticket, err := r.ticketFor(ctx, entry)
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case model.SubmissionNotFound:
		if now.Before(entry.NotFoundDeadline(r.cfg.NotFoundGrace)) {
			telemetry.ReconcileChecksTotal.WithLabelValues("pending").Inc()
			if err := r.logs.TouchSubmissionCheck(ctx, entry.ID, now); err != nil {
				return nil, fmt.Errorf("record submission check: %w", err)
			}
			return r.logs.GetTransactionLogByID(ctx, entry.ID)
		}
		err = r.resolve(ctx, entry.ID, ticket, model.SubmissionNotFound, nil, nil)
	default:
		err = r.resolve(ctx, entry.ID, ticket, res.Status, res.LedgerSequence, res.ClosedAt)
	}
	if err != nil {
		return nil, err
	}
	telemetry.ReconcileChecksTotal.WithLabelValues(string(res.Status)).Inc()
	return r.logs.GetTransactionLogByID(ctx, entry.ID)
}

// resolve moves the row out of unknown and settles the ticket. If another
// caller resolved the row first, the ticket is settled according to the
// stored status instead.
func (r *Reconciler) resolve(ctx context.Context, id uuid.UUID, ticket *model.ReserveTicket, status model.SubmissionStatus, ledgerSeq *int64, closedAt *time.Time) error {
	resolved, err := r.logs.ResolveSubmission(ctx, id, status, ledgerSeq, closedAt)
	if err != nil {
		return fmt.Errorf("resolve submission: %w", err)
	}
	if !resolved {
		stored, err := r.logs.GetTransactionLogByID(ctx, id)
		if err != nil {
			return fmt.Errorf("reload transaction log: %w", err)
		}
		return r.settle(ctx, stored)
	}
	return r.ledger.Release(ctx, ticket, outcomeFor(status))
}

func (r *Reconciler) settle(ctx context.Context, entry *model.TransactionLog) error {
	if entry.SubmissionStatus == nil {
		return nil
	}
	ticket, err := r.ticketFor(ctx, entry)
	if err != nil {
		return err
	}
	return r.ledger.Release(ctx, ticket, outcomeFor(*entry.SubmissionStatus))
}

func (r *Reconciler) ticketFor(ctx context.Context, entry *model.TransactionLog) (*model.ReserveTicket, error) {
	if entry.TicketID == nil {
		return nil, nil
	}
	ticket, err := r.ledger.Ticket(ctx, *entry.TicketID)
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", entry.TicketID, err)
	}
	return ticket, nil
}

func outcomeFor(status model.SubmissionStatus) ledger.Outcome {
	if status == model.SubmissionConfirmed {
		return ledger.OutcomeConfirmed
	}
	return ledger.OutcomeFailed
}

// CheckMany checks entries with bounded concurrency, throttled to the
// configured request rate. Results are in input order; a failed entry leaves
// a nil slot and its error is joined into the returned error.
func (r *Reconciler) CheckMany(ctx context.Context, entries []*model.TransactionLog) ([]*model.TransactionLog, error) {
	results := make([]*model.TransactionLog, len(entries))

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(reconcileConcurrency)

	for i, entry := range entries {
		g.Go(func() error {
			if err := r.limiter.Wait(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			checked, err := r.check(ctx, entry)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("check %s: %w", entry.ID, err))
				mu.Unlock()
				return nil
			}
			results[i] = checked
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// Run checks unresolved signed transactions every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.cfg.Interval).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		telemetry.ReconcileRunDuration.Observe(time.Since(start).Seconds())
	}()

	entries, err := r.logs.ListUnresolvedTransactionLogs(ctx, reconcileBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to list unresolved transactions")
		return
	}
	if len(entries) == 0 {
		return
	}

	results, err := r.CheckMany(ctx, entries)
	resolved := 0
	for _, res := range results {
		if res != nil && res.Resolved() {
			resolved++
		}
	}
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Int("checked", len(entries)).Int("resolved", resolved).Msg("reconciliation pass finished")
}
