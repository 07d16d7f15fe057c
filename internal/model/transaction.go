package model

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatus records the signing decision for an envelope.
type TransactionStatus string

const (
	TxStatusSigned   TransactionStatus = "signed"
	TxStatusRejected TransactionStatus = "rejected"
)

// SubmissionStatus is what the network says about a signed envelope. A nil
// *SubmissionStatus means nobody knows yet.
type SubmissionStatus string

const (
	SubmissionConfirmed SubmissionStatus = "confirmed"
	SubmissionNotFound  SubmissionStatus = "not_found"
	SubmissionFailed    SubmissionStatus = "failed"
)

// TransactionLog is one signing request. Rejected requests are logged too,
// with RejectionReason set and no ticket.
type TransactionLog struct {
	ID              uuid.UUID         `json:"id"`
	APIKeyID        uuid.UUID         `json:"api_key_id"`
	TransactionHash string            `json:"transaction_hash,omitempty"`
	TransactionXDR  string            `json:"transaction_xdr"`
	SourceAccount   string            `json:"source_account"`
	Operations      []OperationKind   `json:"operations"`
	Status          TransactionStatus `json:"status"`
	RejectionReason string            `json:"rejection_reason,omitempty"`

	// Set only for signed rows that locked reserves.
	ReservesLocked *int64     `json:"reserves_locked,omitempty"`
	TicketID       *uuid.UUID `json:"ticket_id,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`

	SubmissionStatus    *SubmissionStatus `json:"submission_status,omitempty"`
	SubmissionCheckedAt *time.Time        `json:"submission_checked_at,omitempty"`
	SubmittedAt         *time.Time        `json:"submitted_at,omitempty"`
	LedgerSequence      *int64            `json:"ledger_sequence,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// Resolved reports whether the submission outcome is settled.
func (l *TransactionLog) Resolved() bool {
	return l.SubmissionStatus != nil
}

// Checkable reports whether the network can still be asked about the row.
func (l *TransactionLog) Checkable() bool {
	return l.Status == TxStatusSigned && l.TransactionHash != "" && !l.Resolved()
}

// CheckDue reports whether a checkable row was last looked at more than
// interval before now.
func (l *TransactionLog) CheckDue(now time.Time, interval time.Duration) bool {
	if !l.Checkable() {
		return false
	}
	return l.SubmissionCheckedAt == nil || now.Sub(*l.SubmissionCheckedAt) >= interval
}

// NotFoundDeadline is the moment after which a hash the network has never
// seen may be declared not_found: grace after submission (or creation when
// the envelope was never relayed by us), but never before the envelope's
// own time bound expires.
func (l *TransactionLog) NotFoundDeadline(grace time.Duration) time.Time {
	base := l.CreatedAt
	if l.SubmittedAt != nil {
		base = *l.SubmittedAt
	}
	deadline := base.Add(grace)
	if l.ValidUntil != nil && l.ValidUntil.After(deadline) {
		return *l.ValidUntil
	}
	return deadline
}
