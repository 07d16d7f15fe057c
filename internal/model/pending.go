package model

import (
	"time"

	"github.com/google/uuid"
)

type EnvelopeKind string

const (
	EnvelopeActivation EnvelopeKind = "activation"
	EnvelopeFunding    EnvelopeKind = "funding"
	// EnvelopeSweep envelopes are built and signed by the service and go
	// straight to submitted.
	EnvelopeSweep EnvelopeKind = "sweep"
)

type PendingStatus string

const (
	PendingAwaitingSignature PendingStatus = "awaiting_signature"
	PendingSubmitted         PendingStatus = "submitted"
	PendingConfirmed         PendingStatus = "confirmed"
	PendingFailed            PendingStatus = "failed"
	PendingSuperseded        PendingStatus = "superseded"
)

// PendingEnvelope is a built envelope waiting for the admin's signature.
// Persisting it lets the submit step verify it is signing what was built.
type PendingEnvelope struct {
	ID              uuid.UUID     `json:"id"`
	APIKeyID        uuid.UUID     `json:"api_key_id"`
	Kind            EnvelopeKind  `json:"kind"`
	EnvelopeXDR     string        `json:"envelope_xdr"`
	EnvelopeHash    string        `json:"envelope_hash"`
	Amount          int64         `json:"amount"`
	Status          PendingStatus `json:"status"`
	TransactionHash string        `json:"transaction_hash,omitempty"`
	LedgerSequence  *int64        `json:"ledger_sequence,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
