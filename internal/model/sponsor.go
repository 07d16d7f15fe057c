package model

import (
	"time"

	"github.com/google/uuid"
)

// SponsorAccount is a custodial account paying reserves for one API key.
// Balances are in stroops.
type SponsorAccount struct {
	Address      string    `json:"address"`
	SealedSecret string    `json:"-"`
	XLMAvailable int64     `json:"xlm_available"`
	XLMLocked    int64     `json:"xlm_locked_in_reserves"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (a *SponsorAccount) Total() int64 {
	return a.XLMAvailable + a.XLMLocked
}

type TicketStatus string

const (
	TicketHeld     TicketStatus = "held"
	TicketConsumed TicketStatus = "consumed"
	TicketReleased TicketStatus = "released"
)

// ReserveTicket records funds moved from available to locked for one
// pending transaction.
type ReserveTicket struct {
	ID             uuid.UUID    `json:"id"`
	SponsorAccount string       `json:"sponsor_account"`
	Amount         int64        `json:"amount"`
	Status         TicketStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

type LedgerEntryKind string

const (
	EntryCredit  LedgerEntryKind = "credit"
	EntryReserve LedgerEntryKind = "reserve"
	EntryConsume LedgerEntryKind = "consume"
	EntryRelease LedgerEntryKind = "release"
	EntrySweep   LedgerEntryKind = "sweep"
)

// LedgerEntry is one row of the balance journal.
type LedgerEntry struct {
	ID             uuid.UUID       `json:"id"`
	SponsorAccount string          `json:"sponsor_account"`
	Kind           LedgerEntryKind `json:"kind"`
	Amount         int64           `json:"amount"`
	TicketID       *uuid.UUID      `json:"ticket_id,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
