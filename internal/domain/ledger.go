package domain

import (
	"context"
	"time"
)

// Outcome is the terminal (or in-flight) state recorded for an event identity.
type Outcome string

const (
	OutcomeInFlight Outcome = "in_flight"
	OutcomeExecuted Outcome = "executed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
	// OutcomeDuplicate is reported to callers but never stored.
	OutcomeDuplicate Outcome = "duplicate"
)

// Terminal reports whether the outcome ends the pipeline for an identity.
func (o Outcome) Terminal() bool {
	return o == OutcomeExecuted || o == OutcomeSkipped || o == OutcomeFailed
}

// SkipReason distinguishes why an analyzed event produced no order.
type SkipReason string

const (
	SkipBelowThreshold   SkipReason = "below_threshold"
	SkipNeutralDirection SkipReason = "neutral_direction"
	SkipIrrelevant       SkipReason = "irrelevant"
)

// Stage is the last pipeline state an event reached.
type Stage string

const (
	StageReceived     Stage = "received"
	StageDeduplicated Stage = "deduplicated"
	StageAnalyzed     Stage = "analyzed"
	StageDecided      Stage = "decided"
	StageExecuted     Stage = "executed"
)

// LedgerEntry is one append-only record per event identity.
type LedgerEntry struct {
	Identity  EventIdentity
	Outcome   Outcome
	Stage     Stage
	Reason    string
	Simulated bool
	OrderID   string
	DecidedAt time.Time
	// Token is the reservation token of the worker finalizing the entry.
	// It is never stored on terminal entries.
	Token string
}

// Ledger guarantees at-most-once processing per event identity.
//
// Reserve is an atomic insert-if-absent that marks the identity in flight
// under token; it returns false when any entry (in flight or terminal)
// already exists. Durable backends let a reservation lapse after a TTL, so
// the holder calls Confirm before any side effect: it succeeds only while
// the in-flight entry still carries token, and renews the TTL. Release drops
// an in-flight entry held by token so the identity can be redelivered.
//
// Record replaces an in-flight reservation with its terminal entry. It
// returns ErrAlreadyExists if a terminal entry is already present and
// ErrReservationLost if another token now holds the reservation.
type Ledger interface {
	Reserve(ctx context.Context, id EventIdentity, token string) (bool, error)
	Confirm(ctx context.Context, id EventIdentity, token string) error
	Release(ctx context.Context, id EventIdentity, token string) error
	Record(ctx context.Context, entry LedgerEntry) error
	HasProcessed(ctx context.Context, id EventIdentity) (bool, error)
	Get(ctx context.Context, id EventIdentity) (LedgerEntry, error)
}
