package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// LedgerStore implements domain.Ledger on the event_ledger table. The primary
// key on (source, content_id) makes Reserve a single atomic insert-if-absent.
type LedgerStore struct {
	pool        *pgxpool.Pool
	inflightTTL time.Duration
}

// NewLedgerStore creates a LedgerStore. In-flight rows older than inflightTTL
// may be reclaimed by a later Reserve.
func NewLedgerStore(pool *pgxpool.Pool, inflightTTL time.Duration) *LedgerStore {
	return &LedgerStore{pool: pool, inflightTTL: inflightTTL}
}

// Reserve inserts an in-flight row for id held by token. It returns false
// when a terminal row or a fresh in-flight row already exists.
func (s *LedgerStore) Reserve(ctx context.Context, id domain.EventIdentity, token string) (bool, error) {
	const query = `
		INSERT INTO event_ledger (source, content_id, outcome, stage, reserved_token, reserved_at, decided_at)
		VALUES ($1, $2, 'in_flight', $3, $5, NOW(), NOW())
		ON CONFLICT (source, content_id) DO UPDATE
			SET reserved_at = NOW(), decided_at = NOW(), stage = EXCLUDED.stage,
			    reserved_token = EXCLUDED.reserved_token
			WHERE event_ledger.outcome = 'in_flight'
			  AND event_ledger.reserved_at < NOW() - make_interval(secs => $4)`

	tag, err := s.pool.Exec(ctx, query,
		string(id.Source), id.ContentID, string(domain.StageDeduplicated), s.inflightTTL.Seconds(), token)
	if err != nil {
		return false, fmt.Errorf("postgres: reserve %s: %w: %w", id, domain.ErrLedgerUnavailable, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Confirm checks that token still holds the in-flight row for id and
// refreshes reserved_at.
func (s *LedgerStore) Confirm(ctx context.Context, id domain.EventIdentity, token string) error {
	const query = `
		UPDATE event_ledger SET reserved_at = NOW()
		WHERE source = $1 AND content_id = $2
		  AND outcome = 'in_flight' AND reserved_token = $3`

	tag, err := s.pool.Exec(ctx, query, string(id.Source), id.ContentID, token)
	if err != nil {
		return fmt.Errorf("postgres: confirm %s: %w: %w", id, domain.ErrLedgerUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: confirm %s: %w", id, domain.ErrReservationLost)
	}
	return nil
}

// Release deletes the in-flight row for id if token holds it.
func (s *LedgerStore) Release(ctx context.Context, id domain.EventIdentity, token string) error {
	const query = `
		DELETE FROM event_ledger
		WHERE source = $1 AND content_id = $2
		  AND outcome = 'in_flight' AND reserved_token = $3`

	tag, err := s.pool.Exec(ctx, query, string(id.Source), id.ContentID, token)
	if err != nil {
		return fmt.Errorf("postgres: release %s: %w: %w", id, domain.ErrLedgerUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: release %s: %w", id, domain.ErrReservationLost)
	}
	return nil
}

// Record replaces the in-flight row with the terminal entry. It returns
// domain.ErrAlreadyExists when the row is already terminal and
// domain.ErrReservationLost when another token holds it.
func (s *LedgerStore) Record(ctx context.Context, entry domain.LedgerEntry) error {
	if !entry.Outcome.Terminal() {
		return fmt.Errorf("postgres: record %s with non-terminal outcome %q: %w", entry.Identity, entry.Outcome, domain.ErrValidation)
	}
	if entry.DecidedAt.IsZero() {
		entry.DecidedAt = time.Now()
	}

	const query = `
		INSERT INTO event_ledger (source, content_id, outcome, stage, reason, simulated, order_id, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source, content_id) DO UPDATE
			SET outcome = EXCLUDED.outcome,
			    stage = EXCLUDED.stage,
			    reason = EXCLUDED.reason,
			    simulated = EXCLUDED.simulated,
			    order_id = EXCLUDED.order_id,
			    decided_at = EXCLUDED.decided_at,
			    reserved_token = ''
			WHERE event_ledger.outcome = 'in_flight'
			  AND ($9::text = '' OR event_ledger.reserved_token = $9)`

	tag, err := s.pool.Exec(ctx, query,
		string(entry.Identity.Source), entry.Identity.ContentID,
		string(entry.Outcome), string(entry.Stage), entry.Reason,
		entry.Simulated, entry.OrderID, entry.DecidedAt, entry.Token,
	)
	if err != nil {
		return fmt.Errorf("postgres: record %s: %w: %w", entry.Identity, domain.ErrLedgerUnavailable, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var outcome string
	err = s.pool.QueryRow(ctx,
		`SELECT outcome FROM event_ledger WHERE source = $1 AND content_id = $2`,
		string(entry.Identity.Source), entry.Identity.ContentID,
	).Scan(&outcome)
	if err != nil {
		return fmt.Errorf("postgres: record %s: %w: %w", entry.Identity, domain.ErrLedgerUnavailable, err)
	}
	if domain.Outcome(outcome) == domain.OutcomeInFlight {
		return fmt.Errorf("postgres: record %s: %w", entry.Identity, domain.ErrReservationLost)
	}
	return fmt.Errorf("postgres: record %s: %w", entry.Identity, domain.ErrAlreadyExists)
}

// HasProcessed reports whether any row exists for id.
func (s *LedgerStore) HasProcessed(ctx context.Context, id domain.EventIdentity) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM event_ledger WHERE source = $1 AND content_id = $2)`,
		string(id.Source), id.ContentID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: has processed %s: %w: %w", id, domain.ErrLedgerUnavailable, err)
	}
	return exists, nil
}

// Get returns the row for id or domain.ErrNotFound.
func (s *LedgerStore) Get(ctx context.Context, id domain.EventIdentity) (domain.LedgerEntry, error) {
	const query = `
		SELECT outcome, stage, reason, simulated, order_id, decided_at
		FROM event_ledger
		WHERE source = $1 AND content_id = $2`

	e := domain.LedgerEntry{Identity: id}
	var outcome, stage string
	err := s.pool.QueryRow(ctx, query, string(id.Source), id.ContentID).
		Scan(&outcome, &stage, &e.Reason, &e.Simulated, &e.OrderID, &e.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, fmt.Errorf("postgres: get %s: %w", id, domain.ErrNotFound)
		}
		return domain.LedgerEntry{}, fmt.Errorf("postgres: get %s: %w", id, err)
	}
	e.Outcome = domain.Outcome(outcome)
	e.Stage = domain.Stage(stage)
	return e, nil
}

// Compile-time interface check.
var _ domain.Ledger = (*LedgerStore)(nil)
