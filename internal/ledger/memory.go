// Package ledger provides the in-process deduplication ledger.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// Memory is a domain.Ledger backed by a map. Reserve and Record each run as a
// single critical section, so concurrent deliveries of the same identity see
// exactly one successful reservation. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	entries map[domain.EventIdentity]domain.LedgerEntry
	tokens  map[domain.EventIdentity]string
	now     func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[domain.EventIdentity]domain.LedgerEntry),
		tokens:  make(map[domain.EventIdentity]string),
		now:     time.Now,
	}
}

// Reserve marks id in flight under token. It returns false if any entry
// already exists.
func (m *Memory) Reserve(_ context.Context, id domain.EventIdentity, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; ok {
		return false, nil
	}
	m.entries[id] = domain.LedgerEntry{
		Identity:  id,
		Outcome:   domain.OutcomeInFlight,
		Stage:     domain.StageDeduplicated,
		DecidedAt: m.now(),
	}
	m.tokens[id] = token
	return true, nil
}

// Confirm checks that token still holds the in-flight reservation for id.
// Memory reservations never lapse.
func (m *Memory) Confirm(_ context.Context, id domain.EventIdentity, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.heldLocked(id, token) {
		return fmt.Errorf("ledger: confirm %s: %w", id, domain.ErrReservationLost)
	}
	return nil
}

// Release removes the in-flight reservation for id if token holds it.
func (m *Memory) Release(_ context.Context, id domain.EventIdentity, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.heldLocked(id, token) {
		return fmt.Errorf("ledger: release %s: %w", id, domain.ErrReservationLost)
	}
	delete(m.entries, id)
	delete(m.tokens, id)
	return nil
}

func (m *Memory) heldLocked(id domain.EventIdentity, token string) bool {
	cur, ok := m.entries[id]
	return ok && cur.Outcome == domain.OutcomeInFlight && m.tokens[id] == token
}

// Record finalizes the entry for entry.Identity. Only in-flight or absent
// entries may be replaced.
func (m *Memory) Record(_ context.Context, entry domain.LedgerEntry) error {
	if !entry.Outcome.Terminal() {
		return fmt.Errorf("ledger: record %s with non-terminal outcome %q: %w", entry.Identity, entry.Outcome, domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.entries[entry.Identity]; ok {
		if cur.Outcome != domain.OutcomeInFlight {
			return fmt.Errorf("ledger: record %s: %w", entry.Identity, domain.ErrAlreadyExists)
		}
		if entry.Token != "" && m.tokens[entry.Identity] != entry.Token {
			return fmt.Errorf("ledger: record %s: %w", entry.Identity, domain.ErrReservationLost)
		}
	}
	if entry.DecidedAt.IsZero() {
		entry.DecidedAt = m.now()
	}
	entry.Token = ""
	m.entries[entry.Identity] = entry
	delete(m.tokens, entry.Identity)
	return nil
}

// HasProcessed reports whether any entry, in flight or terminal, exists for id.
func (m *Memory) HasProcessed(_ context.Context, id domain.EventIdentity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[id]
	return ok, nil
}

// Get returns the entry for id or domain.ErrNotFound.
func (m *Memory) Get(_ context.Context, id domain.EventIdentity) (domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: get %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// Len returns the number of entries, including in-flight reservations.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
