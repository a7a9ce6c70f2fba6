package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// reserveLua creates the in-flight hash only when the key is absent and puts
// a TTL on it so a crashed worker cannot block the identity forever.
const reserveLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'outcome', 'in_flight', 'stage', ARGV[1], 'decided_at', ARGV[2], 'token', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`

// confirmLua renews the TTL when ARGV[1] still holds the in-flight entry.
const confirmLua = `
local cur = redis.call('HMGET', KEYS[1], 'outcome', 'token')
if cur[1] ~= 'in_flight' or cur[2] ~= ARGV[1] then
    return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`

// releaseLua deletes the in-flight entry held by ARGV[1].
const releaseLua = `
local cur = redis.call('HMGET', KEYS[1], 'outcome', 'token')
if cur[1] ~= 'in_flight' or cur[2] ~= ARGV[1] then
    return 0
end
redis.call('DEL', KEYS[1])
return 1
`

// finalizeLua replaces an absent or in-flight entry with the terminal fields
// in ARGV[2..] and drops the TTL. Terminal entries are never overwritten
// (0); an in-flight entry held by another token than ARGV[1] is left alone
// (-1).
const finalizeLua = `
local cur = redis.call('HMGET', KEYS[1], 'outcome', 'token')
if cur[1] and cur[1] ~= 'in_flight' then
    return 0
end
if cur[1] == 'in_flight' and ARGV[1] ~= '' and cur[2] ~= ARGV[1] then
    return -1
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
return 1
`

// Ledger implements domain.Ledger on Redis hashes keyed by
// "ledger:{source}:{content_id}".
type Ledger struct {
	rdb         *redis.Client
	reserve     *redis.Script
	confirm     *redis.Script
	release     *redis.Script
	finalize    *redis.Script
	inflightTTL time.Duration
	now         func() time.Time
}

// NewLedger creates a Ledger whose in-flight reservations expire after
// inflightTTL.
func NewLedger(c *Client, inflightTTL time.Duration) *Ledger {
	return &Ledger{
		rdb:         c.Underlying(),
		reserve:     redis.NewScript(reserveLua),
		confirm:     redis.NewScript(confirmLua),
		release:     redis.NewScript(releaseLua),
		finalize:    redis.NewScript(finalizeLua),
		inflightTTL: inflightTTL,
		now:         time.Now,
	}
}

func ledgerKey(id domain.EventIdentity) string {
	return "ledger:" + id.String()
}

// Reserve atomically marks id in flight under token. It returns false if any
// entry exists.
func (l *Ledger) Reserve(ctx context.Context, id domain.EventIdentity, token string) (bool, error) {
	n, err := l.reserve.Run(ctx, l.rdb, []string{ledgerKey(id)},
		string(domain.StageDeduplicated),
		strconv.FormatInt(l.now().UnixNano(), 10),
		l.inflightTTL.Milliseconds(),
		token,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis: ledger reserve %s: %w: %w", id, domain.ErrLedgerUnavailable, err)
	}
	return n == 1, nil
}

// Confirm checks that token still holds the reservation for id and renews
// its TTL.
func (l *Ledger) Confirm(ctx context.Context, id domain.EventIdentity, token string) error {
	n, err := l.confirm.Run(ctx, l.rdb, []string{ledgerKey(id)}, token, l.inflightTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: ledger confirm %s: %w: %w", id, domain.ErrLedgerUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: ledger confirm %s: %w", id, domain.ErrReservationLost)
	}
	return nil
}

// Release drops the reservation for id if token holds it.
func (l *Ledger) Release(ctx context.Context, id domain.EventIdentity, token string) error {
	n, err := l.release.Run(ctx, l.rdb, []string{ledgerKey(id)}, token).Int()
	if err != nil {
		return fmt.Errorf("redis: ledger release %s: %w: %w", id, domain.ErrLedgerUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: ledger release %s: %w", id, domain.ErrReservationLost)
	}
	return nil
}

// Record writes the terminal entry. It returns domain.ErrAlreadyExists when a
// terminal entry is already stored.
func (l *Ledger) Record(ctx context.Context, entry domain.LedgerEntry) error {
	if !entry.Outcome.Terminal() {
		return fmt.Errorf("redis: ledger record %s with non-terminal outcome %q: %w", entry.Identity, entry.Outcome, domain.ErrValidation)
	}
	if entry.DecidedAt.IsZero() {
		entry.DecidedAt = l.now()
	}

	n, err := l.finalize.Run(ctx, l.rdb, []string{ledgerKey(entry.Identity)},
		entry.Token,
		"outcome", string(entry.Outcome),
		"stage", string(entry.Stage),
		"reason", entry.Reason,
		"simulated", strconv.FormatBool(entry.Simulated),
		"order_id", entry.OrderID,
		"decided_at", strconv.FormatInt(entry.DecidedAt.UnixNano(), 10),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: ledger record %s: %w: %w", entry.Identity, domain.ErrLedgerUnavailable, err)
	}
	switch n {
	case 0:
		return fmt.Errorf("redis: ledger record %s: %w", entry.Identity, domain.ErrAlreadyExists)
	case -1:
		return fmt.Errorf("redis: ledger record %s: %w", entry.Identity, domain.ErrReservationLost)
	}
	return nil
}

// HasProcessed reports whether any entry exists for id.
func (l *Ledger) HasProcessed(ctx context.Context, id domain.EventIdentity) (bool, error) {
	n, err := l.rdb.Exists(ctx, ledgerKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: ledger exists %s: %w: %w", id, domain.ErrLedgerUnavailable, err)
	}
	return n > 0, nil
}

// Get returns the entry for id or domain.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id domain.EventIdentity) (domain.LedgerEntry, error) {
	vals, err := l.rdb.HGetAll(ctx, ledgerKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.LedgerEntry{}, fmt.Errorf("redis: ledger get %s: %w", id, err)
	}
	if len(vals) == 0 {
		return domain.LedgerEntry{}, fmt.Errorf("redis: ledger get %s: %w", id, domain.ErrNotFound)
	}

	entry := domain.LedgerEntry{
		Identity: id,
		Outcome:  domain.Outcome(vals["outcome"]),
		Stage:    domain.Stage(vals["stage"]),
		Reason:   vals["reason"],
		OrderID:  vals["order_id"],
	}
	entry.Simulated, _ = strconv.ParseBool(vals["simulated"])
	if ts, err := strconv.ParseInt(vals["decided_at"], 10, 64); err == nil {
		entry.DecidedAt = time.Unix(0, ts)
	}
	return entry, nil
}

// Compile-time interface check.
var _ domain.Ledger = (*Ledger)(nil)
