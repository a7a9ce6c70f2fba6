package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

var testID = domain.EventIdentity{Source: domain.SourceWebMonitor, ContentID: "fomc-2026-09"}

func TestLedgerReserveAndRecord(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	l := NewLedger(c, time.Minute)

	ok, err := l.Reserve(ctx, testID, "tok-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Reserve(ctx, testID, "tok-1")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := l.Get(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeInFlight, got.Outcome)

	decided := time.Unix(1_700_000_000, 0)
	require.NoError(t, l.Record(ctx, domain.LedgerEntry{
		Identity:  testID,
		Outcome:   domain.OutcomeExecuted,
		Stage:     domain.StageExecuted,
		Simulated: true,
		OrderID:   "sim-1",
		DecidedAt: decided,
	}))

	got, err = l.Get(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExecuted, got.Outcome)
	assert.Equal(t, domain.StageExecuted, got.Stage)
	assert.True(t, got.Simulated)
	assert.Equal(t, "sim-1", got.OrderID)
	assert.True(t, decided.Equal(got.DecidedAt))

	err = l.Record(ctx, domain.LedgerEntry{Identity: testID, Outcome: domain.OutcomeFailed})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	ok, err = l.Reserve(ctx, testID, "tok-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerInflightExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	l := NewLedger(c, time.Minute)

	ok, err := l.Reserve(ctx, testID, "tok-1")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = l.Reserve(ctx, testID, "tok-1")
	require.NoError(t, err)
	assert.True(t, ok, "stale reservation should not block forever")
}

func TestLedgerExpiredReservationCannotPlace(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	l := NewLedger(c, time.Second)

	ok, err := l.Reserve(ctx, testID, "first")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = l.Reserve(ctx, testID, "second")
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, l.Confirm(ctx, testID, "first"), domain.ErrReservationLost)
	assert.ErrorIs(t, l.Release(ctx, testID, "first"), domain.ErrReservationLost)
	err = l.Record(ctx, domain.LedgerEntry{Identity: testID, Outcome: domain.OutcomeFailed, Token: "first"})
	assert.ErrorIs(t, err, domain.ErrReservationLost)

	require.NoError(t, l.Confirm(ctx, testID, "second"))
	require.NoError(t, l.Record(ctx, domain.LedgerEntry{Identity: testID, Outcome: domain.OutcomeExecuted, Token: "second"}))

	fields, err := mr.HKeys(ledgerKey(testID))
	require.NoError(t, err)
	assert.NotContains(t, fields, "token")
}

func TestLedgerConfirmRenewsTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	l := NewLedger(c, time.Minute)

	_, err := l.Reserve(ctx, testID, "owner")
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	require.NoError(t, l.Confirm(ctx, testID, "owner"))
	mr.FastForward(50 * time.Second)

	ok, err := l.Reserve(ctx, testID, "other")
	require.NoError(t, err)
	assert.False(t, ok, "a confirmed reservation is renewed")
}

func TestLedgerRelease(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	l := NewLedger(c, time.Minute)

	_, err := l.Reserve(ctx, testID, "owner")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, testID, "owner"))

	processed, err := l.HasProcessed(ctx, testID)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestLedgerTerminalEntryHasNoTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	l := NewLedger(c, time.Minute)

	_, err := l.Reserve(ctx, testID, "tok-1")
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, domain.LedgerEntry{Identity: testID, Outcome: domain.OutcomeSkipped, Reason: "below_threshold"}))

	mr.FastForward(time.Hour)

	processed, err := l.HasProcessed(ctx, testID)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestLedgerConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	l := NewLedger(c, time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := l.Reserve(ctx, testID, "tok-1"); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestLedgerUnavailable(t *testing.T) {
	c, mr := newTestClient(t)
	l := NewLedger(c, time.Minute)
	mr.Close()

	_, err := l.Reserve(context.Background(), testID, "tok-1")
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestLedgerGetMissing(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := NewLedger(c, time.Minute).Get(context.Background(), testID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPriceCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	pc := NewPriceCache(c, time.Minute)

	_, _, err := pc.GetPrice(ctx, "tBTCF0:USTF0")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ts := time.Unix(0, 1_700_000_000_123_456_789)
	require.NoError(t, pc.SetPrice(ctx, "tBTCF0:USTF0", decimal.RequireFromString("64123.5"), ts))

	price, got, err := pc.GetPrice(ctx, "tBTCF0:USTF0")
	require.NoError(t, err)
	assert.Equal(t, "64123.5", price.String())
	assert.True(t, ts.Equal(got))
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)

	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "intake:10.0.0.1", 2, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		now = now.Add(time.Millisecond)
	}

	ok, err := rl.Allow(ctx, "intake:10.0.0.1", 2, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "intake:10.0.0.2", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "keys are limited independently")

	now = now.Add(2 * time.Second)
	ok, err = rl.Allow(ctx, "intake:10.0.0.1", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterSameInstantCountsEachRequest(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "burst", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "burst", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = rl.Allow(ctx, "burst", 0, time.Minute)
	assert.Error(t, err)
}

func TestSignalBusStreamRecent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)

	msgs, err := bus.StreamRecent(ctx, "decisions", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "decisions", []byte(p)))
	}
	require.NoError(t, bus.Publish(ctx, "decisions", []byte("live")))

	msgs, err = bus.StreamRecent(ctx, "decisions", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c", string(msgs[0].Payload))
	assert.Equal(t, "b", string(msgs[1].Payload))
}
