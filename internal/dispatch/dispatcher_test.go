package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/cache/redis"
	"github.com/alanyoungcy/signalbot/internal/config"
	"github.com/alanyoungcy/signalbot/internal/decision"
	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/exchange"
	"github.com/alanyoungcy/signalbot/internal/ledger"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAnalyzer struct {
	res   domain.AnalysisResult
	err   error
	calls atomic.Int32
	gate  chan struct{} // when set, Analyze blocks until closed
	ctxOK atomic.Bool
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, _ domain.ContentEvent) (domain.AnalysisResult, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.ctxOK.Store(ctx.Err() == nil)
	return f.res, f.err
}

// fakeProvider is a live provider whose PlaceLimitOrder errors are consumed
// in order.
type fakeProvider struct {
	mu         sync.Mutex
	price      decimal.Decimal
	priceErr   error
	placeErrs  []error
	priceCalls int
	placed     []domain.OrderIntent
}

func (f *fakeProvider) ReferencePrice(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	return f.price, f.priceErr
}

func (f *fakeProvider) PlaceLimitOrder(_ context.Context, intent domain.OrderIntent) (domain.OrderReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, intent)
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return domain.OrderReceipt{}, err
		}
	}
	return domain.OrderReceipt{OrderID: "bfx-1", Status: "SUCCESS"}, nil
}

func (f *fakeProvider) Simulated() bool { return false }

func (f *fakeProvider) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type alertRecord struct {
	event   string
	message string
	fatal   bool
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alertRecord
}

func (f *fakeAlerter) Notify(_ context.Context, event, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alertRecord{event: event, message: message})
	return nil
}

func (f *fakeAlerter) NotifyAll(_ context.Context, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alertRecord{message: message, fatal: true})
	return nil
}

type fakeBus struct {
	mu        sync.Mutex
	published [][]byte
	stream    [][]byte
}

func (f *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stream = append(f.stream, payload)
	return nil
}

func (f *fakeBus) StreamRecent(context.Context, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) Recent(context.Context, int) ([]domain.AuditEntry, error) { return nil, nil }

type brokenLedger struct{ domain.Ledger }

func (brokenLedger) Reserve(context.Context, domain.EventIdentity, string) (bool, error) {
	return false, errors.New("connection refused")
}

// flakyLedger wraps a working ledger and overrides selected calls.
type flakyLedger struct {
	*ledger.Memory
	confirmErr error
	recordErr  error
}

func (f *flakyLedger) Confirm(ctx context.Context, id domain.EventIdentity, token string) error {
	if f.confirmErr != nil {
		return f.confirmErr
	}
	return f.Memory.Confirm(ctx, id, token)
}

func (f *flakyLedger) Record(ctx context.Context, entry domain.LedgerEntry) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	return f.Memory.Record(ctx, entry)
}

type harness struct {
	d        *Dispatcher
	ledger   *ledger.Memory
	analyzer *fakeAnalyzer
	provider *fakeProvider
	alerter  *fakeAlerter
	bus      *fakeBus
	audit    *fakeAudit
}

func newHarness(t *testing.T, res domain.AnalysisResult, dryRun bool) *harness {
	t.Helper()
	cfg := config.Defaults()
	table, err := decision.NewTable(cfg.Trading)
	require.NoError(t, err)

	h := &harness{
		ledger:   ledger.NewMemory(),
		analyzer: &fakeAnalyzer{res: res},
		provider: &fakeProvider{price: decimal.NewFromInt(50000)},
		alerter:  &fakeAlerter{},
		bus:      &fakeBus{},
		audit:    &fakeAudit{},
	}

	var provider exchange.Provider = h.provider
	if dryRun {
		provider = exchange.NewSimulator(h.provider, discardLogger())
	}

	h.d = New(Deps{
		Ledger:   h.ledger,
		Analyzer: h.analyzer,
		Engine:   decision.NewEngine(table, cfg.Trading.Symbol),
		Provider: provider,
		Alerter:  h.alerter,
		Bus:      h.bus,
		Audit:    h.audit,
	}, Config{
		MaxAttempts:     3,
		RetryBackoff:    time.Millisecond,
		AnalysisTimeout: time.Second,
		OrderTimeout:    time.Second,
	}, discardLogger())
	return h
}

var (
	fedBullish = domain.AnalysisResult{Topic: domain.TopicFedDecision, Direction: domain.DirectionBullish, Confidence: 0.97}
	testEvent  = domain.ContentEvent{
		UUID:      "b0c1",
		Source:    domain.SourceWebMonitor,
		URL:       "https://www.federalreserve.gov/newsevents/pressreleases/monetary20260917a.htm",
		ContentID: "fomc-2026-09-17",
		Content:   "The Federal Reserve lowered the target range by 50 basis points.",
	}
)

func (h *harness) entry(t *testing.T, ev domain.ContentEvent) domain.LedgerEntry {
	t.Helper()
	e, err := h.ledger.Get(context.Background(), ev.Identity())
	require.NoError(t, err)
	return e
}

func TestLiveExecution(t *testing.T) {
	h := newHarness(t, fedBullish, false)

	res, err := h.d.Process(context.Background(), testEvent)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, domain.OutcomeExecuted, res.Outcome)
	assert.False(t, res.Simulated)
	assert.Equal(t, "bfx-1", res.OrderID)

	require.Equal(t, 1, h.provider.placeCount())
	intent := h.provider.placed[0]
	assert.Equal(t, domain.SideBuy, intent.Side)
	assert.True(t, intent.Amount.Equal(decimal.RequireFromString("0.002")))
	assert.Equal(t, 20, intent.Leverage)
	assert.True(t, intent.LimitPrice.Equal(decimal.NewFromInt(50250)))

	e := h.entry(t, testEvent)
	assert.Equal(t, domain.OutcomeExecuted, e.Outcome)
	assert.Equal(t, domain.StageExecuted, e.Stage)
	assert.Equal(t, "bfx-1", e.OrderID)

	require.Len(t, h.alerter.alerts, 1)
	assert.Equal(t, "trade_executed", h.alerter.alerts[0].event)
	assert.Equal(t, "High-Confidence POSITIVE for tBTCF0:USTF0. Amt: 0.002, Lev: 20. Status: Succeeded.", h.alerter.alerts[0].message)
	assert.Len(t, h.bus.stream, 1)
	assert.Contains(t, h.audit.events, "order_placed")
}

func TestDryRunNeverCallsRealProvider(t *testing.T) {
	h := newHarness(t, fedBullish, true)
	assert.True(t, h.d.DryRun())

	res, err := h.d.Process(context.Background(), testEvent)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.True(t, res.Simulated)

	assert.Zero(t, h.provider.placeCount())
	e := h.entry(t, testEvent)
	assert.Equal(t, domain.OutcomeExecuted, e.Outcome)
	assert.True(t, e.Simulated)
	assert.NotContains(t, h.audit.events, "order_placed")
}

func TestDuplicateSequential(t *testing.T) {
	h := newHarness(t, fedBullish, false)

	_, err := h.d.Process(context.Background(), testEvent)
	require.NoError(t, err)

	redelivered := testEvent
	redelivered.UUID = "another-delivery"
	res, err := h.d.Process(context.Background(), redelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)

	assert.Equal(t, int32(1), h.analyzer.calls.Load())
	assert.Equal(t, 1, h.provider.placeCount())
}

func TestDuplicateConcurrent(t *testing.T) {
	h := newHarness(t, fedBullish, false)

	const n = 32
	var wg sync.WaitGroup
	outcomes := make([]domain.Outcome, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.d.Process(context.Background(), testEvent)
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	var executed, duplicate int
	for _, o := range outcomes {
		switch o {
		case domain.OutcomeExecuted:
			executed++
		case domain.OutcomeDuplicate:
			duplicate++
		}
	}
	assert.Equal(t, 1, executed)
	assert.Equal(t, n-1, duplicate)
	assert.Equal(t, 1, h.provider.placeCount())
}

func TestNoActionNeverTouchesProvider(t *testing.T) {
	tests := []struct {
		name   string
		res    domain.AnalysisResult
		reason domain.SkipReason
	}{
		{"below threshold", domain.AnalysisResult{Topic: domain.TopicFedDecision, Direction: domain.DirectionBullish, Confidence: 0.91}, domain.SkipBelowThreshold},
		{"neutral high confidence", domain.AnalysisResult{Topic: domain.TopicBitcoin, Direction: domain.DirectionNeutral, Confidence: 0.99}, domain.SkipNeutralDirection},
		{"irrelevant", domain.AnalysisResult{Topic: domain.TopicOther, Direction: domain.DirectionNeutral}, domain.SkipIrrelevant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.res, false)

			res, err := h.d.Process(context.Background(), testEvent)
			require.NoError(t, err)
			assert.Equal(t, StatusSkipped, res.Status)
			assert.Equal(t, string(tt.reason), res.Reason)

			assert.Zero(t, h.provider.priceCalls)
			assert.Zero(t, h.provider.placeCount())
			e := h.entry(t, testEvent)
			assert.Equal(t, domain.OutcomeSkipped, e.Outcome)
			assert.Equal(t, string(tt.reason), e.Reason)
			assert.Empty(t, h.alerter.alerts)
		})
	}
}

func TestAnalysisFailureIsRecorded(t *testing.T) {
	h := newHarness(t, domain.AnalysisResult{}, false)
	h.analyzer.err = errors.New("model timed out")

	res, err := h.d.Process(context.Background(), testEvent)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAnalysisUnavailable)
	assert.Equal(t, StatusError, res.Status)
	assert.NotContains(t, res.Message, "model timed out")

	e := h.entry(t, testEvent)
	assert.Equal(t, domain.OutcomeFailed, e.Outcome)
	assert.Equal(t, ReasonAnalysisUnavailable, e.Reason)

	// Redelivery does not loop back into analysis.
	res, err = h.d.Process(context.Background(), testEvent)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int32(1), h.analyzer.calls.Load())

	require.Len(t, h.alerter.alerts, 1)
	assert.Equal(t, "error", h.alerter.alerts[0].event)
}

func TestRejectedIsNotRetried(t *testing.T) {
	h := newHarness(t, fedBullish, false)
	h.provider.placeErrs = []error{errors.Join(domain.ErrRejectedByExchange, errors.New("not enough margin"))}

	res, err := h.d.Process(context.Background(), testEvent)
	assert.ErrorIs(t, err, domain.ErrRejectedByExchange)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, h.provider.placeCount())

	e := h.entry(t, testEvent)
	assert.Equal(t, domain.OutcomeFailed, e.Outcome)
	assert.Equal(t, ReasonRejected, e.Reason)

	require.Len(t, h.alerter.alerts, 1)
	assert.Equal(t, "trade_failed", h.alerter.alerts[0].event)
	assert.Contains(t, h.alerter.alerts[0].message, "Status: Failed.")
}

func TestTransientIsRetriedUpToBound(t *testing.T) {
	h := newHarness(t, fedBullish, false)
	h.provider.placeErrs = []error{domain.ErrTransientNetwork, domain.ErrTransientNetwork, domain.ErrTransientNetwork, nil}

	res, err := h.d.Process(context.Background(), testEvent)
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, h.provider.placeCount())
	assert.Equal(t, ReasonRetriesExhausted, h.entry(t, testEvent).Reason)
}

func TestTransientThenSuccess(t *testing.T) {
	h := newHarness(t, fedBullish, false)
	h.provider.placeErrs = []error{domain.ErrTransientNetwork, nil}

	res, err := h.d.Process(context.Background(), testEvent)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExecuted, res.Outcome)
	require.Equal(t, 2, h.provider.placeCount())

	cid := testEvent.Identity().ClientOrderID()
	assert.NotZero(t, cid)
	assert.Equal(t, cid, h.provider.placed[0].ClientOrderID)
	assert.Equal(t, cid, h.provider.placed[1].ClientOrderID, "retries reuse the client order id")
}

func TestUnconfirmedOrderIsNotRetried(t *testing.T) {
	h := newHarness(t, fedBullish, false)
	h.provider.placeErrs = []error{fmt.Errorf("read response after HTTP 200: %w", domain.ErrOrderUnconfirmed)}

	res, err := h.d.Process(context.Background(), testEvent)
	assert.ErrorIs(t, err, domain.ErrOrderUnconfirmed)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, h.provider.placeCount())
	assert.Equal(t, ReasonUnconfirmed, h.entry(t, testEvent).Reason)
}

func TestQuoteFailureIsRecorded(t *testing.T) {
	h := newHarness(t, fedBullish, false)
	h.provider.priceErr = domain.ErrTransientNetwork

	_, err := h.d.Process(context.Background(), testEvent)
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
	assert.Equal(t, 3, h.provider.priceCalls)
	assert.Zero(t, h.provider.placeCount())
	assert.Equal(t, ReasonPricing, h.entry(t, testEvent).Reason)
}

func TestAuthenticationFailureHaltsUntilAcknowledged(t *testing.T) {
	h := newHarness(t, fedBullish, false)
	h.provider.placeErrs = []error{errors.Join(domain.ErrAuthentication, errors.New("apikey: invalid"))}

	_, err := h.d.Process(context.Background(), testEvent)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.True(t, h.d.Halt().Halted())
	assert.Equal(t, ReasonAuthentication, h.entry(t, testEvent).Reason)
	assert.Contains(t, h.audit.events, "trading_halted")

	var fatal int
	for _, a := range h.alerter.alerts {
		if a.fatal {
			fatal++
		}
	}
	assert.Equal(t, 1, fatal)

	next := testEvent
	next.ContentID = "fomc-2026-10-29"
	res, err := h.d.Process(context.Background(), next)
	assert.ErrorIs(t, err, domain.ErrTradingHalted)
	assert.Equal(t, StatusError, res.Status)
	_, err = h.ledger.Get(context.Background(), next.Identity())
	assert.ErrorIs(t, err, domain.ErrNotFound, "a refused event must stay redeliverable")

	prev, cleared := h.d.Acknowledge(context.Background(), "ops")
	assert.True(t, cleared)
	assert.Contains(t, prev.Reason, "apikey")
	assert.Contains(t, h.audit.events, "trading_resumed")

	res, err = h.d.Process(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExecuted, res.Outcome)
}

func TestHaltTrippedMidPipelineKeepsEventRedeliverable(t *testing.T) {
	h := newHarness(t, fedBullish, false)
	h.analyzer.gate = make(chan struct{})

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.d.Process(context.Background(), testEvent)
		done <- outcome{res, err}
	}()
	require.Eventually(t, func() bool { return h.analyzer.calls.Load() == 1 }, time.Second, time.Millisecond)

	h.d.Halt().Trip("apikey: invalid")
	close(h.analyzer.gate)
	got := <-done

	assert.ErrorIs(t, got.err, domain.ErrTradingHalted)
	assert.Equal(t, StatusError, got.res.Status)
	assert.Zero(t, h.provider.placeCount())
	_, err := h.ledger.Get(context.Background(), testEvent.Identity())
	assert.ErrorIs(t, err, domain.ErrNotFound, "a refused event must stay redeliverable")

	_, cleared := h.d.Acknowledge(context.Background(), "ops")
	require.True(t, cleared)

	res, err := h.d.Process(context.Background(), testEvent)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExecuted, res.Outcome)
	assert.Equal(t, 1, h.provider.placeCount())
}

func TestExpiredReservationPlacesOnce(t *testing.T) {
	h := newHarness(t, fedBullish, false)
	mr := miniredis.RunT(t)
	c, err := redis.New(context.Background(), redis.ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	l := redis.NewLedger(c, time.Second)
	h.d.deps.Ledger = l
	h.analyzer.gate = make(chan struct{})

	results := make(chan Result, 2)
	deliver := func() {
		res, err := h.d.Process(context.Background(), testEvent)
		assert.NoError(t, err)
		results <- res
	}

	go deliver()
	require.Eventually(t, func() bool { return h.analyzer.calls.Load() == 1 }, time.Second, time.Millisecond)

	// The first delivery is stuck in analysis past its reservation TTL.
	mr.FastForward(2 * time.Second)
	go deliver()
	require.Eventually(t, func() bool { return h.analyzer.calls.Load() == 2 }, time.Second, time.Millisecond)

	close(h.analyzer.gate)
	outcomes := []domain.Outcome{(<-results).Outcome, (<-results).Outcome}

	assert.ElementsMatch(t, []domain.Outcome{domain.OutcomeExecuted, domain.OutcomeDuplicate}, outcomes)
	assert.Equal(t, 1, h.provider.placeCount())
	e, err := l.Get(context.Background(), testEvent.Identity())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExecuted, e.Outcome)
}

func TestConfirmFailureNeverPlaces(t *testing.T) {
	h := newHarness(t, fedBullish, false)
	h.d.deps.Ledger = &flakyLedger{Memory: h.ledger, confirmErr: errors.New("i/o timeout")}

	res, err := h.d.Process(context.Background(), testEvent)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	assert.Equal(t, StatusError, res.Status)
	assert.Zero(t, h.provider.placeCount())
	assert.Equal(t, ReasonLedgerUnavailable, h.entry(t, testEvent).Reason)
}

func TestRecordConflictIsNotLedgerUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"terminal entry exists", domain.ErrAlreadyExists},
		{"reservation lost", domain.ErrReservationLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, domain.AnalysisResult{Topic: domain.TopicOther, Direction: domain.DirectionNeutral}, false)
			h.d.deps.Ledger = &flakyLedger{Memory: h.ledger, recordErr: fmt.Errorf("ledger: record: %w", tt.err)}

			res, err := h.d.Process(context.Background(), testEvent)
			assert.ErrorIs(t, err, tt.err)
			assert.NotErrorIs(t, err, domain.ErrLedgerUnavailable)
			assert.Equal(t, StatusError, res.Status)
		})
	}

	h := newHarness(t, domain.AnalysisResult{Topic: domain.TopicOther, Direction: domain.DirectionNeutral}, false)
	h.d.deps.Ledger = &flakyLedger{Memory: h.ledger, recordErr: errors.New("connection reset")}
	_, err := h.d.Process(context.Background(), testEvent)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestDryRunIgnoresHalt(t *testing.T) {
	h := newHarness(t, fedBullish, true)
	h.d.Halt().Trip("stale")

	res, err := h.d.Process(context.Background(), testEvent)
	require.NoError(t, err)
	assert.True(t, res.Simulated)
}

func TestValidationFailureLeavesNoEntry(t *testing.T) {
	h := newHarness(t, fedBullish, false)
	ev := testEvent
	ev.Content = "  "

	res, err := h.d.Process(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, StatusError, res.Status)
	assert.Zero(t, h.ledger.Len())
	assert.Zero(t, h.analyzer.calls.Load())
}

func TestLedgerUnavailableFailsClosed(t *testing.T) {
	h := newHarness(t, fedBullish, false)
	h.d.deps.Ledger = brokenLedger{}

	_, err := h.d.Process(context.Background(), testEvent)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	assert.Zero(t, h.analyzer.calls.Load())
	assert.Zero(t, h.provider.placeCount())
}

func TestCancelledRequestStillFinalizes(t *testing.T) {
	h := newHarness(t, fedBullish, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.d.Process(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExecuted, res.Outcome)
	assert.True(t, h.analyzer.ctxOK.Load())
}

func TestDrainWaitsForInFlight(t *testing.T) {
	h := newHarness(t, fedBullish, true)
	h.analyzer.gate = make(chan struct{})

	done := make(chan Result, 1)
	go func() {
		res, _ := h.d.Process(context.Background(), testEvent)
		done <- res
	}()
	require.Eventually(t, func() bool { return h.d.InFlight() == 1 }, time.Second, time.Millisecond)

	// Drain times out while the event is blocked in analysis.
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.d.Drain(short), context.DeadlineExceeded)

	// New events are refused once draining.
	other := testEvent
	other.ContentID = "other"
	_, err := h.d.Process(context.Background(), other)
	assert.ErrorIs(t, err, ErrDraining)

	close(h.analyzer.gate)
	require.NoError(t, h.d.Drain(context.Background()))
	res := <-done
	assert.Equal(t, domain.OutcomeExecuted, res.Outcome)
	assert.Equal(t, domain.OutcomeExecuted, h.entry(t, testEvent).Outcome)
	assert.Zero(t, h.d.InFlight())
}

func TestRetryTransientHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	n, err := retryTransient(ctx, 5, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return domain.ErrTransientNetwork
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
}

func TestHaltTripOnce(t *testing.T) {
	h := NewHalt()
	assert.True(t, h.Trip("first"))
	assert.False(t, h.Trip("second"))
	assert.Equal(t, "first", h.State().Reason)

	prev, ok := h.Acknowledge()
	assert.True(t, ok)
	assert.Equal(t, "first", prev.Reason)
	_, ok = h.Acknowledge()
	assert.False(t, ok)
}
