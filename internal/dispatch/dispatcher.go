// Package dispatch runs each content event through the pipeline: reserve in
// the ledger, analyze, decide, execute (or simulate), record, alert. The
// ledger entry is finalized exactly once per event identity.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/decision"
	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/exchange"
	"github.com/alanyoungcy/signalbot/internal/notify"
)

// ErrDraining is returned for events that arrive after Drain started.
var ErrDraining = errors.New("dispatcher is draining")

// DecisionsChannel is the bus channel and stream decisions are published to.
const DecisionsChannel = "decisions"

// Failure reasons stored on failed ledger entries.
const (
	ReasonAnalysisUnavailable = "analysis_unavailable"
	ReasonPricing             = "reference_price_unavailable"
	ReasonRejected            = "rejected_by_exchange"
	ReasonRetriesExhausted    = "transient_retries_exhausted"
	ReasonUnconfirmed         = "order_unconfirmed"
	ReasonAuthentication      = "authentication_failed"
	ReasonLedgerUnavailable   = "ledger_unavailable"
	ReasonInternal            = "internal_error"
)

// Status is the caller-facing summary of a processed event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Analyzer produces analysis results. Implemented by *analysis.Router.
type Analyzer interface {
	Analyze(ctx context.Context, ev domain.ContentEvent) (domain.AnalysisResult, error)
}

// Alerter delivers operator alerts. Implemented by *notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
	NotifyAll(ctx context.Context, title, message string) error
}

// Config tunes timeouts and retries.
type Config struct {
	MaxAttempts     int
	RetryBackoff    time.Duration
	AnalysisTimeout time.Duration
	OrderTimeout    time.Duration
	AlertTitle      string
}

// Result is what the intake endpoint reports back.
type Result struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message"`
	Outcome   domain.Outcome `json:"outcome,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Simulated bool           `json:"simulated,omitempty"`
	OrderID   string         `json:"order_id,omitempty"`
}

// Deps are the collaborators of a Dispatcher. Alerter, Bus and Audit are
// optional.
type Deps struct {
	Ledger   domain.Ledger
	Analyzer Analyzer
	Engine   *decision.Engine
	Provider exchange.Provider
	Alerter  Alerter
	Bus      domain.DecisionBus
	Audit    domain.AuditLog
}

// Dispatcher processes content events. It is safe for concurrent use.
type Dispatcher struct {
	deps   Deps
	cfg    Config
	halt   *Halt
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	inflight atomic.Int64
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.AlertTitle == "" {
		cfg.AlertTitle = "signalbot"
	}
	return &Dispatcher{
		deps:   deps,
		cfg:    cfg,
		halt:   NewHalt(),
		logger: logger.With(slog.String("component", "dispatcher")),
		now:    time.Now,
	}
}

// DryRun reports whether orders are simulated.
func (d *Dispatcher) DryRun() bool { return d.deps.Provider.Simulated() }

// Halt returns the live-trading halt.
func (d *Dispatcher) Halt() *Halt { return d.halt }

// InFlight returns the number of events currently being processed.
func (d *Dispatcher) InFlight() int64 { return d.inflight.Load() }

// Acknowledge clears an authentication halt on behalf of operator.
func (d *Dispatcher) Acknowledge(ctx context.Context, operator string) (HaltState, bool) {
	prev, cleared := d.halt.Acknowledge()
	if !cleared {
		return prev, false
	}
	d.logger.WarnContext(ctx, "live trading resumed",
		slog.String("operator", operator),
		slog.String("halt_reason", prev.Reason),
		slog.Time("halted_since", prev.Since),
	)
	d.audit(ctx, "trading_resumed", map[string]any{
		"operator":     operator,
		"halt_reason":  prev.Reason,
		"halted_since": prev.Since,
	})
	return prev, true
}

func (d *Dispatcher) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return false
	}
	d.wg.Add(1)
	d.inflight.Add(1)
	return true
}

func (d *Dispatcher) leave() {
	d.inflight.Add(-1)
	d.wg.Done()
}

// Drain stops accepting events and waits until every in-flight event has a
// terminal ledger entry, or ctx ends.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: drain: %d event(s) still in flight: %w", d.inflight.Load(), ctx.Err())
	}
}

// Process runs ev through the pipeline. Validation failures wrap
// domain.ErrValidation and leave no ledger entry. Duplicates and no-action
// decisions are not errors.
//
// Processing continues if ctx is cancelled after the reservation; the event
// always reaches a terminal ledger entry.
func (d *Dispatcher) Process(ctx context.Context, ev domain.ContentEvent) (Result, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = d.now()
	}
	if err := ev.Validate(); err != nil {
		return Result{Status: StatusError, Message: err.Error()}, fmt.Errorf("dispatch: %w", err)
	}

	id := ev.Identity()
	logger := d.logger.With(
		slog.String("source", string(id.Source)),
		slog.String("content_id", id.ContentID),
		slog.String("uuid", ev.UUID),
	)

	if !d.enter() {
		return internalError(), fmt.Errorf("dispatch: %s: %w", id, ErrDraining)
	}
	defer d.leave()

	// New live attempts are refused while halted. Nothing is reserved, so
	// the event can be redelivered after acknowledgement.
	if !d.DryRun() && d.halt.Halted() {
		logger.WarnContext(ctx, "event refused, live trading halted")
		return haltedResult(), fmt.Errorf("dispatch: %s: %w", id, domain.ErrTradingHalted)
	}

	work := context.WithoutCancel(ctx)
	token := uuid.NewString()

	reserved, err := d.deps.Ledger.Reserve(work, id, token)
	if err != nil {
		logger.ErrorContext(ctx, "ledger unavailable, refusing event", slog.String("error", err.Error()))
		return internalError(), fmt.Errorf("dispatch: reserve %s: %w: %w", id, domain.ErrLedgerUnavailable, err)
	}
	if !reserved {
		logger.InfoContext(ctx, "duplicate event skipped", slog.String("stage", string(domain.StageReceived)))
		return duplicateResult(), nil
	}

	return d.run(work, logger, ev, id, token)
}

// run executes the pipeline for an identity reserved under token.
func (d *Dispatcher) run(ctx context.Context, logger *slog.Logger, ev domain.ContentEvent, id domain.EventIdentity, token string) (Result, error) {
	t := &trace{d: d, logger: logger, id: id, token: token}

	analysisCtx, cancel := withTimeout(ctx, d.cfg.AnalysisTimeout)
	res, err := d.deps.Analyzer.Analyze(analysisCtx, ev)
	cancel()
	if err != nil {
		if !errors.Is(err, domain.ErrAnalysisUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrAnalysisUnavailable, err)
		}
		d.alert(ctx, notify.EventError, fmt.Sprintf("Analysis failed for %s.", id))
		return t.fail(ctx, domain.StageDeduplicated, ReasonAnalysisUnavailable, err)
	}
	t.analysis = &res
	logger = logger.With(
		slog.String("topic", string(res.Topic)),
		slog.String("direction", string(res.Direction)),
		slog.Float64("confidence", res.Confidence),
	)
	t.logger = logger

	quoter := retryingQuoter{provider: d.deps.Provider, attempts: d.cfg.MaxAttempts, backoff: d.cfg.RetryBackoff}
	quoteCtx, cancel := withTimeout(ctx, d.cfg.OrderTimeout*time.Duration(d.cfg.MaxAttempts))
	intent, plan, err := d.deps.Engine.Decide(quoteCtx, res, quoter)
	cancel()
	t.plan = &plan
	if err != nil {
		reason := ReasonPricing
		if errors.Is(err, domain.ErrConfiguration) || errors.Is(err, domain.ErrValidation) {
			reason = ReasonInternal
		}
		return t.fail(ctx, domain.StageAnalyzed, reason, err)
	}

	if intent == nil {
		return t.skip(ctx, plan.Reason)
	}
	intent.ClientOrderID = id.ClientOrderID()
	t.intent = intent
	logger.InfoContext(ctx, "order decided",
		slog.Int64("cid", intent.ClientOrderID),
		slog.String("stage", string(domain.StageDecided)),
		slog.String("description", intent.Description),
		slog.String("side", string(intent.Side)),
		slog.String("amount", intent.Amount.String()),
		slog.Int("leverage", intent.Leverage),
		slog.String("reference_price", intent.ReferencePrice.String()),
		slog.String("limit_price", intent.LimitPrice.String()),
	)

	simulated := d.DryRun()
	if !simulated && d.halt.Halted() {
		return t.release(ctx)
	}

	// The reservation may have lapsed while analysis ran and been taken by
	// a redelivery; only the current holder may place the order.
	if err := d.deps.Ledger.Confirm(ctx, id, token); err != nil {
		if errors.Is(err, domain.ErrReservationLost) {
			logger.WarnContext(ctx, "reservation lost before order, event owned by another delivery",
				slog.String("stage", string(domain.StageDecided)),
			)
			return duplicateResult(), nil
		}
		return t.fail(ctx, domain.StageDecided, ReasonLedgerUnavailable, fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err))
	}

	var receipt domain.OrderReceipt
	attempts, err := retryTransient(ctx, d.cfg.MaxAttempts, d.cfg.RetryBackoff, func(ctx context.Context) error {
		orderCtx, cancel := withTimeout(ctx, d.cfg.OrderTimeout)
		defer cancel()
		var perr error
		receipt, perr = d.deps.Provider.PlaceLimitOrder(orderCtx, *intent)
		if perr != nil && errors.Is(orderCtx.Err(), context.DeadlineExceeded) &&
			!errors.Is(perr, domain.ErrTransientNetwork) && !errors.Is(perr, domain.ErrOrderUnconfirmed) {
			perr = fmt.Errorf("%w: %w", domain.ErrTransientNetwork, perr)
		}
		return perr
	})
	if err != nil {
		reason := ReasonRejected
		switch {
		case errors.Is(err, domain.ErrAuthentication):
			reason = ReasonAuthentication
			d.tripHalt(ctx, id, err)
		case errors.Is(err, domain.ErrOrderUnconfirmed):
			reason = ReasonUnconfirmed
		case errors.Is(err, domain.ErrTransientNetwork):
			reason = ReasonRetriesExhausted
		}
		logger.ErrorContext(ctx, "order failed",
			slog.Int64("cid", intent.ClientOrderID),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		d.tradeAlert(ctx, intent, false, simulated)
		return t.fail(ctx, domain.StageDecided, reason, err)
	}

	d.tradeAlert(ctx, intent, true, receipt.Simulated)
	if !receipt.Simulated {
		d.audit(ctx, "order_placed", map[string]any{
			"identity":    id.String(),
			"order_id":    receipt.OrderID,
			"symbol":      intent.Symbol,
			"amount":      intent.Amount.String(),
			"leverage":    intent.Leverage,
			"limit_price": intent.LimitPrice.String(),
		})
	}
	return t.executed(ctx, receipt, attempts)
}

// trace carries per-event state to the terminal step.
type trace struct {
	d        *Dispatcher
	logger   *slog.Logger
	id       domain.EventIdentity
	token    string
	analysis *domain.AnalysisResult
	plan     *decision.Plan
	intent   *domain.OrderIntent
}

func (t *trace) skip(ctx context.Context, reason domain.SkipReason) (Result, error) {
	entry := domain.LedgerEntry{
		Identity: t.id,
		Outcome:  domain.OutcomeSkipped,
		Stage:    domain.StageDecided,
		Reason:   string(reason),
	}
	if err := t.record(ctx, entry); err != nil {
		return internalError(), err
	}
	t.logger.InfoContext(ctx, "no action", slog.String("reason", string(reason)))
	return Result{
		Status:  StatusSkipped,
		Message: "no action: " + string(reason),
		Outcome: domain.OutcomeSkipped,
		Reason:  string(reason),
	}, nil
}

// release hands the reservation back when a halt tripped mid-pipeline, so
// the event is treated like one refused before reservation.
func (t *trace) release(ctx context.Context) (Result, error) {
	t.logger.WarnContext(ctx, "event refused, live trading halted",
		slog.String("stage", string(domain.StageDecided)),
	)
	err := fmt.Errorf("dispatch: %s: %w", t.id, domain.ErrTradingHalted)
	if rerr := t.d.deps.Ledger.Release(ctx, t.id, t.token); rerr != nil {
		t.logger.ErrorContext(ctx, "release reservation failed", slog.String("error", rerr.Error()))
		return haltedResult(), errors.Join(err, rerr)
	}
	return haltedResult(), err
}

func (t *trace) fail(ctx context.Context, stage domain.Stage, reason string, cause error) (Result, error) {
	t.logger.ErrorContext(ctx, "event failed",
		slog.String("stage", string(stage)),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
	entry := domain.LedgerEntry{
		Identity: t.id,
		Outcome:  domain.OutcomeFailed,
		Stage:    stage,
		Reason:   reason,
	}
	if err := t.record(ctx, entry); err != nil {
		return internalError(), errors.Join(fmt.Errorf("dispatch: %s: %w", t.id, cause), err)
	}
	res := internalError()
	res.Outcome = domain.OutcomeFailed
	res.Reason = reason
	return res, fmt.Errorf("dispatch: %s: %w", t.id, cause)
}

func (t *trace) executed(ctx context.Context, receipt domain.OrderReceipt, attempts int) (Result, error) {
	entry := domain.LedgerEntry{
		Identity:  t.id,
		Outcome:   domain.OutcomeExecuted,
		Stage:     domain.StageExecuted,
		Simulated: receipt.Simulated,
		OrderID:   receipt.OrderID,
	}
	if err := t.record(ctx, entry); err != nil {
		// The order is out; only the bookkeeping failed.
		t.logger.ErrorContext(ctx, "order placed but ledger finalize failed",
			slog.String("order_id", receipt.OrderID),
			slog.String("error", err.Error()),
		)
		return internalError(), err
	}
	t.logger.InfoContext(ctx, "event executed",
		slog.String("stage", string(domain.StageExecuted)),
		slog.String("order_id", receipt.OrderID),
		slog.Bool("simulated", receipt.Simulated),
		slog.Int("attempts", attempts),
	)
	msg := "order placed"
	if receipt.Simulated {
		msg = "simulated order logged"
	}
	return Result{
		Status:    StatusSuccess,
		Message:   msg,
		Outcome:   domain.OutcomeExecuted,
		Simulated: receipt.Simulated,
		OrderID:   receipt.OrderID,
	}, nil
}

// record finalizes the ledger entry and publishes the decision.
func (t *trace) record(ctx context.Context, entry domain.LedgerEntry) error {
	entry.DecidedAt = t.d.now()
	entry.Token = t.token
	if err := t.d.deps.Ledger.Record(ctx, entry); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) || errors.Is(err, domain.ErrReservationLost) {
			t.logger.ErrorContext(ctx, "ledger entry finalized by another delivery",
				slog.String("outcome", string(entry.Outcome)),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("dispatch: record %s: %w", t.id, err)
		}
		return fmt.Errorf("dispatch: record %s: %w: %w", t.id, domain.ErrLedgerUnavailable, err)
	}
	t.publish(ctx, entry)
	return nil
}

// decisionEvent is the bus payload for a finalized event.
type decisionEvent struct {
	Identity   string           `json:"identity"`
	Outcome    domain.Outcome   `json:"outcome"`
	Stage      domain.Stage     `json:"stage"`
	Reason     string           `json:"reason,omitempty"`
	Topic      domain.Topic     `json:"topic,omitempty"`
	Direction  domain.Direction `json:"direction,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	Tier       string           `json:"tier,omitempty"`
	Side       domain.Side      `json:"side,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Leverage   int              `json:"leverage,omitempty"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	Simulated  bool             `json:"simulated"`
	OrderID    string           `json:"order_id,omitempty"`
	DecidedAt  time.Time        `json:"decided_at"`
}

func (t *trace) publish(ctx context.Context, entry domain.LedgerEntry) {
	bus := t.d.deps.Bus
	if bus == nil {
		return
	}

	ev := decisionEvent{
		Identity:  entry.Identity.String(),
		Outcome:   entry.Outcome,
		Stage:     entry.Stage,
		Reason:    entry.Reason,
		Simulated: entry.Simulated,
		OrderID:   entry.OrderID,
		DecidedAt: entry.DecidedAt,
	}
	if t.analysis != nil {
		ev.Topic = t.analysis.Topic
		ev.Direction = t.analysis.Direction
		ev.Confidence = t.analysis.Confidence
	}
	if t.plan != nil {
		ev.Tier = string(t.plan.Tier)
	}
	if t.intent != nil {
		ev.Side = t.intent.Side
		ev.Amount = &t.intent.Amount
		ev.Leverage = t.intent.Leverage
		ev.LimitPrice = &t.intent.LimitPrice
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := bus.Publish(ctx, DecisionsChannel, payload); err != nil {
		t.logger.WarnContext(ctx, "publish decision failed", slog.String("error", err.Error()))
	}
	if err := bus.StreamAppend(ctx, DecisionsChannel, payload); err != nil {
		t.logger.WarnContext(ctx, "append decision stream failed", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) tripHalt(ctx context.Context, id domain.EventIdentity, cause error) {
	if !d.halt.Trip(cause.Error()) {
		return
	}
	d.logger.ErrorContext(ctx, "exchange authentication failed, live trading halted until acknowledged",
		slog.String("identity", id.String()),
		slog.String("error", cause.Error()),
	)
	d.audit(ctx, "trading_halted", map[string]any{
		"identity": id.String(),
		"error":    cause.Error(),
	})
	if d.deps.Alerter != nil {
		msg := fmt.Sprintf("FATAL: exchange authentication failed while processing %s. Live trading is halted until acknowledged.", id)
		if err := d.deps.Alerter.NotifyAll(ctx, d.cfg.AlertTitle, msg); err != nil {
			d.logger.WarnContext(ctx, "fatal alert failed", slog.String("error", err.Error()))
		}
	}
}

func (d *Dispatcher) tradeAlert(ctx context.Context, intent *domain.OrderIntent, ok, simulated bool) {
	a := notify.TradeAlert{
		Description: intent.Description,
		Symbol:      intent.Symbol,
		Amount:      intent.Amount,
		Leverage:    intent.Leverage,
		Succeeded:   ok,
		Simulated:   simulated,
	}
	d.alert(ctx, a.Event(), a.Message())
}

func (d *Dispatcher) alert(ctx context.Context, event, message string) {
	if d.deps.Alerter == nil {
		return
	}
	if err := d.deps.Alerter.Notify(ctx, event, d.cfg.AlertTitle, message); err != nil {
		d.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) audit(ctx context.Context, event string, detail map[string]any) {
	if d.deps.Audit == nil {
		return
	}
	if err := d.deps.Audit.Log(ctx, event, detail); err != nil {
		d.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func duplicateResult() Result {
	return Result{Status: StatusSkipped, Message: "duplicate event", Outcome: domain.OutcomeDuplicate}
}

func haltedResult() Result {
	return Result{Status: StatusError, Message: "live trading halted"}
}

// internalError is the generic result for failures; provider detail stays in
// the logs.
func internalError() Result {
	return Result{Status: StatusError, Message: "event processing failed"}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// retryingQuoter retries transient quote failures.
type retryingQuoter struct {
	provider exchange.Provider
	attempts int
	backoff  time.Duration
}

func (q retryingQuoter) ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var price decimal.Decimal
	_, err := retryTransient(ctx, q.attempts, q.backoff, func(ctx context.Context) error {
		var err error
		price, err = q.provider.ReferencePrice(ctx, symbol)
		return err
	})
	return price, err
}
