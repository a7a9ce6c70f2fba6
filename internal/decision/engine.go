package decision

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// Quoter supplies the reference price used to derive the limit price.
type Quoter interface {
	ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Plan is the outcome of the pure part of a decision. When Action is false,
// Reason says why no order follows.
type Plan struct {
	Action bool
	Reason domain.SkipReason
	Class  TopicClass
	Tier   Tier
	Side   domain.Side
	Params Params
}

// Engine turns analysis results into order intents. It holds no mutable state.
type Engine struct {
	table  *Table
	symbol string
}

// NewEngine creates an Engine trading symbol with the given table.
func NewEngine(table *Table, symbol string) *Engine {
	return &Engine{table: table, symbol: symbol}
}

// Symbol returns the traded instrument.
func (e *Engine) Symbol() string { return e.symbol }

// Plan resolves class, tier, and side for a result. It performs no I/O.
func (e *Engine) Plan(r domain.AnalysisResult) (Plan, error) {
	if err := r.Validate(); err != nil {
		return Plan{}, err
	}
	if !r.Relevant() {
		return Plan{Reason: domain.SkipIrrelevant, Class: ClassOf(r.Topic), Tier: TierNone}, nil
	}

	class := ClassOf(r.Topic)
	tier := e.table.Cutoffs(class).Tier(r.Confidence)
	plan := Plan{Class: class, Tier: tier}
	if tier == TierNone {
		plan.Reason = domain.SkipBelowThreshold
		return plan, nil
	}

	switch r.Direction {
	case domain.DirectionBullish:
		plan.Side = domain.SideBuy
	case domain.DirectionBearish:
		plan.Side = domain.SideShort
	default:
		plan.Reason = domain.SkipNeutralDirection
		return plan, nil
	}

	params, ok := e.table.Lookup(class, plan.Side, tier)
	if !ok {
		return Plan{}, fmt.Errorf("decision: no parameters for %s %s %s: %w", class, plan.Side, tier, domain.ErrConfiguration)
	}
	plan.Params = params
	plan.Action = true
	return plan, nil
}

// Decide plans r and, when actionable, prices the order intent. The quoter is
// only consulted for actionable plans. A nil intent means no action.
func (e *Engine) Decide(ctx context.Context, r domain.AnalysisResult, q Quoter) (*domain.OrderIntent, Plan, error) {
	plan, err := e.Plan(r)
	if err != nil || !plan.Action {
		return nil, plan, err
	}

	ref, err := q.ReferencePrice(ctx, e.symbol)
	if err != nil {
		return nil, plan, fmt.Errorf("decision: reference price: %w", err)
	}
	if !ref.IsPositive() {
		return nil, plan, fmt.Errorf("decision: reference price %s is not positive: %w", ref, domain.ErrRejectedByExchange)
	}

	intent := &domain.OrderIntent{
		Symbol:         e.symbol,
		Side:           plan.Side,
		Amount:         plan.Params.Amount,
		Leverage:       plan.Params.Leverage,
		LimitPrice:     LimitPrice(ref, plan.Side, plan.Params.LimitOffset),
		ReferencePrice: ref,
		LimitOffset:    plan.Params.LimitOffset,
		Description:    describe(plan),
	}
	return intent, plan, nil
}

// LimitPrice applies the offset above the reference for BUY and below it for
// SHORT.
func LimitPrice(ref decimal.Decimal, side domain.Side, offset float64) decimal.Decimal {
	off := decimal.NewFromFloat(offset)
	one := decimal.NewFromInt(1)
	if side == domain.SideShort {
		return ref.Mul(one.Sub(off))
	}
	return ref.Mul(one.Add(off))
}

// describe renders the alert label, e.g. "High-Confidence UP" or
// "Medium-Confidence NEGATIVE" for FED decisions.
func describe(p Plan) string {
	conf := "Medium"
	if p.Tier == TierHigh {
		conf = "High"
	}
	move := "UP"
	if p.Side == domain.SideShort {
		move = "DOWN"
	}
	if p.Class == ClassFedDecision {
		move = "POSITIVE"
		if p.Side == domain.SideShort {
			move = "NEGATIVE"
		}
	}
	return fmt.Sprintf("%s-Confidence %s", conf, move)
}
