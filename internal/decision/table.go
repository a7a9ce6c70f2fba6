// Package decision maps analysis results to parameterized limit orders.
package decision

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/config"
	"github.com/alanyoungcy/signalbot/internal/domain"
)

// TopicClass selects which cutoffs and sizing rows apply to a topic.
type TopicClass string

const (
	ClassFedDecision TopicClass = "fed_decision"
	ClassBitcoin     TopicClass = "bitcoin"
	ClassGeneric     TopicClass = "generic"
)

// ClassOf resolves the topic class. Topics with their own table take
// precedence; everything else is generic.
func ClassOf(topic domain.Topic) TopicClass {
	switch topic {
	case domain.TopicFedDecision:
		return ClassFedDecision
	case domain.TopicBitcoin:
		return ClassBitcoin
	default:
		return ClassGeneric
	}
}

// Tier is a discretized confidence level.
type Tier string

const (
	TierNone   Tier = "none"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Cutoffs are the inclusive lower bounds of the medium and high tiers.
type Cutoffs struct {
	High   float64
	Medium float64
}

// Tier resolves a confidence value. Both boundaries are inclusive.
func (c Cutoffs) Tier(confidence float64) Tier {
	switch {
	case confidence >= c.High:
		return TierHigh
	case confidence >= c.Medium:
		return TierMedium
	default:
		return TierNone
	}
}

// Params are the order parameters selected for one (class, side, tier).
type Params struct {
	Amount      decimal.Decimal
	Leverage    int
	LimitOffset float64
}

type paramKey struct {
	class TopicClass
	side  domain.Side
	tier  Tier
}

// Table is the immutable trade-parameter table. It is total over every
// reachable (class, side, tier) combination.
type Table struct {
	cutoffs map[TopicClass]Cutoffs
	params  map[paramKey]Params
}

var (
	allClasses = []TopicClass{ClassFedDecision, ClassBitcoin, ClassGeneric}
	allSides   = []domain.Side{domain.SideBuy, domain.SideShort}
	tradeTiers = []Tier{TierMedium, TierHigh}
)

// NewTable builds the table from configuration and rejects it with
// domain.ErrConfiguration when any reachable entry is missing or malformed.
func NewTable(cfg config.TradingConfig) (*Table, error) {
	t := &Table{
		cutoffs: make(map[TopicClass]Cutoffs, len(allClasses)),
		params:  make(map[paramKey]Params, len(allClasses)*len(allSides)*len(tradeTiers)),
	}

	classes := map[TopicClass]config.TopicClassConfig{
		ClassFedDecision: cfg.Fed,
		ClassBitcoin:     cfg.Bitcoin,
		ClassGeneric:     cfg.Generic,
	}
	offsets := map[domain.Side]float64{
		domain.SideBuy:   cfg.BuyLimitOffset,
		domain.SideShort: cfg.ShortLimitOffset,
	}

	for side, off := range offsets {
		if off < 0 || off >= 1 {
			return nil, fmt.Errorf("decision: %s limit offset %v outside [0,1): %w", side, off, domain.ErrConfiguration)
		}
	}

	for _, class := range allClasses {
		cc := classes[class]
		if !(cc.MedCutoff > 0 && cc.MedCutoff <= cc.HighCutoff && cc.HighCutoff <= 1) {
			return nil, fmt.Errorf("decision: %s cutoffs med=%v high=%v must satisfy 0 < med <= high <= 1: %w",
				class, cc.MedCutoff, cc.HighCutoff, domain.ErrConfiguration)
		}
		t.cutoffs[class] = Cutoffs{High: cc.HighCutoff, Medium: cc.MedCutoff}

		rows := map[paramKey]config.OrderSizing{
			{class, domain.SideBuy, TierHigh}:     cc.BuyHigh,
			{class, domain.SideBuy, TierMedium}:   cc.BuyMed,
			{class, domain.SideShort, TierHigh}:   cc.ShortHigh,
			{class, domain.SideShort, TierMedium}: cc.ShortMed,
		}
		for key, row := range rows {
			p, err := buildParams(key, row, offsets[key.side])
			if err != nil {
				return nil, err
			}
			t.params[key] = p
		}
	}

	return t, nil
}

func buildParams(key paramKey, row config.OrderSizing, offset float64) (Params, error) {
	amount := decimal.NewFromFloat(row.Amount)
	switch {
	case amount.IsZero():
		return Params{}, fmt.Errorf("decision: %s %s %s amount is missing: %w", key.class, key.side, key.tier, domain.ErrConfiguration)
	case key.side == domain.SideBuy && amount.IsNegative():
		return Params{}, fmt.Errorf("decision: %s BUY %s amount %s must be positive: %w", key.class, key.tier, amount, domain.ErrConfiguration)
	case key.side == domain.SideShort && amount.IsPositive():
		return Params{}, fmt.Errorf("decision: %s SHORT %s amount %s must be negative: %w", key.class, key.tier, amount, domain.ErrConfiguration)
	}
	if row.Leverage <= 0 {
		return Params{}, fmt.Errorf("decision: %s %s %s leverage %d must be positive: %w", key.class, key.side, key.tier, row.Leverage, domain.ErrConfiguration)
	}
	return Params{Amount: amount, Leverage: row.Leverage, LimitOffset: offset}, nil
}

// Cutoffs returns the cutoffs of a class.
func (t *Table) Cutoffs(class TopicClass) Cutoffs {
	return t.cutoffs[class]
}

// Lookup returns the parameters of a tradable combination. The boolean is
// false only for TierNone, which NewTable guarantees is the sole gap.
func (t *Table) Lookup(class TopicClass, side domain.Side, tier Tier) (Params, bool) {
	p, ok := t.params[paramKey{class, side, tier}]
	return p, ok
}
