package domain

import "math"

// Topic is the subject an analysis provider assigned to a content event.
type Topic string

const (
	TopicFedDecision Topic = "fed_decision"
	TopicMarket      Topic = "market"
	TopicBitcoin     Topic = "bitcoin"
	TopicTariffs     Topic = "tariffs"
	// TopicOther marks content the provider judged irrelevant for trading.
	TopicOther Topic = "others"
)

// Direction is the expected price impact.
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
	DirectionNeutral Direction = "neutral"
)

// AnalysisResult is the provider-independent output consumed by the decision
// engine. It lives only as long as the decision it feeds.
type AnalysisResult struct {
	Provider   string
	Topic      Topic
	Direction  Direction
	Confidence float64
	Rationale  string
	// Detail holds provider-specific annotations for logging only.
	Detail map[string]string
}

// Relevant reports whether the provider considered the content tradable.
func (r AnalysisResult) Relevant() bool {
	return r.Topic != "" && r.Topic != TopicOther
}

// Validate enforces the result invariants: confidence in [0,1] and a known
// direction.
func (r AnalysisResult) Validate() error {
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return invalid("confidence", "%v is outside [0,1]", r.Confidence)
	}
	switch r.Direction {
	case DirectionBullish, DirectionBearish, DirectionNeutral:
	default:
		return invalid("direction", "unknown direction %q", r.Direction)
	}
	return nil
}
