package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

type topicReply struct {
	Result         string  `json:"result"` // ok | failed
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	ErrorMessage   string  `json:"error_message"`
}

type directionReply struct {
	Result       string  `json:"result"` // ok | failed
	Direction    string  `json:"direction"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
	ErrorMessage string  `json:"error_message"`
}

// SocialAnalyzer classifies social media posts in two stages: a topic
// classifier, then a direction model specific to the topic. The direction
// confidence is the one reported.
type SocialAnalyzer struct {
	llm    Completer
	logger *slog.Logger
}

// NewSocialAnalyzer creates a SocialAnalyzer.
func NewSocialAnalyzer(llm Completer, logger *slog.Logger) *SocialAnalyzer {
	return &SocialAnalyzer{
		llm:    llm,
		logger: logger.With(slog.String("component", "social_analyzer")),
	}
}

// Name implements Provider.
func (a *SocialAnalyzer) Name() string { return "social" }

// Analyze implements Provider.
func (a *SocialAnalyzer) Analyze(ctx context.Context, ev domain.ContentEvent) (domain.AnalysisResult, error) {
	logger := a.logger.With(slog.String("content_id", ev.Identity().ContentID))

	post := cleanHTML(ev.Content)
	if post == "" {
		logger.WarnContext(ctx, "post has no text after html cleanup, treated as irrelevant")
		return domain.AnalysisResult{
			Provider:  a.Name(),
			Topic:     domain.TopicOther,
			Direction: domain.DirectionNeutral,
			Rationale: "no text content",
		}, nil
	}

	var topic topicReply
	if err := a.llm.CompleteJSON(ctx, topicSystemPrompt, post, &topic); err != nil {
		return domain.AnalysisResult{}, err
	}
	if strings.EqualFold(topic.Result, "failed") {
		return domain.AnalysisResult{}, fmt.Errorf("analysis: topic classifier gave up: %s: %w", topic.ErrorMessage, domain.ErrAnalysisUnavailable)
	}
	if err := checkConfidence("topic", topic.Confidence); err != nil {
		return domain.AnalysisResult{}, err
	}

	t := domain.Topic(strings.ToLower(strings.TrimSpace(topic.Classification)))
	logger.InfoContext(ctx, "topic classified",
		slog.String("topic", string(t)),
		slog.Float64("confidence", topic.Confidence),
	)

	detail := map[string]string{
		"topic_confidence": strconv.FormatFloat(topic.Confidence, 'f', -1, 64),
		"topic_reasoning":  topic.Reasoning,
	}

	prompt, ok := directionPrompts[t]
	if !ok {
		if t != domain.TopicOther {
			logger.WarnContext(ctx, "unknown topic treated as irrelevant", slog.String("topic", string(t)))
		}
		return domain.AnalysisResult{
			Provider:  a.Name(),
			Topic:     domain.TopicOther,
			Direction: domain.DirectionNeutral,
			Rationale: topic.Reasoning,
			Detail:    detail,
		}, nil
	}

	var dir directionReply
	if err := a.llm.CompleteJSON(ctx, prompt, post, &dir); err != nil {
		return domain.AnalysisResult{}, err
	}
	if strings.EqualFold(dir.Result, "failed") {
		return domain.AnalysisResult{}, fmt.Errorf("analysis: %s direction model gave up: %s: %w", t, dir.ErrorMessage, domain.ErrAnalysisUnavailable)
	}
	direction, err := priceDirection(dir.Direction)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	if err := checkConfidence("direction", dir.Confidence); err != nil {
		return domain.AnalysisResult{}, err
	}

	logger.InfoContext(ctx, "direction predicted",
		slog.String("topic", string(t)),
		slog.String("direction", dir.Direction),
		slog.Float64("confidence", dir.Confidence),
	)

	return domain.AnalysisResult{
		Provider:   a.Name(),
		Topic:      t,
		Direction:  direction,
		Confidence: dir.Confidence,
		Rationale:  dir.Reasoning,
		Detail:     detail,
	}, nil
}

func priceDirection(s string) (domain.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up":
		return domain.DirectionBullish, nil
	case "down":
		return domain.DirectionBearish, nil
	case "neutral":
		return domain.DirectionNeutral, nil
	default:
		return "", fmt.Errorf("analysis: unknown direction %q: %w", s, domain.ErrAnalysisUnavailable)
	}
}

const directionReplyFormat = `

Reply with a single JSON object only:
{"result": "ok" | "failed", "direction": "up" | "down" | "neutral", "confidence": number, "reasoning": string, "error_message": string | null}`

const topicSystemPrompt = `Classify this social media post from a major political figure into exactly one category: "market", "bitcoin", "tariffs" or "others".

- market: general financial market news, economic indicators, or company news not specifically about Bitcoin or tariffs.
- bitcoin: anything directly mentioning or clearly affecting Bitcoin or cryptocurrencies.
- tariffs: import or export duties, trade agreements, or taxes on goods and services between nations or for specific companies.
- others: everything else, such as private matters, general politics or non-economic announcements.

Reply with a single JSON object only:
{"result": "ok" | "failed", "classification": string, "confidence": number, "reasoning": string, "error_message": string | null}`

var directionPrompts = map[domain.Topic]string{
	domain.TopicMarket: `This social media post was classified as "market" related. Predict whether general market sentiment or relevant asset prices are more likely to go "up", "down" or stay "neutral". Give a confidence between 0.0 and 1.0 and a brief reasoning.` + directionReplyFormat,

	domain.TopicBitcoin: `This social media post was classified as "bitcoin" related. Predict whether the Bitcoin price is more likely to go "up", "down" or stay "neutral". Give a confidence between 0.0 and 1.0 and a brief reasoning.` + directionReplyFormat,

	domain.TopicTariffs: `This social media post was classified as "tariffs" related. Predict the likely impact on affected markets and the general economy: "up" if easing (for example tariffs lowered), "down" if constricting (for example tariffs raised or new duties imposed), otherwise "neutral". Higher tariffs usually mean "down"; lower tariffs usually mean "up". Give a confidence between 0.0 and 1.0 and a brief reasoning.` + directionReplyFormat,
}
