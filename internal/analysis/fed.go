package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// Expectation is the market consensus for the next FOMC decision.
type Expectation struct {
	RateChangeType   string `json:"expected_interest_rate_change_type"`
	RateChangeAmount string `json:"expected_interest_rate_change_amount,omitempty"`
	Narrative        string `json:"expected_narrative"`
	Notes            string `json:"notes,omitempty"`
}

// Validate checks the enumerated fields.
func (e Expectation) Validate() error {
	switch e.RateChangeType {
	case "increase", "decrease", "hold", "uncertain":
	default:
		return fmt.Errorf("expected_interest_rate_change_type %q: %w", e.RateChangeType, domain.ErrConfiguration)
	}
	switch e.Narrative {
	case "hawkish", "dovish", "neutral", "mixed":
	default:
		return fmt.Errorf("expected_narrative %q: %w", e.Narrative, domain.ErrConfiguration)
	}
	return nil
}

// LoadExpectations decodes and validates an expectations document.
func LoadExpectations(r io.Reader) (Expectation, error) {
	var e Expectation
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return Expectation{}, fmt.Errorf("analysis: decode expectations: %w: %w", domain.ErrConfiguration, err)
	}
	if err := e.Validate(); err != nil {
		return Expectation{}, fmt.Errorf("analysis: invalid expectations: %w", err)
	}
	return e, nil
}

// LoadExpectationsFile reads expectations from a local JSON file.
func LoadExpectationsFile(path string) (Expectation, error) {
	f, err := os.Open(path)
	if err != nil {
		return Expectation{}, fmt.Errorf("analysis: open expectations %s: %w: %w", path, domain.ErrConfiguration, err)
	}
	defer f.Close()
	return LoadExpectations(f)
}

// LoadExpectationsBlob reads expectations from object storage.
func LoadExpectationsBlob(ctx context.Context, blobs domain.BlobReader, key string) (Expectation, error) {
	rc, err := blobs.Get(ctx, key)
	if err != nil {
		return Expectation{}, fmt.Errorf("analysis: fetch expectations %s: %w: %w", key, domain.ErrConfiguration, err)
	}
	defer rc.Close()
	return LoadExpectations(rc)
}

// fedReply is the JSON object the model is asked to return.
type fedReply struct {
	Result string `json:"result"` // impact | irrelevant | failed

	ImpactOnBitcoin string  `json:"impact_on_bitcoin"`
	Confidence      float64 `json:"confidence"`
	Reasoning       string  `json:"reasoning"`
	DecisionSummary string  `json:"actual_fed_decision_summary"`
	RateChangeType  string  `json:"actual_interest_rate_change_type"`
	RateChangeAmt   string  `json:"actual_interest_rate_change_amount"`
	Narrative       string  `json:"actual_narrative"`
	FedChairEvent   string  `json:"fed_chair_event"`

	Reason       string `json:"reason"`
	ErrorMessage string `json:"error_message"`
}

// FedAnalyzer compares FOMC statements against the configured expectations
// and predicts the impact on Bitcoin.
type FedAnalyzer struct {
	llm    Completer
	system string
	logger *slog.Logger
}

// NewFedAnalyzer creates a FedAnalyzer. The expectations are embedded in the
// system prompt once.
func NewFedAnalyzer(llm Completer, exp Expectation, logger *slog.Logger) (*FedAnalyzer, error) {
	if err := exp.Validate(); err != nil {
		return nil, fmt.Errorf("analysis: fed analyzer: %w", err)
	}
	expJSON, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("analysis: marshal expectations: %w", err)
	}
	return &FedAnalyzer{
		llm:    llm,
		system: fmt.Sprintf(fedSystemPrompt, expJSON),
		logger: logger.With(slog.String("component", "fed_analyzer")),
	}, nil
}

// Name implements Provider.
func (a *FedAnalyzer) Name() string { return "fed" }

// Analyze implements Provider.
func (a *FedAnalyzer) Analyze(ctx context.Context, ev domain.ContentEvent) (domain.AnalysisResult, error) {
	logger := a.logger.With(slog.String("content_id", ev.Identity().ContentID))

	var reply fedReply
	if err := a.llm.CompleteJSON(ctx, a.system, ev.Content, &reply); err != nil {
		return domain.AnalysisResult{}, err
	}

	switch strings.ToLower(reply.Result) {
	case "irrelevant":
		logger.InfoContext(ctx, "content is not an FOMC decision", slog.String("reason", reply.Reason))
		return domain.AnalysisResult{
			Provider:  a.Name(),
			Topic:     domain.TopicOther,
			Direction: domain.DirectionNeutral,
			Rationale: reply.Reason,
		}, nil
	case "failed":
		return domain.AnalysisResult{}, fmt.Errorf("analysis: fed model gave up: %s: %w", reply.ErrorMessage, domain.ErrAnalysisUnavailable)
	case "impact", "":
	default:
		return domain.AnalysisResult{}, fmt.Errorf("analysis: fed result kind %q: %w", reply.Result, domain.ErrAnalysisUnavailable)
	}

	dir, err := impactDirection(reply.ImpactOnBitcoin)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	if err := checkConfidence("fed", reply.Confidence); err != nil {
		return domain.AnalysisResult{}, err
	}

	if reply.FedChairEvent != "" {
		logger.InfoContext(ctx, "fed chair event detected", slog.String("event", reply.FedChairEvent))
	}
	logger.InfoContext(ctx, "fed analysis",
		slog.String("impact", reply.ImpactOnBitcoin),
		slog.Float64("confidence", reply.Confidence),
		slog.String("summary", reply.DecisionSummary),
	)

	detail := map[string]string{"summary": reply.DecisionSummary}
	for k, v := range map[string]string{
		"rate_change_type":   reply.RateChangeType,
		"rate_change_amount": reply.RateChangeAmt,
		"narrative":          reply.Narrative,
		"fed_chair_event":    reply.FedChairEvent,
	} {
		if v != "" {
			detail[k] = v
		}
	}

	return domain.AnalysisResult{
		Provider:   a.Name(),
		Topic:      domain.TopicFedDecision,
		Direction:  dir,
		Confidence: reply.Confidence,
		Rationale:  reply.Reasoning,
		Detail:     detail,
	}, nil
}

func impactDirection(impact string) (domain.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(impact)) {
	case "positive":
		return domain.DirectionBullish, nil
	case "negative":
		return domain.DirectionBearish, nil
	case "neutral":
		return domain.DirectionNeutral, nil
	default:
		return "", fmt.Errorf("analysis: unknown impact_on_bitcoin %q: %w", impact, domain.ErrAnalysisUnavailable)
	}
}

const fedSystemPrompt = `You analyze text about the Federal Reserve's latest interest rate decision and the accompanying FOMC statement.

1. Identify the actual decision: the rate change ("hold", "increase" or "decrease", with the amount if stated) and the overall tone ("hawkish", "dovish", "neutral" or "mixed"). Summarize it as actual_fed_decision_summary.
2. Compare the actual decision and tone with these market expectations:
%s
3. Predict the impact on the Bitcoin price:
- "positive": more dovish or less hawkish than expected, or a surprise easing.
- "negative": more hawkish or less dovish than expected, or a surprise tightening.
- "neutral": broadly in line with expectations, or no clear direction for Bitcoin.
4. Give a confidence between 0.0 and 1.0 and a brief reasoning.
5. If the text is clearly not an FOMC interest rate decision (for example a census release or a banking supervision report), return result "irrelevant" with a short reason.
6. If the text says the Fed Chair was fired, resigned or replaced, describe that in fed_chair_event.

Reply with a single JSON object only:
{"result": "impact" | "irrelevant" | "failed",
 "impact_on_bitcoin": "positive" | "negative" | "neutral",
 "confidence": number,
 "reasoning": string,
 "actual_fed_decision_summary": string,
 "actual_interest_rate_change_type": "increase" | "decrease" | "hold" | null,
 "actual_interest_rate_change_amount": string | null,
 "actual_narrative": "hawkish" | "dovish" | "neutral" | "mixed" | null,
 "fed_chair_event": string | null,
 "reason": string | null,
 "error_message": string | null}`
