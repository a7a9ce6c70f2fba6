package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedLLM replies in call order and records the prompts it saw.
type scriptedLLM struct {
	replies []string
	err     error
	systems []string
	users   []string
}

func (s *scriptedLLM) CompleteJSON(_ context.Context, system, user string, out any) error {
	s.systems = append(s.systems, system)
	s.users = append(s.users, user)
	if s.err != nil {
		return s.err
	}
	if len(s.replies) == 0 {
		return errors.New("unexpected call")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return decodeModelJSON(reply, out)
}

var testExpectation = Expectation{
	RateChangeType:   "hold",
	RateChangeAmount: "0.00%",
	Narrative:        "neutral",
	Notes:            "Market expects a hold.",
}

func fedEvent(content string) domain.ContentEvent {
	return domain.ContentEvent{
		UUID:      "u-1",
		Source:    domain.SourceWebMonitor,
		ContentID: "fomc-2026-09",
		Content:   content,
	}
}

func socialEvent(content string) domain.ContentEvent {
	return domain.ContentEvent{
		UUID:      "u-2",
		Source:    domain.SourceSocial,
		ContentID: "post-1",
		Content:   content,
	}
}

func TestLoadExpectations(t *testing.T) {
	e, err := LoadExpectations(strings.NewReader(`{
		"expected_interest_rate_change_type": "decrease",
		"expected_interest_rate_change_amount": "0.25%",
		"expected_narrative": "dovish",
		"notes": "cut priced in"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "decrease", e.RateChangeType)
	assert.Equal(t, "0.25%", e.RateChangeAmount)

	_, err = LoadExpectations(strings.NewReader(`{"expected_interest_rate_change_type":"pause","expected_narrative":"dovish"}`))
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = LoadExpectations(strings.NewReader(`not json`))
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestLoadExpectationsBlob(t *testing.T) {
	blobs := fakeBlobs{"fed/expectations.json": `{"expected_interest_rate_change_type":"hold","expected_narrative":"hawkish"}`}

	e, err := LoadExpectationsBlob(context.Background(), blobs, "fed/expectations.json")
	require.NoError(t, err)
	assert.Equal(t, "hawkish", e.Narrative)

	_, err = LoadExpectationsBlob(context.Background(), blobs, "missing.json")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

type fakeBlobs map[string]string

func (f fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	s, ok := f[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(s)), nil
}

func TestFedAnalyzerImpact(t *testing.T) {
	llm := &scriptedLLM{replies: []string{`{
		"result": "impact",
		"impact_on_bitcoin": "positive",
		"confidence": 0.97,
		"reasoning": "Surprise 50bp cut.",
		"actual_fed_decision_summary": "Cut by 0.50%, dovish.",
		"actual_interest_rate_change_type": "decrease",
		"actual_interest_rate_change_amount": "0.50%",
		"actual_narrative": "dovish",
		"fed_chair_event": null
	}`}}
	a, err := NewFedAnalyzer(llm, testExpectation, discardLogger())
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), fedEvent("The Committee decided to lower the target range..."))
	require.NoError(t, err)
	assert.Equal(t, domain.TopicFedDecision, res.Topic)
	assert.Equal(t, domain.DirectionBullish, res.Direction)
	assert.InDelta(t, 0.97, res.Confidence, 1e-9)
	assert.Equal(t, "decrease", res.Detail["rate_change_type"])
	assert.NotContains(t, res.Detail, "fed_chair_event")

	require.Len(t, llm.systems, 1)
	assert.Contains(t, llm.systems[0], `"expected_interest_rate_change_type": "hold"`)
}

func TestFedAnalyzerMapsImpact(t *testing.T) {
	for impact, want := range map[string]domain.Direction{
		"positive": domain.DirectionBullish,
		"negative": domain.DirectionBearish,
		"neutral":  domain.DirectionNeutral,
	} {
		t.Run(impact, func(t *testing.T) {
			llm := &scriptedLLM{replies: []string{`{"result":"impact","impact_on_bitcoin":"` + impact + `","confidence":0.5,"reasoning":"r","actual_fed_decision_summary":"s"}`}}
			a, err := NewFedAnalyzer(llm, testExpectation, discardLogger())
			require.NoError(t, err)
			res, err := a.Analyze(context.Background(), fedEvent("statement"))
			require.NoError(t, err)
			assert.Equal(t, want, res.Direction)
		})
	}
}

func TestFedAnalyzerIrrelevant(t *testing.T) {
	llm := &scriptedLLM{replies: []string{`{"result":"irrelevant","reason":"This is a banking supervision report."}`}}
	a, err := NewFedAnalyzer(llm, testExpectation, discardLogger())
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), fedEvent("Supervision and Regulation Report"))
	require.NoError(t, err)
	assert.False(t, res.Relevant())
	assert.Equal(t, "This is a banking supervision report.", res.Rationale)
	assert.NoError(t, res.Validate())
}

func TestFedAnalyzerFailures(t *testing.T) {
	tests := map[string]string{
		"model failed":     `{"result":"failed","error_message":"cannot parse"}`,
		"unknown impact":   `{"result":"impact","impact_on_bitcoin":"sideways","confidence":0.9}`,
		"confidence range": `{"result":"impact","impact_on_bitcoin":"negative","confidence":1.7}`,
		"malformed":        `{"result":`,
		"unknown kind":     `{"result":"maybe"}`,
	}
	for name, reply := range tests {
		t.Run(name, func(t *testing.T) {
			a, err := NewFedAnalyzer(&scriptedLLM{replies: []string{reply}}, testExpectation, discardLogger())
			require.NoError(t, err)
			_, err = a.Analyze(context.Background(), fedEvent("statement"))
			assert.ErrorIs(t, err, domain.ErrAnalysisUnavailable)
		})
	}
}

func TestNewFedAnalyzerRejectsBadExpectations(t *testing.T) {
	_, err := NewFedAnalyzer(&scriptedLLM{}, Expectation{RateChangeType: "hold"}, discardLogger())
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestSocialAnalyzerTwoStages(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		`{"result":"ok","classification":"Bitcoin","confidence":0.95,"reasoning":"mentions a strategic bitcoin reserve"}`,
		"```json\n{\"result\":\"ok\",\"direction\":\"up\",\"confidence\":0.94,\"reasoning\":\"state buying\"}\n```",
	}}
	a := NewSocialAnalyzer(llm, discardLogger())

	res, err := a.Analyze(context.Background(), socialEvent("We will create a Strategic Bitcoin Reserve!"))
	require.NoError(t, err)
	assert.Equal(t, domain.TopicBitcoin, res.Topic)
	assert.Equal(t, domain.DirectionBullish, res.Direction)
	assert.InDelta(t, 0.94, res.Confidence, 1e-9)
	assert.Equal(t, "0.95", res.Detail["topic_confidence"])

	require.Len(t, llm.systems, 2)
	assert.Equal(t, topicSystemPrompt, llm.systems[0])
	assert.Equal(t, directionPrompts[domain.TopicBitcoin], llm.systems[1])
}

func TestSocialAnalyzerTariffsDown(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		`{"result":"ok","classification":"tariffs","confidence":0.9,"reasoning":"new duties"}`,
		`{"result":"ok","direction":"down","confidence":0.91,"reasoning":"higher tariffs"}`,
	}}
	res, err := NewSocialAnalyzer(llm, discardLogger()).Analyze(context.Background(), socialEvent("25% tariffs on all imports"))
	require.NoError(t, err)
	assert.Equal(t, domain.TopicTariffs, res.Topic)
	assert.Equal(t, domain.DirectionBearish, res.Direction)
	assert.Equal(t, directionPrompts[domain.TopicTariffs], llm.systems[1])
}

func TestSocialAnalyzerCleansHTML(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		`{"result":"ok","classification":"tariffs","confidence":0.93,"reasoning":"tariff cut"}`,
		`{"result":"ok","direction":"up","confidence":0.9,"reasoning":"easing"}`,
	}}
	post := `<p>We are cutting <a href="https://x">TARIFFS</a> on China&amp;EU!</p>`

	res, err := NewSocialAnalyzer(llm, discardLogger()).Analyze(context.Background(), socialEvent(post))
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionBullish, res.Direction)
	assert.Equal(t, []string{"We are cutting TARIFFS on China&EU!", "We are cutting TARIFFS on China&EU!"}, llm.users)
}

func TestSocialAnalyzerMarkupOnlyPost(t *testing.T) {
	llm := &scriptedLLM{}
	res, err := NewSocialAnalyzer(llm, discardLogger()).Analyze(context.Background(), socialEvent(`<p><img src="a.png"></p>`))
	require.NoError(t, err)
	assert.False(t, res.Relevant())
	assert.Empty(t, llm.systems)
}

func TestCleanHTML(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain text stays", "plain text stays"},
		{"  padded  ", "padded"},
		{"<p>line one</p><p>line two</p>", "line one line two"},
		{"a<br>b", "a b"},
		{"Tom &amp; Jerry &#39;24", "Tom & Jerry '24"},
		{"<p>keep</p><script>alert(1)</script><style>p{}</style>", "keep"},
		{"<p>unclosed <b>bold", "unclosed bold"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanHTML(tt.in), tt.in)
	}
}

func TestSocialAnalyzerOthersSkipsDirection(t *testing.T) {
	for _, class := range []string{"others", "sports"} {
		t.Run(class, func(t *testing.T) {
			llm := &scriptedLLM{replies: []string{`{"result":"ok","classification":"` + class + `","confidence":0.99,"reasoning":"not economic"}`}}
			res, err := NewSocialAnalyzer(llm, discardLogger()).Analyze(context.Background(), socialEvent("Happy birthday!"))
			require.NoError(t, err)
			assert.False(t, res.Relevant())
			assert.Len(t, llm.systems, 1)
		})
	}
}

func TestSocialAnalyzerFailures(t *testing.T) {
	tests := map[string][]string{
		"topic failed":     {`{"result":"failed","error_message":"empty post"}`},
		"direction failed": {`{"result":"ok","classification":"market","confidence":0.9}`, `{"result":"failed"}`},
		"bad direction":    {`{"result":"ok","classification":"market","confidence":0.9}`, `{"result":"ok","direction":"sideways","confidence":0.9}`},
		"bad confidence":   {`{"result":"ok","classification":"market","confidence":0.9}`, `{"result":"ok","direction":"up","confidence":-0.1}`},
	}
	for name, replies := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewSocialAnalyzer(&scriptedLLM{replies: replies}, discardLogger()).Analyze(context.Background(), socialEvent("post"))
			assert.ErrorIs(t, err, domain.ErrAnalysisUnavailable)
		})
	}
}

type stubProvider struct {
	name string
	res  domain.AnalysisResult
	err  error
}

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) Analyze(context.Context, domain.ContentEvent) (domain.AnalysisResult, error) {
	return s.res, s.err
}

func TestRouterSelectsBySource(t *testing.T) {
	r := NewRouter()
	r.Register(domain.SourceWebMonitor, stubProvider{name: "fed", res: domain.AnalysisResult{Topic: domain.TopicFedDecision, Direction: domain.DirectionBullish, Confidence: 0.9}})
	r.Register(domain.SourceSocial, stubProvider{name: "social", res: domain.AnalysisResult{Topic: domain.TopicMarket, Direction: domain.DirectionBearish, Confidence: 0.9}})
	assert.Equal(t, []domain.SourceType{domain.SourceSocial, domain.SourceWebMonitor}, r.Sources())

	res, err := r.Analyze(context.Background(), fedEvent("x"))
	require.NoError(t, err)
	assert.Equal(t, "fed", res.Provider)
	assert.Equal(t, domain.TopicFedDecision, res.Topic)

	res, err = r.Analyze(context.Background(), socialEvent("x"))
	require.NoError(t, err)
	assert.Equal(t, "social", res.Provider)
}

func TestRouterErrors(t *testing.T) {
	r := NewRouter()
	_, err := r.Analyze(context.Background(), fedEvent("x"))
	assert.ErrorIs(t, err, domain.ErrAnalysisUnavailable)

	r.Register(domain.SourceWebMonitor, stubProvider{name: "fed", res: domain.AnalysisResult{Topic: domain.TopicFedDecision, Direction: "sideways", Confidence: 0.9}})
	_, err = r.Analyze(context.Background(), fedEvent("x"))
	assert.ErrorIs(t, err, domain.ErrAnalysisUnavailable)
}

func TestOpenAICompleter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gsk-test", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama-3.3-70b-versatile", req["model"])
		assert.Equal(t, map[string]any{"type": "json_object"}, req["response_format"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"llama-3.3-70b-versatile",
			"choices":[{"index":0,"message":{"role":"assistant","content":"{\"direction\":\"up\",\"confidence\":0.9}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	}))
	defer srv.Close()

	c := NewOpenAICompleter(LLMConfig{BaseURL: srv.URL + "/", APIKey: "gsk-test", Model: "llama-3.3-70b-versatile", Timeout: 2 * time.Second}, discardLogger())

	var out directionReply
	require.NoError(t, c.CompleteJSON(context.Background(), "system", "user", &out))
	assert.Equal(t, "up", out.Direction)
	assert.InDelta(t, 0.9, out.Confidence, 1e-9)
}

func TestOpenAICompleterServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"over capacity","type":"server_error"}}`)
	}))
	defer srv.Close()

	c := NewOpenAICompleter(LLMConfig{BaseURL: srv.URL, APIKey: "k", Model: "m", Timeout: 2 * time.Second}, discardLogger())
	var out directionReply
	err := c.CompleteJSON(context.Background(), "system", "user", &out)
	assert.ErrorIs(t, err, domain.ErrAnalysisUnavailable)
}
