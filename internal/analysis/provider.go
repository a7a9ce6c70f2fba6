// Package analysis turns content events into provider-independent analysis
// results. Providers are selected by the event's source type.
package analysis

import (
	"context"
	"fmt"
	"sort"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// Provider analyzes one content event. Failures wrap
// domain.ErrAnalysisUnavailable.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, ev domain.ContentEvent) (domain.AnalysisResult, error)
}

// Router dispatches events to the provider registered for their source.
type Router struct {
	providers map[domain.SourceType]Provider
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{providers: make(map[domain.SourceType]Provider)}
}

// Register binds p to source, replacing any earlier binding.
func (r *Router) Register(source domain.SourceType, p Provider) {
	r.providers[source] = p
}

// Sources lists the registered source types in sorted order.
func (r *Router) Sources() []domain.SourceType {
	out := make([]domain.SourceType, 0, len(r.providers))
	for s := range r.providers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Analyze routes ev to its provider.
func (r *Router) Analyze(ctx context.Context, ev domain.ContentEvent) (domain.AnalysisResult, error) {
	p, ok := r.providers[ev.Source]
	if !ok {
		return domain.AnalysisResult{}, fmt.Errorf("analysis: no provider for source %q: %w", ev.Source, domain.ErrAnalysisUnavailable)
	}
	res, err := p.Analyze(ctx, ev)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	if res.Provider == "" {
		res.Provider = p.Name()
	}
	if err := res.Validate(); err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("analysis: %s returned invalid result: %w: %w", p.Name(), domain.ErrAnalysisUnavailable, err)
	}
	return res, nil
}
