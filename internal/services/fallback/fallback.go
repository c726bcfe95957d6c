// Package fallback builds the provider chain for a routed request and walks
// it until an attempt succeeds or the failure is not eligible for another
// hop. Fallback happens strictly before any response byte reaches the
// client; once a stream is handed out, it is the caller's alone.
package fallback

import (
	"context"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/metrics"
	"github.com/hadrianai/hadrian/internal/services/circuitbreaker"
	"github.com/hadrianai/hadrian/internal/services/providers"
)

// Invoke performs the operation against one candidate adapter.
type Invoke func(ctx context.Context, p providers.Provider) (*providers.Response, error)

// Result is the winning response plus the provider that served it.
type Result struct {
	Response *providers.Response
	Provider string
}

type Orchestrator struct {
	registry         map[string]providers.Provider
	breakers         *circuitbreaker.Registry
	modelFallbacks   map[string][]string
	eligibleStatuses map[int]bool
	logger           *zap.Logger
}

func New(
	registry map[string]providers.Provider,
	breakers *circuitbreaker.Registry,
	modelFallbacks map[string][]string,
	eligibleStatuses []int,
	logger *zap.Logger,
) *Orchestrator {
	eligible := make(map[int]bool, len(eligibleStatuses))
	for _, s := range eligibleStatuses {
		eligible[s] = true
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:         registry,
		breakers:         breakers,
		modelFallbacks:   modelFallbacks,
		eligibleStatuses: eligible,
		logger:           logger,
	}
}

// Chain returns the ordered candidate list for (primary, model): the primary,
// then its configured fallback providers, then the per-model fallbacks,
// deduplicated in order.
func (o *Orchestrator) Chain(primary string, fallbackProviders []string, model string) []string {
	seen := make(map[string]bool)
	var chain []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		if _, ok := o.registry[name]; !ok {
			o.logger.Warn("skipping unknown fallback provider", zap.String("provider", name))
			return
		}
		seen[name] = true
		chain = append(chain, name)
	}

	add(primary)
	for _, name := range fallbackProviders {
		add(name)
	}
	for _, name := range o.modelFallbacks[model] {
		add(name)
	}
	return chain
}

// Execute walks the chain. A candidate whose breaker refuses admission is
// skipped as circuit-open; eligible failures advance to the next candidate;
// anything else surfaces immediately.
func (o *Orchestrator) Execute(ctx context.Context, primary string, fallbackProviders []string, model string, invoke Invoke) (*Result, error) {
	chain := o.Chain(primary, fallbackProviders, model)
	if len(chain) == 0 {
		return nil, providers.NewConfigError(primary, "no provider available")
	}

	var lastErr error
	prev := ""
	for _, name := range chain {
		if prev != "" {
			metrics.FailoversTotal.WithLabelValues(prev, name).Inc()
		}

		if o.breakers != nil && !o.breakers.Get(name).Allow() {
			o.logger.Warn("circuit open, skipping provider", zap.String("provider", name))
			lastErr = providers.NewCircuitOpenError(name)
			prev = name
			continue
		}

		resp, err := invoke(ctx, o.registry[name])
		if err == nil {
			return &Result{Response: resp, Provider: name}, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if !o.Eligible(err) {
			return nil, err
		}

		o.logger.Warn("provider failed, trying next in chain",
			zap.String("provider", name), zap.Error(err))
		lastErr = err
		prev = name
	}
	return nil, lastErr
}

// Eligible reports whether err may shift the request to the next provider.
// Transport errors and open circuits always are; upstream statuses follow
// the configured eligible set.
func (o *Orchestrator) Eligible(err error) bool {
	pe, ok := providers.AsError(err)
	if !ok {
		return false
	}
	switch pe.Kind {
	case providers.KindTransport, providers.KindCircuitOpen:
		return true
	case providers.KindUpstream:
		return o.eligibleStatuses[pe.Status]
	}
	return false
}
