// Package dispatch is the request pipeline between the HTTP surface and the
// provider adapters: route resolution, cache consultation, guardrails,
// fallback execution, cost injection and the observability headers.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/metrics"
	"github.com/hadrianai/hadrian/internal/schema"
	"github.com/hadrianai/hadrian/internal/services/events"
	"github.com/hadrianai/hadrian/internal/services/fallback"
	"github.com/hadrianai/hadrian/internal/services/providers"
)

// Response headers emitted by the pipeline.
const (
	HeaderCache           = "X-Cache"
	HeaderCacheSimilarity = "X-Cache-Similarity"
	HeaderCachedAt        = "X-Cached-At"
	HeaderProvider        = "X-Provider"
	HeaderProviderSource  = "X-Provider-Source"
	HeaderModel           = "X-Model"
)

// BlockedError is a guardrails rejection.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("request blocked by guardrails: %s", e.Reason)
}

// Options are per-request directives parsed from the incoming headers.
type Options struct {
	BypassCache bool
	Project     string
}

// Outcome is a served response plus the headers describing how it was
// served.
type Outcome struct {
	Response *providers.Response
	Header   http.Header
}

type Pipeline struct {
	cfg        *config.Config
	registry   map[string]providers.Provider
	orch       *fallback.Orchestrator
	resolver   RouteResolver
	cache      ResponseCache
	guardrails GuardrailsEngine
	cost       CostInjector
	images     ImageFetcher
	bus        *events.Bus
	logger     *zap.Logger
}

func NewPipeline(
	cfg *config.Config,
	registry map[string]providers.Provider,
	orch *fallback.Orchestrator,
	resolver RouteResolver,
	cache ResponseCache,
	guardrails GuardrailsEngine,
	cost CostInjector,
	images ImageFetcher,
	bus *events.Bus,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:        cfg,
		registry:   registry,
		orch:       orch,
		resolver:   resolver,
		cache:      cache,
		guardrails: guardrails,
		cost:       cost,
		images:     images,
		bus:        bus,
		logger:     logger,
	}
}

func (p *Pipeline) resolve(ctx context.Context, model string) (*Route, *config.ProviderConfig, error) {
	route, err := p.resolver.Resolve(ctx, model)
	if err != nil {
		return nil, nil, err
	}
	desc, ok := p.cfg.Providers[route.Provider]
	if !ok {
		return nil, nil, providers.NewConfigError(route.Provider, "resolved provider is not configured")
	}
	return route, desc, nil
}

// ChatCompletion runs the full per-request sequence of the pipeline.
func (p *Pipeline) ChatCompletion(ctx context.Context, req *schema.ChatRequest, opts Options) (*Outcome, error) {
	requested := req.Model
	route, desc, err := p.resolve(ctx, requested)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	header.Set(HeaderModel, requested)
	header.Set(HeaderProviderSource, route.Source)

	// Cache consultation, non-streaming only. Store must key on the request
	// exactly as Lookup saw it, so snapshot it before the dispatch path
	// rewrites Model and inlines images in place.
	cacheable := p.cache != nil && !req.Stream && !opts.BypassCache
	var cacheReq *schema.ChatRequest
	if cacheable {
		if entry, ok := p.cache.Lookup(ctx, req); ok {
			metrics.CacheHitsTotal.Inc()
			if entry.Semantic {
				header.Set(HeaderCache, "SEMANTIC_HIT")
				header.Set(HeaderCacheSimilarity, strconv.FormatFloat(entry.Similarity, 'f', 4, 64))
			} else {
				header.Set(HeaderCache, "HIT")
			}
			if !entry.CachedAt.IsZero() {
				header.Set(HeaderCachedAt, entry.CachedAt.UTC().Format(time.RFC3339))
			}
			header.Set(HeaderProvider, route.Provider)
			return &Outcome{
				Response: &providers.Response{StatusCode: http.StatusOK, Body: entry.Body},
				Header:   header,
			}, nil
		}
		metrics.CacheMissesTotal.Inc()
		snap := *req
		snap.Messages = append([]schema.Message(nil), req.Messages...)
		cacheReq = &snap
	}
	header.Set(HeaderCache, "MISS")

	if p.images != nil && desc.ImageFetch != "deny" {
		if err := p.images.Inline(ctx, req); err != nil {
			p.logger.Warn("image inlining failed", zap.Error(err))
		}
	}

	req.Model = route.Model
	invoke := func(ctx context.Context, prov providers.Provider) (*providers.Response, error) {
		return prov.ChatCompletion(ctx, req)
	}
	dispatchOnce := func(ctx context.Context) (*fallback.Result, error) {
		return p.orch.Execute(ctx, route.Provider, desc.FallbackProviders, requested, invoke)
	}

	var result *fallback.Result
	if p.guardrails != nil {
		result, err = p.guardedDispatch(ctx, req, dispatchOnce)
	} else {
		result, err = dispatchOnce(ctx)
	}
	if err != nil {
		return nil, err
	}

	header.Set(HeaderProvider, result.Provider)
	resp := result.Response

	if resp.IsStream() {
		resp.Stream = p.observeStream(ctx, resp.Stream, result.Provider, requested, opts.Project)
		return &Outcome{Response: resp, Header: header}, nil
	}

	// Output guardrails may redact or reject the buffered body.
	if p.guardrails != nil {
		verdict, gerr := p.guardrails.CheckOutput(ctx, resp.Body)
		if gerr != nil {
			p.logger.Warn("output guardrails check failed", zap.Error(gerr))
		} else if verdict != nil {
			for k, v := range verdict.Headers {
				header.Set(k, v)
			}
			if verdict.Blocked {
				return nil, &BlockedError{Reason: verdict.Reason}
			}
			if verdict.Redacted != nil {
				resp.Body = verdict.Redacted
			}
		}
	}

	// Store the raw pre-cost-injection body exactly once per miss.
	if cacheable && resp.StatusCode == http.StatusOK {
		p.cache.Store(ctx, cacheReq, resp.Body)
	}

	if p.cost != nil {
		amended, cerr := p.cost.Inject(ctx, result.Provider, requested, resp.Body)
		if cerr != nil {
			p.logger.Warn("cost injection failed", zap.Error(cerr))
		} else {
			resp.Body = amended
		}
	}

	p.publishUsage(result.Provider, requested, opts.Project, resp.Body)
	return &Outcome{Response: resp, Header: header}, nil
}

// guardedDispatch runs input guardrails either before the dispatch or raced
// against it; a blocking verdict cancels the in-flight dispatch.
func (p *Pipeline) guardedDispatch(ctx context.Context, req *schema.ChatRequest, dispatch func(context.Context) (*fallback.Result, error)) (*fallback.Result, error) {
	if !p.guardrails.Concurrent() {
		verdict, err := p.guardrails.CheckInput(ctx, req)
		if err != nil {
			p.logger.Warn("input guardrails check failed", zap.Error(err))
		} else if verdict != nil && verdict.Blocked {
			return nil, &BlockedError{Reason: verdict.Reason}
		}
		return dispatch(ctx)
	}

	var result *fallback.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		verdict, err := p.guardrails.CheckInput(gctx, req)
		if err != nil {
			p.logger.Warn("input guardrails check failed", zap.Error(err))
			return nil
		}
		if verdict != nil && verdict.Blocked {
			return &BlockedError{Reason: verdict.Reason}
		}
		return nil
	})
	g.Go(func() error {
		r, err := dispatch(gctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// Responses dispatches a Responses request through the fallback chain.
func (p *Pipeline) Responses(ctx context.Context, req *schema.ResponsesRequest) (*Outcome, error) {
	requested := req.Model
	route, desc, err := p.resolve(ctx, requested)
	if err != nil {
		return nil, err
	}
	req.Model = route.Model
	result, err := p.orch.Execute(ctx, route.Provider, desc.FallbackProviders, requested,
		func(ctx context.Context, prov providers.Provider) (*providers.Response, error) {
			return prov.Responses(ctx, req)
		})
	if err != nil {
		return nil, err
	}
	return &Outcome{Response: result.Response, Header: p.baseHeader(requested, route, result.Provider)}, nil
}

// Completion dispatches a legacy completion request.
func (p *Pipeline) Completion(ctx context.Context, req *schema.CompletionRequest) (*Outcome, error) {
	requested := req.Model
	route, desc, err := p.resolve(ctx, requested)
	if err != nil {
		return nil, err
	}
	req.Model = route.Model
	result, err := p.orch.Execute(ctx, route.Provider, desc.FallbackProviders, requested,
		func(ctx context.Context, prov providers.Provider) (*providers.Response, error) {
			return prov.Completion(ctx, req)
		})
	if err != nil {
		return nil, err
	}
	return &Outcome{Response: result.Response, Header: p.baseHeader(requested, route, result.Provider)}, nil
}

// Embedding dispatches an embeddings request.
func (p *Pipeline) Embedding(ctx context.Context, req *schema.EmbeddingsRequest) (*Outcome, error) {
	requested := req.Model
	route, desc, err := p.resolve(ctx, requested)
	if err != nil {
		return nil, err
	}
	req.Model = route.Model
	result, err := p.orch.Execute(ctx, route.Provider, desc.FallbackProviders, requested,
		func(ctx context.Context, prov providers.Provider) (*providers.Response, error) {
			return prov.Embedding(ctx, req)
		})
	if err != nil {
		return nil, err
	}
	return &Outcome{Response: result.Response, Header: p.baseHeader(requested, route, result.Provider)}, nil
}

// ListModels aggregates every configured provider's listing; providers that
// fail are logged and skipped.
func (p *Pipeline) ListModels(ctx context.Context) (*schema.ModelList, error) {
	list := &schema.ModelList{Object: "list", Data: []schema.ModelInfo{}}
	for name, prov := range p.registry {
		models, err := prov.ListModels(ctx)
		if err != nil {
			p.logger.Warn("model listing failed", zap.String("provider", name), zap.Error(err))
			continue
		}
		list.Data = append(list.Data, models...)
	}
	return list, nil
}

func (p *Pipeline) baseHeader(requested string, route *Route, served string) http.Header {
	header := make(http.Header)
	header.Set(HeaderModel, requested)
	header.Set(HeaderProvider, served)
	header.Set(HeaderProviderSource, route.Source)
	return header
}

func (p *Pipeline) publishUsage(provider, model, project string, body []byte) {
	if p.bus == nil {
		return
	}
	var parsed struct {
		Usage *schema.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Usage == nil {
		return
	}
	metrics.TokensTotal.WithLabelValues(provider, "input").Add(float64(parsed.Usage.PromptTokens))
	metrics.TokensTotal.WithLabelValues(provider, "output").Add(float64(parsed.Usage.CompletionTokens))
	p.bus.PublishUsage(map[string]any{
		"provider":          provider,
		"model":             model,
		"project":           project,
		"prompt_tokens":     parsed.Usage.PromptTokens,
		"completion_tokens": parsed.Usage.CompletionTokens,
		"total_tokens":      parsed.Usage.TotalTokens,
	})
}

// publishStreamUsage records what a streamed response consumed. A stream the
// client abandoned before its terminal frame is marked cancelled; its usage
// fields are whatever the upstream managed to report.
func (p *Pipeline) publishStreamUsage(provider, model, project string, usage *schema.Usage, cancelled bool) {
	if usage != nil {
		metrics.TokensTotal.WithLabelValues(provider, "input").Add(float64(usage.PromptTokens))
		metrics.TokensTotal.WithLabelValues(provider, "output").Add(float64(usage.CompletionTokens))
	}
	if p.bus == nil {
		return
	}
	data := map[string]any{
		"provider":  provider,
		"model":     model,
		"project":   project,
		"stream":    true,
		"cancelled": cancelled,
	}
	if usage != nil {
		data["prompt_tokens"] = usage.PromptTokens
		data["completion_tokens"] = usage.CompletionTokens
		data["total_tokens"] = usage.TotalTokens
	}
	p.bus.PublishUsage(data)
}
