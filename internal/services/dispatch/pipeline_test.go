package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
	"github.com/hadrianai/hadrian/internal/services/events"
	"github.com/hadrianai/hadrian/internal/services/fallback"
	"github.com/hadrianai/hadrian/internal/services/providers"
)

// fakeProvider serves canned chat responses keyed by nothing at all; fail
// makes every call return a 503 upstream error.
type fakeProvider struct {
	name   string
	body   []byte
	stream string
	fail   bool
	calls  int
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Type() string { return "openai" }

func (f *fakeProvider) ChatCompletion(ctx context.Context, req *schema.ChatRequest) (*providers.Response, error) {
	f.calls++
	if f.fail {
		return nil, providers.NewUpstreamError(f.name, http.StatusServiceUnavailable, nil)
	}
	if f.stream != "" {
		return &providers.Response{
			StatusCode: http.StatusOK,
			Stream:     io.NopCloser(strings.NewReader(f.stream)),
		}, nil
	}
	return &providers.Response{StatusCode: http.StatusOK, Body: f.body}, nil
}

func (f *fakeProvider) Responses(ctx context.Context, req *schema.ResponsesRequest) (*providers.Response, error) {
	f.calls++
	return &providers.Response{StatusCode: http.StatusOK, Body: f.body}, nil
}

func (f *fakeProvider) Completion(ctx context.Context, req *schema.CompletionRequest) (*providers.Response, error) {
	f.calls++
	return &providers.Response{StatusCode: http.StatusOK, Body: f.body}, nil
}

func (f *fakeProvider) Embedding(ctx context.Context, req *schema.EmbeddingsRequest) (*providers.Response, error) {
	f.calls++
	return &providers.Response{StatusCode: http.StatusOK, Body: f.body}, nil
}

func (f *fakeProvider) ListModels(ctx context.Context) ([]schema.ModelInfo, error) {
	return []schema.ModelInfo{{ID: f.name + "-model", Object: "model"}}, nil
}

type fakeCache struct {
	entry        *CacheEntry
	lookups      int
	stored       [][]byte
	lookupModels []string
	storeModels  []string
}

func (c *fakeCache) Lookup(ctx context.Context, req *schema.ChatRequest) (*CacheEntry, bool) {
	c.lookups++
	c.lookupModels = append(c.lookupModels, req.Model)
	if c.entry == nil {
		return nil, false
	}
	return c.entry, true
}

func (c *fakeCache) Store(ctx context.Context, req *schema.ChatRequest, body []byte) {
	c.stored = append(c.stored, body)
	c.storeModels = append(c.storeModels, req.Model)
}

type fakeGuardrails struct {
	input      *Verdict
	output     *Verdict
	outputFn   func(body []byte) *Verdict
	concurrent bool
	mode       StreamMode
}

func (g *fakeGuardrails) CheckInput(ctx context.Context, req *schema.ChatRequest) (*Verdict, error) {
	return g.input, nil
}

func (g *fakeGuardrails) CheckOutput(ctx context.Context, body []byte) (*Verdict, error) {
	if g.outputFn != nil {
		return g.outputFn(body), nil
	}
	return g.output, nil
}

func (g *fakeGuardrails) Concurrent() bool { return g.concurrent }

func (g *fakeGuardrails) StreamMode() StreamMode {
	if g.mode == "" {
		return StreamPerChunk
	}
	return g.mode
}

type fakeCost struct{ suffix string }

func (c *fakeCost) Inject(ctx context.Context, provider, model string, body []byte) ([]byte, error) {
	if c.suffix == "" {
		return body, nil
	}
	out := strings.TrimSuffix(string(body), "}")
	return []byte(out + c.suffix + "}"), nil
}

const chatBody = `{"id":"chatcmpl-1","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`

func testConfig() *config.Config {
	return &config.Config{
		Providers: map[string]*config.ProviderConfig{
			"openai-main": {Name: "openai-main", Type: "openai", Models: map[string]string{"gpt-4o": "gpt-4o"}},
			"azure-dr":    {Name: "azure-dr", Type: "azure"},
		},
	}
}

func newTestPipeline(cfg *config.Config, registry map[string]providers.Provider, cache ResponseCache, guards GuardrailsEngine, cost CostInjector, bus *events.Bus) *Pipeline {
	orch := fallback.New(registry, nil, nil, []int{429, 500, 502, 503, 504}, zap.NewNop())
	return NewPipeline(cfg, registry, orch, NewPrefixResolver(cfg), cache, guards, cost, nil, bus, zap.NewNop())
}

func chatRequest(model string) *schema.ChatRequest {
	return &schema.ChatRequest{
		Model:    model,
		Messages: []schema.Message{{Role: "user", Content: schema.TextContent("hi")}},
	}
}

func TestChatCompletionMissStoresOnceAndInjectsCost(t *testing.T) {
	prov := &fakeProvider{name: "openai-main", body: []byte(chatBody)}
	cache := &fakeCache{}
	bus := events.NewBus(8)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	p := newTestPipeline(testConfig(), map[string]providers.Provider{"openai-main": prov},
		cache, nil, &fakeCost{suffix: `,"cost":true`}, bus)

	out, err := p.ChatCompletion(context.Background(), chatRequest("gpt-4o"), Options{Project: "proj-1"})
	require.NoError(t, err)

	assert.Equal(t, "MISS", out.Header.Get(HeaderCache))
	assert.Equal(t, "openai-main", out.Header.Get(HeaderProvider))
	assert.Equal(t, "static", out.Header.Get(HeaderProviderSource))
	assert.Equal(t, "gpt-4o", out.Header.Get(HeaderModel))

	// The cache receives the raw upstream body, before cost injection.
	require.Len(t, cache.stored, 1)
	assert.JSONEq(t, chatBody, string(cache.stored[0]))
	assert.Contains(t, string(out.Response.Body), `"cost":true`)

	select {
	case d := <-sub.C():
		assert.Equal(t, "usage.recorded", d.Event.Type)
		assert.Contains(t, string(d.Event.Data), `"total_tokens":15`)
		assert.Contains(t, string(d.Event.Data), `"project":"proj-1"`)
	case <-time.After(time.Second):
		t.Fatal("usage event not published")
	}
}

func TestChatCompletionStoreKeysOnRequestedModel(t *testing.T) {
	prov := &fakeProvider{name: "azure-dr", body: []byte(chatBody)}
	cache := &fakeCache{}

	p := newTestPipeline(testConfig(), map[string]providers.Provider{"azure-dr": prov}, cache, nil, nil, nil)

	// A prefixed model id is rewritten for the provider; the store must still
	// use the id Lookup hashed, or the entry is never found again.
	_, err := p.ChatCompletion(context.Background(), chatRequest("azure-dr/gpt-4o"), Options{})
	require.NoError(t, err)

	require.Len(t, cache.lookupModels, 1)
	require.Len(t, cache.storeModels, 1)
	assert.Equal(t, "azure-dr/gpt-4o", cache.lookupModels[0])
	assert.Equal(t, cache.lookupModels[0], cache.storeModels[0])
}

func TestChatCompletionCacheHit(t *testing.T) {
	prov := &fakeProvider{name: "openai-main", body: []byte(chatBody)}
	cachedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cache := &fakeCache{entry: &CacheEntry{Body: []byte(chatBody), CachedAt: cachedAt}}

	p := newTestPipeline(testConfig(), map[string]providers.Provider{"openai-main": prov}, cache, nil, nil, nil)

	out, err := p.ChatCompletion(context.Background(), chatRequest("gpt-4o"), Options{})
	require.NoError(t, err)

	assert.Equal(t, "HIT", out.Header.Get(HeaderCache))
	assert.Equal(t, "2026-08-01T12:00:00Z", out.Header.Get(HeaderCachedAt))
	assert.Equal(t, "openai-main", out.Header.Get(HeaderProvider))
	assert.Zero(t, prov.calls, "a hit never reaches the provider")
	assert.Empty(t, cache.stored)
}

func TestChatCompletionSemanticHit(t *testing.T) {
	cache := &fakeCache{entry: &CacheEntry{Body: []byte(chatBody), Semantic: true, Similarity: 0.9712}}
	p := newTestPipeline(testConfig(), map[string]providers.Provider{
		"openai-main": &fakeProvider{name: "openai-main"},
	}, cache, nil, nil, nil)

	out, err := p.ChatCompletion(context.Background(), chatRequest("gpt-4o"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "SEMANTIC_HIT", out.Header.Get(HeaderCache))
	assert.Equal(t, "0.9712", out.Header.Get(HeaderCacheSimilarity))
}

func TestChatCompletionBypassCacheSkipsLookup(t *testing.T) {
	prov := &fakeProvider{name: "openai-main", body: []byte(chatBody)}
	cache := &fakeCache{entry: &CacheEntry{Body: []byte(`{"cached":true}`)}}

	p := newTestPipeline(testConfig(), map[string]providers.Provider{"openai-main": prov}, cache, nil, nil, nil)

	out, err := p.ChatCompletion(context.Background(), chatRequest("gpt-4o"), Options{BypassCache: true})
	require.NoError(t, err)
	assert.Zero(t, cache.lookups)
	assert.Equal(t, "MISS", out.Header.Get(HeaderCache))
	assert.Equal(t, 1, prov.calls)
}

func TestChatCompletionStreamingSkipsCache(t *testing.T) {
	prov := &fakeProvider{name: "openai-main", stream: "data: [DONE]\n\n"}
	cache := &fakeCache{entry: &CacheEntry{Body: []byte(`{"cached":true}`)}}

	p := newTestPipeline(testConfig(), map[string]providers.Provider{"openai-main": prov}, cache, nil, nil, nil)

	req := chatRequest("gpt-4o")
	req.Stream = true
	out, err := p.ChatCompletion(context.Background(), req, Options{})
	require.NoError(t, err)

	assert.Zero(t, cache.lookups)
	assert.Empty(t, cache.stored)
	require.True(t, out.Response.IsStream())
	data, err := io.ReadAll(out.Response.Stream)
	require.NoError(t, err)
	assert.Equal(t, "data: [DONE]\n\n", string(data))
}

func TestChatCompletionGuardrailsBlockInput(t *testing.T) {
	prov := &fakeProvider{name: "openai-main", body: []byte(chatBody)}
	guards := &fakeGuardrails{input: &Verdict{Blocked: true, Reason: "blocked pattern"}}

	p := newTestPipeline(testConfig(), map[string]providers.Provider{"openai-main": prov}, nil, guards, nil, nil)

	_, err := p.ChatCompletion(context.Background(), chatRequest("gpt-4o"), Options{})
	require.Error(t, err)
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, "blocked pattern", blocked.Reason)
	assert.Zero(t, prov.calls)
}

func TestChatCompletionGuardrailsBlockInputConcurrent(t *testing.T) {
	prov := &fakeProvider{name: "openai-main", body: []byte(chatBody)}
	guards := &fakeGuardrails{input: &Verdict{Blocked: true, Reason: "blocked pattern"}, concurrent: true}

	p := newTestPipeline(testConfig(), map[string]providers.Provider{"openai-main": prov}, nil, guards, nil, nil)

	_, err := p.ChatCompletion(context.Background(), chatRequest("gpt-4o"), Options{})
	require.Error(t, err)
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
}

func TestChatCompletionGuardrailsRedactOutput(t *testing.T) {
	prov := &fakeProvider{name: "openai-main", body: []byte(chatBody)}
	guards := &fakeGuardrails{output: &Verdict{
		Redacted: []byte(`{"id":"chatcmpl-1","redacted":true}`),
		Headers:  map[string]string{"X-Guardrails-Redacted": "true"},
	}}

	p := newTestPipeline(testConfig(), map[string]providers.Provider{"openai-main": prov}, nil, guards, nil, nil)

	out, err := p.ChatCompletion(context.Background(), chatRequest("gpt-4o"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "true", out.Header.Get("X-Guardrails-Redacted"))
	assert.JSONEq(t, `{"id":"chatcmpl-1","redacted":true}`, string(out.Response.Body))
}

func TestChatCompletionFallsBackOnEligibleFailure(t *testing.T) {
	primary := &fakeProvider{name: "openai-main", fail: true}
	secondary := &fakeProvider{name: "azure-dr", body: []byte(chatBody)}

	cfg := testConfig()
	cfg.Providers["openai-main"].FallbackProviders = []string{"azure-dr"}

	p := newTestPipeline(cfg, map[string]providers.Provider{
		"openai-main": primary,
		"azure-dr":    secondary,
	}, nil, nil, nil, nil)

	out, err := p.ChatCompletion(context.Background(), chatRequest("gpt-4o"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "azure-dr", out.Header.Get(HeaderProvider))
	assert.Equal(t, "gpt-4o", out.Header.Get(HeaderModel), "the requested model survives rerouting")
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestChatCompletionUnroutableModel(t *testing.T) {
	p := newTestPipeline(testConfig(), map[string]providers.Provider{}, nil, nil, nil, nil)
	_, err := p.ChatCompletion(context.Background(), chatRequest("unknown-model"), Options{})
	require.Error(t, err)
	pe, ok := providers.AsError(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindConfig, pe.Kind)
}

func TestEmbeddingDispatch(t *testing.T) {
	prov := &fakeProvider{name: "openai-main", body: []byte(`{"object":"list","data":[]}`)}
	p := newTestPipeline(testConfig(), map[string]providers.Provider{"openai-main": prov}, nil, nil, nil, nil)

	out, err := p.Embedding(context.Background(), &schema.EmbeddingsRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "openai-main", out.Header.Get(HeaderProvider))
	assert.Equal(t, 1, prov.calls)
}

func TestListModelsAggregates(t *testing.T) {
	p := newTestPipeline(testConfig(), map[string]providers.Provider{
		"openai-main": &fakeProvider{name: "openai-main"},
		"azure-dr":    &fakeProvider{name: "azure-dr"},
	}, nil, nil, nil, nil)

	list, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "list", list.Object)
	assert.Len(t, list.Data, 2)
}

func TestPrefixResolver(t *testing.T) {
	cfg := &config.Config{
		Providers: map[string]*config.ProviderConfig{
			"openai-main": {Name: "openai-main", Models: map[string]string{"gpt-4o": "gpt-4o"}},
			"azure-prod":  {Name: "azure-prod", Deployments: map[string]string{"gpt-35-turbo": "prod-35"}},
		},
	}
	r := NewPrefixResolver(cfg)

	route, err := r.Resolve(context.Background(), "azure-prod/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "azure-prod", route.Provider)
	assert.Equal(t, "gpt-4o", route.Model)

	route, err = r.Resolve(context.Background(), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai-main", route.Provider)

	route, err = r.Resolve(context.Background(), "gpt-35-turbo")
	require.NoError(t, err)
	assert.Equal(t, "azure-prod", route.Provider)

	// Tenant-scoped ids keep only the trailing provider/model pair.
	route, err = r.Resolve(context.Background(), ":tenant-a/team-b/openai-main/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai-main", route.Provider)
	assert.Equal(t, "gpt-4o", route.Model)

	_, err = r.Resolve(context.Background(), "no-such-model")
	require.Error(t, err)
}

func TestPrefixResolverSingleProviderCatchAll(t *testing.T) {
	cfg := &config.Config{
		Providers: map[string]*config.ProviderConfig{
			"only": {Name: "only"},
		},
	}
	r := NewPrefixResolver(cfg)
	route, err := r.Resolve(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "only", route.Provider)
	assert.Equal(t, "anything", route.Model)
}
