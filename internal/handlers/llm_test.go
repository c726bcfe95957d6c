package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
	"github.com/hadrianai/hadrian/internal/services/dispatch"
	"github.com/hadrianai/hadrian/internal/services/fallback"
	"github.com/hadrianai/hadrian/internal/services/providers"
)

type stubProvider struct {
	body   []byte
	stream string
	err    error
}

func (s *stubProvider) Name() string { return "stub" }
func (s *stubProvider) Type() string { return "openai" }

func (s *stubProvider) respond() (*providers.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.stream != "" {
		return &providers.Response{
			StatusCode: http.StatusOK,
			Stream:     io.NopCloser(strings.NewReader(s.stream)),
		}, nil
	}
	return &providers.Response{StatusCode: http.StatusOK, Body: s.body}, nil
}

func (s *stubProvider) ChatCompletion(ctx context.Context, req *schema.ChatRequest) (*providers.Response, error) {
	return s.respond()
}
func (s *stubProvider) Responses(ctx context.Context, req *schema.ResponsesRequest) (*providers.Response, error) {
	return s.respond()
}
func (s *stubProvider) Completion(ctx context.Context, req *schema.CompletionRequest) (*providers.Response, error) {
	return s.respond()
}
func (s *stubProvider) Embedding(ctx context.Context, req *schema.EmbeddingsRequest) (*providers.Response, error) {
	return s.respond()
}
func (s *stubProvider) ListModels(ctx context.Context) ([]schema.ModelInfo, error) {
	return []schema.ModelInfo{{ID: "stub-model", Object: "model"}}, nil
}

type blockingGuardrails struct{}

func (blockingGuardrails) CheckInput(ctx context.Context, req *schema.ChatRequest) (*dispatch.Verdict, error) {
	return &dispatch.Verdict{Blocked: true, Reason: "blocked pattern"}, nil
}
func (blockingGuardrails) CheckOutput(ctx context.Context, body []byte) (*dispatch.Verdict, error) {
	return &dispatch.Verdict{}, nil
}
func (blockingGuardrails) Concurrent() bool { return false }
func (blockingGuardrails) StreamMode() dispatch.StreamMode {
	return dispatch.StreamPerChunk
}

func newTestHandler(prov *stubProvider, guards dispatch.GuardrailsEngine) *LLMHandler {
	cfg := &config.Config{
		Providers: map[string]*config.ProviderConfig{
			"stub": {Name: "stub", Type: "openai"},
		},
	}
	registry := map[string]providers.Provider{"stub": prov}
	orch := fallback.New(registry, nil, nil, nil, zap.NewNop())
	pipeline := dispatch.NewPipeline(cfg, registry, orch, dispatch.NewPrefixResolver(cfg),
		nil, guards, nil, nil, nil, zap.NewNop())
	return NewLLMHandler(pipeline, zap.NewNop())
}

func TestChatCompletionsHappyPath(t *testing.T) {
	h := newTestHandler(&stubProvider{body: []byte(`{"id":"chatcmpl-1"}`)}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "stub", rec.Header().Get(dispatch.HeaderProvider))
	assert.Equal(t, "gpt-4o", rec.Header().Get(dispatch.HeaderModel))
	assert.Equal(t, "MISS", rec.Header().Get(dispatch.HeaderCache))
	assert.JSONEq(t, `{"id":"chatcmpl-1"}`, rec.Body.String())
}

func TestChatCompletionsMissingModel(t *testing.T) {
	h := newTestHandler(&stubProvider{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "model is required")
}

func TestChatCompletionsMalformedBody(t *testing.T) {
	h := newTestHandler(&stubProvider{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{broken`))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestChatCompletionsGuardrailsBlocked(t *testing.T) {
	h := newTestHandler(&stubProvider{body: []byte(`{}`)}, blockingGuardrails{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "guardrails_blocked")
}

func TestChatCompletionsUpstreamErrorPassthrough(t *testing.T) {
	h := newTestHandler(&stubProvider{
		err: providers.NewUpstreamError("stub", http.StatusTooManyRequests, []byte(`{"error":{"message":"rate limited"}}`)),
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream_error")
	assert.Contains(t, rec.Body.String(), "rate limited")
}

func TestChatCompletionsUpstreamServerErrorSurfacesAs502(t *testing.T) {
	h := newTestHandler(&stubProvider{
		err: providers.NewUpstreamError("stub", http.StatusInternalServerError, []byte(`{"error":{"message":"boom"}}`)),
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream_error")
}

func TestChatCompletionsForwardsRetryAfter(t *testing.T) {
	throttled := providers.NewUpstreamError("stub", http.StatusTooManyRequests, []byte(`{"error":{"message":"rate limited"}}`))
	throttled.RetryAfter = "7"
	h := newTestHandler(&stubProvider{err: throttled}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
}

func TestChatCompletionsStreaming(t *testing.T) {
	frames := "data: {\"id\":\"chatcmpl-1\",\"object\":\"chat.completion.chunk\"}\n\ndata: [DONE]\n\n"
	h := newTestHandler(&stubProvider{stream: frames}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Equal(t, frames, rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestEmbeddingsHappyPath(t *testing.T) {
	h := newTestHandler(&stubProvider{body: []byte(`{"object":"list","data":[]}`)}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings",
		strings.NewReader(`{"model":"gpt-4o","input":"hello"}`))
	rec := httptest.NewRecorder()
	h.Embeddings(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stub", rec.Header().Get(dispatch.HeaderProvider))
}

func TestParseOptions(t *testing.T) {
	base := func() *http.Request {
		return httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	}

	opts := parseOptions(base())
	assert.False(t, opts.BypassCache)
	assert.Empty(t, opts.Project)

	r := base()
	r.Header.Set("Cache-Control", "No-Cache")
	assert.True(t, parseOptions(r).BypassCache)

	r = base()
	r.Header.Set("Cache-Control", "no-store, max-age=0")
	assert.True(t, parseOptions(r).BypassCache)

	r = base()
	r.Header.Set("X-Cache-Force-Refresh", "true")
	assert.True(t, parseOptions(r).BypassCache)

	r = base()
	r.Header.Set("X-Hadrian-Project", "proj-42")
	assert.Equal(t, "proj-42", parseOptions(r).Project)
}

func TestModelsList(t *testing.T) {
	prov := &stubProvider{}
	cfg := &config.Config{Providers: map[string]*config.ProviderConfig{"stub": {Name: "stub"}}}
	registry := map[string]providers.Provider{"stub": prov}
	orch := fallback.New(registry, nil, nil, nil, zap.NewNop())
	pipeline := dispatch.NewPipeline(cfg, registry, orch, dispatch.NewPrefixResolver(cfg),
		nil, nil, nil, nil, nil, zap.NewNop())
	h := NewModelsHandler(pipeline, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stub-model")
}
