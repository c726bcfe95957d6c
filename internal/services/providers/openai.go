package providers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
)

// openaiProvider speaks to any OpenAI-compatible endpoint. Requests and
// responses pass through untranslated; streaming bodies are already OpenAI
// SSE and are forwarded with the idle timeout applied.
type openaiProvider struct {
	base
}

func newOpenAI(cfg *config.ProviderConfig, deps Deps) (*openaiProvider, error) {
	if cfg.APIKey == "" {
		return nil, NewConfigError(cfg.Name, "missing api_key")
	}
	return &openaiProvider{base: newBase(cfg, "openai", deps)}, nil
}

func (p *openaiProvider) buildJSON(path string, payload []byte) buildFunc {
	return func(ctx context.Context, attempt int) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, jsonBody(payload))
		if err != nil {
			return nil, NewRequestError(p.name, err)
		}
		p.setHeaders(req)
		return req, nil
	}
}

func (p *openaiProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
}

func (p *openaiProvider) ChatCompletion(ctx context.Context, req *schema.ChatRequest) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	if req.Stream {
		return p.passthroughStream(ctx, "/chat/completions", payload)
	}
	status, body, err := p.doBuffered(ctx, p.buildJSON("/chat/completions", payload))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: status, Body: body}, nil
}

func (p *openaiProvider) Responses(ctx context.Context, req *schema.ResponsesRequest) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	if req.Stream {
		return p.passthroughStream(ctx, "/responses", payload)
	}
	status, body, err := p.doBuffered(ctx, p.buildJSON("/responses", payload))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: status, Body: body}, nil
}

func (p *openaiProvider) Completion(ctx context.Context, req *schema.CompletionRequest) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	if req.Stream {
		return p.passthroughStream(ctx, "/completions", payload)
	}
	status, body, err := p.doBuffered(ctx, p.buildJSON("/completions", payload))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: status, Body: body}, nil
}

func (p *openaiProvider) Embedding(ctx context.Context, req *schema.EmbeddingsRequest) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	status, body, err := p.doBuffered(ctx, p.buildJSON("/embeddings", payload))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: status, Body: body}, nil
}

func (p *openaiProvider) ListModels(ctx context.Context) ([]schema.ModelInfo, error) {
	build := func(ctx context.Context, attempt int) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
		if err != nil {
			return nil, NewRequestError(p.name, err)
		}
		p.setHeaders(req)
		return req, nil
	}
	_, body, err := p.doBuffered(ctx, build)
	if err != nil {
		return nil, err
	}
	var list schema.ModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, NewRequestError(p.name, err)
	}
	return list.Data, nil
}

func (p *openaiProvider) passthroughStream(ctx context.Context, path string, payload []byte) (*Response, error) {
	resp, err := p.do(ctx, true, p.buildJSON(path, payload))
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Stream:     newIdleReader(resp.Body, p.limits.IdleTimeout),
	}, nil
}
