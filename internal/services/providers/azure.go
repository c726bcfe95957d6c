package providers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
)

// azureProvider speaks Azure OpenAI. Deployment-scoped operations use
// {base}/deployments/{deployment}/{op}?api-version=…; the unified v1 surface
// ({base}/v1/responses, {base}/v1/models) skips deployments. The configured
// base_url is expected to already end in /openai.
type azureProvider struct {
	base
	tokens bearerSource // nil in api_key mode
}

func newAzure(cfg *config.ProviderConfig, deps Deps) (*azureProvider, error) {
	p := &azureProvider{base: newBase(cfg, "azure", deps)}

	mode := cfg.Azure.Mode
	if mode == "" {
		mode = "api_key"
	}
	switch mode {
	case "api_key":
		if cfg.APIKey == "" {
			return nil, NewConfigError(cfg.Name, "missing api_key")
		}
	case "azure_ad", "managed_identity":
		src, err := newAzureTokenSource(cfg.Name, cfg.Azure)
		if err != nil {
			return nil, err
		}
		p.tokens = src
	default:
		return nil, NewConfigError(cfg.Name, "unsupported azure auth mode "+mode)
	}
	return p, nil
}

// deployment resolves the model to its configured deployment, falling back
// to the model name itself.
func (p *azureProvider) deployment(model string) string {
	if d, ok := p.cfg.Deployments[model]; ok {
		return d
	}
	p.logger.Warn("no deployment mapping for model, using model name", zap.String("model", model))
	return model
}

// setAuth attaches exactly one of api-key or Authorization, refreshed per
// attempt.
func (p *azureProvider) setAuth(ctx context.Context, req *http.Request) error {
	if p.tokens == nil {
		req.Header.Set("api-key", p.cfg.APIKey)
		return nil
	}
	header, err := p.tokens.BearerHeader(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	return nil
}

func (p *azureProvider) buildDeployment(model, op string, payload []byte) buildFunc {
	return func(ctx context.Context, attempt int) (*http.Request, error) {
		url := p.cfg.BaseURL + "/deployments/" + p.deployment(model) + "/" + op +
			"?api-version=" + p.cfg.APIVersion
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, jsonBody(payload))
		if err != nil {
			return nil, NewRequestError(p.name, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := p.setAuth(ctx, req); err != nil {
			return nil, err
		}
		return req, nil
	}
}

func (p *azureProvider) ChatCompletion(ctx context.Context, req *schema.ChatRequest) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	build := p.buildDeployment(req.Model, "chat/completions", payload)
	if req.Stream {
		resp, err := p.do(ctx, true, build)
		if err != nil {
			return nil, err
		}
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Stream:     newIdleReader(resp.Body, p.limits.IdleTimeout),
		}, nil
	}
	status, body, err := p.doBuffered(ctx, build)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: status, Body: body}, nil
}

func (p *azureProvider) Responses(ctx context.Context, req *schema.ResponsesRequest) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	build := func(ctx context.Context, attempt int) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/responses", jsonBody(payload))
		if err != nil {
			return nil, NewRequestError(p.name, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if err := p.setAuth(ctx, httpReq); err != nil {
			return nil, err
		}
		return httpReq, nil
	}
	if req.Stream {
		resp, err := p.do(ctx, true, build)
		if err != nil {
			return nil, err
		}
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Stream:     newIdleReader(resp.Body, p.limits.IdleTimeout),
		}, nil
	}
	status, body, err := p.doBuffered(ctx, build)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: status, Body: body}, nil
}

func (p *azureProvider) Completion(ctx context.Context, req *schema.CompletionRequest) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	status, body, err := p.doBuffered(ctx, p.buildDeployment(req.Model, "completions", payload))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: status, Body: body}, nil
}

func (p *azureProvider) Embedding(ctx context.Context, req *schema.EmbeddingsRequest) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	status, body, err := p.doBuffered(ctx, p.buildDeployment(req.Model, "embeddings", payload))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: status, Body: body}, nil
}

func (p *azureProvider) ListModels(ctx context.Context) ([]schema.ModelInfo, error) {
	build := func(ctx context.Context, attempt int) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/v1/models", nil)
		if err != nil {
			return nil, NewRequestError(p.name, err)
		}
		if err := p.setAuth(ctx, req); err != nil {
			return nil, err
		}
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
