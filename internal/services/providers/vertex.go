package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
)

// vertexProvider speaks the Vertex AI REST surface. The URL shape depends on
// the auth mode: api_key mode hits the global publisher endpoint with ?key=…,
// OAuth mode hits the regional project endpoint with a bearer header.
type vertexProvider struct {
	base
	tokens    bearerSource // nil in api_key mode
	publisher string
}

func newVertex(cfg *config.ProviderConfig, deps Deps) (*vertexProvider, error) {
	p := &vertexProvider{base: newBase(cfg, "vertex", deps), publisher: cfg.Publisher}
	if p.publisher == "" {
		p.publisher = "google"
	}

	if cfg.APIKey == "" {
		if cfg.Location == "" {
			return nil, NewConfigError(cfg.Name, "missing location for oauth mode")
		}
		src, err := newGCPTokenSource(cfg.Name, cfg.GCP)
		if err != nil {
			return nil, err
		}
		p.tokens = src
	}
	return p, nil
}

// endpointURL builds the model endpoint for op, appending alt=sse when
// streaming.
func (p *vertexProvider) endpointURL(model, op string, stream bool) string {
	var endpoint string
	if p.tokens == nil {
		endpoint = "https://aiplatform.googleapis.com/v1/publishers/" + p.publisher +
			"/models/" + url.PathEscape(model) + ":" + op + "?key=" + url.QueryEscape(p.cfg.APIKey)
		if stream {
			endpoint += "&alt=sse"
		}
		return endpoint
	}
	loc := p.cfg.Location
	endpoint = "https://" + loc + "-aiplatform.googleapis.com/v1/projects/" + p.cfg.Project +
		"/locations/" + loc + "/publishers/" + p.publisher +
		"/models/" + url.PathEscape(model) + ":" + op
	if stream {
		endpoint += "?alt=sse"
	}
	return endpoint
}

func (p *vertexProvider) build(endpoint string, payload []byte) buildFunc {
	return func(ctx context.Context, attempt int) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, jsonBody(payload))
		if err != nil {
			return nil, NewRequestError(p.name, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.tokens != nil {
			header, err := p.tokens.BearerHeader(ctx)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", header)
		}
		return req, nil
	}
}

func (p *vertexProvider) ChatCompletion(ctx context.Context, req *schema.ChatRequest) (*Response, error) {
	native, err := toVertex(req, p.logger)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(native)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}

	if req.Stream {
		endpoint := p.endpointURL(req.Model, "streamGenerateContent", true)
		resp, err := p.do(ctx, true, p.build(endpoint, payload))
		if err != nil {
			return nil, err
		}
		upstream := newIdleReader(resp.Body, p.limits.IdleTimeout)
		return &Response{
			StatusCode: resp.StatusCode,
			Stream:     newVertexStream(p.name, upstream, req.Model, p.limits),
		}, nil
	}

	endpoint := p.endpointURL(req.Model, "generateContent", false)
	status, body, err := p.doBuffered(ctx, p.build(endpoint, payload))
	if err != nil {
		return nil, err
	}
	var native2 vertexResponse
	if err := json.Unmarshal(body, &native2); err != nil {
		return nil, NewRequestError(p.name, err)
	}
	out, err := json.Marshal(fromVertex(&native2, req.Model))
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	return &Response{StatusCode: status, Body: out}, nil
}

func (p *vertexProvider) Responses(ctx context.Context, req *schema.ResponsesRequest) (*Response, error) {
	return responsesViaChat(ctx, p, p.name, req)
}

func (p *vertexProvider) Completion(ctx context.Context, req *schema.CompletionRequest) (*Response, error) {
	return nil, NewNotImplementedError(p.name, "completions")
}

// Embedding calls the :predict endpoint of the text-embedding models.
func (p *vertexProvider) Embedding(ctx context.Context, req *schema.EmbeddingsRequest) (*Response, error) {
	texts := req.InputTexts()
	if len(texts) == 0 {
		return nil, NewRequestError(p.name, errEmptyInput)
	}

	instances := make([]map[string]string, 0, len(texts))
	for _, text := range texts {
		instances = append(instances, map[string]string{"content": text})
	}
	payload, err := json.Marshal(map[string]any{"instances": instances})
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}

	endpoint := p.endpointURL(req.Model, "predict", false)
	_, body, err := p.doBuffered(ctx, p.build(endpoint, payload))
	if err != nil {
		return nil, err
	}

	var native struct {
		Predictions []struct {
			Embeddings struct {
				Values     []float64 `json:"values"`
				Statistics struct {
					TokenCount int `json:"token_count"`
				} `json:"statistics"`
			} `json:"embeddings"`
		} `json:"predictions"`
	}
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, NewRequestError(p.name, err)
	}

	out := schema.EmbeddingsResponse{Object: "list", Model: req.Model, Usage: &schema.Usage{}}
	for i, pred := range native.Predictions {
		out.Data = append(out.Data, schema.Embedding{
			Object:    "embedding",
			Index:     i,
			Embedding: pred.Embeddings.Values,
		})
		out.Usage.PromptTokens += pred.Embeddings.Statistics.TokenCount
		out.Usage.TotalTokens += pred.Embeddings.Statistics.TokenCount
	}

	outBody, err := json.Marshal(out)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	return &Response{StatusCode: http.StatusOK, Body: outBody}, nil
}

// vertexCuratedModels is the fixed model listing; Vertex has no public
// list-models endpoint on this surface.
var vertexCuratedModels = []schema.ModelInfo{
	{ID: "gemini-3-pro-preview", Object: "model", OwnedBy: "google"},
	{ID: "gemini-2.5-pro", Object: "model", OwnedBy: "google"},
	{ID: "gemini-2.5-flash", Object: "model", OwnedBy: "google"},
	{ID: "gemini-2.5-flash-lite", Object: "model", OwnedBy: "google"},
	{ID: "gemini-2.0-flash", Object: "model", OwnedBy: "google"},
	{ID: "text-embedding-005", Object: "model", OwnedBy: "google"},
	{ID: "text-multilingual-embedding-002", Object: "model", OwnedBy: "google"},
}

func (p *vertexProvider) ListModels(ctx context.Context) ([]schema.ModelInfo, error) {
	models := make([]schema.ModelInfo, len(vertexCuratedModels))
	copy(models, vertexCuratedModels)
	return models, nil
}
