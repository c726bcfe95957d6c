package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
)

// bedrockProvider speaks AWS Bedrock: Converse and ConverseStream for chat,
// invoke-model for Titan embeddings, control-plane listings for models and
// inference profiles. Every attempt is SigV4-signed fresh because signatures
// are time-bound.
type bedrockProvider struct {
	base
	creds      aws.CredentialsProvider
	signer     *v4.Signer
	runtimeURL string
	controlURL string
	caches     *bedrockCaches
}

func newBedrock(cfg *config.ProviderConfig, deps Deps) (*bedrockProvider, error) {
	p := &bedrockProvider{
		base:       newBase(cfg, "bedrock", deps),
		signer:     v4.NewSigner(),
		runtimeURL: "https://bedrock-runtime." + cfg.Region + ".amazonaws.com",
		controlURL: "https://bedrock." + cfg.Region + ".amazonaws.com",
	}

	creds, err := bedrockCredentials(cfg)
	if err != nil {
		return nil, err
	}
	p.creds = aws.NewCredentialsCache(creds)
	p.caches = newBedrockCaches(p.fetchControlPlane, p.logger)
	return p, nil
}

func bedrockCredentials(cfg *config.ProviderConfig) (aws.CredentialsProvider, error) {
	mode := cfg.AWS.Mode
	if mode == "" {
		mode = "default"
	}
	switch mode {
	case "access_key":
		if cfg.AWS.AccessKeyID == "" || cfg.AWS.SecretAccessKey == "" {
			return nil, NewConfigError(cfg.Name, "missing aws access key pair")
		}
		return credentials.NewStaticCredentialsProvider(
			cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, cfg.AWS.SessionToken), nil
	case "default", "profile", "assume_role":
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
		if mode == "profile" {
			if cfg.AWS.Profile == "" {
				return nil, NewConfigError(cfg.Name, "missing aws profile")
			}
			opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, NewConfigError(cfg.Name, "aws config: "+err.Error())
		}
		if mode == "assume_role" {
			if cfg.AWS.RoleARN == "" {
				return nil, NewConfigError(cfg.Name, "missing aws role_arn")
			}
			stsClient := sts.NewFromConfig(awsCfg)
			return stscreds.NewAssumeRoleProvider(stsClient, cfg.AWS.RoleARN, func(o *stscreds.AssumeRoleOptions) {
				if cfg.AWS.ExternalID != "" {
					o.ExternalID = &cfg.AWS.ExternalID
				}
			}), nil
		}
		return awsCfg.Credentials, nil
	}
	return nil, NewConfigError(cfg.Name, "unsupported aws auth mode "+mode)
}

// sign SigV4-signs req for the bedrock service. Called once per attempt.
func (p *bedrockProvider) sign(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := p.creds.Retrieve(ctx)
	if err != nil {
		return NewTokenError(p.name, err)
	}
	hash := sha256.Sum256(body)
	if err := p.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(hash[:]), "bedrock", p.cfg.Region, time.Now()); err != nil {
		return NewSigningError(p.name, err)
	}
	return nil
}

func (p *bedrockProvider) buildSigned(rawURL string, payload []byte) buildFunc {
	return func(ctx context.Context, attempt int) (*http.Request, error) {
		method := http.MethodPost
		var body io.Reader
		if payload != nil {
			body = jsonBody(payload)
		} else {
			method = http.MethodGet
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return nil, NewRequestError(p.name, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if err := p.sign(ctx, req, payload); err != nil {
			return nil, err
		}
		return req, nil
	}
}

// fetchControlPlane is the signed GET the resource caches use.
func (p *bedrockProvider) fetchControlPlane(ctx context.Context, path string) ([]byte, error) {
	_, body, err := p.doBuffered(ctx, p.buildSigned(p.controlURL+path, nil))
	return body, err
}

// modelID applies the configured model mapping.
func (p *bedrockProvider) modelID(model string) string {
	if mapped, ok := p.cfg.Models[model]; ok {
		return mapped
	}
	return model
}

func (p *bedrockProvider) ChatCompletion(ctx context.Context, req *schema.ChatRequest) (*Response, error) {
	native, err := toConverse(req, p.logger)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(native)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}

	inferenceID := p.caches.resolveProfile(ctx, p.modelID(req.Model))
	escaped := url.PathEscape(inferenceID)

	if req.Stream {
		endpoint := p.runtimeURL + "/model/" + escaped + "/converse-stream"
		resp, err := p.do(ctx, true, p.buildSigned(endpoint, payload))
		if err != nil {
			return nil, err
		}
		upstream := newIdleReader(resp.Body, p.limits.IdleTimeout)
		return &Response{
			StatusCode: resp.StatusCode,
			Stream:     newBedrockStream(p.name, upstream, req.Model, p.limits, p.logger),
		}, nil
	}

	endpoint := p.runtimeURL + "/model/" + escaped + "/converse"
	status, body, err := p.doBuffered(ctx, p.buildSigned(endpoint, payload))
	if err != nil {
		return nil, err
	}
	var native2 converseResponse
	if err := json.Unmarshal(body, &native2); err != nil {
		return nil, NewRequestError(p.name, err)
	}
	out, err := json.Marshal(fromConverse(&native2, req.Model))
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	return &Response{StatusCode: status, Body: out}, nil
}

func (p *bedrockProvider) Responses(ctx context.Context, req *schema.ResponsesRequest) (*Response, error) {
	return responsesViaChat(ctx, p, p.name, req)
}

func (p *bedrockProvider) Completion(ctx context.Context, req *schema.CompletionRequest) (*Response, error) {
	return nil, NewNotImplementedError(p.name, "completions")
}

// Embedding invokes Titan embedding models, one input text per call.
func (p *bedrockProvider) Embedding(ctx context.Context, req *schema.EmbeddingsRequest) (*Response, error) {
	texts := req.InputTexts()
	if len(texts) == 0 {
		return nil, NewRequestError(p.name, errEmptyInput)
	}

	model := p.modelID(req.Model)
	endpoint := p.runtimeURL + "/model/" + url.PathEscape(model) + "/invoke"

	out := schema.EmbeddingsResponse{Object: "list", Model: req.Model, Usage: &schema.Usage{}}
	for i, text := range texts {
		payload, err := json.Marshal(map[string]any{"inputText": text})
		if err != nil {
			return nil, NewRequestError(p.name, err)
		}
		_, body, err := p.doBuffered(ctx, p.buildSigned(endpoint, payload))
		if err != nil {
			return nil, err
		}
		var native struct {
			Embedding           []float64 `json:"embedding"`
			InputTextTokenCount int       `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &native); err != nil {
			return nil, NewRequestError(p.name, err)
		}
		out.Data = append(out.Data, schema.Embedding{
			Object:    "embedding",
			Index:     i,
			Embedding: native.Embedding,
		})
		out.Usage.PromptTokens += native.InputTextTokenCount
		out.Usage.TotalTokens += native.InputTextTokenCount
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	return &Response{StatusCode: http.StatusOK, Body: body}, nil
}

func (p *bedrockProvider) ListModels(ctx context.Context) ([]schema.ModelInfo, error) {
	return p.caches.foundationModels(ctx)
}
