// Package providers implements the upstream adapters. Every provider family
// satisfies the same capability set and returns responses already in the
// OpenAI wire format; translation to and from native formats (Bedrock
// Converse, Vertex GenerateContent, Anthropic Messages) happens behind the
// adapter boundary.
package providers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/services/circuitbreaker"
	"github.com/hadrianai/hadrian/internal/metrics"
	"github.com/hadrianai/hadrian/internal/schema"
	"github.com/hadrianai/hadrian/internal/services/retry"
)

// Provider is the uniform adapter contract. Operations return a Response in
// OpenAI wire format, buffered or streaming; unsupported operations fail with
// KindNotImplemented.
type Provider interface {
	Name() string
	Type() string
	ChatCompletion(ctx context.Context, req *schema.ChatRequest) (*Response, error)
	Responses(ctx context.Context, req *schema.ResponsesRequest) (*Response, error)
	Completion(ctx context.Context, req *schema.CompletionRequest) (*Response, error)
	Embedding(ctx context.Context, req *schema.EmbeddingsRequest) (*Response, error)
	ListModels(ctx context.Context) ([]schema.ModelInfo, error)
}

// Response carries either a buffered JSON body or a live SSE stream, never
// both. Stream is a sequence of OpenAI SSE frames ending in `data: [DONE]`.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

func (r *Response) IsStream() bool { return r.Stream != nil }

// Deps bundles the shared collaborators handed to every adapter.
type Deps struct {
	Client   *http.Client
	Logger   *zap.Logger
	Breakers *circuitbreaker.Registry
	Retry    config.RetryConfig
	Limits   config.StreamingConfig
}

// New constructs the adapter for a descriptor. Fails with KindConfig on an
// unsupported family or auth combination.
func New(cfg *config.ProviderConfig, deps Deps) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return newOpenAI(cfg, deps)
	case "anthropic":
		return newAnthropic(cfg, deps)
	case "azure":
		return newAzure(cfg, deps)
	case "bedrock":
		return newBedrock(cfg, deps)
	case "vertex":
		return newVertex(cfg, deps)
	}
	return nil, NewConfigError(cfg.Name, "unknown provider type "+cfg.Type)
}

const maxBufferedBody = 32 << 20

// base carries the plumbing shared by every adapter: the HTTP client, the
// retry engine, breaker accounting and the streaming limits.
type base struct {
	name   string
	typ    string
	cfg    *config.ProviderConfig
	client *http.Client
	logger *zap.Logger
	engine *retry.Engine
	hook   retry.Recorder
	limits config.StreamingConfig
}

func newBase(cfg *config.ProviderConfig, typ string, deps Deps) base {
	client := deps.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var hook retry.Recorder
	if deps.Breakers != nil {
		hook = breakerHook{b: deps.Breakers.Get(cfg.Name)}
	}
	return base{
		name:   cfg.Name,
		typ:    typ,
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("provider", cfg.Name)),
		engine: retry.New(cfg.Name, deps.Retry, logger),
		hook:   hook,
		limits: deps.Limits,
	}
}

func (b *base) Name() string { return b.name }
func (b *base) Type() string { return b.typ }

// buildFunc constructs the outgoing request for one attempt. It is called
// fresh per attempt so auth headers and signatures are never reused.
type buildFunc func(ctx context.Context, attempt int) (*http.Request, error)

// retryable is the engine classifier shared by all adapters.
func (b *base) retryable(err error) bool {
	pe, ok := AsError(err)
	if !ok {
		return false
	}
	switch pe.Kind {
	case KindTransport:
		return retry.RetryableTransport(pe.Err)
	case KindUpstream:
		return b.engine.RetryableStatus(pe.Status)
	case KindTokenFetch, KindSigning:
		return true
	}
	return false
}

// do runs the retry loop around build+send and returns the raw upstream
// response with an unread 2xx body. Non-2xx responses are drained and mapped
// to KindUpstream. For non-streaming calls the provider timeout bounds the
// whole exchange; streaming relies on the transformer's idle timeout instead.
func (b *base) do(ctx context.Context, stream bool, build buildFunc) (*http.Response, error) {
	if !stream && b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	var out *http.Response
	err := b.engine.Do(ctx, b.hook, b.retryable, func(ctx context.Context, attempt int) error {
		req, err := build(ctx, attempt)
		if err != nil {
			return err
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return NewTransportError(b.name, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
			resp.Body.Close()
			ue := NewUpstreamError(b.name, resp.StatusCode, body)
			ue.RetryAfter = resp.Header.Get("Retry-After")
			return ue
		}
		out = resp
		return nil
	})

	metrics.RequestDuration.WithLabelValues(b.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(b.name, "error").Inc()
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues(b.name, "ok").Inc()
	return out, nil
}

// doBuffered is do() followed by a bounded body read.
func (b *base) doBuffered(ctx context.Context, build buildFunc) (int, []byte, error) {
	resp, err := b.do(ctx, false, build)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	if err != nil {
		return 0, nil, NewTransportError(b.name, err)
	}
	return resp.StatusCode, body, nil
}

func jsonBody(raw []byte) io.Reader { return bytes.NewReader(raw) }

// breakerHook adapts the breaker to the engine's Recorder, applying the
// status policy: a terminal upstream status that is not a failure status
// (plain 4xx) counts as a breaker success.
type breakerHook struct {
	b *circuitbreaker.Breaker
}

func (h breakerHook) Allow() bool    { return h.b.Allow() }
func (h breakerHook) RecordSuccess() { h.b.RecordSuccess() }

func (h breakerHook) RecordFailure(err error) {
	if status := UpstreamStatus(err); status != 0 && !circuitbreaker.IsFailureStatus(status) {
		h.b.RecordSuccess()
		return
	}
	h.b.RecordFailure()
}
