package fallback

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
	"github.com/hadrianai/hadrian/internal/services/circuitbreaker"
	"github.com/hadrianai/hadrian/internal/services/providers"
)

// stubProvider satisfies the adapter contract; behavior lives in the invoke
// closure, so the methods are never called directly in these tests.
type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Type() string { return "openai" }
func (s *stubProvider) ChatCompletion(ctx context.Context, req *schema.ChatRequest) (*providers.Response, error) {
	return nil, providers.NewNotImplementedError(s.name, "chat")
}
func (s *stubProvider) Responses(ctx context.Context, req *schema.ResponsesRequest) (*providers.Response, error) {
	return nil, providers.NewNotImplementedError(s.name, "responses")
}
func (s *stubProvider) Completion(ctx context.Context, req *schema.CompletionRequest) (*providers.Response, error) {
	return nil, providers.NewNotImplementedError(s.name, "completions")
}
func (s *stubProvider) Embedding(ctx context.Context, req *schema.EmbeddingsRequest) (*providers.Response, error) {
	return nil, providers.NewNotImplementedError(s.name, "embeddings")
}
func (s *stubProvider) ListModels(ctx context.Context) ([]schema.ModelInfo, error) {
	return nil, nil
}

func testRegistry(names ...string) map[string]providers.Provider {
	reg := make(map[string]providers.Provider, len(names))
	for _, n := range names {
		reg[n] = &stubProvider{name: n}
	}
	return reg
}

func testBreakers() *circuitbreaker.Registry {
	return circuitbreaker.NewRegistry(func(name string) config.BreakerConfig {
		return config.BreakerConfig{
			Enabled:                   true,
			FailureThreshold:          1,
			Window:                    time.Minute,
			OpenDuration:              time.Minute,
			HalfOpenRequiredSuccesses: 1,
		}
	})
}

func TestChainDeduplicatesAndSkipsUnknown(t *testing.T) {
	o := New(testRegistry("a", "b", "c"), nil, map[string][]string{
		"gpt-4o": {"c", "a", "ghost"},
	}, nil, zap.NewNop())

	chain := o.Chain("a", []string{"b", "a"}, "gpt-4o")
	assert.Equal(t, []string{"a", "b", "c"}, chain)
}

func TestExecuteFirstProviderWins(t *testing.T) {
	o := New(testRegistry("a", "b"), nil, nil, []int{503}, zap.NewNop())

	var tried []string
	res, err := o.Execute(context.Background(), "a", []string{"b"}, "m", func(ctx context.Context, p providers.Provider) (*providers.Response, error) {
		tried = append(tried, p.Name())
		return &providers.Response{StatusCode: http.StatusOK}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Provider)
	assert.Equal(t, []string{"a"}, tried)
}

func TestExecuteEligibleStatusAdvances(t *testing.T) {
	o := New(testRegistry("a", "b"), nil, nil, []int{503}, zap.NewNop())

	var tried []string
	res, err := o.Execute(context.Background(), "a", []string{"b"}, "m", func(ctx context.Context, p providers.Provider) (*providers.Response, error) {
		tried = append(tried, p.Name())
		if p.Name() == "a" {
			return nil, providers.NewUpstreamError("a", http.StatusServiceUnavailable, nil)
		}
		return &providers.Response{StatusCode: http.StatusOK}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, []string{"a", "b"}, tried)
}

func TestExecuteIneligibleStatusSurfacesImmediately(t *testing.T) {
	o := New(testRegistry("a", "b"), nil, nil, []int{503}, zap.NewNop())

	var tried []string
	_, err := o.Execute(context.Background(), "a", []string{"b"}, "m", func(ctx context.Context, p providers.Provider) (*providers.Response, error) {
		tried = append(tried, p.Name())
		return nil, providers.NewUpstreamError(p.Name(), http.StatusBadRequest, []byte(`{"error":{}}`))
	})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, tried, "a plain 400 never fails over")
	assert.Equal(t, http.StatusBadRequest, providers.HTTPStatus(err))
}

func TestExecuteTransportErrorAdvances(t *testing.T) {
	o := New(testRegistry("a", "b"), nil, nil, nil, zap.NewNop())

	res, err := o.Execute(context.Background(), "a", []string{"b"}, "m", func(ctx context.Context, p providers.Provider) (*providers.Response, error) {
		if p.Name() == "a" {
			return nil, providers.NewTransportError("a", context.DeadlineExceeded)
		}
		return &providers.Response{StatusCode: http.StatusOK}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
}

func TestExecuteSkipsOpenCircuit(t *testing.T) {
	breakers := testBreakers()
	breakers.Get("a").RecordFailure() // threshold 1: opens immediately

	o := New(testRegistry("a", "b"), breakers, nil, []int{503}, zap.NewNop())

	var tried []string
	res, err := o.Execute(context.Background(), "a", []string{"b"}, "m", func(ctx context.Context, p providers.Provider) (*providers.Response, error) {
		tried = append(tried, p.Name())
		return &providers.Response{StatusCode: http.StatusOK}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, []string{"b"}, tried, "the open circuit is never invoked")
}

func TestExecuteAllCircuitsOpen(t *testing.T) {
	breakers := testBreakers()
	breakers.Get("a").RecordFailure()
	breakers.Get("b").RecordFailure()

	o := New(testRegistry("a", "b"), breakers, nil, nil, zap.NewNop())

	_, err := o.Execute(context.Background(), "a", []string{"b"}, "m", func(ctx context.Context, p providers.Provider) (*providers.Response, error) {
		t.Fatal("no provider should be invoked")
		return nil, nil
	})
	require.Error(t, err)
	pe, ok := providers.AsError(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindCircuitOpen, pe.Kind)
}

func TestExecuteCancelledContextStops(t *testing.T) {
	o := New(testRegistry("a", "b"), nil, nil, []int{503}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var tried []string
	_, err := o.Execute(ctx, "a", []string{"b"}, "m", func(ctx context.Context, p providers.Provider) (*providers.Response, error) {
		tried = append(tried, p.Name())
		cancel()
		return nil, providers.NewUpstreamError(p.Name(), http.StatusServiceUnavailable, nil)
	})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, tried, "cancellation never advances the chain")
}

func TestExecuteEmptyChain(t *testing.T) {
	o := New(testRegistry(), nil, nil, nil, zap.NewNop())
	_, err := o.Execute(context.Background(), "ghost", nil, "m", func(ctx context.Context, p providers.Provider) (*providers.Response, error) {
		return nil, nil
	})
	require.Error(t, err)
	pe, ok := providers.AsError(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindConfig, pe.Kind)
}

func TestEligible(t *testing.T) {
	o := New(nil, nil, nil, []int{429, 500, 502, 503, 504}, zap.NewNop())

	assert.True(t, o.Eligible(providers.NewUpstreamError("a", 503, nil)))
	assert.True(t, o.Eligible(providers.NewUpstreamError("a", 429, nil)))
	assert.False(t, o.Eligible(providers.NewUpstreamError("a", 400, nil)))
	assert.True(t, o.Eligible(providers.NewTransportError("a", context.DeadlineExceeded)))
	assert.True(t, o.Eligible(providers.NewCircuitOpenError("a")))
	assert.False(t, o.Eligible(providers.NewConfigError("a", "bad")))
	assert.False(t, o.Eligible(context.Canceled))
}
