package dispatch

import (
	"context"
	"time"

	"github.com/hadrianai/hadrian/internal/schema"
)

// The collaborators below are implemented outside the dispatch core and
// injected at construction. Nil collaborators disable their step.

// Route is the resolution of a requested model id.
type Route struct {
	Provider string // provider_name into the adapter registry
	Model    string // model name as the provider expects it
	Source   string // static | dynamic | override
}

// RouteResolver maps a requested model (possibly provider-prefixed or
// tenant-scoped) to a provider and model.
type RouteResolver interface {
	Resolve(ctx context.Context, model string) (*Route, error)
}

// CacheEntry is a previously stored response body.
type CacheEntry struct {
	Body       []byte
	Semantic   bool
	Similarity float64
	CachedAt   time.Time
}

// ResponseCache is the exact/semantic response cache.
type ResponseCache interface {
	Lookup(ctx context.Context, req *schema.ChatRequest) (*CacheEntry, bool)
	Store(ctx context.Context, req *schema.ChatRequest, body []byte)
}

// Verdict is a guardrails decision. A blocked verdict stops the request; a
// non-nil Redacted body replaces the original on output checks.
type Verdict struct {
	Blocked  bool
	Reason   string
	Redacted []byte
	Headers  map[string]string
}

// StreamMode selects how output guardrails inspect a streamed response.
type StreamMode string

const (
	// StreamPerChunk runs CheckOutput on each SSE frame as it passes;
	// redaction applies to the frame.
	StreamPerChunk StreamMode = "per_chunk"
	// StreamBuffered runs CheckOutput on the accumulated content after every
	// frame; blocking only, nothing already sent can be redacted.
	StreamBuffered StreamMode = "buffered"
	// StreamFinalOnly runs CheckOutput once on the full content, before the
	// terminal frame.
	StreamFinalOnly StreamMode = "final_only"
)

// GuardrailsEngine evaluates input and output content. Concurrent reports
// whether input checks race the dispatch instead of blocking it; StreamMode
// reports how CheckOutput is applied to streamed responses.
type GuardrailsEngine interface {
	CheckInput(ctx context.Context, req *schema.ChatRequest) (*Verdict, error)
	CheckOutput(ctx context.Context, body []byte) (*Verdict, error)
	Concurrent() bool
	StreamMode() StreamMode
}

// CostInjector amends a response body with computed costs and records usage.
type CostInjector interface {
	Inject(ctx context.Context, provider, model string, body []byte) ([]byte, error)
}

// ImageFetcher downloads HTTP image URLs in the request and replaces them
// with data URLs, so translators only ever see inline images.
type ImageFetcher interface {
	Inline(ctx context.Context, req *schema.ChatRequest) error
}
