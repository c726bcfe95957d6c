package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
)

const (
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// anthropicProvider speaks the Anthropic Messages API, translating to and
// from the OpenAI chat schema on both the buffered and streaming paths.
type anthropicProvider struct {
	base
	version string
}

func newAnthropic(cfg *config.ProviderConfig, deps Deps) (*anthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, NewConfigError(cfg.Name, "missing api_key")
	}
	version := cfg.AnthropicVersion
	if version == "" {
		version = defaultAnthropicVersion
	}
	return &anthropicProvider{base: newBase(cfg, "anthropic", deps), version: version}, nil
}

// Anthropic wire types.

type anthropicRequest struct {
	Model         string               `json:"model"`
	MaxTokens     int                  `json:"max_tokens"`
	System        []anthropicBlock     `json:"system,omitempty"`
	Messages      []anthropicMessage   `json:"messages"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Tools         []anthropicTool      `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
	Thinking      *anthropicThinking   `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type         string               `json:"type"`
	Text         string               `json:"text,omitempty"`
	Source       *anthropicImage      `json:"source,omitempty"`
	ID           string               `json:"id,omitempty"`
	Name         string               `json:"name,omitempty"`
	Input        json.RawMessage      `json:"input,omitempty"`
	ToolUseID    string               `json:"tool_use_id,omitempty"`
	Content      string               `json:"content,omitempty"`
	Thinking     string               `json:"thinking,omitempty"`
	CacheControl *schema.CacheControl `json:"cache_control,omitempty"`
}

type anthropicImage struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	InputSchema  json.RawMessage      `json:"input_schema,omitempty"`
	CacheControl *schema.CacheControl `json:"cache_control,omitempty"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

// toAnthropic translates an OpenAI chat request into a Messages request.
// System and developer messages concatenate into system blocks; tool-result
// messages flush as a user turn before the next non-tool message.
func (p *anthropicProvider) toAnthropic(req *schema.ChatRequest) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:         req.Model,
		MaxTokens:     defaultAnthropicMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	} else if req.MaxCompletionTokens != nil {
		out.MaxTokens = *req.MaxCompletionTokens
	}
	if req.ThinkingBudget != nil && *req.ThinkingBudget > 0 {
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: *req.ThinkingBudget}
	}

	var systemParts []anthropicBlock
	var pendingToolResults []anthropicBlock

	flushToolResults := func() {
		if len(pendingToolResults) > 0 {
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: pendingToolResults})
			pendingToolResults = nil
		}
	}

	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system", "developer":
			block := anthropicBlock{Type: "text", Text: m.FlatText()}
			for _, part := range m.ContentParts() {
				if part.CacheControl != nil {
					block.CacheControl = part.CacheControl
				}
			}
			systemParts = append(systemParts, block)
		case "tool":
			pendingToolResults = append(pendingToolResults, anthropicBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.FlatText(),
			})
		case "assistant":
			flushToolResults()
			blocks := p.contentBlocks(m)
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			if len(blocks) > 0 {
				out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: blocks})
			}
		default:
			flushToolResults()
			blocks := p.contentBlocks(m)
			if len(blocks) > 0 {
				out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: blocks})
			}
		}
	}
	flushToolResults()
	out.System = systemParts

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:         t.Function.Name,
			Description:  t.Function.Description,
			InputSchema:  t.Function.Parameters,
			CacheControl: t.CacheControl,
		})
	}
	switch mode, fn := schema.ToolChoiceMode(req.ToolChoice); mode {
	case "auto":
		out.ToolChoice = &anthropicToolChoice{Type: "auto"}
	case "required":
		out.ToolChoice = &anthropicToolChoice{Type: "any"}
	case "named":
		out.ToolChoice = &anthropicToolChoice{Type: "tool", Name: fn}
	case "none":
		out.Tools = nil
	}

	return out, nil
}

// contentBlocks converts message content parts, dropping empty text and any
// image that is not a data URL.
func (p *anthropicProvider) contentBlocks(m *schema.Message) []anthropicBlock {
	var blocks []anthropicBlock
	for _, part := range m.ContentParts() {
		switch part.Type {
		case "text":
			if part.Text == "" {
				continue
			}
			blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text, CacheControl: part.CacheControl})
		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			img, ok := decodeDataURL(part.ImageURL.URL)
			if !ok {
				p.logger.Warn("dropping non-data image url", zap.String("role", m.Role))
				continue
			}
			blocks = append(blocks, anthropicBlock{Type: "image", Source: img})
		default:
			p.logger.Warn("dropping unsupported content part", zap.String("type", part.Type))
		}
	}
	return blocks
}

// decodeDataURL splits a data:<media>;base64,<payload> URL.
func decodeDataURL(url string) (*anthropicImage, bool) {
	if !strings.HasPrefix(url, "data:") {
		return nil, false
	}
	rest := strings.TrimPrefix(url, "data:")
	mediaType, data, ok := strings.Cut(rest, ";base64,")
	if !ok || mediaType == "" || data == "" {
		return nil, false
	}
	return &anthropicImage{Type: "base64", MediaType: mediaType, Data: data}, true
}

func anthropicStopReason(reason string, hasTools bool) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		if hasTools {
			return "tool_calls"
		}
		return "stop"
	}
	return "stop"
}

// fromAnthropic maps a Messages response back to the OpenAI chat schema,
// splitting thinking blocks into message.reasoning.
func fromAnthropic(resp *anthropicResponse, model string) *schema.ChatResponse {
	var text, reasoning strings.Builder
	var toolCalls []schema.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			idx := len(toolCalls)
			toolCalls = append(toolCalls, schema.ToolCall{
				Index: &idx,
				ID:    block.ID,
				Type:  "function",
				Function: schema.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	content := text.String()
	usage := &schema.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	if resp.Usage.CacheReadInputTokens > 0 {
		usage.PromptTokensDetails = &schema.PromptTokensDetails{CachedTokens: resp.Usage.CacheReadInputTokens}
	}

	return &schema.ChatResponse{
		ID:      schema.CompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []schema.Choice{{
			Message: schema.ResponseMessage{
				Role:      "assistant",
				Content:   &content,
				Reasoning: reasoning.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: anthropicStopReason(resp.StopReason, len(toolCalls) > 0),
		}},
		Usage: usage,
	}
}

func (p *anthropicProvider) buildMessages(payload []byte) buildFunc {
	return func(ctx context.Context, attempt int) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", jsonBody(payload))
		if err != nil {
			return nil, NewRequestError(p.name, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", p.cfg.APIKey)
		req.Header.Set("anthropic-version", p.version)
		return req, nil
	}
}

func (p *anthropicProvider) ChatCompletion(ctx context.Context, req *schema.ChatRequest) (*Response, error) {
	native, err := p.toAnthropic(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(native)
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}

	if req.Stream {
		resp, err := p.do(ctx, true, p.buildMessages(payload))
		if err != nil {
			return nil, err
		}
		upstream := newIdleReader(resp.Body, p.limits.IdleTimeout)
		return &Response{
			StatusCode: resp.StatusCode,
			Stream:     newAnthropicStream(p.name, upstream, req.Model, p.limits),
		}, nil
	}

	status, body, err := p.doBuffered(ctx, p.buildMessages(payload))
	if err != nil {
		return nil, err
	}
	var native2 anthropicResponse
	if err := json.Unmarshal(body, &native2); err != nil {
		return nil, NewRequestError(p.name, err)
	}
	out, err := json.Marshal(fromAnthropic(&native2, req.Model))
	if err != nil {
		return nil, NewRequestError(p.name, err)
	}
	return &Response{StatusCode: status, Body: out}, nil
}

func (p *anthropicProvider) Responses(ctx context.Context, req *schema.ResponsesRequest) (*Response, error) {
	return responsesViaChat(ctx, p, p.name, req)
}

func (p *anthropicProvider) Completion(ctx context.Context, req *schema.CompletionRequest) (*Response, error) {
	return nil, NewNotImplementedError(p.name, "completions")
}

func (p *anthropicProvider) Embedding(ctx context.Context, req *schema.EmbeddingsRequest) (*Response, error) {
	return nil, NewNotImplementedError(p.name, "embeddings")
}

func (p *anthropicProvider) ListModels(ctx context.Context) ([]schema.ModelInfo, error) {
	build := func(ctx context.Context, attempt int) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/v1/models", nil)
		if err != nil {
			return nil, NewRequestError(p.name, err)
		}
		req.Header.Set("x-api-key", p.cfg.APIKey)
		req.Header.Set("anthropic-version", p.version)
		return req, nil
	}
	_, body, err := p.doBuffered(ctx, build)
	if err != nil {
		return nil, err
	}
	var native struct {
		Data []struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, NewRequestError(p.name, err)
	}
	models := make([]schema.ModelInfo, 0, len(native.Data))
	for _, m := range native.Data {
		models = append(models, schema.ModelInfo{ID: m.ID, Object: "model", OwnedBy: "anthropic"})
	}
	return models, nil
}
