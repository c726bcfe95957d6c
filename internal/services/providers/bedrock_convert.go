package providers

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/schema"
)

// Converse wire types (request side).

type converseRequest struct {
	Messages                     []converseMessage    `json:"messages"`
	System                       []converseSystem     `json:"system,omitempty"`
	InferenceConfig              *converseInference   `json:"inferenceConfig,omitempty"`
	ToolConfig                   *converseToolConfig  `json:"toolConfig,omitempty"`
	AdditionalModelRequestFields json.RawMessage      `json:"additionalModelRequestFields,omitempty"`
}

type converseMessage struct {
	Role    string          `json:"role"`
	Content []converseBlock `json:"content"`
}

type converseBlock struct {
	Text             string              `json:"text,omitempty"`
	Image            *converseImage      `json:"image,omitempty"`
	ToolUse          *converseToolUse    `json:"toolUse,omitempty"`
	ToolResult       *converseToolResult `json:"toolResult,omitempty"`
	CachePoint       *cachePoint         `json:"cachePoint,omitempty"`
	ReasoningContent json.RawMessage     `json:"reasoningContent,omitempty"`
}

type converseSystem struct {
	Text       string      `json:"text,omitempty"`
	CachePoint *cachePoint `json:"cachePoint,omitempty"`
}

type cachePoint struct {
	Type string `json:"type"`
}

type converseImage struct {
	Format string              `json:"format"`
	Source converseImageSource `json:"source"`
}

type converseImageSource struct {
	Bytes string `json:"bytes"`
}

type converseToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type converseToolResult struct {
	ToolUseID string          `json:"toolUseId"`
	Content   []converseBlock `json:"content"`
}

type converseInference struct {
	MaxTokens     *int     `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type converseToolConfig struct {
	Tools      []converseToolEntry `json:"tools"`
	ToolChoice json.RawMessage     `json:"toolChoice,omitempty"`
}

type converseToolEntry struct {
	ToolSpec   *converseToolSpec `json:"toolSpec,omitempty"`
	CachePoint *cachePoint       `json:"cachePoint,omitempty"`
}

type converseToolSpec struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema converseToolSchema `json:"inputSchema"`
}

type converseToolSchema struct {
	JSON json.RawMessage `json:"json"`
}

// Converse wire types (response side).

type converseResponse struct {
	Output struct {
		Message converseOutMessage `json:"message"`
	} `json:"output"`
	StopReason string        `json:"stopReason"`
	Usage      converseUsage `json:"usage"`
}

type converseOutMessage struct {
	Role    string             `json:"role"`
	Content []converseOutBlock `json:"content"`
}

type converseOutBlock struct {
	Text             string                `json:"text,omitempty"`
	ToolUse          *converseToolUse      `json:"toolUse,omitempty"`
	ReasoningContent *converseReasoningOut `json:"reasoningContent,omitempty"`
}

type converseReasoningOut struct {
	ReasoningText struct {
		Text string `json:"text"`
	} `json:"reasoningText"`
}

type converseUsage struct {
	InputTokens          int `json:"inputTokens"`
	OutputTokens         int `json:"outputTokens"`
	TotalTokens          int `json:"totalTokens"`
	CacheReadInputTokens int `json:"cacheReadInputTokens"`
}

var bedrockImageFormats = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpeg",
	"image/jpg":  "jpeg",
	"image/gif":  "gif",
	"image/webp": "webp",
}

func isClaudeModel(model string) bool {
	return strings.Contains(model, "claude") || strings.Contains(model, "anthropic.")
}

func isNovaModel(model string) bool {
	return strings.Contains(model, "nova")
}

// toConverse translates an OpenAI chat request into a Converse request.
func toConverse(req *schema.ChatRequest, logger *zap.Logger) (*converseRequest, error) {
	out := &converseRequest{}

	var pendingToolResults []converseBlock
	flushToolResults := func() {
		if len(pendingToolResults) > 0 {
			out.Messages = append(out.Messages, converseMessage{Role: "user", Content: pendingToolResults})
			pendingToolResults = nil
		}
	}

	var systemText strings.Builder
	flushSystem := func(cache bool) {
		if systemText.Len() > 0 {
			out.System = append(out.System, converseSystem{Text: systemText.String()})
			systemText.Reset()
		}
		if cache {
			out.System = append(out.System, converseSystem{CachePoint: &cachePoint{Type: "default"}})
		}
	}

	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system", "developer":
			for _, part := range m.ContentParts() {
				if part.Type != "text" || part.Text == "" {
					continue
				}
				if systemText.Len() > 0 {
					systemText.WriteString("\n\n")
				}
				systemText.WriteString(part.Text)
				if part.CacheControl != nil {
					flushSystem(true)
				}
			}
		case "tool":
			pendingToolResults = append(pendingToolResults, converseBlock{ToolResult: &converseToolResult{
				ToolUseID: m.ToolCallID,
				Content:   []converseBlock{{Text: m.FlatText()}},
			}})
		case "assistant":
			flushToolResults()
			blocks := converseContent(m, logger)
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, converseBlock{ToolUse: &converseToolUse{
					ToolUseID: tc.ID,
					Name:      tc.Function.Name,
					Input:     input,
				}})
			}
			if len(blocks) > 0 {
				out.Messages = append(out.Messages, converseMessage{Role: "assistant", Content: blocks})
			}
		default:
			flushToolResults()
			blocks := converseContent(m, logger)
			if len(blocks) > 0 {
				out.Messages = append(out.Messages, converseMessage{Role: "user", Content: blocks})
			}
		}
	}
	flushToolResults()
	flushSystem(false)

	inf := &converseInference{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if req.MaxTokens != nil {
		inf.MaxTokens = req.MaxTokens
	} else if req.MaxCompletionTokens != nil {
		inf.MaxTokens = req.MaxCompletionTokens
	}
	// Bedrock rejects temperature together with topP on Claude models.
	if isClaudeModel(req.Model) && inf.Temperature != nil && inf.TopP != nil {
		inf.TopP = nil
	}
	if inf.MaxTokens != nil || inf.Temperature != nil || inf.TopP != nil || len(inf.StopSequences) > 0 {
		out.InferenceConfig = inf
	}

	if tc := converseTools(req); tc != nil {
		out.ToolConfig = tc
	}
	out.AdditionalModelRequestFields = converseReasoningFields(req)

	return out, nil
}

// converseContent converts the content parts of one message, dropping empty
// text, non-data image URLs and unsupported part types. A cache_control hint
// becomes an explicit cachePoint block right after its content.
func converseContent(m *schema.Message, logger *zap.Logger) []converseBlock {
	var blocks []converseBlock
	for _, part := range m.ContentParts() {
		switch part.Type {
		case "text":
			if part.Text == "" {
				continue
			}
			blocks = append(blocks, converseBlock{Text: part.Text})
		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			img, ok := decodeDataURL(part.ImageURL.URL)
			if !ok {
				logger.Warn("dropping non-data image url")
				continue
			}
			format, ok := bedrockImageFormats[img.MediaType]
			if !ok {
				logger.Warn("dropping unsupported image format", zap.String("media_type", img.MediaType))
				continue
			}
			blocks = append(blocks, converseBlock{Image: &converseImage{
				Format: format,
				Source: converseImageSource{Bytes: img.Data},
			}})
		default:
			logger.Warn("dropping unsupported content part", zap.String("type", part.Type))
			continue
		}
		if part.CacheControl != nil {
			blocks = append(blocks, converseBlock{CachePoint: &cachePoint{Type: "default"}})
		}
	}
	return blocks
}

// converseTools builds toolConfig. tool_choice "none" omits the whole config.
func converseTools(req *schema.ChatRequest) *converseToolConfig {
	mode, fnName := schema.ToolChoiceMode(req.ToolChoice)
	if mode == "none" || len(req.Tools) == 0 {
		return nil
	}

	tc := &converseToolConfig{}
	for _, t := range req.Tools {
		params := t.Function.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tc.Tools = append(tc.Tools, converseToolEntry{ToolSpec: &converseToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: converseToolSchema{JSON: params},
		}})
		if t.CacheControl != nil {
			tc.Tools = append(tc.Tools, converseToolEntry{CachePoint: &cachePoint{Type: "default"}})
		}
	}

	switch mode {
	case "auto", "":
		tc.ToolChoice = json.RawMessage(`{"auto":{}}`)
	case "required":
		tc.ToolChoice = json.RawMessage(`{"any":{}}`)
	case "named":
		raw, _ := json.Marshal(map[string]any{"tool": map[string]string{"name": fnName}})
		tc.ToolChoice = raw
	}
	return tc
}

// converseReasoningFields emits the family-specific extended-thinking schema
// under additionalModelRequestFields, or nothing for families without one.
func converseReasoningFields(req *schema.ChatRequest) json.RawMessage {
	if req.ThinkingBudget == nil || *req.ThinkingBudget <= 0 {
		return nil
	}
	switch {
	case isClaudeModel(req.Model):
		raw, _ := json.Marshal(map[string]any{
			"thinking": map[string]any{"type": "enabled", "budget_tokens": *req.ThinkingBudget},
		})
		return raw
	case isNovaModel(req.Model):
		raw, _ := json.Marshal(map[string]any{
			"reasoningConfig": map[string]any{"type": "enabled", "budgetTokens": *req.ThinkingBudget},
		})
		return raw
	}
	return nil
}

func converseStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "guardrail_intervened", "content_filtered":
		return "content_filter"
	}
	return "stop"
}

// fromConverse maps a Converse response to the OpenAI chat schema.
func fromConverse(resp *converseResponse, model string) *schema.ChatResponse {
	var text, reasoning strings.Builder
	var toolCalls []schema.ToolCall
	for _, block := range resp.Output.Message.Content {
		switch {
		case block.ToolUse != nil:
			idx := len(toolCalls)
			toolCalls = append(toolCalls, schema.ToolCall{
				Index: &idx,
				ID:    block.ToolUse.ToolUseID,
				Type:  "function",
				Function: schema.FunctionCall{
					Name:      block.ToolUse.Name,
					Arguments: string(block.ToolUse.Input),
				},
			})
		case block.ReasoningContent != nil:
			reasoning.WriteString(block.ReasoningContent.ReasoningText.Text)
		case block.Text != "":
			text.WriteString(block.Text)
		}
	}

	content := text.String()
	usage := &schema.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
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
			FinishReason: converseStopReason(resp.StopReason),
		}},
		Usage: usage,
	}
}
