package providers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/schema"
)

// GenerateContent wire types.

type vertexRequest struct {
	Contents          []vertexContent   `json:"contents"`
	SystemInstruction *vertexContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *vertexGenConfig  `json:"generationConfig,omitempty"`
	Tools             []vertexTool      `json:"tools,omitempty"`
	ToolConfig        *vertexToolConfig `json:"toolConfig,omitempty"`
}

type vertexContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []vertexPart `json:"parts"`
}

type vertexPart struct {
	Text             string              `json:"text,omitempty"`
	Thought          bool                `json:"thought,omitempty"`
	InlineData       *vertexInlineData   `json:"inlineData,omitempty"`
	FunctionCall     *vertexFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *vertexFunctionResp `json:"functionResponse,omitempty"`
}

type vertexInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type vertexFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type vertexFunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type vertexGenConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	TopP            *float64              `json:"topP,omitempty"`
	MaxOutputTokens *int                  `json:"maxOutputTokens,omitempty"`
	StopSequences   []string              `json:"stopSequences,omitempty"`
	ThinkingConfig  *vertexThinkingConfig `json:"thinkingConfig,omitempty"`
}

type vertexThinkingConfig struct {
	ThinkingLevel   string `json:"thinkingLevel,omitempty"`
	ThinkingBudget  *int   `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool   `json:"includeThoughts,omitempty"`
}

type vertexTool struct {
	FunctionDeclarations []vertexFunctionDecl `json:"functionDeclarations"`
}

type vertexFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type vertexToolConfig struct {
	FunctionCallingConfig vertexFunctionCallingConfig `json:"functionCallingConfig"`
}

type vertexFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type vertexResponse struct {
	Candidates    []vertexCandidate `json:"candidates"`
	UsageMetadata *vertexUsage      `json:"usageMetadata"`
}

type vertexCandidate struct {
	Content      vertexContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type vertexUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
}

func isGemini3(model string) bool { return strings.Contains(model, "gemini-3") }

func isGemini25(model string) bool { return strings.Contains(model, "gemini-2.5") }

// thinkingBudgetForLevel maps the coarse level names onto Gemini 2.5 budgets;
// high means dynamic (-1).
func thinkingBudgetForLevel(level string) (int, bool) {
	switch level {
	case "none":
		return 0, true
	case "minimal":
		return 1024, true
	case "low":
		return 4096, true
	case "medium":
		return 8192, true
	case "high":
		return -1, true
	}
	return 0, false
}

// toVertex translates an OpenAI chat request into a GenerateContent request.
func toVertex(req *schema.ChatRequest, logger *zap.Logger) (*vertexRequest, error) {
	out := &vertexRequest{}

	var pendingToolResults []vertexPart
	flushToolResults := func() {
		if len(pendingToolResults) > 0 {
			out.Contents = append(out.Contents, vertexContent{Role: "user", Parts: pendingToolResults})
			pendingToolResults = nil
		}
	}

	var systemText strings.Builder

	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system", "developer":
			if text := m.FlatText(); text != "" {
				if systemText.Len() > 0 {
					systemText.WriteString("\n\n")
				}
				systemText.WriteString(text)
			}
		case "tool":
			response := json.RawMessage(m.FlatText())
			if !json.Valid(response) {
				raw, _ := json.Marshal(map[string]string{"result": m.FlatText()})
				response = raw
			}
			pendingToolResults = append(pendingToolResults, vertexPart{FunctionResponse: &vertexFunctionResp{
				Name:     m.Name,
				Response: response,
			}})
		case "assistant":
			flushToolResults()
			parts := vertexParts(m, logger)
			for _, tc := range m.ToolCalls {
				args := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(args) {
					args = json.RawMessage("{}")
				}
				parts = append(parts, vertexPart{FunctionCall: &vertexFunctionCall{
					Name: tc.Function.Name,
					Args: args,
				}})
			}
			if len(parts) > 0 {
				out.Contents = append(out.Contents, vertexContent{Role: "model", Parts: parts})
			}
		default:
			flushToolResults()
			parts := vertexParts(m, logger)
			if len(parts) > 0 {
				out.Contents = append(out.Contents, vertexContent{Role: "user", Parts: parts})
			}
		}
	}
	flushToolResults()

	if systemText.Len() > 0 {
		// Vertex convention: the system instruction turn carries role user.
		out.SystemInstruction = &vertexContent{
			Role:  "user",
			Parts: []vertexPart{{Text: systemText.String()}},
		}
	}

	gen := &vertexGenConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if req.MaxTokens != nil {
		gen.MaxOutputTokens = req.MaxTokens
	} else if req.MaxCompletionTokens != nil {
		gen.MaxOutputTokens = req.MaxCompletionTokens
	}
	gen.ThinkingConfig = vertexThinking(req)
	if gen.Temperature != nil || gen.TopP != nil || gen.MaxOutputTokens != nil ||
		len(gen.StopSequences) > 0 || gen.ThinkingConfig != nil {
		out.GenerationConfig = gen
	}

	mode, fnName := schema.ToolChoiceMode(req.ToolChoice)
	if mode != "none" && len(req.Tools) > 0 {
		tool := vertexTool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, vertexFunctionDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		out.Tools = []vertexTool{tool}

		switch mode {
		case "auto", "":
			out.ToolConfig = &vertexToolConfig{FunctionCallingConfig: vertexFunctionCallingConfig{Mode: "AUTO"}}
		case "required":
			out.ToolConfig = &vertexToolConfig{FunctionCallingConfig: vertexFunctionCallingConfig{Mode: "ANY"}}
		case "named":
			out.ToolConfig = &vertexToolConfig{FunctionCallingConfig: vertexFunctionCallingConfig{
				Mode:                 "ANY",
				AllowedFunctionNames: []string{fnName},
			}}
		}
	}

	return out, nil
}

// vertexThinking picks thinking_level for Gemini 3+ and thinking_budget for
// Gemini 2.5, never both.
func vertexThinking(req *schema.ChatRequest) *vertexThinkingConfig {
	switch {
	case isGemini3(req.Model):
		level := req.ThinkingLevel
		if level == "" && req.ThinkingBudget != nil {
			return nil
		}
		if level == "" {
			return nil
		}
		return &vertexThinkingConfig{ThinkingLevel: level, IncludeThoughts: true}
	case isGemini25(req.Model):
		if req.ThinkingBudget != nil {
			budget := *req.ThinkingBudget
			return &vertexThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
		}
		if budget, ok := thinkingBudgetForLevel(req.ThinkingLevel); ok {
			return &vertexThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
		}
	}
	return nil
}

func vertexParts(m *schema.Message, logger *zap.Logger) []vertexPart {
	var parts []vertexPart
	for _, part := range m.ContentParts() {
		switch part.Type {
		case "text":
			if part.Text == "" {
				continue
			}
			parts = append(parts, vertexPart{Text: part.Text})
		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			img, ok := decodeDataURL(part.ImageURL.URL)
			if !ok {
				logger.Warn("dropping non-data image url")
				continue
			}
			parts = append(parts, vertexPart{InlineData: &vertexInlineData{
				MimeType: img.MediaType,
				Data:     img.Data,
			}})
		default:
			logger.Warn("dropping unsupported content part", zap.String("type", part.Type))
		}
	}
	return parts
}

func vertexFinishReason(reason string, hasTools bool) string {
	switch reason {
	case "STOP":
		if hasTools {
			return "tool_calls"
		}
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return "content_filter"
	}
	return "stop"
}

// fromVertex maps a GenerateContent response to the OpenAI chat schema.
func fromVertex(resp *vertexResponse, model string) *schema.ChatResponse {
	var text, reasoning strings.Builder
	var toolCalls []schema.ToolCall
	finish := "stop"

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				idx := len(toolCalls)
				args := string(part.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, schema.ToolCall{
					Index: &idx,
					ID:    "call_" + uuid.NewString(),
					Type:  "function",
					Function: schema.FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: args,
					},
				})
			case part.Thought:
				reasoning.WriteString(part.Text)
			case part.Text != "":
				text.WriteString(part.Text)
			}
		}
		finish = vertexFinishReason(cand.FinishReason, len(toolCalls) > 0)
	}

	content := text.String()
	out := &schema.ChatResponse{
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
			FinishReason: finish,
		}},
	}
	if resp.UsageMetadata != nil {
		out.Usage = &schema.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
		if resp.UsageMetadata.CachedContentTokenCount > 0 {
			out.Usage.PromptTokensDetails = &schema.PromptTokensDetails{
				CachedTokens: resp.UsageMetadata.CachedContentTokenCount,
			}
		}
	}
	return out
}
