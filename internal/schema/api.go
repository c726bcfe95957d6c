package schema

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
)

// Legacy completions.

type CompletionRequest struct {
	Model            string          `json:"model"`
	Prompt           json.RawMessage `json:"prompt"`
	Suffix           string          `json:"suffix,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                *int            `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	LogProbs         *int            `json:"logprobs,omitempty"`
	Echo             bool            `json:"echo,omitempty"`
	Stop             StringOrSlice   `json:"stop,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
}

type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

type CompletionChoice struct {
	Text         string          `json:"text"`
	Index        int             `json:"index"`
	LogProbs     json.RawMessage `json:"logprobs,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// Embeddings.

type EmbeddingsRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	User           string          `json:"user,omitempty"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	Dimensions     *int            `json:"dimensions,omitempty"`
}

// InputTexts returns the embedding input normalized to a string slice.
func (r *EmbeddingsRequest) InputTexts() []string {
	if len(r.Input) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(r.Input, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err == nil {
		return many
	}
	return nil
}

type EmbeddingsResponse struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  *Usage      `json:"usage,omitempty"`
}

type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// Responses API (subset used by the gateway).

type ResponsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Tools           json.RawMessage `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
}

// InputMessages normalizes the Responses `input` field — either a bare string
// or a list of {role, content} items — into chat messages. The optional
// instructions string becomes a leading system message.
func (r *ResponsesRequest) InputMessages() []Message {
	var msgs []Message
	if r.Instructions != "" {
		msgs = append(msgs, Message{Role: "system", Content: TextContent(r.Instructions)})
	}
	if len(r.Input) == 0 {
		return msgs
	}
	var s string
	if err := json.Unmarshal(r.Input, &s); err == nil {
		return append(msgs, Message{Role: "user", Content: TextContent(s)})
	}
	var items []Message
	if err := json.Unmarshal(r.Input, &items); err == nil {
		return append(msgs, items...)
	}
	return msgs
}

type ResponsesResponse struct {
	ID        string           `json:"id"`
	Object    string           `json:"object"`
	CreatedAt int64            `json:"created_at"`
	Model     string           `json:"model"`
	Status    string           `json:"status"`
	Output    []ResponsesItem  `json:"output"`
	Usage     *ResponsesUsage  `json:"usage,omitempty"`
	Error     *ResponsesOutErr `json:"error,omitempty"`
}

type ResponsesItem struct {
	ID      string             `json:"id,omitempty"`
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Status  string             `json:"status,omitempty"`
	Content []ResponsesContent `json:"content,omitempty"`
}

type ResponsesContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type ResponsesOutErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Model listing.

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`

	// Extra carries provider-specific attributes verbatim.
	Extra json.RawMessage `json:"-"`
}

// Canonical error body.

type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

const idCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CompletionID returns a fresh "chatcmpl-…" identifier.
func CompletionID() string {
	b := make([]byte, 29)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(idCharset))))
		b[i] = idCharset[n.Int64()]
	}
	return "chatcmpl-" + string(b)
}
