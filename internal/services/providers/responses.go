package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hadrianai/hadrian/internal/schema"
)

// responsesViaChat serves the Responses operation for families without a
// native endpoint by translating through the chat surface. Streaming is not
// offered on this path.
func responsesViaChat(ctx context.Context, p Provider, name string, req *schema.ResponsesRequest) (*Response, error) {
	if req.Stream {
		return nil, NewNotImplementedError(name, "streaming responses")
	}

	chatReq := &schema.ChatRequest{
		Model:       req.Model,
		Messages:    req.InputMessages(),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxOutputTokens,
	}
	resp, err := p.ChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	var chat schema.ChatResponse
	if err := json.Unmarshal(resp.Body, &chat); err != nil {
		return nil, NewRequestError(name, err)
	}

	out := schema.ResponsesResponse{
		ID:        "resp_" + uuid.NewString(),
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Model:     req.Model,
		Status:    "completed",
	}
	if len(chat.Choices) > 0 {
		msg := chat.Choices[0].Message
		var text string
		if msg.Content != nil {
			text = *msg.Content
		}
		out.Output = []schema.ResponsesItem{{
			ID:     "msg_" + uuid.NewString(),
			Type:   "message",
			Role:   "assistant",
			Status: "completed",
			Content: []schema.ResponsesContent{{
				Type: "output_text",
				Text: text,
			}},
		}}
	}
	if chat.Usage != nil {
		out.Usage = &schema.ResponsesUsage{
			InputTokens:  chat.Usage.PromptTokens,
			OutputTokens: chat.Usage.CompletionTokens,
			TotalTokens:  chat.Usage.TotalTokens,
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, NewRequestError(name, err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
