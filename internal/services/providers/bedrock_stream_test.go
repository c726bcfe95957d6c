package providers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
)

func encodeEvent(t *testing.T, buf *bytes.Buffer, eventType string, payload string) {
	t.Helper()
	msg := eventstream.Message{Payload: []byte(payload)}
	msg.Headers.Set(":message-type", eventstream.StringValue("event"))
	msg.Headers.Set(":event-type", eventstream.StringValue(eventType))
	require.NoError(t, eventstream.NewEncoder().Encode(buf, msg))
}

func encodeException(t *testing.T, buf *bytes.Buffer, exceptionType string, payload string) {
	t.Helper()
	msg := eventstream.Message{Payload: []byte(payload)}
	msg.Headers.Set(":message-type", eventstream.StringValue("exception"))
	msg.Headers.Set(":exception-type", eventstream.StringValue(exceptionType))
	require.NoError(t, eventstream.NewEncoder().Encode(buf, msg))
}

// collectChunks reads the whole SSE stream and returns the decoded chunks
// plus whether the [DONE] terminator arrived.
func collectChunks(t *testing.T, stream io.ReadCloser) ([]schema.ChatChunk, bool) {
	t.Helper()
	defer stream.Close()

	data, err := io.ReadAll(stream)
	require.NoError(t, err)

	var chunks []schema.ChatChunk
	done := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			done = true
			continue
		}
		var chunk schema.ChatChunk
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk), "frame: %s", payload)
		chunks = append(chunks, chunk)
	}
	return chunks, done
}

func testLimits() config.StreamingConfig {
	return config.StreamingConfig{MaxInputBufferBytes: 1 << 20, MaxOutputBufferChunks: 64}
}

func TestBedrockStreamFullSequence(t *testing.T) {
	var buf bytes.Buffer
	encodeEvent(t, &buf, "messageStart", `{"role":"assistant"}`)
	encodeEvent(t, &buf, "contentBlockStart", `{"contentBlockIndex":0,"start":{"reasoningContent":{}}}`)
	encodeEvent(t, &buf, "contentBlockDelta", `{"contentBlockIndex":0,"delta":{"reasoningContent":{"text":"let me think"}}}`)
	encodeEvent(t, &buf, "contentBlockStop", `{"contentBlockIndex":0}`)
	encodeEvent(t, &buf, "contentBlockDelta", `{"contentBlockIndex":1,"delta":{"text":"Hello"}}`)
	encodeEvent(t, &buf, "contentBlockDelta", `{"contentBlockIndex":1,"delta":{"text":" world"}}`)
	encodeEvent(t, &buf, "messageStop", `{"stopReason":"end_turn"}`)
	encodeEvent(t, &buf, "metadata", `{"usage":{"inputTokens":12,"outputTokens":7,"cacheReadInputTokens":3}}`)

	stream := newBedrockStream("bedrock", io.NopCloser(&buf), "claude-sonnet-4", testLimits(), zap.NewNop())
	chunks, done := collectChunks(t, stream)

	require.True(t, done, "stream must end with [DONE]")
	require.NotEmpty(t, chunks)

	// Exactly one role chunk, first.
	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
	roleCount := 0
	for _, c := range chunks {
		if len(c.Choices) > 0 && c.Choices[0].Delta.Role != "" {
			roleCount++
		}
	}
	assert.Equal(t, 1, roleCount)

	var reasoning, content strings.Builder
	var finish string
	var usage *schema.Usage
	for _, c := range chunks {
		if c.Usage != nil {
			usage = c.Usage
		}
		for _, choice := range c.Choices {
			reasoning.WriteString(choice.Delta.Reasoning)
			content.WriteString(choice.Delta.Content)
			if choice.FinishReason != nil {
				finish = *choice.FinishReason
			}
		}
	}
	assert.Equal(t, "let me think", reasoning.String())
	assert.Equal(t, "Hello world", content.String())
	assert.Equal(t, "stop", finish)

	require.NotNil(t, usage)
	assert.Equal(t, 12, usage.PromptTokens)
	assert.Equal(t, 7, usage.CompletionTokens)
	assert.Equal(t, 19, usage.TotalTokens)
	require.NotNil(t, usage.PromptTokensDetails)
	assert.Equal(t, 3, usage.PromptTokensDetails.CachedTokens)

	// All chunks share one id and model.
	for _, c := range chunks {
		assert.Equal(t, chunks[0].ID, c.ID)
		assert.Equal(t, "claude-sonnet-4", c.Model)
		assert.Equal(t, "chat.completion.chunk", c.Object)
	}
}

func TestBedrockStreamToolCalls(t *testing.T) {
	var buf bytes.Buffer
	encodeEvent(t, &buf, "messageStart", `{"role":"assistant"}`)
	// Provider block indexes 3 and 7 must map to OpenAI tool indexes 0 and 1.
	encodeEvent(t, &buf, "contentBlockStart", `{"contentBlockIndex":3,"start":{"toolUse":{"toolUseId":"tool_a","name":"get_weather"}}}`)
	encodeEvent(t, &buf, "contentBlockDelta", `{"contentBlockIndex":3,"delta":{"toolUse":{"input":"{\"city\":"}}}`)
	encodeEvent(t, &buf, "contentBlockDelta", `{"contentBlockIndex":3,"delta":{"toolUse":{"input":"\"Paris\"}"}}}`)
	encodeEvent(t, &buf, "contentBlockStart", `{"contentBlockIndex":7,"start":{"toolUse":{"toolUseId":"tool_b","name":"get_time"}}}`)
	encodeEvent(t, &buf, "contentBlockDelta", `{"contentBlockIndex":7,"delta":{"toolUse":{"input":"{}"}}}`)
	encodeEvent(t, &buf, "messageStop", `{"stopReason":"tool_use"}`)
	encodeEvent(t, &buf, "metadata", `{"usage":{"inputTokens":30,"outputTokens":20}}`)

	stream := newBedrockStream("bedrock", io.NopCloser(&buf), "claude-sonnet-4", testLimits(), zap.NewNop())
	chunks, done := collectChunks(t, stream)
	require.True(t, done)

	args := map[int]*strings.Builder{}
	names := map[int]string{}
	var finish string
	for _, c := range chunks {
		for _, choice := range c.Choices {
			if choice.FinishReason != nil {
				finish = *choice.FinishReason
			}
			for _, tc := range choice.Delta.ToolCalls {
				require.NotNil(t, tc.Index)
				if tc.Function.Name != "" {
					names[*tc.Index] = tc.Function.Name
				}
				if args[*tc.Index] == nil {
					args[*tc.Index] = &strings.Builder{}
				}
				args[*tc.Index].WriteString(tc.Function.Arguments)
			}
		}
	}

	assert.Equal(t, "tool_calls", finish)
	assert.Equal(t, "get_weather", names[0])
	assert.Equal(t, "get_time", names[1])
	assert.JSONEq(t, `{"city":"Paris"}`, args[0].String())
	assert.JSONEq(t, `{}`, args[1].String())
}

func TestBedrockStreamSwallowsExceptionFrames(t *testing.T) {
	var buf bytes.Buffer
	encodeEvent(t, &buf, "messageStart", `{"role":"assistant"}`)
	encodeException(t, &buf, "throttlingException", `{"message":"slow down"}`)
	encodeEvent(t, &buf, "contentBlockDelta", `{"contentBlockIndex":0,"delta":{"text":"ok"}}`)
	encodeEvent(t, &buf, "messageStop", `{"stopReason":"end_turn"}`)
	encodeEvent(t, &buf, "metadata", `{"usage":{"inputTokens":1,"outputTokens":1}}`)

	stream := newBedrockStream("bedrock", io.NopCloser(&buf), "m", testLimits(), zap.NewNop())
	chunks, done := collectChunks(t, stream)
	require.True(t, done)

	var content strings.Builder
	for _, c := range chunks {
		for _, choice := range c.Choices {
			content.WriteString(choice.Delta.Content)
		}
	}
	assert.Equal(t, "ok", content.String())
}

func TestBedrockStreamTruncatedUpstreamStillTerminates(t *testing.T) {
	var buf bytes.Buffer
	encodeEvent(t, &buf, "messageStart", `{"role":"assistant"}`)
	encodeEvent(t, &buf, "contentBlockDelta", `{"contentBlockIndex":0,"delta":{"text":"partial"}}`)
	// No messageStop, no metadata: the connection just ends.

	stream := newBedrockStream("bedrock", io.NopCloser(&buf), "m", testLimits(), zap.NewNop())
	_, done := collectChunks(t, stream)
	assert.True(t, done, "EOF still produces the [DONE] terminator")
}

func TestBedrockStreamFrameOverflow(t *testing.T) {
	var buf bytes.Buffer
	big := strings.Repeat("x", 2048)
	encodeEvent(t, &buf, "contentBlockDelta", `{"contentBlockIndex":0,"delta":{"text":"`+big+`"}}`)

	limits := config.StreamingConfig{MaxInputBufferBytes: 256, MaxOutputBufferChunks: 64}
	stream := newBedrockStream("bedrock", io.NopCloser(&buf), "m", limits, zap.NewNop())
	defer stream.Close()

	_, err := io.ReadAll(stream)
	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindStreamOverflow, pe.Kind)
}
