package providers

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadrianai/hadrian/internal/config"
)

func vertexSSE(events ...string) io.ReadCloser {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("data: ")
		b.WriteString(e)
		b.WriteString("\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func TestVertexStreamTextAndThoughts(t *testing.T) {
	upstream := vertexSSE(
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"working on it","thought":true}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":5}}`,
	)

	stream := newVertexStream("vertex", upstream, "gemini-2.5-pro", testLimits())
	chunks, done := collectChunks(t, stream)
	require.True(t, done)

	var content, reasoning strings.Builder
	var finish string
	roleCount := 0
	for _, c := range chunks {
		for _, choice := range c.Choices {
			if choice.Delta.Role != "" {
				roleCount++
			}
			content.WriteString(choice.Delta.Content)
			reasoning.WriteString(choice.Delta.Reasoning)
			if choice.FinishReason != nil {
				finish = *choice.FinishReason
			}
		}
	}

	assert.Equal(t, 1, roleCount)
	assert.Equal(t, "working on it", reasoning.String())
	assert.Equal(t, "Hello world", content.String())
	assert.Equal(t, "stop", finish)

	last := chunks[len(chunks)-1]
	require.NotNil(t, last.Usage)
	assert.Equal(t, 9, last.Usage.PromptTokens)
	assert.Equal(t, 5, last.Usage.CompletionTokens)
	assert.Equal(t, 14, last.Usage.TotalTokens)
}

func TestVertexStreamFunctionCalls(t *testing.T) {
	upstream := vertexSSE(
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"Paris"}}}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_time","args":{}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2}}`,
	)

	stream := newVertexStream("vertex", upstream, "gemini-2.5-pro", testLimits())
	chunks, done := collectChunks(t, stream)
	require.True(t, done)

	names := map[int]string{}
	args := map[int]*strings.Builder{}
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

	assert.Equal(t, "tool_calls", finish, "tool streams finish as tool_calls")
	assert.Equal(t, "get_weather", names[0])
	assert.Equal(t, "get_time", names[1])
	assert.JSONEq(t, `{"city":"Paris"}`, args[0].String())
	assert.JSONEq(t, `{}`, args[1].String())
}

func TestVertexStreamEOFWithoutFinishStillTerminates(t *testing.T) {
	upstream := vertexSSE(
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"partial"}]}}]}`,
	)
	stream := newVertexStream("vertex", upstream, "gemini-2.5-pro", testLimits())
	_, done := collectChunks(t, stream)
	assert.True(t, done)
}

func TestVertexStreamIgnoresMalformedFrames(t *testing.T) {
	upstream := vertexSSE(
		`{not json`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]},"finishReason":"STOP"}]}`,
	)
	stream := newVertexStream("vertex", upstream, "gemini-2.5-pro", testLimits())
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

func TestVertexStreamOversizedLineOverflows(t *testing.T) {
	big := strings.Repeat("x", 2048)
	upstream := vertexSSE(`{"candidates":[{"content":{"role":"model","parts":[{"text":"` + big + `"}]}}]}`)

	limits := config.StreamingConfig{MaxInputBufferBytes: 256, MaxOutputBufferChunks: 64}
	stream := newVertexStream("vertex", upstream, "gemini-2.5-pro", limits)
	defer stream.Close()

	_, err := io.ReadAll(stream)
	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindStreamOverflow, pe.Kind)
}
