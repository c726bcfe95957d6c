package providers

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/metrics"
	"github.com/hadrianai/hadrian/internal/schema"
)

// anthropicEvent is the decoded payload of one Messages SSE event.
type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		Thinking    string `json:"thinking"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
}

// newAnthropicStream converts Messages SSE into OpenAI SSE.
func newAnthropicStream(provider string, upstream io.ReadCloser, model string, limits config.StreamingConfig) io.ReadCloser {
	scanner := bufio.NewScanner(upstream)
	maxLine := limits.MaxInputBufferBytes
	if maxLine <= 0 {
		maxLine = 4 << 20
	}
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	state := newStreamState(model)
	finished := false

	pull := func() ([][]byte, error) {
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}

			var frames [][]byte
			emit := func(c *schema.ChatChunk) {
				if c != nil {
					frames = append(frames, sseFrame(c))
				}
			}

			switch ev.Type {
			case "message_start":
				emit(state.roleChunk())
				if ev.Message != nil {
					state.addUsage(ev.Message.Usage.InputTokens, ev.Message.Usage.OutputTokens, ev.Message.Usage.CacheReadInputTokens)
				}
			case "content_block_start":
				if ev.ContentBlock == nil {
					continue
				}
				emit(state.roleChunk())
				switch ev.ContentBlock.Type {
				case "tool_use":
					emit(state.startTool(ev.Index, ev.ContentBlock.ID, ev.ContentBlock.Name))
				case "thinking", "redacted_thinking":
					state.reasoning[ev.Index] = true
				}
			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				emit(state.roleChunk())
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text != "" {
						emit(state.contentChunk(ev.Delta.Text))
					}
				case "thinking_delta":
					if ev.Delta.Thinking != "" {
						emit(state.reasoningChunk(ev.Delta.Thinking))
					}
				case "input_json_delta":
					emit(state.toolArgs(ev.Index, ev.Delta.PartialJSON))
				}
			case "message_delta":
				if ev.Usage != nil {
					state.addUsage(ev.Usage.InputTokens, ev.Usage.OutputTokens, ev.Usage.CacheReadInputTokens)
				}
				if ev.Delta != nil && ev.Delta.StopReason != "" && !finished {
					finished = true
					emit(state.finishChunk(anthropicStopReason(ev.Delta.StopReason, state.emittedTools)))
				}
			case "message_stop":
				emit(state.usageChunk())
				frames = append(frames, doneFrame)
				return frames, io.EOF
			}

			if len(frames) > 0 {
				return frames, nil
			}
		}

		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				metrics.StreamOverflowsTotal.WithLabelValues(provider).Inc()
				return nil, NewOverflowError(provider, maxLine)
			}
			return nil, NewTransportError(provider, err)
		}
		return [][]byte{doneFrame}, io.EOF
	}

	return newSSETransform(provider, upstream, limits.MaxOutputBufferChunks, pull)
}
