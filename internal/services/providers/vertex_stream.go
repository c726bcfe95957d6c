package providers

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/metrics"
	"github.com/hadrianai/hadrian/internal/schema"
)

// newVertexStream converts GenerateContent SSE into OpenAI SSE. Each
// functionCall part opens a fresh tool call in first-seen order; a terminal
// finishReason emits the mapped finish chunk, the usage chunk and [DONE].
func newVertexStream(provider string, upstream io.ReadCloser, model string, limits config.StreamingConfig) io.ReadCloser {
	scanner := bufio.NewScanner(upstream)
	maxLine := limits.MaxInputBufferBytes
	if maxLine <= 0 {
		maxLine = 4 << 20
	}
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	state := newStreamState(model)
	nextBlock := 0
	finished := false

	pull := func() ([][]byte, error) {
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return [][]byte{doneFrame}, io.EOF
			}
			var resp vertexResponse
			if err := json.Unmarshal([]byte(payload), &resp); err != nil {
				continue
			}

			var frames [][]byte
			emit := func(c *schema.ChatChunk) {
				if c != nil {
					frames = append(frames, sseFrame(c))
				}
			}

			emit(state.roleChunk())

			var finishReason string
			if len(resp.Candidates) > 0 {
				cand := resp.Candidates[0]
				for _, part := range cand.Content.Parts {
					switch {
					case part.FunctionCall != nil:
						block := nextBlock
						nextBlock++
						emit(state.startTool(block, "call_"+uuid.NewString(), part.FunctionCall.Name))
						args := string(part.FunctionCall.Args)
						if args == "" {
							args = "{}"
						}
						emit(state.toolArgs(block, args))
					case part.Thought:
						if part.Text != "" {
							emit(state.reasoningChunk(part.Text))
						}
					case part.Text != "":
						emit(state.contentChunk(part.Text))
					}
				}
				finishReason = cand.FinishReason
			}
			if resp.UsageMetadata != nil {
				state.addUsage(resp.UsageMetadata.PromptTokenCount,
					resp.UsageMetadata.CandidatesTokenCount,
					resp.UsageMetadata.CachedContentTokenCount)
			}

			if finishReason != "" && !finished {
				finished = true
				emit(state.finishChunk(vertexFinishReason(finishReason, state.emittedTools)))
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
