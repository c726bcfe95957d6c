package providers

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/metrics"
	"github.com/hadrianai/hadrian/internal/schema"
)

// eventStreamPreludeLen is the fixed AWS event-stream prelude: total length,
// headers length, prelude CRC, four bytes each.
const eventStreamPreludeLen = 12

// converseStreamEvent is the JSON payload of one ConverseStream frame.
type converseStreamEvent struct {
	Role              string `json:"role"`
	ContentBlockIndex int    `json:"contentBlockIndex"`
	Start             *struct {
		ToolUse          *converseToolUse `json:"toolUse"`
		ReasoningContent json.RawMessage  `json:"reasoningContent"`
	} `json:"start"`
	Delta *struct {
		Text    string `json:"text"`
		ToolUse *struct {
			Input string `json:"input"`
		} `json:"toolUse"`
		ReasoningContent *struct {
			Text string `json:"text"`
		} `json:"reasoningContent"`
	} `json:"delta"`
	StopReason string `json:"stopReason"`
	Usage      *struct {
		InputTokens          int `json:"inputTokens"`
		OutputTokens         int `json:"outputTokens"`
		CacheReadInputTokens int `json:"cacheReadInputTokens"`
	} `json:"usage"`
}

// bedrockFramer reads whole event-stream messages, enforcing the input
// buffer limit against the declared total length before accumulating a
// frame.
type bedrockFramer struct {
	r        io.Reader
	decoder  *eventstream.Decoder
	maxFrame int
	provider string
}

func (f *bedrockFramer) next() (*eventstream.Message, error) {
	var prelude [eventStreamPreludeLen]byte
	if _, err := io.ReadFull(f.r, prelude[:]); err != nil {
		return nil, err
	}
	total := int(binary.BigEndian.Uint32(prelude[0:4]))
	if total > f.maxFrame {
		metrics.StreamOverflowsTotal.WithLabelValues(f.provider).Inc()
		return nil, NewOverflowError(f.provider, f.maxFrame)
	}
	if total < eventStreamPreludeLen {
		return nil, NewTransportError(f.provider, io.ErrUnexpectedEOF)
	}

	buf := make([]byte, total)
	copy(buf, prelude[:])
	if _, err := io.ReadFull(f.r, buf[eventStreamPreludeLen:]); err != nil {
		return nil, err
	}

	msg, err := f.decoder.Decode(bytes.NewReader(buf), nil)
	if err != nil {
		return nil, NewTransportError(f.provider, err)
	}
	return &msg, nil
}

func headerString(msg *eventstream.Message, name string) string {
	if v := msg.Headers.Get(name); v != nil {
		return v.String()
	}
	return ""
}

// newBedrockStream converts an AWS event stream carrying ConverseStream
// events into OpenAI SSE.
func newBedrockStream(provider string, upstream io.ReadCloser, model string, limits config.StreamingConfig, logger *zap.Logger) io.ReadCloser {
	maxFrame := limits.MaxInputBufferBytes
	if maxFrame <= 0 {
		maxFrame = 4 << 20
	}
	framer := &bedrockFramer{
		r:        upstream,
		decoder:  eventstream.NewDecoder(),
		maxFrame: maxFrame,
		provider: provider,
	}
	state := newStreamState(model)
	finishSent := false

	pull := func() ([][]byte, error) {
		for {
			msg, err := framer.next()
			if err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					return [][]byte{doneFrame}, io.EOF
				}
				return nil, err
			}

			if headerString(msg, ":message-type") == "exception" {
				logger.Warn("bedrock stream exception frame",
					zap.String("exception_type", headerString(msg, ":exception-type")),
					zap.ByteString("payload", msg.Payload))
				continue
			}

			var ev converseStreamEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				logger.Warn("undecodable bedrock stream payload", zap.Error(err))
				continue
			}

			var frames [][]byte
			emit := func(c *schema.ChatChunk) {
				if c != nil {
					frames = append(frames, sseFrame(c))
				}
			}

			switch headerString(msg, ":event-type") {
			case "messageStart":
				emit(state.roleChunk())
			case "contentBlockStart":
				emit(state.roleChunk())
				if ev.Start != nil {
					switch {
					case ev.Start.ToolUse != nil:
						emit(state.startTool(ev.ContentBlockIndex, ev.Start.ToolUse.ToolUseID, ev.Start.ToolUse.Name))
					case ev.Start.ReasoningContent != nil:
						state.reasoning[ev.ContentBlockIndex] = true
					}
				}
			case "contentBlockDelta":
				if ev.Delta == nil {
					continue
				}
				emit(state.roleChunk())
				switch {
				case ev.Delta.ReasoningContent != nil && state.reasoning[ev.ContentBlockIndex]:
					if ev.Delta.ReasoningContent.Text != "" {
						emit(state.reasoningChunk(ev.Delta.ReasoningContent.Text))
					}
				case ev.Delta.Text != "":
					emit(state.contentChunk(ev.Delta.Text))
				case ev.Delta.ToolUse != nil:
					emit(state.toolArgs(ev.ContentBlockIndex, ev.Delta.ToolUse.Input))
				}
			case "contentBlockStop":
				// no-op
			case "messageStop":
				if !finishSent {
					finishSent = true
					emit(state.finishChunk(converseStopReason(ev.StopReason)))
				}
			case "metadata":
				if ev.Usage != nil {
					state.addUsage(ev.Usage.InputTokens, ev.Usage.OutputTokens, ev.Usage.CacheReadInputTokens)
				}
				emit(state.usageChunk())
				frames = append(frames, doneFrame)
				return frames, io.EOF
			}

			if len(frames) > 0 {
				return frames, nil
			}
		}
	}

	return newSSETransform(provider, upstream, limits.MaxOutputBufferChunks, pull)
}
