package providers

import (
	"encoding/json"
	"io"
	"time"

	"github.com/hadrianai/hadrian/internal/schema"
)

// streamState is the per-response accumulator shared by every streaming
// transformer: one role chunk per stream, first-seen tool index assignment,
// reasoning block tracking and usage totals.
type streamState struct {
	id      string
	model   string
	created int64

	sentRole      bool
	emittedTools  bool
	nextToolIndex int
	toolSlots     map[int]*toolSlot
	reasoning     map[int]bool

	promptTokens     int
	completionTokens int
	cachedTokens     int
	sawUsage         bool
}

type toolSlot struct {
	index int
	id    string
	name  string
}

func newStreamState(model string) *streamState {
	return &streamState{
		id:        schema.CompletionID(),
		model:     model,
		created:   time.Now().Unix(),
		toolSlots: make(map[int]*toolSlot),
		reasoning: make(map[int]bool),
	}
}

func (s *streamState) chunk(choices ...schema.ChunkChoice) *schema.ChatChunk {
	return &schema.ChatChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: choices,
	}
}

// roleChunk returns the initial assistant role chunk exactly once.
func (s *streamState) roleChunk() *schema.ChatChunk {
	if s.sentRole {
		return nil
	}
	s.sentRole = true
	return s.chunk(schema.ChunkChoice{Delta: schema.Delta{Role: "assistant"}})
}

func (s *streamState) contentChunk(text string) *schema.ChatChunk {
	return s.chunk(schema.ChunkChoice{Delta: schema.Delta{Content: text}})
}

func (s *streamState) reasoningChunk(text string) *schema.ChatChunk {
	return s.chunk(schema.ChunkChoice{Delta: schema.Delta{Reasoning: text}})
}

// startTool allocates the next OpenAI tool index for a provider block and
// returns the tool-call start chunk carrying id and name.
func (s *streamState) startTool(blockIndex int, id, name string) *schema.ChatChunk {
	slot := &toolSlot{index: s.nextToolIndex, id: id, name: name}
	s.nextToolIndex++
	s.toolSlots[blockIndex] = slot
	s.emittedTools = true

	idx := slot.index
	return s.chunk(schema.ChunkChoice{Delta: schema.Delta{ToolCalls: []schema.ToolCall{{
		Index:    &idx,
		ID:       id,
		Type:     "function",
		Function: schema.FunctionCall{Name: name},
	}}}})
}

// toolArgs emits an arguments delta at the index recorded for blockIndex.
// Unknown blocks are dropped.
func (s *streamState) toolArgs(blockIndex int, args string) *schema.ChatChunk {
	slot, ok := s.toolSlots[blockIndex]
	if !ok {
		return nil
	}
	idx := slot.index
	return s.chunk(schema.ChunkChoice{Delta: schema.Delta{ToolCalls: []schema.ToolCall{{
		Index:    &idx,
		Function: schema.FunctionCall{Arguments: args},
	}}}})
}

func (s *streamState) finishChunk(reason string) *schema.ChatChunk {
	return s.chunk(schema.ChunkChoice{FinishReason: &reason})
}

func (s *streamState) addUsage(prompt, completion, cached int) {
	s.promptTokens += prompt
	s.completionTokens += completion
	s.cachedTokens += cached
	s.sawUsage = true
}

// usageChunk returns the trailing usage chunk, or nil when the upstream never
// reported token counts.
func (s *streamState) usageChunk() *schema.ChatChunk {
	if !s.sawUsage {
		return nil
	}
	u := &schema.Usage{
		PromptTokens:     s.promptTokens,
		CompletionTokens: s.completionTokens,
		TotalTokens:      s.promptTokens + s.completionTokens,
	}
	if s.cachedTokens > 0 {
		u.PromptTokensDetails = &schema.PromptTokensDetails{CachedTokens: s.cachedTokens}
	}
	c := s.chunk()
	c.Choices = []schema.ChunkChoice{}
	c.Usage = u
	return c
}

var doneFrame = []byte("data: [DONE]\n\n")

func sseFrame(chunk *schema.ChatChunk) []byte {
	raw, _ := json.Marshal(chunk)
	frame := make([]byte, 0, len(raw)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, raw...)
	frame = append(frame, '\n', '\n')
	return frame
}

// pullFunc advances the upstream by one frame and returns zero or more SSE
// frames. It returns io.EOF after the terminal [DONE] frame has been handed
// out.
type pullFunc func() ([][]byte, error)

// sseTransform is the pull-based byte stream handed to the HTTP layer. Read
// serves queued frames first and asks the upstream for more only when the
// queue is drained, so a stalled consumer exerts backpressure instead of
// growing buffers. The queue is capped; producing past the cap overflows the
// stream.
type sseTransform struct {
	provider  string
	upstream  io.Closer
	pull      pullFunc
	maxQueued int

	queue   [][]byte
	partial []byte
	err     error
	closed  bool
}

func newSSETransform(provider string, upstream io.Closer, maxQueued int, pull pullFunc) *sseTransform {
	if maxQueued <= 0 {
		maxQueued = 1024
	}
	return &sseTransform{
		provider:  provider,
		upstream:  upstream,
		pull:      pull,
		maxQueued: maxQueued,
	}
}

func (t *sseTransform) Read(p []byte) (int, error) {
	for len(t.partial) == 0 && len(t.queue) == 0 {
		if t.err != nil {
			return 0, t.err
		}
		frames, err := t.pull()
		if len(frames) > t.maxQueued {
			err = NewOverflowError(t.provider, t.maxQueued)
			frames = nil
		}
		t.queue = append(t.queue, frames...)
		if err != nil {
			t.err = err
		}
	}

	if len(t.partial) == 0 {
		t.partial = t.queue[0]
		t.queue = t.queue[1:]
	}
	n := copy(p, t.partial)
	t.partial = t.partial[n:]
	return n, nil
}

func (t *sseTransform) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.err == nil {
		t.err = io.EOF
	}
	t.queue = nil
	t.partial = nil
	if t.upstream != nil {
		return t.upstream.Close()
	}
	return nil
}

// idleReader closes the upstream when a single Read stalls longer than the
// streaming idle timeout, failing the blocked read.
type idleReader struct {
	rc io.ReadCloser
	d  time.Duration
}

func newIdleReader(rc io.ReadCloser, d time.Duration) io.ReadCloser {
	if d <= 0 {
		return rc
	}
	return &idleReader{rc: rc, d: d}
}

func (r *idleReader) Read(p []byte) (int, error) {
	timer := time.AfterFunc(r.d, func() { r.rc.Close() })
	n, err := r.rc.Read(p)
	timer.Stop()
	return n, err
}

func (r *idleReader) Close() error { return r.rc.Close() }
