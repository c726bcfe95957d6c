package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/schema"
)

const streamDone = "data: [DONE]\n\n"

// observeStream wraps a provider SSE stream with the output-guardrail
// middleware and a usage recorder. With neither guardrails nor a bus
// configured the stream passes through untouched.
func (p *Pipeline) observeStream(ctx context.Context, src io.ReadCloser, provider, model, project string) io.ReadCloser {
	if p.guardrails == nil && p.bus == nil {
		return src
	}
	gs := &guardedStream{
		ctx:      ctx,
		p:        p,
		provider: provider,
		model:    model,
		project:  project,
		src:      src,
		br:       bufio.NewReader(src),
	}
	if p.guardrails != nil {
		gs.guard = p.guardrails
		gs.mode = p.guardrails.StreamMode()
	}
	return gs
}

// guardedStream relays SSE frames one at a time, inspecting them per the
// guardrail stream mode. A blocking verdict replaces the rest of the stream
// with an error frame and closes the upstream. When the stream ends, whether
// by its terminal frame, an upstream error or the client going away, the
// observed usage is published exactly once; a stream abandoned before its
// terminal frame is recorded as cancelled.
type guardedStream struct {
	ctx      context.Context
	p        *Pipeline
	provider string
	model    string
	project  string

	src   io.ReadCloser
	br    *bufio.Reader
	guard GuardrailsEngine
	mode  StreamMode

	out        []byte
	transcript bytes.Buffer
	usage      *schema.Usage
	done       bool
	err        error

	finishOnce sync.Once
}

func (s *guardedStream) Read(b []byte) (int, error) {
	for len(s.out) == 0 {
		if s.err != nil {
			s.finish()
			return 0, s.err
		}
		frame, err := s.nextFrame()
		if err != nil {
			s.err = err
			s.out = frame
			if len(frame) == 0 {
				s.finish()
				return 0, err
			}
			continue
		}
		s.out = s.inspect(frame)
	}
	n := copy(b, s.out)
	s.out = s.out[n:]
	return n, nil
}

func (s *guardedStream) Close() error {
	s.finish()
	return s.src.Close()
}

// nextFrame reads one SSE frame through its blank-line terminator.
func (s *guardedStream) nextFrame() ([]byte, error) {
	var frame []byte
	for {
		line, err := s.br.ReadBytes('\n')
		frame = append(frame, line...)
		if err != nil {
			return frame, err
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 && len(frame) > len(line) {
			return frame, nil
		}
	}
}

func (s *guardedStream) inspect(frame []byte) []byte {
	terminal := bytes.Contains(frame, []byte("data: [DONE]"))
	if terminal {
		s.done = true
	} else {
		s.record(frame)
	}
	if s.guard == nil {
		return frame
	}

	var verdict *Verdict
	var err error
	switch s.mode {
	case StreamBuffered:
		if !terminal {
			verdict, err = s.guard.CheckOutput(s.ctx, s.transcript.Bytes())
		}
	case StreamFinalOnly:
		if terminal {
			verdict, err = s.guard.CheckOutput(s.ctx, s.transcript.Bytes())
		}
	default:
		if !terminal {
			verdict, err = s.guard.CheckOutput(s.ctx, frame)
		}
	}
	if err != nil {
		s.p.logger.Warn("output guardrails check failed on stream", zap.Error(err))
		return frame
	}
	if verdict == nil {
		return frame
	}
	if verdict.Blocked {
		s.done = true
		s.err = io.EOF
		_ = s.src.Close()
		return blockedFrame(verdict.Reason)
	}
	if s.mode == StreamPerChunk && verdict.Redacted != nil {
		return verdict.Redacted
	}
	return frame
}

// record captures the usage chunk and accumulates delta content for the
// buffered and final-only modes.
func (s *guardedStream) record(frame []byte) {
	for _, line := range bytes.Split(frame, []byte("\n")) {
		data, ok := bytes.CutPrefix(line, []byte("data: "))
		if !ok {
			continue
		}
		var chunk struct {
			Usage   *schema.Usage `json:"usage"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			s.usage = chunk.Usage
		}
		for _, c := range chunk.Choices {
			s.transcript.WriteString(c.Delta.Content)
		}
	}
}

func (s *guardedStream) finish() {
	s.finishOnce.Do(func() {
		s.p.publishStreamUsage(s.provider, s.model, s.project, s.usage, !s.done)
	})
}

func blockedFrame(reason string) []byte {
	detail, _ := json.Marshal(schema.ErrorBody{Error: schema.ErrorDetail{
		Code:    "guardrails_blocked",
		Message: reason,
	}})
	frame := append([]byte("data: "), detail...)
	return append(frame, []byte("\n\n"+streamDone)...)
}
