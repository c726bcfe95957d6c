// Package guardrails is the built-in content guardrails engine: regex
// blocklists on input and PII redaction on output. Deployments with heavier
// needs (moderation models, Presidio) replace it behind the same interface.
package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
	"github.com/hadrianai/hadrian/internal/services/dispatch"
)

// piiPatterns are redacted from buffered output bodies when redact_pii is
// on. Deliberately conservative: better to miss than to mangle code or IDs.
var piiPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit_card", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
}

type Engine struct {
	cfg     config.GuardrailsConfig
	blocked []*regexp.Regexp
	logger  *zap.Logger
}

func New(cfg config.GuardrailsConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	blocked := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, pattern := range cfg.BlockedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("blocked pattern %q: %w", pattern, err)
		}
		blocked = append(blocked, re)
	}
	return &Engine{cfg: cfg, blocked: blocked, logger: logger.Named("guardrails")}, nil
}

func (e *Engine) Concurrent() bool { return e.cfg.Concurrent }

// StreamMode reports the configured streaming inspection mode. Unknown or
// empty values fall back to per-chunk.
func (e *Engine) StreamMode() dispatch.StreamMode {
	switch dispatch.StreamMode(e.cfg.StreamMode) {
	case dispatch.StreamBuffered:
		return dispatch.StreamBuffered
	case dispatch.StreamFinalOnly:
		return dispatch.StreamFinalOnly
	}
	return dispatch.StreamPerChunk
}

// CheckInput scans every textual message part against the blocklist.
func (e *Engine) CheckInput(ctx context.Context, req *schema.ChatRequest) (*dispatch.Verdict, error) {
	if len(e.blocked) == 0 {
		return &dispatch.Verdict{}, nil
	}

	var text strings.Builder
	for i := range req.Messages {
		text.WriteString(req.Messages[i].FlatText())
		text.WriteByte('\n')
	}

	content := text.String()
	for _, re := range e.blocked {
		if re.MatchString(content) {
			e.logger.Warn("input blocked", zap.String("pattern", re.String()))
			return &dispatch.Verdict{
				Blocked: true,
				Reason:  "input matches blocked pattern",
			}, nil
		}
	}
	return &dispatch.Verdict{}, nil
}

// CheckOutput redacts PII in the buffered response body. It never blocks.
func (e *Engine) CheckOutput(ctx context.Context, body []byte) (*dispatch.Verdict, error) {
	if !e.cfg.RedactPII {
		return &dispatch.Verdict{}, nil
	}

	redacted := body
	hits := 0
	for _, p := range piiPatterns {
		if !p.re.Match(redacted) {
			continue
		}
		replacement := []byte("[REDACTED:" + p.name + "]")
		redacted = p.re.ReplaceAll(redacted, replacement)
		hits++
	}
	if hits == 0 {
		return &dispatch.Verdict{}, nil
	}

	e.logger.Info("output redacted", zap.Int("pattern_hits", hits))
	return &dispatch.Verdict{
		Redacted: redacted,
		Headers:  map[string]string{"X-Guardrails-Redacted": "true"},
	}, nil
}
