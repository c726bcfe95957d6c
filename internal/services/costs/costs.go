// Package costs computes the dollar cost of a completed request from its
// token usage and writes it back into the response body, so every caller
// sees what the call cost regardless of which provider served it.
package costs

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
)

// defaultPrices is USD per million tokens. Config pricing entries override
// or extend it. Unpriced models pass through without a cost block.
var defaultPrices = map[string]config.ModelPrice{
	"gpt-4o":               {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":          {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4.1":              {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"o3":                   {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"claude-opus-4":        {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4":      {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-haiku-4":       {InputPerMillion: 1.00, OutputPerMillion: 5.00},
	"claude-3-5-haiku":     {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"gemini-3-pro":         {InputPerMillion: 2.00, OutputPerMillion: 12.00},
	"gemini-2.5-pro":       {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gemini-2.5-flash":     {InputPerMillion: 0.30, OutputPerMillion: 2.50},
	"text-embedding-3":     {InputPerMillion: 0.02},
	"amazon.titan-embed":   {InputPerMillion: 0.02},
	"mistral-large":        {InputPerMillion: 2.00, OutputPerMillion: 6.00},
	"llama-3":              {InputPerMillion: 0.30, OutputPerMillion: 0.60},
}

type Injector struct {
	prices map[string]config.ModelPrice
	logger *zap.Logger
}

func New(overrides map[string]config.ModelPrice, logger *zap.Logger) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	prices := make(map[string]config.ModelPrice, len(defaultPrices)+len(overrides))
	for model, price := range defaultPrices {
		prices[model] = price
	}
	for model, price := range overrides {
		prices[model] = price
	}
	return &Injector{prices: prices, logger: logger}
}

// Lookup resolves a price by exact match, then by the longest table key the
// model id contains. "us.anthropic.claude-sonnet-4-20250514-v1:0" still
// finds "claude-sonnet-4".
func (i *Injector) Lookup(model string) (config.ModelPrice, bool) {
	if price, ok := i.prices[model]; ok {
		return price, true
	}
	var (
		best    config.ModelPrice
		bestLen int
		found   bool
	)
	for key, price := range i.prices {
		if strings.Contains(model, key) && len(key) > bestLen {
			best, bestLen, found = price, len(key), true
		}
	}
	return best, found
}

type costBlock struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	TotalCost  float64 `json:"total_cost"`
	Currency   string  `json:"currency"`
}

// Inject amends the usage object with a cost block. Bodies without usage, or
// for unpriced models, come back unchanged.
func (i *Injector) Inject(ctx context.Context, provider, model string, body []byte) ([]byte, error) {
	price, ok := i.Lookup(model)
	if !ok {
		return body, nil
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body, nil
	}
	rawUsage, ok := parsed["usage"]
	if !ok {
		return body, nil
	}
	var usage map[string]json.RawMessage
	if err := json.Unmarshal(rawUsage, &usage); err != nil {
		return body, nil
	}
	var tokens schema.Usage
	if err := json.Unmarshal(rawUsage, &tokens); err != nil {
		return body, nil
	}

	cost := costBlock{
		InputCost:  float64(tokens.PromptTokens) * price.InputPerMillion / 1e6,
		OutputCost: float64(tokens.CompletionTokens) * price.OutputPerMillion / 1e6,
		Currency:   "USD",
	}
	cost.TotalCost = cost.InputCost + cost.OutputCost

	rawCost, err := json.Marshal(cost)
	if err != nil {
		return body, nil
	}
	usage["cost"] = rawCost

	amended, err := json.Marshal(usage)
	if err != nil {
		return body, nil
	}
	parsed["usage"] = amended
	out, err := json.Marshal(parsed)
	if err != nil {
		return body, nil
	}
	return out, nil
}
