// Package pricing estimates the cost of a session from its token usage.
package pricing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/pinchbench/internal/transcript"
)

// ModelPricing is USD per 1K tokens.
type ModelPricing struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheRead  float64 `yaml:"cache_read"`
	CacheWrite float64 `yaml:"cache_write"`
}

// Table maps provider -> model -> prices.
type Table struct {
	Providers map[string]map[string]ModelPricing
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	var providers map[string]map[string]ModelPricing
	if err := yaml.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}
	return &Table{Providers: providers}, nil
}

func (t *Table) lookup(provider, model string) (ModelPricing, bool) {
	if t == nil || t.Providers == nil {
		return ModelPricing{}, false
	}
	models, ok := t.Providers[provider]
	if !ok {
		return ModelPricing{}, false
	}
	p, ok := models[model]
	return p, ok
}

// Cost calculates total cost for a request. Prices are per 1K tokens.
func (t *Table) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	p, ok := t.lookup(provider, model)
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1000.0)*p.Input + (float64(outputTokens)/1000.0)*p.Output
}

// Estimate prices a session's usage for a "provider/model" identifier such
// as "anthropic/claude-sonnet-4". Unknown models cost 0 and report false.
func (t *Table) Estimate(modelID string, u transcript.Usage) (float64, bool) {
	provider, model, ok := strings.Cut(modelID, "/")
	if !ok {
		return 0, false
	}
	p, ok := t.lookup(provider, model)
	if !ok {
		return 0, false
	}
	cost := t.Cost(provider, model, u.InputTokens, u.OutputTokens)
	cost += float64(u.CacheReadTokens)/1000.0*p.CacheRead + float64(u.CacheWriteTokens)/1000.0*p.CacheWrite
	return cost, true
}
