// Package pricing resolves per-token model rates and computes request
// cost. Resolution order: deployment-level overrides, configured
// overrides, the deployment's base_model, then the built-in table with
// wildcard fallback. Unknown models cost zero.
package pricing

import (
	"strings"

	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/pkg/types"
)

// ModelPricing defines the rates for a model. Patterns may end in "*"
// for prefix matching.
type ModelPricing struct {
	Model                string
	InputCostPer1K       float64
	OutputCostPer1K      float64
	CachedInputCostPer1K float64
	CostPerRequest       float64
}

// DefaultPricing contains built-in rates for common models, in USD per
// 1000 tokens.
var DefaultPricing = []ModelPricing{
	{Model: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015, CachedInputCostPer1K: 0.0025},
	{Model: "gpt-4o-mini", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006, CachedInputCostPer1K: 0.000075},
	{Model: "gpt-4-turbo*", InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
	{Model: "gpt-4*", InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
	{Model: "gpt-3.5-turbo", InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015},
	{Model: "o1*", InputCostPer1K: 0.015, OutputCostPer1K: 0.06, CachedInputCostPer1K: 0.0075},

	{Model: "claude-3-5-sonnet*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015, CachedInputCostPer1K: 0.0003},
	{Model: "claude-3-5-haiku*", InputCostPer1K: 0.0008, OutputCostPer1K: 0.004, CachedInputCostPer1K: 0.00008},
	{Model: "claude-3-opus*", InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
	{Model: "claude-3-haiku*", InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125},

	{Model: "gemini-1.5-pro*", InputCostPer1K: 0.00125, OutputCostPer1K: 0.005},
	{Model: "gemini-1.5-flash*", InputCostPer1K: 0.000075, OutputCostPer1K: 0.0003},

	{Model: "deepseek-chat", InputCostPer1K: 0.00014, OutputCostPer1K: 0.00028},
	{Model: "text-embedding-3-small", InputCostPer1K: 0.00002},
	{Model: "text-embedding-3-large", InputCostPer1K: 0.00013},

	{Model: "mistral-large*", InputCostPer1K: 0.004, OutputCostPer1K: 0.012},
	{Model: "mixtral-8x7b*", InputCostPer1K: 0.0007, OutputCostPer1K: 0.0007},
	{Model: "llama-3*", InputCostPer1K: 0.0002, OutputCostPer1K: 0.0002},
}

// Calculator computes request costs.
type Calculator struct {
	pricing map[string]ModelPricing
}

// NewCalculator builds a calculator from the built-in table plus
// configured overrides, which win over built-ins for the same pattern.
func NewCalculator(overrides map[string]config.PriceOverride) *Calculator {
	c := &Calculator{
		pricing: make(map[string]ModelPricing, len(DefaultPricing)+len(overrides)),
	}
	for _, p := range DefaultPricing {
		c.pricing[p.Model] = p
	}
	for model, o := range overrides {
		c.pricing[model] = ModelPricing{
			Model:                model,
			InputCostPer1K:       o.InputCostPer1K,
			OutputCostPer1K:      o.OutputCostPer1K,
			CachedInputCostPer1K: o.CachedInputCostPer1K,
			CostPerRequest:       o.CostPerRequest,
		}
	}
	return c
}

// CostForUsage returns the cost of one call on a deployment. Cached
// prompt tokens are billed at the cached-input rate when one exists,
// at the input rate otherwise.
func (c *Calculator) CostForUsage(d *registry.Deployment, usage *types.Usage) float64 {
	if usage == nil {
		usage = &types.Usage{}
	}

	p := c.resolveDeployment(d)

	cached := 0
	if usage.PromptTokensDetails != nil {
		cached = usage.PromptTokensDetails.CachedTokens
	}
	if cached > usage.PromptTokens {
		cached = usage.PromptTokens
	}
	fresh := usage.PromptTokens - cached

	cachedRate := p.CachedInputCostPer1K
	if cachedRate == 0 {
		cachedRate = p.InputCostPer1K
	}

	cost := p.CostPerRequest
	cost += float64(fresh) / 1000.0 * p.InputCostPer1K
	cost += float64(cached) / 1000.0 * cachedRate
	cost += float64(usage.CompletionTokens) / 1000.0 * p.OutputCostPer1K
	return cost
}

// Calculate returns the cost for a bare model and token counts, used
// where no deployment context exists.
func (c *Calculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.findPricing(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000.0*p.InputCostPer1K +
		float64(outputTokens)/1000.0*p.OutputCostPer1K
}

// resolveDeployment applies the resolution order for a deployment.
func (c *Calculator) resolveDeployment(d *registry.Deployment) ModelPricing {
	if d == nil {
		return ModelPricing{}
	}

	if d.InputCostPer1K > 0 || d.OutputCostPer1K > 0 || d.CostPerRequest > 0 {
		return ModelPricing{
			Model:           d.Model,
			InputCostPer1K:  d.InputCostPer1K,
			OutputCostPer1K: d.OutputCostPer1K,
			CostPerRequest:  d.CostPerRequest,
		}
	}
	if p, ok := c.findPricing(d.Model); ok {
		return p
	}
	if d.BaseModel != "" {
		if p, ok := c.findPricing(d.BaseModel); ok {
			return p
		}
	}
	return ModelPricing{}
}

// findPricing tries an exact match, then the longest wildcard prefix.
func (c *Calculator) findPricing(model string) (ModelPricing, bool) {
	modelLower := strings.ToLower(model)

	for pattern, p := range c.pricing {
		if strings.EqualFold(pattern, model) {
			return p, true
		}
	}

	var bestMatch *ModelPricing
	var bestMatchLen int
	for pattern, p := range c.pricing {
		if strings.HasSuffix(pattern, "*") {
			prefix := strings.ToLower(strings.TrimSuffix(pattern, "*"))
			if strings.HasPrefix(modelLower, prefix) && len(prefix) > bestMatchLen {
				pCopy := p
				bestMatch = &pCopy
				bestMatchLen = len(prefix)
			}
		}
	}
	if bestMatch != nil {
		return *bestMatch, true
	}

	return ModelPricing{}, false
}

// AddPricing adds or replaces rates for a pattern.
func (c *Calculator) AddPricing(p ModelPricing) {
	c.pricing[p.Model] = p
}

// GetPricing resolves rates for a bare model name.
func (c *Calculator) GetPricing(model string) (ModelPricing, bool) {
	return c.findPricing(model)
}
