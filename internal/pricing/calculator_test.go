package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/pkg/types"
)

func TestCostForUsageBuiltIn(t *testing.T) {
	c := NewCalculator(nil)
	d := &registry.Deployment{Model: "gpt-4o"}

	usage := &types.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000}
	cost := c.CostForUsage(d, usage)
	assert.InDelta(t, 0.005+0.015, cost, 1e-9)
}

func TestCostForUsageCachedTokens(t *testing.T) {
	c := NewCalculator(nil)
	d := &registry.Deployment{Model: "gpt-4o"}

	usage := &types.Usage{
		PromptTokens:        1000,
		CompletionTokens:    0,
		PromptTokensDetails: &types.PromptTokensDetails{CachedTokens: 400},
	}
	// 600 fresh at 0.005/1K plus 400 cached at 0.0025/1K.
	cost := c.CostForUsage(d, usage)
	assert.InDelta(t, 0.6*0.005+0.4*0.0025, cost, 1e-9)
}

func TestCostForUsageCachedExceedsPrompt(t *testing.T) {
	c := NewCalculator(nil)
	d := &registry.Deployment{Model: "gpt-4o"}

	usage := &types.Usage{
		PromptTokens:        100,
		PromptTokensDetails: &types.PromptTokensDetails{CachedTokens: 500},
	}
	// Cached clamps to the prompt count.
	cost := c.CostForUsage(d, usage)
	assert.InDelta(t, 0.1*0.0025, cost, 1e-9)
}

func TestCostForUsageDeploymentOverride(t *testing.T) {
	c := NewCalculator(nil)
	d := &registry.Deployment{
		Model:           "gpt-4o",
		InputCostPer1K:  0.001,
		OutputCostPer1K: 0.002,
		CostPerRequest:  0.01,
	}

	usage := &types.Usage{PromptTokens: 1000, CompletionTokens: 500}
	cost := c.CostForUsage(d, usage)
	assert.InDelta(t, 0.01+0.001+0.5*0.002, cost, 1e-9)
}

func TestCostForUsageBaseModelFallback(t *testing.T) {
	c := NewCalculator(nil)
	d := &registry.Deployment{Model: "my-gpt4o-finetune", BaseModel: "gpt-4o"}

	usage := &types.Usage{PromptTokens: 1000}
	cost := c.CostForUsage(d, usage)
	assert.InDelta(t, 0.005, cost, 1e-9)
}

func TestCostForUsageUnknownModelIsFree(t *testing.T) {
	c := NewCalculator(nil)
	d := &registry.Deployment{Model: "totally-unknown"}
	assert.Zero(t, c.CostForUsage(d, &types.Usage{PromptTokens: 1000, CompletionTokens: 1000}))
}

func TestCostForUsageNilInputs(t *testing.T) {
	c := NewCalculator(nil)
	assert.Zero(t, c.CostForUsage(nil, nil))
	assert.Zero(t, c.CostForUsage(&registry.Deployment{Model: "gpt-4o"}, nil))
}

func TestWildcardMatching(t *testing.T) {
	c := NewCalculator(nil)

	p, ok := c.GetPricing("claude-3-5-sonnet-20241022")
	require.True(t, ok)
	assert.InDelta(t, 0.003, p.InputCostPer1K, 1e-9)

	// The longest wildcard prefix wins.
	p, ok = c.GetPricing("gpt-4-turbo-2024-04-09")
	require.True(t, ok)
	assert.InDelta(t, 0.01, p.InputCostPer1K, 1e-9)

	p, ok = c.GetPricing("gpt-4-0613")
	require.True(t, ok)
	assert.InDelta(t, 0.03, p.InputCostPer1K, 1e-9)

	_, ok = c.GetPricing("unpriced-model")
	assert.False(t, ok)
}

func TestConfiguredOverridesWin(t *testing.T) {
	c := NewCalculator(map[string]config.PriceOverride{
		"gpt-4o": {InputCostPer1K: 0.001, OutputCostPer1K: 0.002},
	})

	p, ok := c.GetPricing("gpt-4o")
	require.True(t, ok)
	assert.InDelta(t, 0.001, p.InputCostPer1K, 1e-9)
}

func TestCalculate(t *testing.T) {
	c := NewCalculator(nil)
	assert.InDelta(t, 0.005+0.015, c.Calculate("gpt-4o", 1000, 1000), 1e-9)
	assert.Zero(t, c.Calculate("unknown", 1000, 1000))
}
