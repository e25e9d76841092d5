// Package billing implements credit accounting for runs: pre-step
// reservation against an account balance, settlement with actual usage,
// monthly renewal grants, and webhook-driven account changes. Every grant
// path funnels through the coordination gates so no signal ordering can
// double-credit an account.
package billing

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/droverhq/drover/pkg/agent"
)

// modelPrice is the credit cost per million tokens.
type modelPrice struct {
	input  decimal.Decimal
	output decimal.Decimal
}

var million = decimal.NewFromInt(1_000_000)

// cacheReadFactor discounts input tokens served from the provider's prompt
// cache.
var cacheReadFactor = decimal.RequireFromString("0.1")

func price(in, out string) modelPrice {
	return modelPrice{
		input:  decimal.RequireFromString(in),
		output: decimal.RequireFromString(out),
	}
}

// prices maps model-id prefixes to per-million-token credit costs. Longest
// matching prefix wins; unknown models fall back to defaultPrice.
var prices = map[string]modelPrice{
	"gpt-4o":      price("2.50", "10.00"),
	"gpt-4o-mini": price("0.15", "0.60"),
	"gpt-4.1":     price("2.00", "8.00"),
	"o3":          price("2.00", "8.00"),
	"llama":       price("0.20", "0.80"),
	"qwen":        price("0.20", "0.80"),
}

var defaultPrice = price("2.50", "10.00")

func priceFor(model string) modelPrice {
	best := ""
	for prefix := range prices {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultPrice
	}
	return prices[best]
}

// EstimateCost returns the credits to reserve before a step: prompt tokens
// at the input rate plus the worst-case completion at the output rate.
func EstimateCost(model string, promptTokens, maxOutputTokens int) decimal.Decimal {
	p := priceFor(model)
	in := p.input.Mul(decimal.NewFromInt(int64(promptTokens))).Div(million)
	out := p.output.Mul(decimal.NewFromInt(int64(maxOutputTokens))).Div(million)
	return in.Add(out)
}

// ActualCost prices the usage a step reported. Cache-read tokens are billed
// at a fraction of the input rate.
func ActualCost(model string, usage agent.TokenUsage) decimal.Decimal {
	p := priceFor(model)

	fresh := usage.InputTokens - usage.CacheReadTokens
	if fresh < 0 {
		fresh = 0
	}
	in := p.input.Mul(decimal.NewFromInt(int64(fresh))).Div(million)
	cached := p.input.Mul(cacheReadFactor).
		Mul(decimal.NewFromInt(int64(usage.CacheReadTokens))).Div(million)
	out := p.output.Mul(decimal.NewFromInt(int64(usage.OutputTokens))).Div(million)
	return in.Add(cached).Add(out)
}
