package llm

import "strings"

type pricing struct {
	inputPer1K  float64
	outputPer1K float64
}

type pricingRule struct {
	prefix string
	rates  pricing
}

var exactPricing = map[string]pricing{
	"gpt-4o":        {inputPer1K: 0.005, outputPer1K: 0.015},
	"gpt-4o-mini":   {inputPer1K: 0.00015, outputPer1K: 0.0006},
	"gpt-4-turbo":   {inputPer1K: 0.01, outputPer1K: 0.03},
	"gpt-3.5-turbo": {inputPer1K: 0.0005, outputPer1K: 0.0015},
}

// Longer prefixes first so dated snapshots resolve to the right family.
var prefixPricing = []pricingRule{
	{prefix: "gpt-4o-mini-", rates: pricing{inputPer1K: 0.00015, outputPer1K: 0.0006}},
	{prefix: "gpt-4o-", rates: pricing{inputPer1K: 0.005, outputPer1K: 0.015}},
	{prefix: "gpt-4-turbo-", rates: pricing{inputPer1K: 0.01, outputPer1K: 0.03}},
	{prefix: "gpt-3.5-turbo-", rates: pricing{inputPer1K: 0.0005, outputPer1K: 0.0015}},
}

// EstimateCost returns the input and output cost in USD. ok is false for
// models without known pricing.
func EstimateCost(model string, inputTokens, outputTokens int) (inputCost, outputCost float64, ok bool) {
	rates, ok := pricingForModel(model)
	if !ok {
		return 0, 0, false
	}
	return (float64(inputTokens) / 1000) * rates.inputPer1K, (float64(outputTokens) / 1000) * rates.outputPer1K, true
}

func pricingForModel(model string) (pricing, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if rates, ok := exactPricing[model]; ok {
		return rates, true
	}
	for _, rule := range prefixPricing {
		if strings.HasPrefix(model, rule.prefix) {
			return rule.rates, true
		}
	}
	return pricing{}, false
}
