package metrics

import "strings"

// Pricing is dollars per million tokens.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// Cost estimates the dollar cost of a token count under this pricing.
func (p Pricing) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1e6*p.InputPerM + float64(outputTokens)/1e6*p.OutputPerM
}

// pricingTable maps model-name fragments to pricing. Locally served
// models cost nothing; hosted models use their published API rates.
var pricingTable = []struct {
	fragment string
	pricing  Pricing
}{
	{"gpt-4o-mini", Pricing{0.15, 0.60}},
	{"gpt-4o", Pricing{2.50, 10.00}},
	{"o3-mini", Pricing{1.10, 4.40}},
	{"claude-3-5-haiku", Pricing{0.80, 4.00}},
	{"claude-3-5-sonnet", Pricing{3.00, 15.00}},
	{"claude-sonnet", Pricing{3.00, 15.00}},
	{"claude-opus", Pricing{15.00, 75.00}},
	{"deepseek", Pricing{0.27, 1.10}},
	// ollama-served models
	{"qwen", Pricing{0, 0}},
	{"llama", Pricing{0, 0}},
	{"codestral", Pricing{0, 0}},
	{"mistral", Pricing{0, 0}},
}

var defaultPricing = Pricing{3.00, 15.00}

// PricingFor looks up pricing by case-insensitive substring match against
// the model name, falling back to a default for unknown models.
func PricingFor(model string) Pricing {
	m := strings.ToLower(model)
	for _, entry := range pricingTable {
		if strings.Contains(m, entry.fragment) {
			return entry.pricing
		}
	}
	return defaultPricing
}
