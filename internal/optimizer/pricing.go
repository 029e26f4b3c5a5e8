package optimizer

import "strings"

// ModelPricing holds per-1K-token USD rates for one upstream model.
type ModelPricing struct {
	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model" yaml:"model"`
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
}

// savingsRateBP maps a provider to the savings rate applied by prompt
// optimization, in basis points. The rates come from the published marketing
// numbers; they are fixed per provider, with a small deterministic adjustment
// applied per prompt (see jitterBP).
var savingsRateBP = map[string]int{
	"openai":     2500,
	"anthropic":  3000,
	"perplexity": 3500,
}

// DefaultCatalog returns the built-in provider pricing table.
func DefaultCatalog() []ModelPricing {
	return []ModelPricing{
		{Provider: "openai", Model: "gpt-4o", InputPer1K: 0.005, OutputPer1K: 0.015},
		{Provider: "openai", Model: "gpt-4o-mini", InputPer1K: 0.00015, OutputPer1K: 0.0006},
		{Provider: "anthropic", Model: "claude-3-5-sonnet", InputPer1K: 0.003, OutputPer1K: 0.015},
		{Provider: "anthropic", Model: "claude-3-haiku", InputPer1K: 0.00025, OutputPer1K: 0.00125},
		{Provider: "perplexity", Model: "sonar-pro", InputPer1K: 0.003, OutputPer1K: 0.015},
		{Provider: "perplexity", Model: "sonar", InputPer1K: 0.001, OutputPer1K: 0.001},
	}
}

// Providers returns the distinct provider names in catalog order.
func Providers(catalog []ModelPricing) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, p := range catalog {
		name := strings.ToLower(p.Provider)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// cheapestFor returns the lowest input-cost model for the given provider,
// or false if the provider has no catalog entry.
func cheapestFor(catalog []ModelPricing, provider string) (ModelPricing, bool) {
	var best ModelPricing
	found := false
	for _, p := range catalog {
		if !strings.EqualFold(p.Provider, provider) {
			continue
		}
		if !found || p.InputPer1K < best.InputPer1K {
			best = p
			found = true
		}
	}
	return best, found
}

// DefaultModelFor returns the first (flagship) catalog model for a provider.
func DefaultModelFor(catalog []ModelPricing, provider string) (ModelPricing, bool) {
	for _, p := range catalog {
		if strings.EqualFold(p.Provider, provider) {
			return p, true
		}
	}
	return ModelPricing{}, false
}

// PricingFor looks up pricing for an exact provider/model pair.
func PricingFor(catalog []ModelPricing, provider, model string) (ModelPricing, bool) {
	for _, p := range catalog {
		if strings.EqualFold(p.Provider, provider) && strings.EqualFold(p.Model, model) {
			return p, true
		}
	}
	return ModelPricing{}, false
}
